package client

import (
	"fmt"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/golang/glog"
)

// Monitor keeps Engine stats.
type Monitor struct {
	sync.Mutex
	name         string
	period       time.Duration
	submitDur    *movingaverage.MovingAverage
	probeDur     *movingaverage.MovingAverage
	fetchDur     *movingaverage.MovingAverage
	stats        Stats
	periodSubmit int
	stopCh       chan struct{}
}

// Stats is a Monitor counters snapshot.
type Stats struct {
	// Dispatched HTTP exchanges (one per direct entry or bundle)
	Requests int
	// Reconciled entries
	Succeeded int
	// Failed entries
	Failed int
	// Aborted requests
	Aborted int
	// Version probes issued
	Probes int
	// Fetch calls
	Fetches int
	// Moving average durations [ms]
	SubmitDurAvg float64
	ProbeDurAvg  float64
	FetchDurAvg  float64
}

// String implements the stringer interface.
func (s Stats) String() string {
	return fmt.Sprintf("requests=%d succeeded=%d failed=%d aborted=%d probes=%d fetches=%d submit=%.2fms probe=%.2fms fetch=%.2fms",
		s.Requests, s.Succeeded, s.Failed, s.Aborted, s.Probes, s.Fetches, s.SubmitDurAvg, s.ProbeDurAvg, s.FetchDurAvg)
}

func (m *Monitor) RequestServed(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.stats.Requests++
	m.periodSubmit++
	m.submitDur.Add(durToMs(dur))
}

func (m *Monitor) ProbeServed(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.stats.Probes++
	m.probeDur.Add(durToMs(dur))
}

func (m *Monitor) FetchServed(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.stats.Fetches++
	m.fetchDur.Add(durToMs(dur))
}

func (m *Monitor) EntriesReconciled(succeeded, failed int) {
	m.Lock()
	defer m.Unlock()

	m.stats.Succeeded += succeeded
	m.stats.Failed += failed
}

func (m *Monitor) RequestAborted() {
	m.Lock()
	defer m.Unlock()

	m.stats.Aborted++
}

// Stats returns the current counters.
func (m *Monitor) Stats() Stats {
	m.Lock()
	defer m.Unlock()

	stats := m.stats
	stats.SubmitDurAvg = m.submitDur.Avg()
	stats.ProbeDurAvg = m.probeDur.Avg()
	stats.FetchDurAvg = m.fetchDur.Avg()

	return stats
}

// Start starts the Monitor worker.
func (m *Monitor) Start() {
	if m.stopCh != nil || m.period <= 0 {
		return
	}

	m.stopCh = make(chan struct{})
	go m.worker()
}

// Stop stops the Monitor worker.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}

	close(m.stopCh)
	m.stopCh = nil
}

// worker does the actual job.
func (m *Monitor) worker() {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	stopCh := m.stopCh
	for {
		select {
		case <-stopCh:
			// Stop the monitor
			return
		case <-ticker.C:
			// Print the report
			stats := m.Stats()

			m.Lock()
			reqPerSec := float64(m.periodSubmit) / m.period.Seconds()
			m.periodSubmit = 0
			m.Unlock()

			glog.Infof("%s: Monitor:", m.name)
			glog.Infof("  - Requests / s:            %.2f", reqPerSec)
			glog.Infof("  - Entries succeeded:       %d", stats.Succeeded)
			glog.Infof("  - Entries failed:          %d", stats.Failed)
			glog.Infof("  - Requests aborted:        %d", stats.Aborted)
			glog.Infof("  - Submit request dur [ms]: %.2f", stats.SubmitDurAvg)
			glog.Infof("  - Probe request dur [ms]:  %.2f", stats.ProbeDurAvg)
			glog.Infof("  - Fetch request dur [ms]:  %.2f", stats.FetchDurAvg)
		}
	}
}

// NewMonitor creates a new Monitor object; period 0 disables reports.
func NewMonitor(name string, period time.Duration) *Monitor {
	return &Monitor{
		name:      name,
		period:    period,
		submitDur: movingaverage.New(5),
		probeDur:  movingaverage.New(5),
		fetchDur:  movingaverage.New(5),
	}
}

func durToMs(dur time.Duration) float64 {
	return float64(dur/time.Microsecond) / 1000.0
}
