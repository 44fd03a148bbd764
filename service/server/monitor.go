package server

import (
	"net/http"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
)

// Monitor keeps Server stats.
type Monitor struct {
	sync.Mutex
	period      time.Duration
	stats       Stats
	periodReads int
	periodOps   int
	reqDur      *movingaverage.MovingAverage
	stopCh      chan struct{}
}

// Stats is a Monitor counters snapshot.
type Stats struct {
	Reads      int
	Writes     int
	Bundles    int
	OpsHandled int
	// Moving average request duration [ms]
	RequestDurAvg float64
}

// Middleware returns the gin middleware measuring requests.
func (m *Monitor) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RequestServed(c.Request.Method, c.FullPath(), time.Since(start))
	}
}

// RequestServed updates the request counters and duration metric.
func (m *Monitor) RequestServed(method, route string, dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	switch {
	case method == http.MethodPost && route == "/":
		m.stats.Bundles++
	case method == http.MethodGet || method == http.MethodHead:
		m.stats.Reads++
		m.periodReads++
	default:
		m.stats.Writes++
	}
	m.reqDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

// OpsHandled increments the write operations applied metric.
func (m *Monitor) OpsHandled(count int) {
	m.Lock()
	defer m.Unlock()

	m.stats.OpsHandled += count
	m.periodOps += count
}

// Stats returns the current counters.
func (m *Monitor) Stats() Stats {
	m.Lock()
	defer m.Unlock()

	stats := m.stats
	stats.RequestDurAvg = m.reqDur.Avg()

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
			m.Lock()

			opsPerSec := float64(m.periodOps) / m.period.Seconds()
			readsPerSec := float64(m.periodReads) / m.period.Seconds()
			glog.Infof("Monitor:")
			glog.Infof("  - Storage updates / s: %.2f", opsPerSec)
			glog.Infof("  - Read requests / s:   %.2f", readsPerSec)
			glog.Infof("  - Bundles served:      %d", m.stats.Bundles)
			glog.Infof("  - Request dur [ms]:    %.2f", m.reqDur.Avg())
			m.periodOps = 0
			m.periodReads = 0

			m.Unlock()
		}
	}
}

// NewMonitor creates a new Monitor object; period 0 disables reports.
func NewMonitor(period time.Duration) *Monitor {
	return &Monitor{
		period: period,
		reqDur: movingaverage.New(5),
	}
}
