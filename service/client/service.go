package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DriverConfig keeps the Driver settings.
type DriverConfig struct {
	// Unique ID
	ID int
	// Local edits period
	EditPeriod time.Duration
	// Max number of edits per period
	EditMax int
	// Loaded resources refresh period
	PollPeriod time.Duration
	// Resource types to load and edit
	ResourceTypes []string
	// Scopes edits are recorded to (submitted every EditPeriod)
	Scopes []string
	// Max number of resources per type to load
	SearchCount int
}

// Driver generates random local edits on an Engine, submits them and keeps the loaded
// resources up to date.
type Driver struct {
	// Config
	cfg    DriverConfig
	engine *Engine
	// State
	rnd          *rand.Rand
	pendingSince time.Time // first not yet confirmed submission
	mu           sync.Mutex
	failures     int // failed submissions
	failedScopes []string
	//
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan interface{}
	doneCh chan struct{}
}

// Validate validates the DriverConfig and sets defaults.
func (c *DriverConfig) Validate() error {
	if c.EditPeriod <= 0 {
		return fmt.Errorf("%s: must be GT 0", "EditPeriod")
	}
	if c.PollPeriod <= 0 {
		return fmt.Errorf("%s: must be GT 0", "PollPeriod")
	}
	if c.EditMax < 1 {
		return fmt.Errorf("%s: must be GTE 1", "EditMax")
	}
	if c.SearchCount < 0 {
		return fmt.Errorf("%s: must be GTE 0", "SearchCount")
	}
	if c.SearchCount == 0 {
		c.SearchCount = 50
	}
	if len(c.ResourceTypes) == 0 {
		c.ResourceTypes = []string{"Patient", "Encounter", "Organization"}
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{""}
	}

	return nil
}

// String implements the stringer interface.
func (d *Driver) String() string {
	return fmt.Sprintf("Driver (%d)", d.cfg.ID)
}

// Engine returns the driven Engine.
func (d *Driver) Engine() *Engine {
	return d.engine
}

// Start starts the Driver worker.
func (d *Driver) Start() {
	if d.stopCh != nil {
		return
	}
	d.stopCh = make(chan interface{})
	d.doneCh = make(chan struct{})
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.engine.Start()
	go d.worker()
}

// Stop stops the Driver worker aborting submissions in flight.
func (d *Driver) Stop() {
	if d.stopCh == nil {
		return
	}

	close(d.stopCh)
	d.cancel()
	<-d.doneCh
	d.engine.Stop()
	d.stopCh = nil
}

// Failures returns the number of failed submissions.
func (d *Driver) Failures() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.failures
}

// Done is closed once the worker exits.
func (d *Driver) Done() <-chan struct{} {
	return d.doneCh
}

// worker does the actual job.
func (d *Driver) worker() {
	defer close(d.doneCh)

	glog.Infof("%s: start", d.String())
	glog.Infof("%s: editPeriod: %v", d.String(), d.cfg.EditPeriod)
	glog.Infof("%s: editMax:    %v", d.String(), d.cfg.EditMax)
	glog.Infof("%s: pollPeriod: %v", d.String(), d.cfg.PollPeriod)
	glog.Infof("%s: scopes:     %q", d.String(), d.cfg.Scopes)

	if err := d.initSnapshot(); err != nil {
		glog.Errorf("%s: snapshot initialization: %v", d.String(), err)
		return
	}

	editTicker := time.NewTicker(d.cfg.EditPeriod)
	defer editTicker.Stop()
	pollTicker := time.NewTicker(d.cfg.PollPeriod)
	defer pollTicker.Stop()

	for {
		select {
		case <-editTicker.C:
			// Edit and submit resources
			d.sendUpdates()
		case <-pollTicker.C:
			// Refresh the loaded resources
			if err := d.pollUpdates(); err != nil {
				glog.Warningf("%s: polling updates: %v", d.String(), err)
			}
		case <-d.stopCh:
			// Stop the driver
			glog.Infof("%s: stop", d.String())
			return
		}
	}
}

// NewDriver creates a new Driver object.
func NewDriver(engine *Engine, cfg DriverConfig) (*Driver, error) {
	if engine == nil {
		return nil, fmt.Errorf("%s: nil", "engine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &Driver{
		cfg:    cfg,
		engine: engine,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
	}, nil
}
