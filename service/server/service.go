package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
)

// ErrStopped is returned for writes queued while the Server stops.
var ErrStopped = errors.New("server stopped")

type (
	// Config keeps the Server settings.
	Config struct {
		// HTTP port
		Port int
		// Seed collection Bundle path (optional)
		SeedFile string
		// Answer HEAD requests with 405 (clients have to fall back to GET)
		DisableHead bool
		// Queued writes are applied every BatchPeriod
		BatchPeriod time.Duration
		// Write queue size
		ChSize int
		// Monitor report period (0 disables reports)
		ReportPeriod time.Duration
	}

	// Server is a minimal FHIR REST server keeping versioned resources in memory.
	Server struct {
		// Config
		cfg Config
		// State
		repo       *Repository
		router     *gin.Engine
		httpServer *http.Server
		monitor    *Monitor
		opsCh      chan writeJob
		//
		stopCh chan interface{}
	}

	// writeJob is a set of write operations waiting for the worker.
	writeJob struct {
		atomic  bool
		ops     []Operation
		replyCh chan []OperationResult
	}
)

// Validate validates the Config and sets defaults.
func (c *Config) Validate() error {
	if c.Port < 0 {
		return fmt.Errorf("%s: must be GTE 0", "Port")
	}
	if c.ChSize < 0 {
		return fmt.Errorf("%s: must be GTE 0", "ChSize")
	}
	if c.BatchPeriod <= 0 {
		return fmt.Errorf("%s: must be GT 0", "BatchPeriod")
	}
	if c.ReportPeriod < 0 {
		return fmt.Errorf("%s: must be GTE 0", "ReportPeriod")
	}

	return nil
}

// Handler returns the HTTP handler (used by tests via httptest).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Repository returns the server state.
func (s *Server) Repository() *Repository {
	return s.repo
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return s.monitor.Stats()
}

// Start starts the service worker.
func (s *Server) Start() {
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan interface{})

	s.monitor.Start()
	go s.worker()
}

// ListenAndServe starts the worker and serves HTTP requests until Stop.
func (s *Server) ListenAndServe() error {
	s.Start()

	glog.Infof("Server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server: %w", err)
	}

	return nil
}

// Stop stops the HTTP server and the service worker.
func (s *Server) Stop() {
	if s.stopCh == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		glog.Warningf("Server: HTTP shutdown: %v", err)
	}

	close(s.stopCh)
	s.monitor.Stop()
}

// submit queues write operations and waits for the worker to apply them.
func (s *Server) submit(ctx context.Context, atomic bool, ops ...Operation) ([]OperationResult, error) {
	job := writeJob{
		atomic:  atomic,
		ops:     ops,
		replyCh: make(chan []OperationResult, 1),
	}

	select {
	case s.opsCh <- job:
	case <-s.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case results := <-job.replyCh:
		return results, nil
	case <-s.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker does the actual job.
func (s *Server) worker() {
	glog.Infof("Server: start")

	jobsQueue := make([]writeJob, 0)

	ticker := time.NewTicker(s.cfg.BatchPeriod)
	defer ticker.Stop()

	stopCh := s.stopCh
	for {
		select {
		case <-stopCh:
			// Service stop
			glog.Infof("Server: stop")
			return
		case job := <-s.opsCh:
			// Push write operations to the queue
			jobsQueue = append(jobsQueue, job)
		case <-ticker.C:
			// Start handling the queued operations (in arrival order)
			opsCnt := 0
			for _, job := range jobsQueue {
				job.replyCh <- s.repo.Apply(job.atomic, job.ops...)
				opsCnt += len(job.ops)
			}
			s.monitor.OpsHandled(opsCnt)

			jobsQueue = make([]writeJob, 0)
		}
	}
}

// NewServer creates a new Server object.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	repo := NewRepository()
	if cfg.SeedFile != "" {
		seedRepo, err := NewRepositoryFromFile(cfg.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("NewRepositoryFromFile: %w", err)
		}
		repo = seedRepo
	}

	s := &Server{
		cfg:     cfg,
		repo:    repo,
		monitor: NewMonitor(cfg.ReportPeriod),
		opsCh:   make(chan writeJob, cfg.ChSize),
	}

	if !glog.V(2) {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.monitor.Middleware())
	s.routes()
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
	}

	return s, nil
}
