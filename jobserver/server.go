// Package jobserver is the reference interpolation job server: it stores
// uploads, accepts jobs, runs them through a Processor on a bounded worker
// pool fed by an SQLite dispatch queue, serves status, cancellation and
// results, and sweeps everything once the result TTL runs out. It also
// serves the synchronous legacy endpoint.
package jobserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"

	"github.com/hazyhaar/interp/idgen"
	"github.com/hazyhaar/interp/shield"
)

// DefaultCancelPoll is how often a worker checks the store for a cancel
// issued by another process.
const DefaultCancelPoll = 250 * time.Millisecond

// Server wires the job store, queue, workers and HTTP handlers.
type Server struct {
	cfg      *Config
	store    *Store
	queue    *Queue
	events   *EventLogger
	proc     Processor
	metrics  *Metrics
	registry *prometheus.Registry
	limiter  *shield.RateLimiter
	logger   *slog.Logger

	newJobID  idgen.Generator
	newToken  idgen.Generator
	newSuffix idgen.Generator
	now       func() time.Time

	cancelPoll time.Duration
	pollEvery  time.Duration
	// legacy bounds concurrent synchronous requests.
	legacy chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithCancelPoll sets how often workers look for cancels in the store.
func WithCancelPoll(d time.Duration) Option {
	return func(s *Server) { s.cancelPoll = d }
}

// WithQueuePoll sets the dispatch queue poll interval.
func WithQueuePoll(d time.Duration) Option {
	return func(s *Server) { s.pollEvery = d }
}

// New builds a server over db, which must carry Schema. The upload and
// output directories are created.
func New(cfg *Config, db *sql.DB, proc Processor, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("jobserver: config: %w", err)
	}
	if proc == nil {
		return nil, errors.New("jobserver: nil processor")
	}
	s := &Server{
		cfg:        cfg,
		proc:       proc,
		logger:     slog.Default(),
		newJobID:   idgen.UUIDv7(),
		newToken:   idgen.Token(16),
		newSuffix:  idgen.NanoID(4),
		now:        time.Now,
		cancelPoll: DefaultCancelPoll,
		legacy:     make(chan struct{}, cfg.Workers),
		running:    make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("jobserver: mkdir %s: %w", dir, err)
		}
	}

	s.store = NewStore(db)
	s.store.now = s.now
	s.queue = NewQueue(db, QueueOptions{Visibility: cfg.Visibility, PollInterval: s.pollEvery, Logger: s.logger})
	s.events = NewEventLogger(db, s.logger)
	s.metrics = NewMetrics(s.registry)
	if len(cfg.RateLimits) > 0 {
		s.limiter = shield.NewRateLimiter(cfg.RateLimits, s.logger)
	}
	return s, nil
}

// Store exposes the job store.
func (s *Server) Store() *Store { return s.store }

// Events exposes the job event log.
func (s *Server) Events() *EventLogger { return s.events }

// Run recovers jobs interrupted by a previous process, then runs the
// workers, the TTL sweeper and the rate limiter GC until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ids, err := s.store.Requeue(ctx)
	if err != nil {
		return fmt.Errorf("jobserver: requeue: %w", err)
	}
	for _, id := range ids {
		if err := s.queue.Publish(ctx, id); err != nil {
			return fmt.Errorf("jobserver: requeue %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("jobserver: requeued interrupted jobs", "count", len(ids))
	}

	if s.limiter != nil {
		s.limiter.StartGC(time.Minute, ctx.Done())
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.queue.Run(ctx, s.cfg.Workers, s.handle)
	}()
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()
	wg.Wait()
	return nil
}

// ListenAndServe serves the HTTP API on cfg.Listen with at most
// cfg.MaxConns simultaneous connections, and shuts down gracefully when ctx
// is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("jobserver: listen: %w", err)
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("interpd listening", "addr", ln.Addr().String(), "max_conns", s.cfg.MaxConns)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("jobserver: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// track registers the cancel func of a running job.
func (s *Server) track(id string, stop context.CancelCauseFunc) {
	s.mu.Lock()
	s.running[id] = stop
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// stopRunning interrupts the job's processor when it runs in this process.
func (s *Server) stopRunning(id string, cause error) {
	s.mu.Lock()
	stop := s.running[id]
	s.mu.Unlock()
	if stop != nil {
		stop(cause)
	}
}
