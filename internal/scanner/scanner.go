// Package scanner discovers live hosts on the local network and streams
// per-host verdicts as they are produced.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/config"
	"github.com/pifleet/panel/internal/shell"
)

// Publisher forwards discoveries to an external bus.
type Publisher interface {
	PublishDeviceDiscovered(scanID string, result Result) error
}

// CompletionNotifier is told when a scan ends, however it ended.
type CompletionNotifier interface {
	NotifyComplete(ctx context.Context, summary Summary) error
}

// Recorder collects scan metrics.
type Recorder interface {
	ScanStarted(method Method)
	ResultRecorded(method Method, status Status)
	ScanFinished(method Method, state State, elapsed time.Duration)
}

// State is the lifecycle stage of a scan session.
type State string

const (
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Summary describes a finished scan.
type Summary struct {
	ScanID      string        `json:"scan_id"`
	Method      Method        `json:"method"`
	State       State         `json:"state"`
	Targets     int           `json:"targets"`
	Results     int           `json:"results"`
	Active      int           `json:"active"`
	RaspberryPi int           `json:"raspberry_pi"`
	StartedAt   time.Time     `json:"started_at"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Scanner runs discovery sessions. Any number of sessions may run at once;
// each has its own concurrency budget.
type Scanner struct {
	config    config.ScannerConfig
	logger    *zap.SugaredLogger
	probers   map[Method]Prober
	publisher Publisher
	notifier  CompletionNotifier
	recorder  Recorder

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithProber registers or replaces the strategy for p.Method().
func WithProber(p Prober) Option {
	return func(s *Scanner) { s.probers[p.Method()] = p }
}

// WithPublisher forwards active results to pub.
func WithPublisher(pub Publisher) Option {
	return func(s *Scanner) { s.publisher = pub }
}

// WithNotifier reports every finished scan to n.
func WithNotifier(n CompletionNotifier) Option {
	return func(s *Scanner) { s.notifier = n }
}

// WithRecorder records scan metrics to r.
func WithRecorder(r Recorder) Option {
	return func(s *Scanner) { s.recorder = r }
}

// New creates a Scanner with the ping, ARP and SSH strategies wired to runner.
func New(cfg config.ScannerConfig, runner shell.Runner, logger *zap.SugaredLogger, opts ...Option) *Scanner {
	if cfg.MaxHosts <= 0 {
		cfg.MaxHosts = DefaultMaxHosts
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	s := &Scanner{
		config:   cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		probers: map[Method]Prober{
			MethodPing: NewPingProber(runner, logger),
			MethodARP:  NewARPProber(runner, logger),
			MethodSSH: NewSSHProber(logger,
				WithSSHPort(cfg.SSHPort),
				WithBannerTimeout(cfg.BannerTimeout),
			),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Defaults fills unset request fields from configuration.
func (s *Scanner) Defaults(req Request) Request {
	if req.Method == "" {
		req.Method = MethodSSH
	}
	if req.Timeout == 0 {
		req.Timeout = s.config.DefaultTimeout
		if req.Timeout == 0 {
			req.Timeout = DefaultTimeout
		}
	}
	if req.MaxConcurrency == 0 {
		req.MaxConcurrency = s.config.DefaultConcurrency
		if req.MaxConcurrency == 0 {
			req.MaxConcurrency = DefaultConcurrent
		}
	}
	return req
}

// Start validates req, resolves its targets and launches the scan. The
// session stops when ctx is cancelled or Session.Cancel is called. Errors are
// returned before any event is produced.
func (s *Scanner) Start(ctx context.Context, req Request) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	prober, ok := s.probers[req.Method]
	if !ok {
		return nil, fmt.Errorf("%w: no prober for method %q", ErrInvalidInput, req.Method)
	}
	targets, err := ResolveTargets(req.Network, req.Hosts, s.config.MaxHosts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:        uuid.New().String(),
		Method:    req.Method,
		Targets:   targets,
		StartedAt: time.Now(),
		events:    make(chan Event, s.config.EventBuffer),
		cancel:    cancel,
	}
	sess.state.Store(StateStreaming)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Infow("Scan started",
		"scan_id", sess.ID,
		"method", req.Method,
		"targets", len(targets),
		"max_concurrency", req.MaxConcurrency,
	)
	if s.recorder != nil {
		s.recorder.ScanStarted(req.Method)
	}

	opts := Options{
		Timeout:           req.Timeout,
		MaxConcurrency:    req.MaxConcurrency,
		IncludeReverseDNS: req.IncludeReverseDNS,
		ProbeRate:         s.config.ProbeRate,
	}

	s.wg.Add(1)
	go s.run(ctx, sess, prober, opts)

	return sess, nil
}

func (s *Scanner) run(ctx context.Context, sess *Session, prober Prober, opts Options) {
	defer s.wg.Done()
	defer sess.cancel()

	raw := make(chan Event, cap(sess.events))
	go func() {
		defer close(raw)
		prober.Probe(ctx, sess.Targets, opts, raw)
	}()

	for ev := range raw {
		if ev.Kind == EventResult && ev.Result != nil {
			s.record(sess, *ev.Result)
		}
		select {
		case sess.events <- ev:
		case <-ctx.Done():
			// Keep draining so the prober can observe cancellation and return.
		}
	}

	state := StateCompleted
	if ctx.Err() != nil {
		state = StateCancelled
	} else {
		select {
		case sess.events <- logEvent(FinishedMessage):
		case <-ctx.Done():
			state = StateCancelled
		}
	}
	sess.state.Store(state)
	close(sess.events)

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	summary := sess.Summary()
	s.logger.Infow("Scan finished",
		"scan_id", sess.ID,
		"method", sess.Method,
		"state", state,
		"results", summary.Results,
		"active", summary.Active,
		"elapsed", summary.Elapsed,
	)
	if s.recorder != nil {
		s.recorder.ScanFinished(sess.Method, state, summary.Elapsed)
	}
	if s.notifier != nil {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.NotifyComplete(nctx, summary); err != nil {
			s.logger.Warnw("Failed to report scan completion", "scan_id", sess.ID, "error", err)
		}
	}
}

func (s *Scanner) record(sess *Session, r Result) {
	sess.results.Add(1)
	if r.Status == StatusActive {
		sess.active.Add(1)
	}
	if r.IsRaspberryPi {
		sess.raspberryPi.Add(1)
	}
	if s.recorder != nil {
		s.recorder.ResultRecorded(r.Method, r.Status)
	}
	if r.Status == StatusActive && s.publisher != nil {
		if err := s.publisher.PublishDeviceDiscovered(sess.ID, r); err != nil {
			s.logger.Errorw("Failed to publish discovery", "scan_id", sess.ID, "ip", r.IP, "error", err)
		}
	}
}

// Sessions returns a snapshot of running scans, oldest first.
func (s *Scanner) Sessions() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Cancel stops the running scan with the given id.
func (s *Scanner) Cancel(id string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		sess.Cancel()
	}
	return ok
}

// Stop cancels every running scan and waits for them to wind down.
func (s *Scanner) Stop() {
	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.Cancel()
	}
	s.mu.RUnlock()

	s.logger.Info("Stopping scanner")
	s.wg.Wait()
	s.logger.Info("Scanner stopped")
}

// Session is one running scan. Its events channel is closed when the scan
// ends; a completed scan's last event is the FinishedMessage log event.
type Session struct {
	ID        string
	Method    Method
	Targets   []string
	StartedAt time.Time

	events      chan Event
	cancel      context.CancelFunc
	state       atomic.Value
	results     atomic.Int64
	active      atomic.Int64
	raspberryPi atomic.Int64
}

// Events returns the stream of scan events.
func (s *Session) Events() <-chan Event { return s.events }

// Cancel stops the scan. Events already queued may still be delivered.
func (s *Session) Cancel() { s.cancel() }

// State returns the current lifecycle stage.
func (s *Session) State() State { return s.state.Load().(State) }

// Summary returns counters for the scan so far.
func (s *Session) Summary() Summary {
	return Summary{
		ScanID:      s.ID,
		Method:      s.Method,
		State:       s.State(),
		Targets:     len(s.Targets),
		Results:     int(s.results.Load()),
		Active:      int(s.active.Load()),
		RaspberryPi: int(s.raspberryPi.Load()),
		StartedAt:   s.StartedAt,
		Elapsed:     time.Since(s.StartedAt),
	}
}
