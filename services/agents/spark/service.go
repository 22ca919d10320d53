package spark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"allspark/pkg/telemetry"
	"allspark/services/agents/spark/internal/config"
)

// Options carries the optional collaborators of a Service.
type Options struct {
	// HTTPClient is shared by the status source and the callback sink.
	HTTPClient *http.Client
	Logger     *log.Logger
	Metrics    *Metrics
	// Source replaces the source selected from the configuration.
	Source StatusSource
	// ExtraSinks receive every report after the callback. Their failures
	// never fail a cycle.
	ExtraSinks []Sink
}

// Service is the long-running reporter that relays local cluster status to
// the collector's callback URL.
type Service struct {
	cfg     config.Config
	source  StatusSource
	sinks   []Sink
	logger  *log.Logger
	metrics *Metrics
	now     func() time.Time

	mu           sync.RWMutex
	lastSuccess  time.Time
	lastErr      error
	lastState    State
	aliveWorkers int
}

// NewService builds a Service from a loaded configuration.
func NewService(cfg config.Config, opts Options) (*Service, error) {
	if cfg.ClusterID == "" {
		return nil, errors.New("cluster id is required")
	}
	if cfg.CallbackURL == "" {
		return nil, errors.New("callback url is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: telemetry.Transport(nil),
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	source := opts.Source
	if source == nil {
		if cfg.ClusterMode() {
			source = &MasterSource{URL: cfg.MasterStatusURL, Client: client}
		} else {
			source = &LocalSource{URL: cfg.AppStatusURL, Client: client}
		}
	}

	sinks := []Sink{&CallbackSink{URL: cfg.CallbackURL, Client: client, Compress: cfg.CompressCallback}}
	for _, sink := range opts.ExtraSinks {
		if sink != nil {
			sinks = append(sinks, sink)
		}
	}

	return &Service{
		cfg:     cfg,
		source:  source,
		sinks:   sinks,
		logger:  logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

// Run reports immediately and then sleeps one interval after each cycle
// finishes, until ctx is cancelled. A slow cycle delays the next one rather
// than causing a burst. Cycle failures are logged and never end the loop.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Printf("INFO reporting cluster %s to %s every %s (cluster mode %v)",
		s.cfg.ClusterID, s.cfg.CallbackURL, s.cfg.Interval, s.cfg.ClusterMode())

	s.cycle(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.cycle(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	if _, err := s.ReportOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Printf("WARN report cycle failed: %v", err)
	}
}

// ReportOnce runs a single cycle: snapshot, exit marker, delivery to every
// sink. An unreadable exit marker is logged and reported as "". A failed
// snapshot skips delivery for this cycle. Only the callback decides the
// outcome; extra sinks that fail are logged and counted.
func (s *Service) ReportOnce(ctx context.Context) (Report, error) {
	s.metrics.cycleStarted()

	status, err := s.source.Fetch(ctx)
	if err != nil {
		stage, ok := StageOf(err)
		if !ok {
			stage = StageFetch
		}
		s.metrics.cycleFailed(stage)
		s.recordFailure(err)
		return Report{}, err
	}

	exitStatus, err := ReadExitMarker(s.cfg.ExitStatusPath)
	if err != nil {
		s.metrics.cycleFailed(StageMarker)
		s.logger.Printf("WARN reading exit marker: %v", err)
	}

	report := Report{
		ClusterID:     s.cfg.ClusterID,
		Status:        status,
		AppExitStatus: exitStatus,
	}
	s.observe(report)

	err = s.send(ctx, s.sinks[0], report)
	for _, sink := range s.sinks[1:] {
		if sendErr := s.send(ctx, sink, report); sendErr != nil {
			s.logger.Printf("WARN %v", sendErr)
		}
	}
	if err != nil {
		s.metrics.cycleFailed(StageDeliver)
		s.recordFailure(err)
		return report, err
	}

	now := s.now()
	s.metrics.cycleSucceeded(now)
	s.mu.Lock()
	s.lastSuccess = now
	s.lastErr = nil
	s.mu.Unlock()

	return report, nil
}

func (s *Service) send(ctx context.Context, sink Sink, report Report) error {
	err := sink.Send(ctx, report)
	s.metrics.delivered(sink.Name(), err)
	if err != nil {
		return &CycleError{Stage: StageDeliver, Target: sink.Name(), Err: err}
	}
	return nil
}

func (s *Service) observe(report Report) {
	state := Classify(report)
	alive, _ := AliveWorkers(report.Status)
	s.metrics.observe(state, alive)

	s.mu.Lock()
	previous := s.lastState
	s.lastState = state
	s.aliveWorkers = alive
	s.mu.Unlock()

	if previous == state {
		return
	}
	if state == StateError {
		s.logger.Printf("ERROR cluster %s state %s (app exit status %q)", report.ClusterID, state, report.AppExitStatus)
		return
	}
	s.logger.Printf("INFO cluster %s state %s", report.ClusterID, state)
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Health summarises the outcome of recent cycles.
type Health struct {
	LastSuccess     time.Time
	LastError       error
	State           State
	AliveWorkers    int
	ExpectedWorkers int
	Ready           bool
}

// Health returns the reporter's current health. The agent is ready once its
// last cycle succeeded and, in cluster mode, the expected workers are alive.
func (s *Service) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{
		LastSuccess:     s.lastSuccess,
		LastError:       s.lastErr,
		State:           s.lastState,
		AliveWorkers:    s.aliveWorkers,
		ExpectedWorkers: s.cfg.ExpectedWorkers,
	}
	h.Ready = !s.lastSuccess.IsZero() && s.lastErr == nil
	if s.cfg.ClusterMode() && s.aliveWorkers < s.cfg.ExpectedWorkers {
		h.Ready = false
	}
	return h
}
