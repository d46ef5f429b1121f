// Package events delivers risk-core telemetry on a best-effort basis.
//
// Recording an event never blocks the trading path and never returns an
// error: the AsyncSink buffers events and drops them when full, and backend
// failures are only logged and counted.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/mm-riskcore/internal/metrics"
	"github.com/atmx/mm-riskcore/internal/model"
	"github.com/atmx/mm-riskcore/internal/throttle"
)

// Sink accepts events. Implementations must not block.
type Sink interface {
	Record(ev model.Event)
}

// Backend is a destination the AsyncSink forwards events to.
type Backend interface {
	Name() string
	Publish(ctx context.Context, ev model.Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(model.Event) {}

// AsyncConfig tunes the async sink.
type AsyncConfig struct {
	Buffer         int
	Workers        int
	PublishTimeout time.Duration
}

// AsyncSink fans events out to backends from a bounded buffer.
type AsyncSink struct {
	backends []Backend
	cfg      AsyncConfig
	logger   *slog.Logger
	errLog   *throttle.Throttle

	ch        chan model.Event
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsyncSink starts the sink's workers. Call Close to drain and stop them.
func NewAsyncSink(cfg AsyncConfig, logger *slog.Logger, backends ...Backend) *AsyncSink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &AsyncSink{
		backends: backends,
		cfg:      cfg,
		logger:   logger,
		errLog:   throttle.New(10 * time.Second),
		ch:       make(chan model.Event, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

// Record enqueues ev, dropping it when the buffer is full or the sink closed.
func (s *AsyncSink) Record(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metrics.EventsDropped.Inc()
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Drop if buffer full to avoid blocking the trading path.
		metrics.EventsDropped.Inc()
	}
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for ev := range s.ch {
		s.publish(ev)
	}
}

func (s *AsyncSink) publish(ev model.Event) {
	for _, b := range s.backends {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err := safePublish(ctx, b, ev)
		cancel()
		if err == nil {
			continue
		}
		metrics.EventPublishErrors.WithLabelValues(b.Name()).Inc()
		if ok, suppressed := s.errLog.Allow(b.Name()); ok {
			s.logger.Warn("event publish failed",
				"backend", b.Name(),
				"event_type", ev.Type,
				"err", err,
				"suppressed", suppressed,
			)
		}
	}
}

// safePublish keeps a panicking backend from killing the worker.
func safePublish(ctx context.Context, b Backend, ev model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return b.Publish(ctx, ev)
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("events: backend panicked: %v", p.value) }

// Close stops accepting events and waits for the buffer to drain or ctx
// to expire.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorder keeps events in memory. Used in tests and for shadow runs.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Name and Publish let a Recorder also act as a Backend.
func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(_ context.Context, ev model.Event) error {
	r.Record(ev)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of one type.
func (r *Recorder) OfType(eventType string) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
