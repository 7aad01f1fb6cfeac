package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink persists events. Sinks run on the dispatcher goroutine only.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// Dispatcher queues events on a bounded channel and drains them on a single
// background goroutine. When the queue is full new events are dropped and
// counted; Emit never blocks.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
	onDrop  func()

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithDropHook is called once for every dropped event.
func WithDropHook(fn func()) DispatcherOption {
	return func(disp *Dispatcher) { disp.onDrop = fn }
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) { disp.now = now }
}

func NewDispatcher(logger zerolog.Logger, bufferSize int, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	d := &Dispatcher{
		queue:   make(chan Event, bufferSize),
		sinks:   sinks,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Emit enqueues e. It returns immediately whether or not the event was kept.
func (d *Dispatcher) Emit(e Event) {
	e.normalize(d.now())
	select {
	case <-d.done:
		d.drop(e, "dispatcher closed")
		return
	default:
	}
	select {
	case d.queue <- e:
	default:
		d.drop(e, "queue full")
	}
}

func (d *Dispatcher) drop(e Event, reason string) {
	if d.onDrop != nil {
		d.onDrop()
	}
	d.logger.Warn().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("reason", reason).
		Msg("security event dropped")
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case e := <-d.queue:
			d.write(e)
		case <-d.done:
			for {
				select {
				case e := <-d.queue:
					d.write(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(e Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.Write(ctx, e)
		cancel()
		if err != nil {
			d.logger.Error().Err(err).
				Str("event_id", e.ID).
				Str("event_type", e.Type).
				Msg("failed to record security event")
		}
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// expire. It is safe to call more than once.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.done) })
	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("security event queue not drained"), ctx.Err())
	}
}
