package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/me/kestrel/internal/observability"
)

// DefaultQueueSize is the mutator's request buffer when none is configured.
const DefaultQueueSize = 256

type result struct {
	value any
	err   error
}

type request struct {
	name  string
	ctx   context.Context
	fn    func(ctx context.Context) (any, error)
	reply chan result
}

// Mutator runs submitted operations one at a time on a single goroutine.
type Mutator struct {
	queue     chan request
	opTimeout time.Duration
	logger    *slog.Logger
	stopped   chan struct{}
}

// NewMutator creates a Mutator with the given queue capacity. opTimeout bounds
// each operation; zero means no bound beyond the store's own timeouts.
func NewMutator(size int, opTimeout time.Duration, logger *slog.Logger) *Mutator {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Mutator{
		queue:     make(chan request, size),
		opTimeout: opTimeout,
		logger:    logger.With("component", "mutator"),
		stopped:   make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled. Requests still queued at that
// point fail with ErrStopped.
func (m *Mutator) Run(ctx context.Context) error {
	m.logger.Info("mutator started", "queue_size", cap(m.queue))
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			m.drain()
			m.logger.Info("mutator stopped")
			return ctx.Err()
		case req := <-m.queue:
			m.exec(req)
		}
	}
}

func (m *Mutator) drain() {
	for {
		select {
		case req := <-m.queue:
			req.reply <- result{err: ErrStopped}
		default:
			return
		}
	}
}

func (m *Mutator) exec(req request) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- result{err: err}
		return
	}

	// The operation outlives a caller that gives up mid-turn so that its
	// store writes are never cut between batches.
	ctx := context.WithoutCancel(req.ctx)
	if m.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opTimeout)
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, "kestrel."+req.name, attribute.String("kestrel.op", req.name))
	defer span.End()

	start := time.Now()
	v, err := req.fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrStoreUnavailable) {
			m.logger.Error("operation failed", "op", req.name, "duration", elapsed, "error", err)
		} else {
			m.logger.Debug("operation rejected", "op", req.name, "duration", elapsed, "error", err)
		}
	} else {
		m.logger.Debug("operation done", "op", req.name, "duration", elapsed)
	}
	req.reply <- result{value: v, err: err}
}

// Do submits fn and waits for its result. It returns ErrStopped once Run has
// returned, and ctx.Err() if ctx ends first.
func (m *Mutator) Do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	req := request{name: name, ctx: ctx, fn: fn, reply: make(chan result, 1)}
	select {
	case <-m.stopped:
		return nil, ErrStopped
	default:
	}
	select {
	case m.queue <- req:
	case <-m.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.value, r.err
	case <-m.stopped:
		// Run may have answered just before exiting.
		select {
		case r := <-req.reply:
			return r.value, r.err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of queued requests.
func (m *Mutator) Pending() int { return len(m.queue) }

// call runs fn on the mutator and converts its result to T.
func call[T any](ctx context.Context, m *Mutator, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := m.Do(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	out, _ := v.(T)
	return out, err
}
