package worker

import (
	"context"
	"log/slog"
	"time"

	"haven.app/ash/common/logger"
	"haven.app/ash/internal/store"
)

// DeadlineHandler processes one fired deadline for its entity.
type DeadlineHandler func(ctx context.Context, entityID int64, now time.Time) error

// DeadlinePoller sweeps the durable deadline index and invokes the registered
// handler per kind. Timers live in Redis, not in process memory, so a restart
// picks up every outstanding deadline on the next sweep.
//
// Completion runs after the handler and only removes the entry if it is still
// due: a handler that re-armed its deadline (idle refresh) keeps the new
// fire-at. A failing handler leaves the entry in place, so it is retried on
// the next sweep.
type DeadlinePoller struct {
	deadlines store.DeadlineStore
	handlers  map[store.DeadlineKind]DeadlineHandler
	interval  time.Duration
	batchSize int64

	now func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewDeadlinePoller(deadlines store.DeadlineStore, interval time.Duration, batchSize int64) *DeadlinePoller {
	return &DeadlinePoller{
		deadlines: deadlines,
		handlers:  make(map[store.DeadlineKind]DeadlineHandler),
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (p *DeadlinePoller) Register(kind store.DeadlineKind, handler DeadlineHandler) {
	p.handlers[kind] = handler
}

// Run starts the sweep loop. Blocks until Stop() is called.
func (p *DeadlinePoller) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "ash.worker.deadlines",
	})

	defer close(p.stoppedCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "deadline poller started", "interval", p.interval)

	// Recovery sweep: deadlines that came due while the process was down are
	// evaluated immediately, not one interval later.
	p.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			slog.InfoContext(ctx, "deadline poller stopping")
			return
		case <-ticker.C:
			p.SweepOnce(ctx)
		}
	}
}

func (p *DeadlinePoller) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

// SweepOnce processes every currently due deadline.
func (p *DeadlinePoller) SweepOnce(ctx context.Context) {
	now := p.now()

	due, err := p.deadlines.Due(ctx, now, p.batchSize)
	if err != nil {
		slog.ErrorContext(ctx, "deadline sweep failed", "error", err)
		return
	}

	for _, deadline := range due {
		p.fire(ctx, deadline, now)
	}
}

func (p *DeadlinePoller) fire(ctx context.Context, deadline store.Deadline, now time.Time) {
	handler, ok := p.handlers[deadline.Kind]
	if !ok {
		slog.ErrorContext(ctx, "no handler for deadline kind, dropping entry",
			"kind", deadline.Kind,
			"entity_id", deadline.EntityID)
		if err := p.deadlines.Cancel(ctx, deadline.Kind, deadline.EntityID); err != nil {
			slog.ErrorContext(ctx, "failed to drop orphan deadline", "error", err)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in deadline handler",
				"panic", r,
				"kind", deadline.Kind,
				"entity_id", deadline.EntityID)
		}
	}()

	if err := handler(ctx, deadline.EntityID, now); err != nil {
		// Left armed; the next sweep retries it.
		slog.ErrorContext(ctx, "deadline handler failed",
			"error", err,
			"kind", deadline.Kind,
			"entity_id", deadline.EntityID)
		return
	}

	removed, err := p.deadlines.CompleteIfDue(ctx, deadline.Kind, deadline.EntityID, now)
	if err != nil {
		slog.ErrorContext(ctx, "failed to complete deadline", "error", err)
		return
	}
	if !removed {
		slog.DebugContext(ctx, "deadline was re-armed during handling",
			"kind", deadline.Kind,
			"entity_id", deadline.EntityID)
	}
}
