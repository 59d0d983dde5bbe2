// Package syncqueue buffers mutations made while offline and replays them
// against the server once connectivity returns.
//
// Every mutation is written to the local store before Enqueue returns and
// stays there until the server has accepted it and the local delete has
// completed. Replay is FIFO and at-least-once; the mutation ID travels as an
// idempotency key so the server can turn a repeated delivery into a no-op.
//
// Per mutation the persisted state moves
//
//	pending -> in_flight -> acknowledged -> (deleted)
//	               |
//	               +-> pending      transient failure, retried on a later drain
//	               +-> dead_letter  permanent rejection, kept for the user
//
// Every transition is written before the next network call, so a drain can
// be abandoned at any point. A drain that starts after a crash returns
// in_flight rows to pending first.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/conorfennell/readback/internal/connectivity"
	"github.com/conorfennell/readback/internal/domain"
)

var (
	// ErrNotSaved means the mutation could not be written to local storage
	// and is lost. Callers must tell the user it was not saved.
	ErrNotSaved = errors.New("could not save offline")
	// ErrDrainInProgress is returned when another drain holds the queue.
	ErrDrainInProgress = errors.New("drain already in progress")
	// ErrNotDeadLettered is returned by Discard and Resubmit for mutations
	// that are not in the dead-letter state.
	ErrNotDeadLettered = errors.New("mutation is not dead-lettered")
	// ErrUnknownMutation is returned for IDs that are not queued.
	ErrUnknownMutation = errors.New("unknown mutation")
)

// Store is the durable local record store backing the queue.
type Store interface {
	InsertMutation(ctx context.Context, m *domain.QueuedMutation) error
	UpdateMutation(ctx context.Context, m domain.QueuedMutation) error
	DeleteMutation(ctx context.Context, id string) error
	FindMutation(ctx context.Context, id string) (*domain.QueuedMutation, error)
	ListMutations(ctx context.Context) ([]domain.QueuedMutation, error)
	CountUnacknowledged(ctx context.Context) (int, error)
	RecoverInFlight(ctx context.Context) (requeued, purged int, err error)
	AcquireDrainLease(ctx context.Context, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseDrainLease(ctx context.Context, holder string) error
}

// Transport delivers one mutation to the server. Errors are classified with
// remote.IsPermanent and remote.ErrAlreadyApplied; anything else is retried.
type Transport interface {
	Send(ctx context.Context, m domain.QueuedMutation) error
}

// Options tunes a Queue. Zero values fall back to defaults.
type Options struct {
	SendTimeout time.Duration // per request, default 30s
	Rate        rate.Limit    // sends per second, 0 means unlimited
	Burst       int
	LeaseTTL    time.Duration // cross-process drain lock, default 2m
	RetryAfter  time.Duration // first Run retry after a transient failure, default 5s
	MaxRetry    time.Duration // cap on the doubling retry delay, default 5m
	Holder      string        // lease holder name, default a random UUID
	Now         func() time.Time
	Logger      *slog.Logger
}

// Queue is the offline mutation outbox.
type Queue struct {
	store     Store
	transport Transport
	monitor   connectivity.Monitor
	limiter   *rate.Limiter
	opts      Options
	log       *slog.Logger

	draining atomic.Bool
	kick     chan struct{}
}

// New creates a queue over store.
func New(store Store, transport Transport, monitor connectivity.Monitor, opts Options) *Queue {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	// a send must not outlive the lease it was started under
	if opts.LeaseTTL <= opts.SendTimeout {
		opts.LeaseTTL = 2 * opts.SendTimeout
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	if opts.MaxRetry < opts.RetryAfter {
		opts.MaxRetry = max(5*time.Minute, opts.RetryAfter)
	}
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := opts.Rate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Queue{
		store:     store,
		transport: transport,
		monitor:   monitor,
		limiter:   rate.NewLimiter(limit, burst),
		opts:      opts,
		log:       opts.Logger.With("component", "syncqueue"),
		kick:      make(chan struct{}, 1),
	}
}

// Enqueue validates payload, assigns an idempotency key and persists the
// mutation before returning its ID. payload may be a payload struct or raw
// JSON. A storage failure is reported as ErrNotSaved.
func (q *Queue) Enqueue(ctx context.Context, kind domain.MutationKind, payload any, chainKey string) (string, error) {
	raw, err := domain.EncodePayload(kind, payload)
	if err != nil {
		return "", err
	}

	now := q.opts.Now()
	m := &domain.QueuedMutation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		ChainKey:  chainKey,
		State:     domain.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.InsertMutation(ctx, m); err != nil {
		q.log.Error("mutation not persisted", "kind", kind, "error", err)
		return "", fmt.Errorf("%w: %w", ErrNotSaved, err)
	}
	q.log.Debug("mutation queued", "id", m.ID, "kind", kind, "seq", m.Seq)

	if q.monitor.Online() {
		q.Trigger()
	}
	return m.ID, nil
}

// Trigger asks a running Run loop to drain. It never blocks.
func (q *Queue) Trigger() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// PendingCount returns the number of mutations not yet acknowledged,
// dead-lettered ones included.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.CountUnacknowledged(ctx)
}

// Run drains whenever connectivity comes back or Trigger is called, until
// ctx is done. After a drain that left mutations for later, Run drains again
// on its own after RetryAfter, doubling up to MaxRetry while failures last.
func (q *Queue) Run(ctx context.Context) error {
	cancel := q.monitor.OnChange(func(online bool) {
		if online {
			q.Trigger()
		}
	})
	defer cancel()

	if q.monitor.Online() {
		q.Trigger()
	}

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()
	var backoff time.Duration

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.kick:
		case <-retry.C:
			q.log.Debug("retrying drain after transient failure", "after", backoff)
		}

		report, err := q.Drain(ctx)
		switch {
		case errors.Is(err, ErrDrainInProgress):
			q.log.Debug("drain skipped, another drain holds the queue")
		case err != nil && ctx.Err() == nil:
			q.log.Error("drain failed", "error", err)
		case !report.IsEmpty():
			q.log.Info("drain finished",
				"acknowledged", report.Acknowledged,
				"retried_later", report.RetriedLater,
				"dead_lettered", report.DeadLettered,
				"blocked", report.Blocked,
			)
		}

		failed := err != nil && !errors.Is(err, ErrDrainInProgress) && ctx.Err() == nil
		retry.Stop()
		if failed || report.RetriedLater > 0 {
			if backoff == 0 {
				backoff = q.opts.RetryAfter
			} else {
				backoff = min(2*backoff, q.opts.MaxRetry)
			}
			retry.Reset(backoff)
		} else {
			backoff = 0
		}
	}
}
