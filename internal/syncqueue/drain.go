package syncqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/remote"
)

type outcome int

const (
	acknowledged outcome = iota
	retryLater
	deadLettered
)

// Drain replays pending mutations in enqueue order.
//
// While offline it does nothing and returns an empty report. Only one drain
// runs at a time, within this process through an atomic flag and across
// processes sharing the store through a lease row. The first transient
// failure halts the drain so later mutations never overtake earlier ones.
// A permanent failure dead-letters the mutation and holds back the rest of
// its chain; unrelated mutations continue.
func (q *Queue) Drain(ctx context.Context) (domain.DrainReport, error) {
	var report domain.DrainReport

	if !q.monitor.Online() {
		return report, nil
	}
	if !q.draining.CompareAndSwap(false, true) {
		return report, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	ok, err := q.store.AcquireDrainLease(ctx, q.opts.Holder, q.opts.LeaseTTL, q.opts.Now())
	if err != nil {
		return report, err
	}
	if !ok {
		return report, ErrDrainInProgress
	}
	defer func() {
		if err := q.store.ReleaseDrainLease(context.WithoutCancel(ctx), q.opts.Holder); err != nil {
			q.log.Warn("failed to release drain lease", "error", err)
		}
	}()

	// Holding the lease, nobody else can have a request outstanding.
	requeued, purged, err := q.store.RecoverInFlight(ctx)
	if err != nil {
		return report, err
	}
	if requeued > 0 || purged > 0 {
		q.log.Info("recovered interrupted drain", "requeued", requeued, "purged", purged)
	}

	items, err := q.store.ListMutations(ctx)
	if err != nil {
		return report, err
	}

	blocked := make(map[string]bool)
	for _, m := range items {
		if m.State == domain.StateDeadLetter && m.ChainKey != "" {
			blocked[m.ChainKey] = true
		}
	}

	for _, m := range items {
		if m.State != domain.StatePending {
			continue
		}
		if m.ChainKey != "" && blocked[m.ChainKey] {
			report.Blocked++
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !q.monitor.Online() {
			q.log.Info("went offline, stopping drain", "next", m.ID)
			break
		}
		if err := q.limiter.Wait(ctx); err != nil {
			break
		}
		renewed, err := q.store.AcquireDrainLease(ctx, q.opts.Holder, q.opts.LeaseTTL, q.opts.Now())
		if err != nil {
			return report, err
		}
		if !renewed {
			q.log.Warn("drain lease lost, stopping drain", "next", m.ID)
			return report, ErrDrainInProgress
		}

		res, err := q.deliver(ctx, m)
		if err != nil {
			return report, err
		}
		switch res {
		case acknowledged:
			report.Acknowledged++
		case deadLettered:
			report.DeadLettered++
			if m.ChainKey != "" {
				blocked[m.ChainKey] = true
			}
		case retryLater:
			report.RetriedLater++
			return report, nil
		}
	}
	return report, nil
}

// deliver sends one mutation and persists the resulting state. The returned
// error is a local storage failure; delivery failures are reported through
// the outcome.
func (q *Queue) deliver(ctx context.Context, m domain.QueuedMutation) (outcome, error) {
	m.State = domain.StateInFlight
	m.AttemptCount++
	m.UpdatedAt = q.opts.Now()
	if err := q.store.UpdateMutation(ctx, m); err != nil {
		return retryLater, fmt.Errorf("mark %s in flight: %w", m.ID, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
	sendErr := q.transport.Send(sendCtx, m)
	cancel()

	// The outcome must be recorded even if the caller gave up meanwhile.
	wctx := context.WithoutCancel(ctx)
	m.UpdatedAt = q.opts.Now()

	switch {
	case sendErr == nil, errors.Is(sendErr, remote.ErrAlreadyApplied):
		m.State = domain.StateAcknowledged
		m.LastError = ""
		if err := q.store.UpdateMutation(wctx, m); err != nil {
			return acknowledged, fmt.Errorf("mark %s acknowledged: %w", m.ID, err)
		}
		if err := q.store.DeleteMutation(wctx, m.ID); err != nil {
			return acknowledged, fmt.Errorf("dequeue %s: %w", m.ID, err)
		}
		q.log.Debug("mutation acknowledged", "id", m.ID, "kind", m.Kind, "attempts", m.AttemptCount)
		return acknowledged, nil

	case remote.IsPermanent(sendErr):
		m.State = domain.StateDeadLetter
		m.LastError = sendErr.Error()
		if err := q.store.UpdateMutation(wctx, m); err != nil {
			return deadLettered, fmt.Errorf("dead-letter %s: %w", m.ID, err)
		}
		q.log.Warn("mutation dead-lettered", "id", m.ID, "kind", m.Kind, "error", sendErr)
		return deadLettered, nil

	default:
		m.State = domain.StatePending
		m.LastError = sendErr.Error()
		if err := q.store.UpdateMutation(wctx, m); err != nil {
			return retryLater, fmt.Errorf("requeue %s: %w", m.ID, err)
		}
		q.log.Info("delivery failed, will retry", "id", m.ID, "kind", m.Kind, "attempts", m.AttemptCount, "error", sendErr)
		return retryLater, nil
	}
}
