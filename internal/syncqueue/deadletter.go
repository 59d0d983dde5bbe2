package syncqueue

import (
	"context"
	"fmt"

	"github.com/conorfennell/readback/internal/domain"
)

// DeadLetters returns the mutations the server rejected, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]domain.QueuedMutation, error) {
	items, err := q.store.ListMutations(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.QueuedMutation
	for _, m := range items {
		if m.State == domain.StateDeadLetter {
			out = append(out, m)
		}
	}
	return out, nil
}

func (q *Queue) deadLetter(ctx context.Context, id string) (*domain.QueuedMutation, error) {
	m, err := q.store.FindMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMutation, id)
	}
	if m.State != domain.StateDeadLetter {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, id, m.State)
	}
	return m, nil
}

// Discard drops a dead-lettered mutation, releasing its chain.
func (q *Queue) Discard(ctx context.Context, id string) error {
	if _, err := q.deadLetter(ctx, id); err != nil {
		return err
	}
	if err := q.store.DeleteMutation(ctx, id); err != nil {
		return err
	}
	q.log.Info("dead-lettered mutation discarded", "id", id)
	return nil
}

// Resubmit returns a dead-lettered mutation to pending, replacing its payload
// unless payload is nil. It keeps its ID and queue position.
func (q *Queue) Resubmit(ctx context.Context, id string, payload any) error {
	m, err := q.deadLetter(ctx, id)
	if err != nil {
		return err
	}
	if payload != nil {
		raw, err := domain.EncodePayload(m.Kind, payload)
		if err != nil {
			return err
		}
		m.Payload = raw
	}
	m.State = domain.StatePending
	m.AttemptCount = 0
	m.LastError = ""
	m.UpdatedAt = q.opts.Now()
	if err := q.store.UpdateMutation(ctx, *m); err != nil {
		return err
	}
	q.log.Info("dead-lettered mutation resubmitted", "id", id, "kind", m.Kind)
	if q.monitor.Online() {
		q.Trigger()
	}
	return nil
}
