// Package review connects the scheduler to the card store.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/knol"
	"github.com/conorfennell/readback/internal/sm2"
	"github.com/conorfennell/readback/internal/storage"
)

// Store is the subset of storage.DB the review service needs.
type Store interface {
	InsertCard(ctx context.Context, c domain.ReviewCard) error
	FindCard(ctx context.Context, id string) (*domain.ReviewCard, error)
	UpdateCard(ctx context.Context, c domain.ReviewCard) error
	DueCards(ctx context.Context, now time.Time) ([]domain.ReviewCard, error)
}

// Service grades cards and hands out the next one to review.
type Service struct {
	store     Store
	scheduler *sm2.Scheduler
}

// New returns a service using the default SM-2 intervals.
func New(store Store) *Service {
	return &Service{store: store, scheduler: sm2.DefaultScheduler()}
}

// Deck returns every card due at now, oldest due date first.
func (s *Service) Deck(ctx context.Context, now time.Time) ([]domain.ReviewCard, error) {
	cards, err := s.store.DueCards(ctx, now)
	if err != nil {
		return nil, err
	}
	return sm2.GetDueCards(cards, now), nil
}

// Next returns the most overdue card, or nil when nothing is due.
func (s *Service) Next(ctx context.Context, now time.Time) (*domain.ReviewCard, error) {
	due, err := s.Deck(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}
	return &due[0], nil
}

// Grade schedules card id after a review of the given quality and persists
// the result. Unknown cards yield storage.ErrNotFound and out-of-range
// qualities sm2.ErrInvalidQuality; in both cases nothing is written.
func (s *Service) Grade(ctx context.Context, id string, quality int, now time.Time) (domain.ReviewCard, error) {
	card, err := s.store.FindCard(ctx, id)
	if err != nil {
		return domain.ReviewCard{}, err
	}
	if card == nil {
		return domain.ReviewCard{}, fmt.Errorf("card %s: %w", id, storage.ErrNotFound)
	}

	update, err := s.scheduler.Schedule(*card, quality, now)
	if err != nil {
		return domain.ReviewCard{}, err
	}
	update.Apply(card, now)

	if err := s.store.UpdateCard(ctx, *card); err != nil {
		return domain.ReviewCard{}, err
	}

	slog.Info("card reviewed",
		"id", card.ID,
		"quality", quality,
		"interval_days", update.IntervalDays,
		"ease", card.EaseFactor,
		"due_at", card.DueAt,
	)
	return *card, nil
}

// Ensure creates the review card for a newly created highlight. It reports
// false when the card already exists.
func (s *Service) Ensure(ctx context.Context, h domain.Highlight, now time.Time) (domain.ReviewCard, bool, error) {
	return s.EnsureFromSource(ctx, h, 0, now)
}

// EnsureFromSource is Ensure for a highlight imported from sourceID.
func (s *Service) EnsureFromSource(ctx context.Context, h domain.Highlight, sourceID int64, now time.Time) (domain.ReviewCard, bool, error) {
	id := h.Hash
	if id == "" {
		id = knol.Hash(h)
	}

	existing, err := s.store.FindCard(ctx, id)
	if err != nil {
		return domain.ReviewCard{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	card := sm2.NewCard(id, h.ArticleURL, now)
	card.SourceID = sourceID
	if err := s.store.InsertCard(ctx, card); err != nil {
		return domain.ReviewCard{}, false, err
	}
	return card, true, nil
}
