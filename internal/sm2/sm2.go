// Package sm2 schedules highlight reviews with a SuperMemo-2 derived algorithm.
//
// Early repetitions follow a fixed interval table; once a card has been
// recalled more times than the table covers, the interval is the last table
// entry scaled by the card's ease factor.
package sm2

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/conorfennell/readback/internal/domain"
)

// ErrInvalidQuality is returned when a rating is outside [MinQuality, MaxQuality].
var ErrInvalidQuality = errors.New("quality out of range")

const (
	MinQuality = 0
	MaxQuality = 5
	// PassQuality is the lowest rating that counts as a successful recall.
	PassQuality = 3
)

// Scheduler holds the tunable parts of the algorithm.
type Scheduler struct {
	Intervals []int   // days, indexed 1-based by repetition count
	MinEase   float64 // ease factor floor
}

// DefaultScheduler returns the production interval table and ease floor.
func DefaultScheduler() *Scheduler {
	return &Scheduler{
		Intervals: []int{1, 3, 7, 14, 30, 60, 120},
		MinEase:   1.3,
	}
}

var defaultScheduler = DefaultScheduler()

// Update is the result of grading a card. Callers persist it.
type Update struct {
	DueAt           time.Time
	RepetitionCount int
	EaseFactor      float64
	IntervalDays    int
}

// Apply copies the update onto card and stamps UpdatedAt.
func (u Update) Apply(card *domain.ReviewCard, now time.Time) {
	card.DueAt = u.DueAt
	card.RepetitionCount = u.RepetitionCount
	card.EaseFactor = u.EaseFactor
	card.UpdatedAt = now
}

// Schedule grades card with the default scheduler.
func Schedule(card domain.ReviewCard, quality int, now time.Time) (Update, error) {
	return defaultScheduler.Schedule(card, quality, now)
}

// Schedule computes the next review state for card after a recall rated quality.
func (s *Scheduler) Schedule(card domain.ReviewCard, quality int, now time.Time) (Update, error) {
	if quality < MinQuality || quality > MaxQuality {
		return Update{}, fmt.Errorf("%w: %d", ErrInvalidQuality, quality)
	}

	repetitions := card.RepetitionCount + 1
	if quality < PassQuality {
		repetitions = 0
	}

	ease := s.nextEase(card.EaseFactor, quality)
	days := s.intervalDays(repetitions, ease)

	return Update{
		DueAt:           now.Add(time.Duration(days) * 24 * time.Hour),
		RepetitionCount: repetitions,
		EaseFactor:      ease,
		IntervalDays:    days,
	}, nil
}

// nextEase applies the SM-2 ease adjustment, floored at MinEase.
func (s *Scheduler) nextEase(ease float64, quality int) float64 {
	miss := float64(MaxQuality - quality)
	return math.Max(s.MinEase, ease+(0.1-miss*(0.08+miss*0.02)))
}

func (s *Scheduler) intervalDays(repetitions int, ease float64) int {
	if repetitions <= 0 {
		// a lapse relearns from the first step
		return s.Intervals[0]
	}
	if repetitions <= len(s.Intervals) {
		return s.Intervals[repetitions-1]
	}
	last := s.Intervals[len(s.Intervals)-1]
	return int(math.Round(float64(last) * ease))
}

// NewCard returns a card that is due immediately.
func NewCard(id, sourceRef string, now time.Time) domain.ReviewCard {
	return domain.ReviewCard{
		ID:         id,
		SourceRef:  sourceRef,
		DueAt:      now,
		EaseFactor: domain.InitialEase,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// GetDueCards returns the cards due at now, oldest due date first.
// The input slice is not modified.
func GetDueCards(cards []domain.ReviewCard, now time.Time) []domain.ReviewCard {
	due := make([]domain.ReviewCard, 0, len(cards))
	for _, c := range cards {
		if c.Due(now) {
			due = append(due, c)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].DueAt.Before(due[j].DueAt)
	})
	return due
}
