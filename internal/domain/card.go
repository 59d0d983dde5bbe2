package domain

import "time"

// InitialEase is the ease factor given to a card the first time it is scheduled.
const InitialEase = 2.5

// ReviewCard is a highlight scheduled for spaced-repetition review.
type ReviewCard struct {
	ID              string // content hash of the highlight, see knol.Hash
	SourceRef       string // article URL the highlight was taken from
	DueAt           time.Time
	RepetitionCount int
	EaseFactor      float64
	SourceID        int64 // import source that produced the card, 0 if created directly
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Due reports whether the card is eligible for review at now.
func (c ReviewCard) Due(now time.Time) bool {
	return !c.DueAt.After(now)
}

// Highlight is a single passage saved from an article.
type Highlight struct {
	ArticleURL   string
	ArticleTitle string
	Text         string
	Note         string
	Hash         string
}

// ReviewLog records a single grading of a card.
// Quality follows the 0-5 recall scale:
// 0: total blackout
// 3: recalled with effort
// 5: perfect recall
type ReviewLog struct {
	CardID    string
	Timestamp time.Time
	Quality   int
}
