package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/readback/internal/domain"
)

const cardColumns = `id, source_ref, due_at, repetition_count, ease_factor, source_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(r rowScanner) (domain.ReviewCard, error) {
	var c domain.ReviewCard
	var dueAt, createdAt, updatedAt int64
	var sourceID sql.NullInt64
	err := r.Scan(&c.ID, &c.SourceRef, &dueAt, &c.RepetitionCount, &c.EaseFactor, &sourceID, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}
	c.DueAt = fromUnix(dueAt)
	c.CreatedAt = fromUnix(createdAt)
	c.UpdatedAt = fromUnix(updatedAt)
	c.SourceID = sourceID.Int64
	return c, nil
}

func nullSource(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// InsertCard stores a newly scheduled card.
func (db *DB) InsertCard(ctx context.Context, c domain.ReviewCard) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO review_cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.SourceRef,
		toUnix(c.DueAt),
		c.RepetitionCount,
		c.EaseFactor,
		nullSource(c.SourceID),
		toUnix(c.CreatedAt),
		toUnix(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert card %s: %w", c.ID, err)
	}
	return nil
}

// FindCard retrieves a card by ID. It returns nil if the card does not exist.
func (db *DB) FindCard(ctx context.Context, id string) (*domain.ReviewCard, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM review_cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find card %s: %w", id, err)
	}
	return &c, nil
}

// UpdateCard persists the scheduling fields of a card.
func (db *DB) UpdateCard(ctx context.Context, c domain.ReviewCard) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE review_cards
		SET due_at = ?, repetition_count = ?, ease_factor = ?, updated_at = ?
		WHERE id = ?
	`,
		toUnix(c.DueAt),
		c.RepetitionCount,
		c.EaseFactor,
		toUnix(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update card %s: %w", c.ID, err)
	}
	return expectOne(res, "card "+c.ID)
}

func (db *DB) queryCards(ctx context.Context, query string, args ...any) ([]domain.ReviewCard, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []domain.ReviewCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// AllCards returns every card ordered by due date.
func (db *DB) AllCards(ctx context.Context) ([]domain.ReviewCard, error) {
	cards, err := db.queryCards(ctx, `SELECT `+cardColumns+` FROM review_cards ORDER BY due_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all cards: %w", err)
	}
	return cards, nil
}

// DueCards returns the cards due at now, oldest due date first.
func (db *DB) DueCards(ctx context.Context, now time.Time) ([]domain.ReviewCard, error) {
	cards, err := db.queryCards(ctx, `
		SELECT `+cardColumns+` FROM review_cards
		WHERE due_at <= ? ORDER BY due_at, id
	`, toUnix(now))
	if err != nil {
		return nil, fmt.Errorf("failed to get due cards: %w", err)
	}
	return cards, nil
}

// CardsBySource returns all cards imported from a source.
func (db *DB) CardsBySource(ctx context.Context, sourceID int64) ([]domain.ReviewCard, error) {
	cards, err := db.queryCards(ctx, `SELECT `+cardColumns+` FROM review_cards WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cards for source ID %d: %w", sourceID, err)
	}
	return cards, nil
}

// DeleteCard removes a card. Deleting a missing card is not an error.
func (db *DB) DeleteCard(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM review_cards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete card %s: %w", id, err)
	}
	return nil
}
