package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/readback/internal/domain"
)

const mutationColumns = `seq, id, kind, payload, chain_key, state, attempt_count, last_error, created_at, updated_at`

const drainLeaseName = "drain"

func scanMutation(r rowScanner) (domain.QueuedMutation, error) {
	var m domain.QueuedMutation
	var kind, state string
	var payload []byte
	var createdAt, updatedAt int64
	err := r.Scan(&m.Seq, &m.ID, &kind, &payload, &m.ChainKey, &state, &m.AttemptCount, &m.LastError, &createdAt, &updatedAt)
	if err != nil {
		return m, err
	}
	m.Kind = domain.MutationKind(kind)
	m.State = domain.MutationState(state)
	m.Payload = payload
	m.CreatedAt = fromUnix(createdAt)
	m.UpdatedAt = fromUnix(updatedAt)
	return m, nil
}

// InsertMutation durably appends m to the queue and sets its Seq. A
// create_article mutation also records its URL in queued_articles in the same
// transaction.
func (db *DB) InsertMutation(ctx context.Context, m *domain.QueuedMutation) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for mutation %s: %w", m.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_queue (id, kind, payload, chain_key, state, attempt_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		string(m.Kind),
		[]byte(m.Payload),
		m.ChainKey,
		string(m.State),
		m.AttemptCount,
		m.LastError,
		toUnix(m.CreatedAt),
		toUnix(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mutation %s: %w", m.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get sequence for mutation %s: %w", m.ID, err)
	}

	if m.Kind == domain.CreateArticle {
		var article domain.ArticlePayload
		if err := json.Unmarshal(m.Payload, &article); err != nil {
			return fmt.Errorf("failed to read article payload of mutation %s: %w", m.ID, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queued_articles (url, mutation_id, queued_at)
			VALUES (?, ?, ?)
			ON CONFLICT(url) DO NOTHING
		`, article.URL, m.ID, toUnix(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to record queued article %s: %w", article.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation %s: %w", m.ID, err)
	}
	m.Seq = seq
	return nil
}

// ArticleQueued reports whether a create_article mutation for url was ever
// queued. The record outlives the mutation once it is acknowledged.
func (db *DB) ArticleQueued(ctx context.Context, url string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_articles WHERE url = ?`, url).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up queued article %s: %w", url, err)
	}
	return n > 0, nil
}

// UpdateMutation rewrites the mutable fields of a queued mutation in place.
func (db *DB) UpdateMutation(ctx context.Context, m domain.QueuedMutation) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE mutation_queue
		SET payload = ?, state = ?, attempt_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`,
		[]byte(m.Payload),
		string(m.State),
		m.AttemptCount,
		m.LastError,
		toUnix(m.UpdatedAt),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", m.ID, err)
	}
	return expectOne(res, "mutation "+m.ID)
}

// DeleteMutation removes a mutation. Deleting a missing mutation is not an error.
func (db *DB) DeleteMutation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mutation %s: %w", id, err)
	}
	return nil
}

// FindMutation returns a mutation by ID, or nil if it is not queued.
func (db *DB) FindMutation(ctx context.Context, id string) (*domain.QueuedMutation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutation_queue WHERE id = ?`, id)
	m, err := scanMutation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find mutation %s: %w", id, err)
	}
	return &m, nil
}

// ListMutations returns every queued mutation in enqueue order.
func (db *DB) ListMutations(ctx context.Context) ([]domain.QueuedMutation, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+mutationColumns+` FROM mutation_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var out []domain.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountUnacknowledged returns the number of mutations the server has not confirmed.
func (db *DB) CountUnacknowledged(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutation_queue WHERE state != ?
	`, string(domain.StateAcknowledged)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return n, nil
}

// RecoverInFlight repairs the queue after an unclean shutdown: in-flight
// mutations go back to pending and acknowledged ones are removed.
func (db *DB) RecoverInFlight(ctx context.Context) (requeued, purged int, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin queue recovery: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE mutation_queue SET state = ? WHERE state = ?
	`, string(domain.StatePending), string(domain.StateInFlight))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to requeue in-flight mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	requeued = int(n)

	res, err = tx.ExecContext(ctx, `DELETE FROM mutation_queue WHERE state = ?`, string(domain.StateAcknowledged))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge acknowledged mutations: %w", err)
	}
	n, _ = res.RowsAffected()
	purged = int(n)

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit queue recovery: %w", err)
	}
	return requeued, purged, nil
}

// AcquireDrainLease takes the cross-process drain lock for holder until now+ttl.
// It succeeds if the lease is free, expired, or already held by holder.
func (db *DB) AcquireDrainLease(ctx context.Context, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO drain_lease (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE drain_lease.expires_at < ? OR drain_lease.holder = excluded.holder
	`, drainLeaseName, holder, toUnix(now.Add(ttl)), toUnix(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire drain lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read drain lease result: %w", err)
	}
	return n > 0, nil
}

// ReleaseDrainLease drops the drain lock if holder owns it.
func (db *DB) ReleaseDrainLease(ctx context.Context, holder string) error {
	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM drain_lease WHERE name = ? AND holder = ?
	`, drainLeaseName, holder)
	if err != nil {
		return fmt.Errorf("failed to release drain lease: %w", err)
	}
	return nil
}
