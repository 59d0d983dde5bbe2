package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/conorfennell/readback/internal/domain"
)

// Resource is a record created by a mutation endpoint.
type Resource struct {
	ID             string              `json:"id"`
	Kind           domain.MutationKind `json:"kind"`
	IdempotencyKey string              `json:"idempotency_key"`
	Ref            string              `json:"ref"` // article URL the resource belongs to
	Payload        string              `json:"payload"`
	CreatedAt      time.Time           `json:"created_at"`
}

// ErrKeyReused is returned when an idempotency key arrives with a different kind.
var ErrKeyReused = errors.New("idempotency key reused for a different mutation")

// Store persists resources keyed by idempotency key.
type Store interface {
	// Create inserts r unless its idempotency key is already recorded, in
	// which case the original resource is returned with created == false.
	Create(ctx context.Context, r Resource) (stored Resource, created bool, err error)
	Count(ctx context.Context, kind domain.MutationKind) (int, error)
	ArticleExists(ctx context.Context, url string) (bool, error)
	Close() error
}

const serverSchema = `
CREATE TABLE IF NOT EXISTS resources (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    ref TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`

// SQLStore is a Store on SQLite or PostgreSQL.
type SQLStore struct {
	conn     *sql.DB
	postgres bool
}

// Ensure SQLStore implements Store interface.
var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens a PostgreSQL store for postgres:// DSNs and a SQLite
// store for anything else.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	driver := "sqlite"
	postgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	if postgres {
		driver = "postgres"
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if postgres {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	} else {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set wal mode: %w", err)
		}
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec(serverSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{conn: conn, postgres: postgres}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) findByKey(ctx context.Context, key string) (Resource, error) {
	var r Resource
	var kind string
	var created int64
	err := s.conn.QueryRowContext(ctx, s.rebind(`
		SELECT id, kind, idempotency_key, ref, payload, created_at
		FROM resources WHERE idempotency_key = ?
	`), key).Scan(&r.ID, &kind, &r.IdempotencyKey, &r.Ref, &r.Payload, &created)
	if err != nil {
		return r, err
	}
	r.Kind = domain.MutationKind(kind)
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, r Resource) (Resource, bool, error) {
	res, err := s.conn.ExecContext(ctx, s.rebind(`
		INSERT INTO resources (id, kind, idempotency_key, ref, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`), r.ID, string(r.Kind), r.IdempotencyKey, r.Ref, r.Payload, r.CreatedAt.UnixNano())
	if err != nil {
		return Resource{}, false, fmt.Errorf("insert resource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Resource{}, false, fmt.Errorf("insert resource: %w", err)
	}
	if n == 1 {
		return r, true, nil
	}

	existing, err := s.findByKey(ctx, r.IdempotencyKey)
	if err != nil {
		return Resource{}, false, fmt.Errorf("load resource for key %s: %w", r.IdempotencyKey, err)
	}
	if existing.Kind != r.Kind {
		return existing, false, ErrKeyReused
	}
	return existing, false, nil
}

// Count implements Store.
func (s *SQLStore) Count(ctx context.Context, kind domain.MutationKind) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM resources WHERE kind = ?`), string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

// ArticleExists implements Store.
func (s *SQLStore) ArticleExists(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx, s.rebind(`
		SELECT 1 FROM resources WHERE kind = ? AND ref = ? LIMIT 1
	`), string(domain.CreateArticle), url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup article %s: %w", url, err)
	}
	return true, nil
}
