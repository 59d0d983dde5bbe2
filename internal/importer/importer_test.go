package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/readback/internal/connectivity"
	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/storage"
	"github.com/conorfennell/readback/internal/syncqueue"
)

type queued struct {
	kind     domain.MutationKind
	payload  any
	chainKey string
}

// recordingQueue records what reaches the real queue and can fail calls.
type recordingQueue struct {
	mu       sync.Mutex
	next     Enqueuer
	got      []queued
	fail     error
	failNext map[domain.MutationKind]int
}

func (q *recordingQueue) Enqueue(ctx context.Context, kind domain.MutationKind, payload any, chainKey string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return "", q.fail
	}
	if q.failNext[kind] > 0 {
		q.failNext[kind]--
		return "", errors.New("disk full")
	}
	id, err := q.next.Enqueue(ctx, kind, payload, chainKey)
	if err != nil {
		return "", err
	}
	q.got = append(q.got, queued{kind: kind, payload: payload, chainKey: chainKey})
	return id, nil
}

func (q *recordingQueue) kinds() []domain.MutationKind {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.MutationKind
	for _, m := range q.got {
		out = append(out, m.kind)
	}
	return out
}

const export = `# Essay
Source: https://example.com/essay

> first passage

> second passage
Note: good one
`

func setup(t *testing.T) (*Importer, *storage.DB, *recordingQueue, string) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "import.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// offline so nothing is drained while we inspect the queue
	q := &recordingQueue{
		next:     syncqueue.New(db, nil, connectivity.NewStatic(false), syncqueue.Options{}),
		failNext: make(map[domain.MutationKind]int),
	}
	im := New(db, q, filepath.Join(t.TempDir(), "repos"))
	dir := t.TempDir()
	return im, db, q, dir
}

func TestRunImportsNewHighlights(t *testing.T) {
	ctx := context.Background()
	im, db, q, dir := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "essay.md"), []byte(export), 0o644))

	src, err := im.AddSource(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, src.Type)

	res, err := im.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sources: 1, Parsed: 2, Created: 2}, res)

	assert.Equal(t, []domain.MutationKind{
		domain.CreateArticle, domain.CreateHighlight, domain.CreateHighlight,
	}, q.kinds(), "article is queued once, before its highlights")
	for _, m := range q.got {
		assert.Equal(t, "https://example.com/essay", m.chainKey)
	}
	hp, ok := q.got[2].payload.(domain.HighlightPayload)
	require.True(t, ok)
	assert.Equal(t, "second passage", hp.Text)
	assert.Equal(t, "good one", hp.Note)
	assert.NotEmpty(t, hp.ID)

	cards, err := db.CardsBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.Len(t, cards, 2)

	sources, err := db.GetAllSources(ctx)
	require.NoError(t, err)
	assert.False(t, sources[0].LastScanned.IsZero())

	res, err = im.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created, "second run finds nothing new")
	assert.Len(t, q.got, 3)
}

func TestRunDeletesOrphans(t *testing.T) {
	ctx := context.Background()
	im, db, _, dir := setup(t)
	path := filepath.Join(dir, "essay.md")
	require.NoError(t, os.WriteFile(path, []byte(export), 0o644))
	src, err := im.AddSource(ctx, dir)
	require.NoError(t, err)

	_, err = im.Run(ctx)
	require.NoError(t, err)

	trimmed := "Source: https://example.com/essay\n> first passage\n"
	require.NoError(t, os.WriteFile(path, []byte(trimmed), 0o644))

	res, err := im.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphaned)

	cards, err := db.CardsBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.Len(t, cards, 1)
}

func TestRunSkipsCardWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	im, db, q, dir := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "essay.md"), []byte(export), 0o644))
	_, err := im.AddSource(ctx, dir)
	require.NoError(t, err)

	q.fail = errors.New("disk full")
	res, err := im.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Equal(t, 0, res.Created)

	cards, err := db.AllCards(ctx)
	require.NoError(t, err)
	assert.Empty(t, cards, "cards are only created once their mutations are queued")

	q.fail = nil
	res, err = im.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, []domain.MutationKind{
		domain.CreateArticle, domain.CreateHighlight, domain.CreateHighlight,
	}, q.kinds())
}

func countKind(t *testing.T, db *storage.DB, kind domain.MutationKind) int {
	t.Helper()
	items, err := db.ListMutations(context.Background())
	require.NoError(t, err)
	n := 0
	for _, m := range items {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func TestRunRetryAfterPartialFailureQueuesArticleOnce(t *testing.T) {
	ctx := context.Background()
	im, db, q, dir := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "essay.md"), []byte(export), 0o644))
	_, err := im.AddSource(ctx, dir)
	require.NoError(t, err)

	// the article is queued, then the first highlight fails
	q.failNext[domain.CreateHighlight] = 1
	res, err := im.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Created)

	res, err = im.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Errors)

	assert.Equal(t, 1, countKind(t, db, domain.CreateArticle))
	assert.Equal(t, 2, countKind(t, db, domain.CreateHighlight))
}

func TestRunSkipsArticleQueuedElsewhere(t *testing.T) {
	ctx := context.Background()
	im, db, q, dir := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "essay.md"), []byte(export), 0o644))
	_, err := im.AddSource(ctx, dir)
	require.NoError(t, err)

	saved := domain.ArticlePayload{URL: "https://example.com/essay", Title: "Essay", SavedAt: time.Now()}
	_, err = q.next.Enqueue(ctx, domain.CreateArticle, saved, saved.URL)
	require.NoError(t, err)

	res, err := im.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, []domain.MutationKind{domain.CreateHighlight, domain.CreateHighlight}, q.kinds())
	assert.Equal(t, 1, countKind(t, db, domain.CreateArticle))
}

func TestAddSourceDetectsGitAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	im, _, _, _ := setup(t)

	a, err := im.AddSource(ctx, "git@github.com:me/highlights.git")
	require.NoError(t, err)
	assert.Equal(t, SourceGit, a.Type)

	b, err := im.AddSource(ctx, "git@github.com:me/highlights.git")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, err = im.AddSource(ctx, "  ")
	assert.Error(t, err)
}

func TestWatchReimportsOnChange(t *testing.T) {
	im, db, _, dir := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := im.AddSource(ctx, dir)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- im.Watch(ctx, nil, 20*time.Millisecond) }()

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.md"), []byte(export), 0o644))

	assert.Eventually(t, func() bool {
		cards, err := db.AllCards(context.Background())
		return err == nil && len(cards) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
