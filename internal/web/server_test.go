package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/readback/internal/api"
	"github.com/conorfennell/readback/internal/connectivity"
	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/feedimport"
	"github.com/conorfennell/readback/internal/importer"
	"github.com/conorfennell/readback/internal/remote"
	"github.com/conorfennell/readback/internal/storage"
	"github.com/conorfennell/readback/internal/syncqueue"
)

type harness struct {
	server *Server
	db     *storage.DB
	online *connectivity.Static
	remote *api.Server
	store  *api.SQLStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := api.OpenSQLStore(filepath.Join(dir, "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	remoteSrv := api.New(store)
	ts := httptest.NewServer(remoteSrv)
	t.Cleanup(ts.Close)

	db, err := storage.Open(filepath.Join(dir, "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	online := connectivity.NewStatic(false)
	q := syncqueue.New(db, remote.NewClient(ts.URL, 5*time.Second), online, syncqueue.Options{})
	s := NewServer(db, q, importer.New(db, q, filepath.Join(dir, "repos")), feedimport.New(q, db))
	return &harness{server: s, db: db, online: online, remote: remoteSrv, store: store}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateHighlightOfflineThenDrain(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/articles", map[string]string{"url": "https://example.com/a", "title": "A"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/highlights", map[string]string{"article_url": "https://example.com/a", "text": "a passage"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[struct {
		ID   string   `json:"id"`
		Card cardView `json:"card"`
	}](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "https://example.com/a", created.Card.SourceRef)

	rec = h.do(t, http.MethodGet, "/sync/pending", nil)
	assert.Equal(t, map[string]int{"pending": 2}, decode[map[string]int](t, rec))

	rec = h.do(t, http.MethodPost, "/sync/drain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.DrainReport{}, decode[domain.DrainReport](t, rec), "offline drain does nothing")

	h.online.Set(true)
	rec = h.do(t, http.MethodPost, "/sync/drain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.DrainReport{Acknowledged: 2}, decode[domain.DrainReport](t, rec))

	n, err := h.store.Count(context.Background(), domain.CreateHighlight)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec = h.do(t, http.MethodGet, "/sync/pending", nil)
	assert.Equal(t, map[string]int{"pending": 0}, decode[map[string]int](t, rec))
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)

	testCases := []struct {
		name string
		path string
		body string
	}{
		{name: "article without url", path: "/articles", body: `{"title":"x"}`},
		{name: "article with bad url", path: "/articles", body: `{"url":"nope"}`},
		{name: "highlight without text", path: "/highlights", body: `{"article_url":"https://example.com"}`},
		{name: "note with unknown field", path: "/notes", body: `{"article_url":"https://example.com","body":"b","extra":1}`},
		{name: "not json", path: "/notes", body: `{`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}

	rec := h.do(t, http.MethodGet, "/sync/pending", nil)
	assert.Equal(t, map[string]int{"pending": 0}, decode[map[string]int](t, rec), "rejected input is never queued")
}

func TestCreateReportsStorageFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Close())

	rec := h.do(t, http.MethodPost, "/notes", map[string]string{"article_url": "https://example.com", "body": "b"})
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not save offline")
}

func TestReviewFlow(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/review/next", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/highlights", map[string]string{"article_url": "https://example.com/a", "text": "remember me"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodGet, "/deck", nil)
	deck := decode[struct {
		DueCount int        `json:"due_count"`
		Cards    []cardView `json:"cards"`
	}](t, rec)
	require.Equal(t, 1, deck.DueCount)
	id := deck.Cards[0].ID

	rec = h.do(t, http.MethodGet, "/review/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode[cardView](t, rec).ID)

	rec = h.do(t, http.MethodPost, "/review/"+id, map[string]int{"quality": 7})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = h.do(t, http.MethodPost, "/review/"+id, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/review/missing", map[string]int{"quality": 4})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/review/"+id, map[string]int{"quality": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	graded := decode[struct {
		Card cardView  `json:"card"`
		Next *cardView `json:"next"`
	}](t, rec)
	assert.Equal(t, 1, graded.Card.RepetitionCount)
	assert.InDelta(t, 2.5, graded.Card.EaseFactor, 1e-9)
	assert.Nil(t, graded.Next)

	rec = h.do(t, http.MethodGet, "/review/next", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "graded card is due tomorrow")
}

func TestDeadLetterEndpoints(t *testing.T) {
	h := newHarness(t)
	h.remote.Strict = true

	rec := h.do(t, http.MethodPost, "/highlights", map[string]string{"article_url": "https://example.com/orphan", "text": "t"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[map[string]any](t, rec)["id"].(string)

	rec = h.do(t, http.MethodPost, "/sync/dead-letters/"+id+"/discard", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "pending mutations cannot be discarded")

	h.online.Set(true)
	rec = h.do(t, http.MethodPost, "/sync/drain", nil)
	assert.Equal(t, domain.DrainReport{DeadLettered: 1}, decode[domain.DrainReport](t, rec))

	rec = h.do(t, http.MethodGet, "/sync/dead-letters", nil)
	letters := decode[[]map[string]any](t, rec)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0]["id"])
	assert.Contains(t, letters[0]["last_error"], "does not exist")

	rec = h.do(t, http.MethodPost, "/sync/dead-letters/"+id+"/resubmit", `{"article_url":"bad"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, http.MethodPost, "/sync/dead-letters/"+id+"/discard", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodPost, "/sync/dead-letters/"+id+"/discard", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSourcesEndpoints(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	export := "# A\nSource: https://example.com/a\n\n> one\n\n> two\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte(export), 0o644))

	rec := h.do(t, http.MethodPost, "/sources", map[string]string{"path": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/sources", map[string]string{"path": dir})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	src := decode[storage.Source](t, rec)

	rec = h.do(t, http.MethodPost, "/sources/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[importer.Result](t, rec)
	assert.Equal(t, 2, res.Created)

	rec = h.do(t, http.MethodGet, "/sync/pending", nil)
	assert.Equal(t, map[string]int{"pending": 3}, decode[map[string]int](t, rec), "one article and two highlights")

	rec = h.do(t, http.MethodGet, "/sources", nil)
	assert.Len(t, decode[[]storage.Source](t, rec), 1)

	rec = h.do(t, http.MethodDelete, "/sources/"+strconv.FormatInt(src.ID, 10), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/sources/"+strconv.FormatInt(src.ID, 10), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/deck", nil)
	assert.Equal(t, float64(0), decode[map[string]any](t, rec)["due_count"], "cards go with their source")
}

func TestImportFeedEndpoint(t *testing.T) {
	h := newHarness(t)
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>F</title>
<item><title>One</title><link>https://example.com/1</link></item></channel></rss>`))
	}))
	defer feed.Close()

	rec := h.do(t, http.MethodPost, "/feeds/import", map[string]string{"url": feed.URL})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[feedimport.Result](t, rec).Queued)

	rec = h.do(t, http.MethodPost, "/feeds/import", map[string]string{"url": "http://127.0.0.1:1/feed"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
