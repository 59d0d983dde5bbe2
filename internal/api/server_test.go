package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/remote"
)

func newTestServer(t *testing.T) (*Server, *SQLStore) {
	t.Helper()
	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func post(t *testing.T, h http.Handler, path, key string, payload string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(remote.Envelope{IdempotencyKey: key, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(remote.IdempotencyHeader, key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRepeatedKeyReturnsOriginal(t *testing.T) {
	srv, store := newTestServer(t)

	first := post(t, srv, "/api/v1/articles", "k1", `{"url":"https://example.com/a"}`)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := post(t, srv, "/api/v1/articles", "k1", `{"url":"https://example.com/a"}`)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	var a, b Resource
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.ID, b.ID)

	n, err := store.Count(context.Background(), domain.CreateArticle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestValidationAndRouting(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := post(t, srv, "/api/v1/highlights", "k2", `{"article_url":"https://example.com/a"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = post(t, srv, "/api/v1/bookmarks", "k3", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(t, srv, "/api/v1/notes", "", `{"article_url":"https://example.com/a","body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeyReusedForOtherKind(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusCreated, post(t, srv, "/api/v1/articles", "k", `{"url":"https://example.com/a"}`).Code)
	rec := post(t, srv, "/api/v1/notes", "k", `{"article_url":"https://example.com/a","body":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStrictReferences(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Strict = true

	rec := post(t, srv, "/api/v1/highlights", "h1", `{"article_url":"https://example.com/a","text":"q"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	require.Equal(t, http.StatusCreated, post(t, srv, "/api/v1/articles", "a1", `{"url":"https://example.com/a"}`).Code)
	rec = post(t, srv, "/api/v1/highlights", "h1", `{"article_url":"https://example.com/a","text":"q"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRebind(t *testing.T) {
	s := &SQLStore{postgres: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.postgres = false
	assert.Equal(t, "x = ?", s.rebind("x = ?"))
}
