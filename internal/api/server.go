// Package api is a reference implementation of the server mutation
// endpoints. It records every idempotency key so a repeated delivery returns
// the original resource instead of creating a duplicate.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/remote"
)

// Server serves the mutation endpoints.
type Server struct {
	store  Store
	router chi.Router
	// Strict rejects highlights and notes whose article was never created.
	Strict bool
	now    func() time.Time
}

// New creates a server over store.
func New(store Store) *Server {
	s := &Server{
		store: store,
		now:   time.Now,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post(remote.APIPrefix+"{resource}", s.handleMutation)

	s.router = r
}

var kindsByPath = func() map[string]domain.MutationKind {
	m := make(map[string]domain.MutationKind, len(remote.Paths))
	for kind, path := range remote.Paths {
		m[path] = kind
	}
	return m
}()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, remote.ErrorBody{Error: msg, Code: code})
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindsByPath[chi.URLParam(r, "resource")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_kind", "unknown mutation endpoint")
		return
	}

	var env remote.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid JSON body")
		return
	}
	key := r.Header.Get(remote.IdempotencyHeader)
	if key == "" {
		key = env.IdempotencyKey
	}
	if key == "" || (env.IdempotencyKey != "" && env.IdempotencyKey != key) {
		writeError(w, http.StatusBadRequest, "bad_key", "missing or inconsistent idempotency key")
		return
	}

	payload, err := domain.DecodePayload(kind, env.Payload)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid", err.Error())
		return
	}

	ref := articleRef(payload)
	if s.Strict && kind != domain.CreateArticle {
		exists, err := s.store.ArticleExists(r.Context(), ref)
		if err != nil {
			slog.Error("article lookup failed", "url", ref, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
		if !exists {
			writeError(w, http.StatusUnprocessableEntity, "unknown_article", "article "+ref+" does not exist")
			return
		}
	}

	res, created, err := s.store.Create(r.Context(), Resource{
		ID:             uuid.NewString(),
		Kind:           kind,
		IdempotencyKey: key,
		Ref:            ref,
		Payload:        string(env.Payload),
		CreatedAt:      s.now(),
	})
	if errors.Is(err, ErrKeyReused) {
		writeError(w, http.StatusConflict, "key_reused", err.Error())
		return
	}
	if err != nil {
		slog.Error("create resource failed", "kind", kind, "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
		slog.Info("duplicate delivery answered with original", "kind", kind, "key", key, "id", res.ID)
	}
	writeJSON(w, status, res)
}

func articleRef(payload any) string {
	switch p := payload.(type) {
	case *domain.ArticlePayload:
		return p.URL
	case *domain.HighlightPayload:
		return p.ArticleURL
	case *domain.NotePayload:
		return p.ArticleURL
	}
	return ""
}
