// Package web serves the local JSON API used by the reading client.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/feedimport"
	"github.com/conorfennell/readback/internal/importer"
	"github.com/conorfennell/readback/internal/review"
	"github.com/conorfennell/readback/internal/sm2"
	"github.com/conorfennell/readback/internal/storage"
	"github.com/conorfennell/readback/internal/syncqueue"
)

const maxBody = 1 << 20

// Server holds the dependencies for the HTTP server.
type Server struct {
	db       *storage.DB
	queue    *syncqueue.Queue
	reviews  *review.Service
	importer *importer.Importer
	feeds    *feedimport.Importer
	router   chi.Router
	now      func() time.Time
}

// NewServer creates and configures a new server.
func NewServer(db *storage.DB, queue *syncqueue.Queue, imp *importer.Importer, feeds *feedimport.Importer) *Server {
	s := &Server{
		db:       db,
		queue:    queue,
		reviews:  review.New(db),
		importer: imp,
		feeds:    feeds,
		now:      time.Now,
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/deck", s.handleGetDeck)
	r.Get("/review/next", s.handleGetNextReview)
	r.Post("/review/{id}", s.handlePostReview)

	r.Post("/articles", s.handleCreate(domain.CreateArticle))
	r.Post("/highlights", s.handleCreate(domain.CreateHighlight))
	r.Post("/notes", s.handleCreate(domain.CreateNote))

	r.Route("/sync", func(r chi.Router) {
		r.Get("/pending", s.handleGetPending)
		r.Post("/drain", s.handlePostDrain)
		r.Get("/dead-letters", s.handleGetDeadLetters)
		r.Post("/dead-letters/{id}/discard", s.handleDiscard)
		r.Post("/dead-letters/{id}/resubmit", s.handleResubmit)
	})

	r.Get("/sources", s.handleGetSources)
	r.Post("/sources", s.handlePostSource)
	r.Post("/sources/sync", s.handlePostSync)
	r.Delete("/sources/{id}", s.handleDeleteSource)

	r.Post("/feeds/import", s.handleImportFeed)

	s.router = r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

type cardView struct {
	ID              string    `json:"id"`
	SourceRef       string    `json:"source_ref"`
	DueAt           time.Time `json:"due_at"`
	RepetitionCount int       `json:"repetition_count"`
	EaseFactor      float64   `json:"ease_factor"`
}

func viewCard(c domain.ReviewCard) cardView {
	return cardView{
		ID:              c.ID,
		SourceRef:       c.SourceRef,
		DueAt:           c.DueAt,
		RepetitionCount: c.RepetitionCount,
		EaseFactor:      c.EaseFactor,
	}
}

// handleGetDeck lists the cards due now.
func (s *Server) handleGetDeck(w http.ResponseWriter, r *http.Request) {
	due, err := s.reviews.Deck(r.Context(), s.now())
	if err != nil {
		internalError(w, "error getting due cards for deck", err)
		return
	}
	cards := make([]cardView, 0, len(due))
	for _, c := range due {
		cards = append(cards, viewCard(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"due_count": len(cards),
		"cards":     cards,
	})
}

// handleGetNextReview returns the next due card, or 204 when none is due.
func (s *Server) handleGetNextReview(w http.ResponseWriter, r *http.Request) {
	next, err := s.reviews.Next(r.Context(), s.now())
	if err != nil {
		internalError(w, "error getting next due card", err)
		return
	}
	if next == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, viewCard(*next))
}

// handlePostReview grades a card and returns it with the next due card.
func (s *Server) handlePostReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quality *int `json:"quality"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil || req.Quality == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"quality\": 0-5}")
		return
	}

	now := s.now()
	card, err := s.reviews.Grade(r.Context(), chi.URLParam(r, "id"), *req.Quality, now)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "card not found")
		return
	case errors.Is(err, sm2.ErrInvalidQuality):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		internalError(w, "error grading card", err)
		return
	}

	resp := map[string]any{"card": viewCard(card), "next": nil}
	next, err := s.reviews.Next(r.Context(), now)
	if err != nil {
		slog.Warn("error getting next card after review", "error", err)
	} else if next != nil {
		resp["next"] = viewCard(*next)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetSources lists the configured highlight sources.
func (s *Server) handleGetSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.db.GetAllSources(r.Context())
	if err != nil {
		internalError(w, "error getting sources", err)
		return
	}
	if sources == nil {
		sources = []storage.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

// handlePostSource adds a local directory or git URL as a source.
func (s *Server) handlePostSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path cannot be empty")
		return
	}
	src, err := s.importer.AddSource(r.Context(), req.Path)
	if err != nil {
		internalError(w, "error adding source", err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

// handlePostSync runs an import over all sources in the foreground.
func (s *Server) handlePostSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.importer.Run(r.Context())
	if err != nil {
		internalError(w, "error importing sources", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeleteSource removes a source and its cards.
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	err = s.db.DeleteSource(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		internalError(w, "error deleting source", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportFeed queues the entries of an RSS or Atom feed as articles.
func (s *Server) handleImportFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url cannot be empty")
		return
	}
	res, err := s.feeds.Import(r.Context(), req.URL)
	if errors.Is(err, syncqueue.ErrNotSaved) {
		writeError(w, http.StatusInsufficientStorage, syncqueue.ErrNotSaved.Error())
		return
	}
	if err != nil {
		slog.Warn("feed import failed", "url", req.URL, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
