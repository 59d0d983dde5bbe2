package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conorfennell/readback/internal/domain"
	"github.com/conorfennell/readback/internal/knol"
	"github.com/conorfennell/readback/internal/syncqueue"
)

// handleCreate validates a mutation body and queues it for the server. The
// response is sent once the mutation is durable locally.
func (s *Server) handleCreate(kind domain.MutationKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read body")
			return
		}
		payload, err := domain.DecodePayload(kind, body)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		var (
			chainKey  string
			highlight *domain.Highlight
		)
		switch p := payload.(type) {
		case *domain.ArticlePayload:
			if p.SavedAt.IsZero() {
				p.SavedAt = s.now()
			}
			chainKey = p.URL
		case *domain.HighlightPayload:
			h := domain.Highlight{ArticleURL: p.ArticleURL, Text: p.Text, Note: p.Note}
			h.Hash = knol.Hash(h)
			if p.ID == "" {
				p.ID = h.Hash
			}
			chainKey = p.ArticleURL
			highlight = &h
		case *domain.NotePayload:
			chainKey = p.ArticleURL
		}

		id, err := s.queue.Enqueue(r.Context(), kind, payload, chainKey)
		if errors.Is(err, syncqueue.ErrNotSaved) {
			writeError(w, http.StatusInsufficientStorage, syncqueue.ErrNotSaved.Error())
			return
		}
		if errors.Is(err, domain.ErrInvalidMutation) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if err != nil {
			internalError(w, "error queueing mutation", err)
			return
		}

		resp := map[string]any{"id": id}
		if highlight != nil {
			card, _, err := s.reviews.Ensure(r.Context(), *highlight, s.now())
			if err != nil {
				slog.Warn("highlight queued but review card not created", "id", id, "error", err)
			} else {
				resp["card"] = viewCard(card)
			}
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// handleGetPending reports how many mutations are waiting for the server.
func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.PendingCount(r.Context())
	if err != nil {
		internalError(w, "error counting pending mutations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

// handlePostDrain replays the queue now and returns the report.
func (s *Server) handlePostDrain(w http.ResponseWriter, r *http.Request) {
	report, err := s.queue.Drain(r.Context())
	if errors.Is(err, syncqueue.ErrDrainInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		internalError(w, "error draining queue", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleGetDeadLetters lists mutations the server rejected.
func (s *Server) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DeadLetters(r.Context())
	if err != nil {
		internalError(w, "error listing dead letters", err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, m := range items {
		views = append(views, map[string]any{
			"id":            m.ID,
			"kind":          m.Kind,
			"payload":       m.Payload,
			"chain_key":     m.ChainKey,
			"state":         m.State,
			"attempt_count": m.AttemptCount,
			"last_error":    m.LastError,
			"created_at":    m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeDeadLetterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncqueue.ErrUnknownMutation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, syncqueue.ErrNotDeadLettered):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidMutation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		internalError(w, "error updating dead letter", err)
	}
}

// handleDiscard drops a dead-lettered mutation.
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDeadLetterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResubmit returns a dead-lettered mutation to the queue. A non-empty
// body replaces its payload.
func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	var payload any
	if len(body) > 0 {
		payload = json.RawMessage(body)
	}
	if err := s.queue.Resubmit(r.Context(), chi.URLParam(r, "id"), payload); err != nil {
		writeDeadLetterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
