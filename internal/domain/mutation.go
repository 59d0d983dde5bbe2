package domain

import (
	"encoding/json"
	"time"
)

// MutationKind names a server mutation endpoint.
type MutationKind string

const (
	CreateArticle   MutationKind = "create_article"
	CreateHighlight MutationKind = "create_highlight"
	CreateNote      MutationKind = "create_note"
)

// Kinds lists every known mutation kind.
var Kinds = []MutationKind{CreateArticle, CreateHighlight, CreateNote}

// Valid reports whether k is one of the known kinds.
func (k MutationKind) Valid() bool {
	switch k {
	case CreateArticle, CreateHighlight, CreateNote:
		return true
	}
	return false
}

// MutationState tracks a queued mutation through replay.
type MutationState string

const (
	StatePending      MutationState = "pending"
	StateInFlight     MutationState = "in_flight"
	StateAcknowledged MutationState = "acknowledged"
	StateDeadLetter   MutationState = "dead_letter"
)

// QueuedMutation is a locally originated change waiting to reach the server.
// ID doubles as the idempotency key and never changes across retries.
type QueuedMutation struct {
	ID           string
	Seq          int64 // FIFO position, assigned by the store
	Kind         MutationKind
	Payload      json.RawMessage
	ChainKey     string // mutations sharing a chain key are causally ordered
	State        MutationState
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ArticlePayload is the body of a create_article mutation.
type ArticlePayload struct {
	URL     string    `json:"url" validate:"required,url"`
	Title   string    `json:"title,omitempty" validate:"max=1024"`
	SavedAt time.Time `json:"saved_at"`
}

// HighlightPayload is the body of a create_highlight mutation.
type HighlightPayload struct {
	ID         string `json:"id,omitempty"`
	ArticleURL string `json:"article_url" validate:"required,url"`
	Text       string `json:"text" validate:"required"`
	Note       string `json:"note,omitempty"`
}

// NotePayload is the body of a create_note mutation.
type NotePayload struct {
	ArticleURL  string `json:"article_url" validate:"required,url"`
	HighlightID string `json:"highlight_id,omitempty"`
	Body        string `json:"body" validate:"required"`
}

// PayloadFor returns an empty payload value of the type expected by kind.
func PayloadFor(kind MutationKind) (any, bool) {
	switch kind {
	case CreateArticle:
		return &ArticlePayload{}, true
	case CreateHighlight:
		return &HighlightPayload{}, true
	case CreateNote:
		return &NotePayload{}, true
	}
	return nil, false
}

// DrainReport summarises one replay pass over the queue.
type DrainReport struct {
	Acknowledged int `json:"acknowledged"`
	RetriedLater int `json:"retried_later"`
	DeadLettered int `json:"dead_lettered"`
	Blocked      int `json:"blocked"` // held behind a dead-lettered mutation of the same chain
}

// IsEmpty reports whether nothing was attempted.
func (r DrainReport) IsEmpty() bool {
	return r == DrainReport{}
}
