// Package remote sends queued mutations to the server's mutation endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conorfennell/readback/internal/domain"
)

// IdempotencyHeader carries the mutation ID on every request.
const IdempotencyHeader = "Idempotency-Key"

// ErrAlreadyApplied marks a 409 response telling us the server already holds
// the mutation. The queue treats it as an acknowledgement.
var ErrAlreadyApplied = errors.New("mutation already applied")

// TransientError is a delivery failure worth retrying later.
type TransientError struct {
	Status int // 0 for network errors and timeouts
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transient delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("transient delivery failure: status %d: %v", e.Status, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a rejection that retrying will not fix.
type PermanentError struct {
	Status  int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("server rejected mutation: status %d: %s", e.Status, e.Message)
}

// IsTransient reports whether err should be retried on a later drain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err should dead-letter the mutation.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Envelope is the request body of every mutation endpoint.
type Envelope struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// ErrorBody is the JSON error shape returned by the server.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CodeAlreadyApplied is the error code of a 409 duplicate response.
const CodeAlreadyApplied = "already_applied"

// Paths maps each kind to its endpoint below the API prefix.
var Paths = map[domain.MutationKind]string{
	domain.CreateArticle:   "articles",
	domain.CreateHighlight: "highlights",
	domain.CreateNote:      "notes",
}

// APIPrefix is the path prefix of the mutation endpoints.
const APIPrefix = "/api/v1/"

// Client talks to the mutation server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Send delivers m once. The error, if any, is a *TransientError, a
// *PermanentError, or ErrAlreadyApplied.
func (c *Client) Send(ctx context.Context, m domain.QueuedMutation) error {
	path, ok := Paths[m.Kind]
	if !ok {
		return &PermanentError{Message: fmt.Sprintf("unknown mutation kind %q", m.Kind)}
	}

	body, err := json.Marshal(Envelope{IdempotencyKey: m.ID, Payload: m.Payload})
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("encode envelope: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+APIPrefix+path, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, m.ID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	return classify(resp)
}

func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var eb ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
	}
	if eb.Error == "" {
		eb.Error = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusConflict && eb.Code == CodeAlreadyApplied:
		return ErrAlreadyApplied
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode, Err: errors.New(eb.Error)}
	default:
		return &PermanentError{Status: resp.StatusCode, Message: eb.Error}
	}
}

// Ping checks that the server health endpoint answers 2xx.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
