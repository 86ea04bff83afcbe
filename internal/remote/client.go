// Package remote implements the client of the central authority.
//
// The client speaks plain HTTP+JSON and classifies every failure into
// the categories the sync core cares about: transient network trouble
// (retried on the next drain), version conflicts (routed to the
// resolver), permanent application rejections (queue item failed), and
// authentication expiry (forced re-login, never retried automatically).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/terracadastre/fieldsync/internal/schema"
)

// ErrAuthExpired is returned when the remote authority no longer
// accepts the session token. The caller must force re-authentication;
// automatic retry is not permitted.
var ErrAuthExpired = errors.New("authentication expired")

// transientError marks a failure worth retrying on a later drain.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as a transient network failure.
func Transient(err error) error {
	return &transientError{err: err}
}

// IsTransient reports whether err is a transient network failure:
// a timeout, an unreachable host, or a 5xx from the authority.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Session is the identity the remote authority vouches for.
type Session struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role,omitempty"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ApplyOutcome is the authority's verdict on one mutation.
type ApplyOutcome int

const (
	// Accepted means the mutation was applied remotely.
	Accepted ApplyOutcome = iota
	// Conflict means the entity's remote version no longer matches the
	// version the mutation was based on.
	Conflict
	// Rejected means the payload was refused permanently (validation).
	Rejected
)

// String returns a human-readable representation of the outcome.
func (o ApplyOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Conflict:
		return "conflict"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ApplyResult carries the authority's response to ApplyMutation.
type ApplyResult struct {
	Outcome ApplyOutcome

	// NewVersion is the version the authority stored (Accepted only).
	NewVersion int64

	// RemoteVersion and RemotePayload describe the authority's current
	// state of the entity (Conflict only).
	RemoteVersion int64
	RemotePayload json.RawMessage

	// Reason is the authority's explanation (Rejected only).
	Reason string
}

// Client is the surface the sync core consumes. The HTTP implementation
// below is the production client; tests substitute fakes.
type Client interface {
	// Authenticate performs an online login and returns a fresh session.
	Authenticate(ctx context.Context, username, password string) (*Session, error)

	// ValidateSession checks a cached token against the authority.
	// Returns ErrAuthExpired if the token is no longer accepted.
	ValidateSession(ctx context.Context, token string) (*Session, error)

	// ApplyMutation replays one queued mutation against the authority.
	// A non-nil error means the call itself failed (transient or auth);
	// application-level verdicts come back in the ApplyResult.
	ApplyMutation(ctx context.Context, kind schema.MutationKind, referenceID string, payload json.RawMessage, expectedVersion int64) (*ApplyResult, error)
}

// HTTPClient talks to the remote authority over HTTP+JSON.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	token   func() string
}

// Config holds HTTP client configuration.
type Config struct {
	// BaseURL is the authority's root URL, e.g. "https://cadastre.example.gov".
	BaseURL string

	// Timeout bounds each request (default: 15s).
	Timeout time.Duration

	// Token supplies the current session token for authenticated calls.
	// May be nil when only Authenticate is used.
	Token func() string
}

// NewHTTPClient creates a client for the remote authority.
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	token := config.Token
	if token == nil {
		token = func() string { return "" }
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    &http.Client{Timeout: config.Timeout},
		token:   token,
	}, nil
}

// Authenticate implements Client.Authenticate.
func (c *HTTPClient) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	resp, err := c.post(ctx, "/api/v1/auth/login", body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var session Session
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		return &session, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("login rejected: %w", ErrAuthExpired)
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("authority returned %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("unexpected status %d from login", resp.StatusCode)
	}
}

// ValidateSession implements Client.ValidateSession.
func (c *HTTPClient) ValidateSession(ctx context.Context, token string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/auth/session", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("session validation failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var session Session
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		return &session, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthExpired
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("authority returned %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("unexpected status %d from session validation", resp.StatusCode)
	}
}

// applyRequest is the wire format of one mutation replay.
type applyRequest struct {
	Kind            schema.MutationKind `json:"kind"`
	ReferenceID     string              `json:"reference_id"`
	Payload         json.RawMessage     `json:"payload"`
	ExpectedVersion int64               `json:"expected_version,omitempty"`
}

// applyResponse is the wire format of the authority's verdict.
type applyResponse struct {
	NewVersion    int64           `json:"new_version,omitempty"`
	RemoteVersion int64           `json:"remote_version,omitempty"`
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ApplyMutation implements Client.ApplyMutation.
func (c *HTTPClient) ApplyMutation(ctx context.Context, kind schema.MutationKind, referenceID string, payload json.RawMessage, expectedVersion int64) (*ApplyResult, error) {
	body, err := json.Marshal(applyRequest{
		Kind:            kind,
		ReferenceID:     referenceID,
		Payload:         payload,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation: %w", err)
	}

	path := "/api/v1/mutations/" + url.PathEscape(referenceID)
	resp, err := c.post(ctx, path, body, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ar applyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return nil, fmt.Errorf("failed to decode apply response: %w", err)
		}
		return &ApplyResult{Outcome: Accepted, NewVersion: ar.NewVersion}, nil

	case resp.StatusCode == http.StatusConflict:
		var ar applyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return nil, fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return &ApplyResult{
			Outcome:       Conflict,
			RemoteVersion: ar.RemoteVersion,
			RemotePayload: ar.RemotePayload,
		}, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthExpired

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var ar applyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			ar.Reason = fmt.Sprintf("authority returned %d", resp.StatusCode)
		}
		return &ApplyResult{Outcome: Rejected, Reason: ar.Reason}, nil

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Drain body so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, Transient(fmt.Errorf("authority returned %d", resp.StatusCode))

	default:
		return nil, fmt.Errorf("unexpected status %d applying mutation", resp.StatusCode)
	}
}

// post issues a JSON POST, classifying transport failures as transient.
func (c *HTTPClient) post(ctx context.Context, path string, body []byte, authed bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS failures: all retryable
		return nil, Transient(fmt.Errorf("request to %s failed: %w", path, err))
	}
	return resp, nil
}
