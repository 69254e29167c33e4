// Package backend syncs chat state to the reference backend over HTTP.
// Persistence is best effort: the chat flow never blocks on a dead backend.
// Processing telemetry goes through a circuit breaker so a flapping backend
// costs a log line, not a timeout per chunk.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/cognitio/cognitio/internal/engine"
)

// UnavailableError reports a backend call that failed at the transport or
// server level. Callers treat it as a degraded-mode signal, not a fatal one.
type UnavailableError struct {
	Endpoint string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable (%s): %v", e.Endpoint, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Session mirrors a chat session record on the backend.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message mirrors a chat message record on the backend.
type Message struct {
	ID               string         `json:"id"`
	MessageType      string         `json:"message_type"`
	Content          string         `json:"content"`
	TokensUsed       int            `json:"tokens_used"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ProcessingEvent is one telemetry event for a completion in flight.
type ProcessingEvent struct {
	Status           string        `json:"status"`
	ChunkCount       int           `json:"chunk_count,omitempty"`
	PartialContent   string        `json:"partial_content,omitempty"`
	ChunksProcessed  int           `json:"chunks_processed,omitempty"`
	ProcessingTimeMs int64         `json:"processing_time_ms,omitempty"`
	Usage            *engine.Usage `json:"usage,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// Processing event statuses.
const (
	StatusStarted   = "started"
	StatusStreaming = "streaming"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Client talks to the reference backend. The zero value is not usable; use New.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	breaker *gobreaker.CircuitBreaker[struct{}]
	wg      sync.WaitGroup
}

// New creates a Client for the backend at baseURL. token may be empty when
// the backend runs without auth.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "backend-telemetry",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("telemetry circuit state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// CreateSession creates a chat session on the backend and returns it.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	env, err := c.post(ctx, "/api/chat/sessions/", map[string]any{"title": title})
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(env.Session, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// AppendMessage persists one message to the given session.
func (c *Client) AppendMessage(ctx context.Context, sessionID string, msg Message) (*Message, error) {
	env, err := c.post(ctx, "/api/chat/sessions/"+sessionID+"/messages/", map[string]any{
		"content":            msg.Content,
		"message_type":       msg.MessageType,
		"tokens_used":        msg.TokensUsed,
		"processing_time_ms": msg.ProcessingTimeMs,
		"metadata":           msg.Metadata,
	})
	if err != nil {
		return nil, err
	}

	var out Message
	if err := json.Unmarshal(env.Message, &out); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &out, nil
}

// ReportProcessing sends one telemetry event without blocking the caller.
// Failures are logged and absorbed; an open circuit skips the send entirely.
// Use Flush to wait for in-flight reports, e.g. on shutdown.
func (c *Client) ReportProcessing(sessionID string, event ProcessingEvent) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := c.breaker.Execute(func() (struct{}, error) {
			_, err := c.post(ctx, "/api/chat/sessions/"+sessionID+"/processing/", event)
			return struct{}{}, err
		})
		if err == nil {
			return
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Debug("telemetry skipped, circuit open", "session", sessionID, "status", event.Status)
			return
		}
		c.logger.Warn("telemetry report failed", "session", sessionID, "status", event.Status, "error", err)
	}()
}

// SignalInterrupt tells the backend a generation was cut short. Best effort:
// a missing or failing endpoint is logged and ignored.
func (c *Client) SignalInterrupt(ctx context.Context, sessionID string) {
	if _, err := c.post(ctx, "/api/chat/interrupt/", map[string]any{"session_id": sessionID}); err != nil {
		c.logger.Debug("interrupt signal failed", "session", sessionID, "error", err)
	}
}

// Flush blocks until all in-flight telemetry reports finish or ctx expires.
func (c *Client) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) post(ctx context.Context, path string, payload any) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnavailableError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &UnavailableError{Endpoint: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return nil, &UnavailableError{Endpoint: path, Err: fmt.Errorf("decoding response: %w", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("backend rejected %s: %s", path, msg)
	}

	return &env, nil
}
