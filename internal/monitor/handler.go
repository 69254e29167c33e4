// Package monitor implements the reference backend the chat daemon syncs to:
// a small chi service persisting sessions, messages, and processing events
// to SQLite. Every response uses the {"success": ...} envelope the sync
// client expects.
package monitor

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cognitio/cognitio/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

// Deps carries what the handler needs.
type Deps struct {
	Store  *storage.Store
	Token  string // empty disables auth
	Logger *slog.Logger
}

// NewHandler returns the monitor HTTP handler.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/stats", handleStats(deps))
		r.Route("/chat", func(r chi.Router) {
			r.Post("/interrupt/", handleInterrupt(deps))
			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", handleCreateSession(deps))
				r.Get("/", handleListSessions(deps))
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", handleGetSession(deps))
					r.Delete("/", handleDeleteSession(deps))
					r.Put("/title/", handleRenameSession(deps))
					r.Post("/messages/", handleAppendMessage(deps))
					r.Get("/messages/", handleListMessages(deps))
					r.Post("/processing/", handleRecordEvent(deps))
					r.Get("/events/", handleListEvents(deps))
				})
			})
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type sessionJSON struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageJSON struct {
	ID               string          `json:"id"`
	MessageType      string          `json:"message_type"`
	Content          string          `json:"content"`
	TokensUsed       int             `json:"tokens_used"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func sessionToJSON(s storage.Session) sessionJSON {
	return sessionJSON{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

func messageToJSON(m storage.ChatMessage) messageJSON {
	out := messageJSON{
		ID:               m.ID,
		MessageType:      m.MessageType,
		Content:          m.Content,
		TokensUsed:       m.TokensUsed,
		ProcessingTimeMs: m.ProcessingTimeMs,
		CreatedAt:        m.CreatedAt,
	}
	if m.Metadata != "" {
		out.Metadata = json.RawMessage(m.Metadata)
	}
	return out
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Title string `json:"title"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Title == "" {
			req.Title = "New Chat"
		}

		now := time.Now().UTC()
		sess := storage.Session{
			ID:        uuid.NewString(),
			Title:     req.Title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := deps.Store.CreateSession(sess); err != nil {
			deps.Logger.Error("creating session", "error", err)
			fail(w, http.StatusInternalServerError, "could not create session")
			return
		}

		respond(w, http.StatusCreated, map[string]any{
			"success": true,
			"session": sessionToJSON(sess),
		})
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Store.ListSessions(100)
		if err != nil {
			deps.Logger.Error("listing sessions", "error", err)
			fail(w, http.StatusInternalServerError, "could not list sessions")
			return
		}

		out := make([]sessionJSON, len(sessions))
		for i, s := range sessions {
			out[i] = sessionToJSON(s)
		}
		respond(w, http.StatusOK, map[string]any{"success": true, "sessions": out})
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		sess, err := deps.Store.GetSession(id)
		if errors.Is(err, storage.ErrNotFound) {
			fail(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			deps.Logger.Error("loading session", "session", id, "error", err)
			fail(w, http.StatusInternalServerError, "could not load session")
			return
		}

		msgs, err := deps.Store.GetMessages(id)
		if err != nil {
			deps.Logger.Error("loading messages", "session", id, "error", err)
			fail(w, http.StatusInternalServerError, "could not load messages")
			return
		}

		out := make([]messageJSON, len(msgs))
		for i, m := range msgs {
			out[i] = messageToJSON(m)
		}
		respond(w, http.StatusOK, map[string]any{
			"success":  true,
			"session":  sessionToJSON(sess),
			"messages": out,
		})
	}
}

func handleRenameSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")

		var req struct {
			Title string `json:"title"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Title == "" {
			fail(w, http.StatusBadRequest, "title is required")
			return
		}

		err := deps.Store.RenameSession(id, req.Title)
		if errors.Is(err, storage.ErrNotFound) {
			fail(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			deps.Logger.Error("renaming session", "session", id, "error", err)
			fail(w, http.StatusInternalServerError, "could not rename session")
			return
		}
		respond(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		err := deps.Store.DeleteSession(id)
		if errors.Is(err, storage.ErrNotFound) {
			fail(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			deps.Logger.Error("deleting session", "session", id, "error", err)
			fail(w, http.StatusInternalServerError, "could not delete session")
			return
		}
		respond(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handleAppendMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		var req struct {
			Content          string          `json:"content"`
			MessageType      string          `json:"message_type"`
			TokensUsed       int             `json:"tokens_used"`
			ProcessingTimeMs int64           `json:"processing_time_ms"`
			Metadata         json.RawMessage `json:"metadata"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Content == "" {
			fail(w, http.StatusBadRequest, "content is required")
			return
		}
		switch req.MessageType {
		case "user", "assistant", "system", "error":
		default:
			fail(w, http.StatusBadRequest, "invalid message_type")
			return
		}

		msg := storage.ChatMessage{
			ID:               uuid.NewString(),
			SessionID:        sessionID,
			MessageType:      req.MessageType,
			Content:          req.Content,
			TokensUsed:       req.TokensUsed,
			ProcessingTimeMs: req.ProcessingTimeMs,
			CreatedAt:        time.Now().UTC(),
		}
		if len(req.Metadata) > 0 {
			msg.Metadata = string(req.Metadata)
		}

		if err := deps.Store.AppendMessage(msg); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fail(w, http.StatusNotFound, "session not found")
				return
			}
			deps.Logger.Error("appending message", "session", sessionID, "error", err)
			fail(w, http.StatusInternalServerError, "could not append message")
			return
		}

		respond(w, http.StatusCreated, map[string]any{
			"success": true,
			"message": messageToJSON(msg),
		})
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		msgs, err := deps.Store.GetMessages(sessionID)
		if err != nil {
			deps.Logger.Error("loading messages", "session", sessionID, "error", err)
			fail(w, http.StatusInternalServerError, "could not load messages")
			return
		}

		out := make([]messageJSON, len(msgs))
		for i, m := range msgs {
			out[i] = messageToJSON(m)
		}
		respond(w, http.StatusOK, map[string]any{"success": true, "messages": out})
	}
}

func handleRecordEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		var req struct {
			Status           string          `json:"status"`
			ChunkCount       int             `json:"chunk_count"`
			ChunksProcessed  int             `json:"chunks_processed"`
			PartialContent   string          `json:"partial_content"`
			ProcessingTimeMs int64           `json:"processing_time_ms"`
			Usage            json.RawMessage `json:"usage"`
			ErrorMessage     string          `json:"error_message"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		switch req.Status {
		case "started", "streaming", "completed", "error":
		default:
			fail(w, http.StatusBadRequest, "invalid status")
			return
		}

		ev := storage.ProcessingEvent{
			SessionID:        sessionID,
			Status:           req.Status,
			ChunkCount:       req.ChunkCount,
			ChunksProcessed:  req.ChunksProcessed,
			PartialContent:   req.PartialContent,
			ProcessingTimeMs: req.ProcessingTimeMs,
			ErrorMessage:     req.ErrorMessage,
			CreatedAt:        time.Now().UTC(),
		}
		if len(req.Usage) > 0 {
			ev.UsageJSON = string(req.Usage)
		}

		if err := deps.Store.RecordEvent(ev); err != nil {
			deps.Logger.Error("recording event", "session", sessionID, "error", err)
			fail(w, http.StatusInternalServerError, "could not record event")
			return
		}
		respond(w, http.StatusCreated, map[string]any{"success": true})
	}
}

func handleListEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		events, err := deps.Store.GetEvents(sessionID, 200)
		if err != nil {
			deps.Logger.Error("loading events", "session", sessionID, "error", err)
			fail(w, http.StatusInternalServerError, "could not load events")
			return
		}

		type eventJSON struct {
			ID               int64           `json:"id"`
			Status           string          `json:"status"`
			ChunkCount       int             `json:"chunk_count"`
			ChunksProcessed  int             `json:"chunks_processed"`
			PartialContent   string          `json:"partial_content,omitempty"`
			ProcessingTimeMs int64           `json:"processing_time_ms"`
			Usage            json.RawMessage `json:"usage,omitempty"`
			ErrorMessage     string          `json:"error_message,omitempty"`
			CreatedAt        time.Time       `json:"created_at"`
		}
		out := make([]eventJSON, len(events))
		for i, e := range events {
			out[i] = eventJSON{
				ID:               e.ID,
				Status:           e.Status,
				ChunkCount:       e.ChunkCount,
				ChunksProcessed:  e.ChunksProcessed,
				PartialContent:   e.PartialContent,
				ProcessingTimeMs: e.ProcessingTimeMs,
				ErrorMessage:     e.ErrorMessage,
				CreatedAt:        e.CreatedAt,
			}
			if e.UsageJSON != "" && e.UsageJSON != "{}" {
				out[i].Usage = json.RawMessage(e.UsageJSON)
			}
		}
		respond(w, http.StatusOK, map[string]any{"success": true, "events": out})
	}
}

// handleInterrupt acknowledges an interrupt signal. The monitor has nothing
// to cancel; it records the signal as an error-status event for the session.
func handleInterrupt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		if req.SessionID != "" {
			err := deps.Store.RecordEvent(storage.ProcessingEvent{
				SessionID:    req.SessionID,
				Status:       "error",
				ErrorMessage: "interrupted by client",
				CreatedAt:    time.Now().UTC(),
			})
			if err != nil {
				deps.Logger.Warn("recording interrupt", "session", req.SessionID, "error", err)
			}
		}
		respond(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.GetStats()
		if err != nil {
			deps.Logger.Error("reading stats", "error", err)
			fail(w, http.StatusInternalServerError, "could not read stats")
			return
		}
		respond(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func respond(w http.ResponseWriter, code int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func fail(w http.ResponseWriter, code int, msg string) {
	respond(w, code, map[string]any{"success": false, "error": msg})
}
