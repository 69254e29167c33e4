// Package server exposes the chat daemon's HTTP surface to UI clients:
// send/interrupt endpoints, model management, and a server-sent-events
// stream of transcript updates.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cognitio/cognitio/internal/chat"
	"github.com/cognitio/cognitio/internal/registry"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NewHandler returns the UI-facing HTTP handler over the orchestrator.
// token guards everything except /health; empty disables auth.
func NewHandler(o *chat.Orchestrator, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.Get("/status", handleStatus(o))
		r.Get("/models", handleModels(o))
		r.Post("/models/switch", handleSwitchModel(o))

		r.Route("/chat", func(r chi.Router) {
			r.Post("/sessions", handleStartSession(o))
			r.Post("/send", handleSend(o))
			r.Post("/interrupt", handleInterrupt(o))
			r.Get("/transcript", handleTranscript(o))
			r.Get("/events", handleEvents(o))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(o *chat.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"engine":     o.EngineStatus(),
			"session":    o.Session(),
			"processing": o.IsProcessing(),
		})
	}
}

func handleModels(o *chat.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": o.AvailableModels()})
	}
}

func handleSwitchModel(o *chat.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		err := o.SwitchModel(r.Context(), req.Model)
		var ume *registry.UnknownModelError
		switch {
		case errors.As(err, &ume):
			httpError(w, http.StatusBadRequest, "unknown_model", "%v", err)
		case errors.Is(err, chat.ErrBusy):
			httpError(w, http.StatusConflict, "busy", "cannot switch while a reply is being generated")
		case err != nil:
			httpError(w, http.StatusBadGateway, "engine_error", "%v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"engine": o.EngineStatus()})
		}
	}
}

func handleStartSession(o *chat.Orchestrator) http.HandlerFunc {
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

		sess, err := o.StartSession(r.Context(), req.Title)
		if err != nil {
			httpError(w, http.StatusBadGateway, "backend_error", "could not create session: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
	}
}

// handleSend claims the send synchronously and streams the reply in the
// background; clients follow progress on /chat/events.
func handleSend(o *chat.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		err := o.SendMessageAsync(r.Context(), req.Message)
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			httpError(w, http.StatusBadRequest, "empty_message", "message must not be empty")
		case errors.Is(err, chat.ErrBusy):
			httpError(w, http.StatusConflict, "busy", "a reply is already being generated")
		case errors.Is(err, chat.ErrNoSession):
			httpError(w, http.StatusConflict, "no_session", "start a session first")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "internal_error", "%v", err)
		default:
			writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
		}
	}
}

func handleInterrupt(o *chat.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		interrupted := o.Interrupt(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"interrupted": interrupted})
	}
}

func handleTranscript(o *chat.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"session":  o.Session(),
			"messages": o.Transcript(),
		})
	}
}

// handleEvents streams orchestrator events as server-sent events until the
// client disconnects.
func handleEvents(o *chat.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
			return
		}

		events, cancel := o.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
				flusher.Flush()
			}
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
