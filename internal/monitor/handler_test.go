package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cognitio/cognitio/internal/backend"
	"github.com/cognitio/cognitio/internal/storage"
)

const testToken = "test-token-12345"

func setupHandler(t *testing.T, token string) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewHandler(Deps{Store: store, Token: token}), store
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/chat/sessions/", testToken, map[string]any{"title": "New Chat"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	sess := env["session"].(map[string]any)
	return sess["id"].(string)
}

func TestCreateAndGetSession(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	id := createSession(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/chat/sessions/"+id+"/", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session status = %d: %s", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	if env["success"] != true {
		t.Errorf("success = %v", env["success"])
	}
	sess := env["session"].(map[string]any)
	if sess["title"] != "New Chat" {
		t.Errorf("title = %v", sess["title"])
	}
}

func TestRenameSession(t *testing.T) {
	h, store := setupHandler(t, testToken)
	id := createSession(t, h)

	rec := doJSON(t, h, http.MethodPut, "/api/chat/sessions/"+id+"/title/", testToken, map[string]any{"title": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", rec.Code, rec.Body.String())
	}

	sess, err := store.GetSession(id)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if sess.Title != "Renamed" {
		t.Errorf("title = %q, want Renamed", sess.Title)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/chat/sessions/"+id+"/title/", testToken, map[string]any{"title": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty title status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/chat/sessions/nope/title/", testToken, map[string]any{"title": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	rec := doJSON(t, h, http.MethodGet, "/api/chat/sessions/nope/", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env["success"] != false {
		t.Errorf("success = %v, want false", env["success"])
	}
}

func TestAuth(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rec := doJSON(t, h, http.MethodGet, "/api/chat/sessions/", "wrong-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/chat/sessions/", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}

	// Health stays open.
	rec = doJSON(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestAuth_DisabledWhenNoToken(t *testing.T) {
	h, _ := setupHandler(t, "")
	rec := doJSON(t, h, http.MethodGet, "/api/chat/sessions/", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestAppendMessage_Validation(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	id := createSession(t, h)

	tests := []struct {
		name string
		path string
		body map[string]any
		want int
	}{
		{"missing content", "/api/chat/sessions/" + id + "/messages/", map[string]any{"message_type": "user"}, http.StatusBadRequest},
		{"bad type", "/api/chat/sessions/" + id + "/messages/", map[string]any{"content": "x", "message_type": "robot"}, http.StatusBadRequest},
		{"unknown session", "/api/chat/sessions/nope/messages/", map[string]any{"content": "x", "message_type": "user"}, http.StatusNotFound},
		{"valid", "/api/chat/sessions/" + id + "/messages/", map[string]any{"content": "hi", "message_type": "user"}, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, tt.path, testToken, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	id := createSession(t, h)

	for _, m := range []map[string]any{
		{"content": "Say hello", "message_type": "user"},
		{"content": "Hello", "message_type": "assistant", "tokens_used": 14, "processing_time_ms": 42},
	} {
		rec := doJSON(t, h, http.MethodPost, "/api/chat/sessions/"+id+"/messages/", testToken, m)
		if rec.Code != http.StatusCreated {
			t.Fatalf("append status = %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/api/chat/sessions/"+id+"/messages/", testToken, nil)
	env := decodeEnvelope(t, rec)
	msgs := env["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	second := msgs[1].(map[string]any)
	if second["message_type"] != "assistant" || second["tokens_used"] != float64(14) {
		t.Errorf("second message = %v", second)
	}
}

func TestProcessingEvents(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	id := createSession(t, h)

	events := []map[string]any{
		{"status": "started"},
		{"status": "streaming", "chunk_count": 10, "partial_content": "Hel"},
		{"status": "completed", "chunks_processed": 20, "processing_time_ms": 1500, "usage": map[string]any{"total_tokens": 14}},
	}
	for _, ev := range events {
		rec := doJSON(t, h, http.MethodPost, "/api/chat/sessions/"+id+"/processing/", testToken, ev)
		if rec.Code != http.StatusCreated {
			t.Fatalf("record event status = %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/api/chat/sessions/"+id+"/processing/", testToken, map[string]any{"status": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status code = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/chat/sessions/"+id+"/events/", testToken, nil)
	env := decodeEnvelope(t, rec)
	got := env["events"].([]any)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	latest := got[0].(map[string]any)
	if latest["status"] != "completed" {
		t.Errorf("latest event = %v, want completed first", latest["status"])
	}
}

func TestDeleteSession(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	id := createSession(t, h)

	rec := doJSON(t, h, http.MethodDelete, "/api/chat/sessions/"+id+"/", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/chat/sessions/"+id+"/", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

// The sync client and the monitor must agree on the wire format; run the
// real client against the real handler.
func TestSyncClientAgainstMonitor(t *testing.T) {
	h, store := setupHandler(t, testToken)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := backend.New(srv.URL, testToken, 2*time.Second, nil)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "Integration")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" || sess.Title != "Integration" {
		t.Errorf("session = %+v", sess)
	}

	if _, err := c.AppendMessage(ctx, sess.ID, backend.Message{
		MessageType: "user",
		Content:     "Say hello",
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	c.ReportProcessing(sess.ID, backend.ProcessingEvent{Status: backend.StatusStarted})
	c.SignalInterrupt(ctx, sess.ID)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	events, err := store.GetEvents(sess.ID, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (started + interrupt)", len(events))
	}

	msgs, err := store.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Say hello" {
		t.Errorf("messages = %+v", msgs)
	}
}
