package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/cognitio/cognitio/internal/backend"
	"github.com/cognitio/cognitio/internal/completion"
	"github.com/cognitio/cognitio/internal/engine"
	"github.com/cognitio/cognitio/internal/registry"
)

var (
	// ErrEmptyMessage rejects sends whose text trims to nothing.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrBusy rejects a send while another is being processed.
	ErrBusy = errors.New("chat: a message is already being processed")
	// ErrNoSession rejects sends before a session exists.
	ErrNoSession = errors.New("chat: no active session")
)

// Completer runs one streaming completion at a time.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Result, error)
	Interrupt() bool
}

// Backend persists sessions, messages, and telemetry. All methods except
// CreateSession are non-fatal to the chat flow.
type Backend interface {
	CreateSession(ctx context.Context, title string) (*backend.Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg backend.Message) (*backend.Message, error)
	ReportProcessing(sessionID string, event backend.ProcessingEvent)
	SignalInterrupt(ctx context.Context, sessionID string)
}

// Engine is the slice of the engine handle the orchestrator needs for model
// switching and status surfaces.
type Engine interface {
	Switch(ctx context.Context, desc registry.ModelDescriptor) error
	Status() engine.Status
}

// Options holds the generation parameters applied to every send.
type Options struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Event types delivered to subscribers.
const (
	EventUserMessage = "user_message"
	EventChunk       = "chunk"
	EventCompleted   = "completed"
	EventError       = "error"
	EventNotice      = "notice"
)

// Event is one transcript update pushed to subscribers.
type Event struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	Chunk   string   `json:"chunk,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Orchestrator owns the transcript for one conversation and sequences
// send, stream, and persist. At most one send is processed at a time; a
// second is rejected, never queued.
type Orchestrator struct {
	completer Completer
	backend   Backend
	eng       Engine
	reg       *registry.Registry
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	session    *backend.Session
	transcript []*Message
	processing bool
	switching  bool

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// New creates an Orchestrator without an active session; call StartSession
// before sending.
func New(completer Completer, be Backend, eng Engine, reg *registry.Registry, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		completer: completer,
		backend:   be,
		eng:       eng,
		reg:       reg,
		opts:      opts,
		logger:    logger,
		subs:      map[chan Event]struct{}{},
	}
}

// StartSession creates a session on the backend and resets the transcript.
// Without a reachable backend no session exists and sends are rejected.
func (o *Orchestrator) StartSession(ctx context.Context, title string) (*backend.Session, error) {
	s, err := o.backend.CreateSession(ctx, title)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.session = s
	o.transcript = nil
	o.mu.Unlock()

	o.logger.Info("session started", "session", s.ID, "title", s.Title)
	return s, nil
}

// Session returns the active session, or nil.
func (o *Orchestrator) Session() *backend.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	s := *o.session
	return &s
}

// IsProcessing reports whether a send is currently being processed.
func (o *Orchestrator) IsProcessing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// Transcript returns a snapshot of the conversation so far.
func (o *Orchestrator) Transcript() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.transcript))
	for i, m := range o.transcript {
		out[i] = *m
	}
	return out
}

// AvailableModels lists the selectable models for UI surfaces.
func (o *Orchestrator) AvailableModels() []registry.Option {
	return o.reg.Options()
}

// EngineStatus returns the engine handle snapshot for status surfaces.
func (o *Orchestrator) EngineStatus() engine.Status {
	return o.eng.Status()
}

// SwitchModel resolves nameOrID against the registry and switches the
// engine. Rejected with ErrBusy while a send is in flight, and sends are
// rejected while the switch runs, so token streams never interleave with a
// model swap.
func (o *Orchestrator) SwitchModel(ctx context.Context, nameOrID string) error {
	desc, err := o.reg.Resolve(nameOrID)
	if err != nil {
		return err
	}

	// The switching claim is held until the engine resolves; a send that
	// races the swap must not stream on the model being unloaded.
	o.mu.Lock()
	if o.processing || o.switching {
		o.mu.Unlock()
		return ErrBusy
	}
	o.switching = true
	o.mu.Unlock()

	err = o.eng.Switch(ctx, desc)

	o.mu.Lock()
	o.switching = false
	o.mu.Unlock()

	if err != nil {
		return err
	}
	o.notify("switched to " + desc.DisplayName)
	return nil
}

// Interrupt cancels the in-flight generation, if any, and signals the
// backend. Harmless when nothing is running.
func (o *Orchestrator) Interrupt(ctx context.Context) bool {
	if !o.completer.Interrupt() {
		return false
	}
	if s := o.Session(); s != nil {
		o.backend.SignalInterrupt(ctx, s.ID)
	}
	return true
}

// SendMessage processes one user message to completion: optimistic user
// entry, durable user persist, streamed assistant reply, final persist.
// Precondition failures return a sentinel error with the transcript and
// processing state untouched.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	user, sessionID, err := o.begin(text)
	if err != nil {
		return err
	}
	return o.process(ctx, sessionID, user)
}

// SendMessageAsync validates and claims the send synchronously, then
// processes in the background. Callers observe progress via Subscribe.
func (o *Orchestrator) SendMessageAsync(ctx context.Context, text string) error {
	user, sessionID, err := o.begin(text)
	if err != nil {
		return err
	}
	go func() {
		if err := o.process(context.WithoutCancel(ctx), sessionID, user); err != nil {
			o.logger.Warn("send failed", "session", sessionID, "error", err)
		}
	}()
	return nil
}

// Subscribe registers an event listener. Slow listeners drop events rather
// than stall the stream. The returned func unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	o.subMu.Lock()
	o.subs[ch] = struct{}{}
	o.subMu.Unlock()

	cancel := func() {
		o.subMu.Lock()
		if _, ok := o.subs[ch]; ok {
			delete(o.subs, ch)
			close(ch)
		}
		o.subMu.Unlock()
	}
	return ch, cancel
}

func (o *Orchestrator) begin(text string) (*Message, string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, "", ErrEmptyMessage
	}

	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return nil, "", ErrNoSession
	}
	if o.processing || o.switching {
		o.mu.Unlock()
		return nil, "", ErrBusy
	}
	o.processing = true
	sessionID := o.session.ID
	user := newMessage(RoleUser, trimmed)
	o.transcript = append(o.transcript, user)
	o.mu.Unlock()

	o.broadcast(Event{Type: EventUserMessage, Message: copyOf(user)})
	return user, sessionID, nil
}

func (o *Orchestrator) process(ctx context.Context, sessionID string, user *Message) error {
	defer func() {
		o.mu.Lock()
		o.processing = false
		o.mu.Unlock()
	}()

	// The user turn is persisted before generation begins so a crash
	// mid-stream still leaves a consistent history. A dead backend is
	// logged and the send continues.
	if _, err := o.backend.AppendMessage(ctx, sessionID, backend.Message{
		MessageType: RoleUser,
		Content:     user.Content,
	}); err != nil {
		o.logger.Warn("persisting user message", "session", sessionID, "error", err)
		o.notify("message not saved: backend unreachable")
	}

	o.backend.ReportProcessing(sessionID, backend.ProcessingEvent{Status: backend.StatusStarted})

	placeholder := newMessage(RoleAssistant, "")
	o.mu.Lock()
	o.transcript = append(o.transcript, placeholder)
	o.mu.Unlock()

	res, err := o.completer.Complete(ctx, completion.Request{
		Messages: []engine.Message{
			{Role: RoleSystem, Content: o.opts.SystemPrompt},
			{Role: RoleUser, Content: user.Content},
		},
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
		OnChunk: func(chunk string) {
			o.mu.Lock()
			placeholder.Content += chunk
			o.mu.Unlock()
			o.broadcast(Event{Type: EventChunk, Chunk: chunk})
		},
		OnStatus: func(chunkCount int, partial string) {
			o.backend.ReportProcessing(sessionID, backend.ProcessingEvent{
				Status:         backend.StatusStreaming,
				ChunkCount:     chunkCount,
				PartialContent: partial,
			})
		},
	})
	if err != nil {
		o.fail(sessionID, placeholder, err)
		return err
	}

	o.mu.Lock()
	placeholder.Content = res.Content
	placeholder.ProcessingTimeMs = res.Duration.Milliseconds()
	if res.Usage != nil {
		placeholder.TokensUsed = res.Usage.TotalTokens
	}
	final := *placeholder
	o.mu.Unlock()

	if _, err := o.backend.AppendMessage(ctx, sessionID, backend.Message{
		MessageType:      RoleAssistant,
		Content:          final.Content,
		TokensUsed:       final.TokensUsed,
		ProcessingTimeMs: final.ProcessingTimeMs,
	}); err != nil {
		o.logger.Warn("persisting assistant message", "session", sessionID, "error", err)
		o.notify("reply not saved: backend unreachable")
	}

	o.backend.ReportProcessing(sessionID, backend.ProcessingEvent{
		Status:           backend.StatusCompleted,
		ChunksProcessed:  res.ChunkCount,
		ProcessingTimeMs: final.ProcessingTimeMs,
		Usage:            res.Usage,
	})

	o.broadcast(Event{Type: EventCompleted, Message: &final})
	return nil
}

// fail turns the streaming placeholder into a terminal error entry. Partial
// output already delivered stays in the transcript.
func (o *Orchestrator) fail(sessionID string, placeholder *Message, err error) {
	desc := describeFailure(err)

	var partial string
	var chunks int
	var gerr *completion.GenerationError
	if errors.As(err, &gerr) {
		partial = gerr.Partial
		chunks = gerr.ChunkCount
	}

	content := desc
	if partial != "" {
		content = partial + "\n\n[" + desc + "]"
	}

	o.mu.Lock()
	placeholder.Role = RoleError
	placeholder.Content = content
	final := *placeholder
	o.mu.Unlock()

	o.backend.ReportProcessing(sessionID, backend.ProcessingEvent{
		Status:          backend.StatusError,
		ChunksProcessed: chunks,
		PartialContent:  partial,
		ErrorMessage:    err.Error(),
	})

	o.broadcast(Event{Type: EventError, Message: &final, Text: desc})
}

func describeFailure(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "generation interrupted"
	case errors.Is(err, completion.ErrBusy):
		return "another reply is still being generated"
	}

	var mle *engine.ModelLoadError
	if errors.As(err, &mle) {
		return "model could not be loaded: " + mle.Err.Error()
	}
	var nre *engine.NotReadyError
	if errors.As(err, &nre) {
		return "model is not ready yet, try again in a moment"
	}
	return "generation failed: " + err.Error()
}

func (o *Orchestrator) notify(text string) {
	o.broadcast(Event{Type: EventNotice, Text: text})
}

func (o *Orchestrator) broadcast(ev Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func copyOf(m *Message) *Message {
	c := *m
	return &c
}
