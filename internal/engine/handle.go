package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cognitio/cognitio/internal/registry"
)

// State is the lifecycle state of the engine handle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ModelLoadError reports a failed model load. The handle stays in
// StateFailed with this error until a later Initialize succeeds.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("loading model %s: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// NotReadyError is returned when a completion is requested before the
// engine holds a loaded model.
type NotReadyError struct {
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("engine not ready: state is %s", e.State)
}

// Progress is a point-in-time report of a model load in flight.
type Progress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Text    string  `json:"text"`
}

// Status is a snapshot of the handle for status surfaces.
type Status struct {
	State    string                    `json:"state"`
	Model    *registry.ModelDescriptor `json:"model,omitempty"`
	Progress Progress                  `json:"progress"`
	Error    string                    `json:"error,omitempty"`
}

// pendingLoad is the single load or switch in flight. Callers requesting
// the same model wait on done and share err; callers requesting a different
// model wait for it to resolve before claiming the slot themselves.
type pendingLoad struct {
	desc registry.ModelDescriptor
	done chan struct{}
	err  error
}

// Handle owns exactly one model slot on the runtime and serializes all
// lifecycle transitions: at most one load or switch is in flight at any
// time, regardless of which model it targets. Concurrent calls for the
// same model share that one runtime load.
type Handle struct {
	rt     Runtime
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	model    registry.ModelDescriptor
	lastErr  error
	progress Progress
	pending  *pendingLoad

	onProgress func(Progress)
}

// NewHandle creates an unloaded Handle over the given runtime.
func NewHandle(rt Runtime, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{rt: rt, logger: logger}
}

// SetProgressSink registers a callback invoked on every load progress
// update. Call before the first Initialize; the sink must not block.
func (h *Handle) SetProgressSink(fn func(Progress)) {
	h.mu.Lock()
	h.onProgress = fn
	h.mu.Unlock()
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Model returns the descriptor for the loaded model and whether one is loaded.
func (h *Handle) Model() (registry.ModelDescriptor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.model, h.state == StateReady
}

// Status returns a snapshot for status endpoints.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Status{State: h.state.String(), Progress: h.progress}
	if h.state == StateReady || h.state == StateLoading {
		m := h.model
		s.Model = &m
	}
	if h.lastErr != nil {
		s.Error = h.lastErr.Error()
	}
	return s
}

// Initialize loads the given model, pulling it first if the runtime does not
// have it. A handle already ready with the same model returns immediately.
// Concurrent calls for the same model coalesce into one load; a call for a
// different model waits for the in-flight load to resolve and then takes the
// slot. On failure the handle enters StateFailed and a later Initialize may
// retry.
func (h *Handle) Initialize(ctx context.Context, desc registry.ModelDescriptor) error {
	p, _, _, err := h.claim(ctx, desc)
	if p == nil {
		return err
	}
	return h.resolve(p, h.load(ctx, desc))
}

// Switch replaces the loaded model with the given one. Switching to the
// model already loaded is a no-op. The previous model is unloaded best
// effort before the new load starts.
func (h *Handle) Switch(ctx context.Context, desc registry.ModelDescriptor) error {
	p, prev, wasReady, err := h.claim(ctx, desc)
	if p == nil {
		return err
	}

	if wasReady {
		if err := h.rt.UnloadModel(ctx, prev.ID); err != nil {
			h.logger.Warn("unloading previous model", "model", prev.ID, "error", err)
		}
	}

	return h.resolve(p, h.load(ctx, desc))
}

// claim takes the single lifecycle slot for desc, blocking while another
// load is in flight. A nil pendingLoad means there is nothing for the
// caller to do: the handle is already ready with desc, or the caller joined
// an identical in-flight load and err is its shared result. Otherwise the
// caller owns the slot, the handle is marked StateLoading for desc, and the
// caller must hand the slot back through resolve.
func (h *Handle) claim(ctx context.Context, desc registry.ModelDescriptor) (p *pendingLoad, prev registry.ModelDescriptor, wasReady bool, err error) {
	for {
		h.mu.Lock()
		if cur := h.pending; cur != nil {
			same := cur.desc.ID == desc.ID
			h.mu.Unlock()
			select {
			case <-cur.done:
			case <-ctx.Done():
				return nil, registry.ModelDescriptor{}, false, ctx.Err()
			}
			if same {
				return nil, registry.ModelDescriptor{}, false, cur.err
			}
			continue
		}
		if h.state == StateReady && h.model.ID == desc.ID {
			h.mu.Unlock()
			return nil, registry.ModelDescriptor{}, false, nil
		}
		p = &pendingLoad{desc: desc, done: make(chan struct{})}
		prev = h.model
		wasReady = h.state == StateReady
		h.pending = p
		h.state = StateLoading
		h.model = desc
		h.lastErr = nil
		h.progress = Progress{Stage: "loading"}
		h.mu.Unlock()
		return p, prev, wasReady, nil
	}
}

// resolve releases the lifecycle slot and wakes waiters with the load result.
func (h *Handle) resolve(p *pendingLoad, err error) error {
	p.err = err
	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()
	close(p.done)
	return err
}

// Teardown unloads the current model and returns the handle to
// StateUnloaded. A failed runtime unload is logged; the slot is released
// either way.
func (h *Handle) Teardown(ctx context.Context) {
	h.mu.Lock()
	model := h.model
	wasReady := h.state == StateReady
	h.state = StateUnloaded
	h.lastErr = nil
	h.progress = Progress{}
	h.mu.Unlock()

	if wasReady {
		if err := h.rt.UnloadModel(ctx, model.ID); err != nil {
			h.logger.Warn("unloading model on teardown", "model", model.ID, "error", err)
		}
	}
}

// Complete forwards a streaming completion to the runtime using the loaded
// model. Returns *NotReadyError unless the handle is StateReady.
func (h *Handle) Complete(ctx context.Context, params CompletionParams) (<-chan Delta, error) {
	h.mu.Lock()
	if h.state != StateReady {
		state := h.state
		h.mu.Unlock()
		return nil, &NotReadyError{State: state}
	}
	params.Model = h.model.ID
	h.mu.Unlock()

	return h.rt.Complete(ctx, params)
}

// load runs with the lifecycle slot held; claim has already marked the
// handle StateLoading for desc.
func (h *Handle) load(ctx context.Context, desc registry.ModelDescriptor) error {
	fail := func(err error) error {
		lerr := &ModelLoadError{Model: desc.ID, Err: err}
		h.mu.Lock()
		h.state = StateFailed
		h.lastErr = lerr
		h.mu.Unlock()
		h.logger.Error("model load failed", "model", desc.ID, "error", err)
		return lerr
	}

	if !h.rt.IsRunning(ctx) {
		return fail(fmt.Errorf("inference runtime is not reachable"))
	}

	if !h.rt.HasModel(ctx, desc.ID) {
		h.report(Progress{Stage: "pulling", Text: "downloading " + desc.DisplayName})
		err := h.rt.PullModel(ctx, desc.ID, func(p PullProgress) {
			pr := Progress{Stage: "pulling", Text: p.Status}
			if p.Total > 0 {
				pr.Percent = float64(p.Completed) / float64(p.Total) * 100
			}
			h.report(pr)
		})
		if err != nil {
			return fail(err)
		}
	}

	h.report(Progress{Stage: "loading", Text: "loading " + desc.DisplayName})
	if err := h.rt.LoadModel(ctx, desc.ID); err != nil {
		return fail(err)
	}

	h.mu.Lock()
	h.state = StateReady
	h.model = desc
	h.lastErr = nil
	h.progress = Progress{Stage: "ready", Percent: 100}
	h.mu.Unlock()
	h.logger.Info("model ready", "model", desc.ID)
	return nil
}

func (h *Handle) report(p Progress) {
	h.mu.Lock()
	h.progress = p
	sink := h.onProgress
	h.mu.Unlock()
	if sink != nil {
		sink(p)
	}
}
