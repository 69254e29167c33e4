package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cognitio/cognitio/internal/engine"
	"github.com/cognitio/cognitio/internal/registry"
)

// fakeEngine scripts delta streams for coordinator tests.
type fakeEngine struct {
	mu          sync.Mutex
	state       engine.State
	model       registry.ModelDescriptor
	initCalls   int
	switchCalls int
	initErr     error

	deltas  []engine.Delta
	entered chan struct{}
	release chan struct{}
}

func (f *fakeEngine) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) Model() (registry.ModelDescriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model, f.state == engine.StateReady
}

func (f *fakeEngine) Initialize(ctx context.Context, desc registry.ModelDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return f.initErr
	}
	f.state = engine.StateReady
	f.model = desc
	return nil
}

func (f *fakeEngine) Switch(ctx context.Context, desc registry.ModelDescriptor) error {
	f.mu.Lock()
	f.switchCalls++
	f.mu.Unlock()
	return f.Initialize(ctx, desc)
}

func (f *fakeEngine) Complete(ctx context.Context, params engine.CompletionParams) (<-chan engine.Delta, error) {
	f.mu.Lock()
	st := f.state
	f.mu.Unlock()
	if st != engine.StateReady {
		return nil, &engine.NotReadyError{State: st}
	}

	ch := make(chan engine.Delta, 16)
	go func() {
		defer close(ch)
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		if f.release != nil {
			select {
			case <-f.release:
			case <-ctx.Done():
				ch <- engine.Delta{Err: ctx.Err()}
				return
			}
		}
		for _, d := range f.deltas {
			select {
			case ch <- d:
			case <-ctx.Done():
				ch <- engine.Delta{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func defaultModel(t *testing.T) registry.ModelDescriptor {
	t.Helper()
	d, err := registry.Default().Resolve("Llama-3.2-1B-Instruct")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return d
}

func helloDeltas() []engine.Delta {
	return []engine.Delta{
		{Content: "Hel"},
		{Content: "lo"},
		{Done: true, Usage: &engine.Usage{PromptTokens: 12, CompletionTokens: 2, TotalTokens: 14}},
	}
}

func TestComplete_ChunksInOrder(t *testing.T) {
	eng := &fakeEngine{state: engine.StateReady, deltas: helloDeltas()}
	c := New(eng, defaultModel(t), 10, nil)

	var chunks []string
	res, err := c.Complete(context.Background(), Request{
		Messages: []engine.Message{{Role: "user", Content: "Say hello"}},
		OnChunk:  func(s string) { chunks = append(chunks, s) },
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if res.Content != "Hello" {
		t.Errorf("Content = %q, want %q", res.Content, "Hello")
	}
	if res.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", res.ChunkCount)
	}
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Errorf("chunks = %v, want [Hel lo]", chunks)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 14 {
		t.Errorf("Usage = %+v, want TotalTokens 14", res.Usage)
	}
	if eng.initCalls != 0 {
		t.Errorf("initCalls = %d, want 0 for a ready engine", eng.initCalls)
	}
}

func TestComplete_RejectsWhileInFlight(t *testing.T) {
	eng := &fakeEngine{
		state:   engine.StateReady,
		deltas:  helloDeltas(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	c := New(eng, defaultModel(t), 10, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Complete(context.Background(), Request{})
		done <- err
	}()

	<-eng.entered
	if !c.Busy() {
		t.Error("Busy() = false during in-flight completion")
	}

	_, err := c.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Complete error = %v, want ErrBusy", err)
	}

	close(eng.release)
	if err := <-done; err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if c.Busy() {
		t.Error("Busy() = true after completion finished")
	}
}

func TestComplete_LazyInitializes(t *testing.T) {
	eng := &fakeEngine{state: engine.StateUnloaded, deltas: helloDeltas()}
	c := New(eng, defaultModel(t), 10, nil)

	if _, err := c.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if eng.initCalls != 1 {
		t.Errorf("initCalls = %d, want 1", eng.initCalls)
	}
}

func TestComplete_JoinsLoadInFlight(t *testing.T) {
	loading, err := registry.Default().Resolve("Phi-3.5-mini-instruct")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	eng := &fakeEngine{state: engine.StateLoading, model: loading, deltas: helloDeltas()}
	c := New(eng, defaultModel(t), 10, nil)

	res, err := c.Complete(context.Background(), Request{
		Messages: []engine.Message{{Role: "user", Content: "Say hello"}},
	})
	if err != nil {
		t.Fatalf("Complete during load: %v", err)
	}
	if res.Content != "Hello" {
		t.Errorf("Content = %q, want %q", res.Content, "Hello")
	}
	if eng.initCalls != 1 {
		t.Errorf("initCalls = %d, want 1", eng.initCalls)
	}
	// The send joins the load already in flight; it must not replace it
	// with the default model.
	if m, _ := eng.Model(); m.ID != loading.ID {
		t.Errorf("model after completion = %s, want %s", m.ID, loading.ID)
	}
}

func TestComplete_SwitchesToRequestedModel(t *testing.T) {
	reg := registry.Default()
	llama, _ := reg.Resolve("Llama-3.2-1B-Instruct")
	phi, _ := reg.Resolve("Phi-3.5-mini-instruct")

	eng := &fakeEngine{state: engine.StateReady, model: llama, deltas: helloDeltas()}
	c := New(eng, llama, 10, nil)

	if _, err := c.Complete(context.Background(), Request{Model: &phi}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if eng.switchCalls != 1 {
		t.Errorf("switchCalls = %d, want 1", eng.switchCalls)
	}

	// Requesting the already-loaded model must not switch again.
	eng.deltas = helloDeltas()
	if _, err := c.Complete(context.Background(), Request{Model: &phi}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if eng.switchCalls != 1 {
		t.Errorf("switchCalls = %d after same-model request, want 1", eng.switchCalls)
	}
}

func TestComplete_InitFailurePropagates(t *testing.T) {
	initErr := fmt.Errorf("runtime unreachable")
	eng := &fakeEngine{state: engine.StateUnloaded, initErr: initErr}
	c := New(eng, defaultModel(t), 10, nil)

	_, err := c.Complete(context.Background(), Request{})
	if !errors.Is(err, initErr) {
		t.Fatalf("error = %v, want the init error", err)
	}
	var gerr *GenerationError
	if errors.As(err, &gerr) {
		t.Error("init failure must not be wrapped as GenerationError")
	}
}

func TestComplete_GenerationErrorCarriesPartial(t *testing.T) {
	eng := &fakeEngine{
		state: engine.StateReady,
		deltas: []engine.Delta{
			{Content: "Hel"},
			{Content: "lo"},
			{Err: fmt.Errorf("stream reset")},
		},
	}
	c := New(eng, defaultModel(t), 10, nil)

	_, err := c.Complete(context.Background(), Request{})
	var gerr *GenerationError
	if !errors.As(err, &gerr) {
		t.Fatalf("error type = %T, want *GenerationError", err)
	}
	if gerr.Partial != "Hello" {
		t.Errorf("Partial = %q, want %q", gerr.Partial, "Hello")
	}
	if gerr.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", gerr.ChunkCount)
	}
}

func TestInterrupt(t *testing.T) {
	eng := &fakeEngine{
		state:   engine.StateReady,
		deltas:  helloDeltas(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	c := New(eng, defaultModel(t), 10, nil)

	if c.Interrupt() {
		t.Error("Interrupt() = true with nothing in flight")
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Complete(context.Background(), Request{})
		done <- err
	}()

	<-eng.entered
	if !c.Interrupt() {
		t.Fatal("Interrupt() = false with a completion in flight")
	}

	err := <-done
	var gerr *GenerationError
	if !errors.As(err, &gerr) {
		t.Fatalf("error type = %T, want *GenerationError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want it to wrap context.Canceled", err)
	}
}

func TestComplete_StatusThrottled(t *testing.T) {
	deltas := []engine.Delta{
		{Content: "a"}, {Content: "b"}, {Content: "c"}, {Content: "d"},
		{Done: true, Usage: &engine.Usage{TotalTokens: 4}},
	}
	eng := &fakeEngine{state: engine.StateReady, deltas: deltas}
	c := New(eng, defaultModel(t), 2, nil)

	type status struct {
		count   int
		partial string
	}
	var statuses []status
	_, err := c.Complete(context.Background(), Request{
		OnStatus: func(n int, partial string) {
			statuses = append(statuses, status{n, partial})
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Chunks 2 and 4 are status-eligible; the rate limiter admits only the
	// first in a burst this tight.
	if len(statuses) != 1 {
		t.Fatalf("got %d status callbacks, want 1: %v", len(statuses), statuses)
	}
	if statuses[0].count != 2 || statuses[0].partial != "ab" {
		t.Errorf("status = %+v, want {2 ab}", statuses[0])
	}
}

// The limiter refills over time, so a long stream keeps reporting.
func TestComplete_StatusResumesAfterRefill(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-dependent")
	}

	eng := &fakeEngine{state: engine.StateReady}
	for i := 0; i < 4; i++ {
		eng.deltas = append(eng.deltas, engine.Delta{Content: "x"})
	}
	eng.deltas = append(eng.deltas, engine.Delta{Done: true})

	c := New(eng, defaultModel(t), 2, nil)
	var calls int
	_, err := c.Complete(context.Background(), Request{
		OnChunk: func(string) { time.Sleep(120 * time.Millisecond) },
		OnStatus: func(int, string) {
			calls++
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if calls != 2 {
		t.Errorf("status callbacks = %d, want 2", calls)
	}
}
