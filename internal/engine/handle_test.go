package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cognitio/cognitio/internal/registry"
)

// fakeRuntime implements Runtime in memory for handle tests.
type fakeRuntime struct {
	mu        sync.Mutex
	running   bool
	models    map[string]bool
	pullCalls int
	loadCalls int
	inLoad    int
	maxInLoad int
	unloaded  []string

	loadErr     error
	loadEntered chan struct{}
	loadRelease chan struct{}

	completeModel string
}

func newFakeRuntime(models ...string) *fakeRuntime {
	f := &fakeRuntime{running: true, models: map[string]bool{}}
	for _, m := range models {
		f.models[m] = true
	}
	return f
}

func (f *fakeRuntime) IsRunning(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRuntime) HasModel(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[id]
}

func (f *fakeRuntime) PullModel(ctx context.Context, id string, onProgress func(PullProgress)) error {
	f.mu.Lock()
	f.pullCalls++
	f.models[id] = true
	f.mu.Unlock()
	if onProgress != nil {
		onProgress(PullProgress{Status: "downloading", Total: 100, Completed: 100})
	}
	return nil
}

func (f *fakeRuntime) LoadModel(ctx context.Context, id string) error {
	f.mu.Lock()
	f.loadCalls++
	f.inLoad++
	if f.inLoad > f.maxInLoad {
		f.maxInLoad = f.inLoad
	}
	entered := f.loadEntered
	release := f.loadRelease
	err := f.loadErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	f.inLoad--
	f.mu.Unlock()
	return err
}

func (f *fakeRuntime) UnloadModel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, id)
	return nil
}

func (f *fakeRuntime) Complete(ctx context.Context, params CompletionParams) (<-chan Delta, error) {
	f.mu.Lock()
	f.completeModel = params.Model
	f.mu.Unlock()

	ch := make(chan Delta)
	close(ch)
	return ch, nil
}

func llamaDesc(t *testing.T) registry.ModelDescriptor {
	t.Helper()
	d, err := registry.Default().Resolve("Llama-3.2-1B-Instruct")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return d
}

func TestInitialize_PullsMissingModel(t *testing.T) {
	rt := newFakeRuntime()
	h := NewHandle(rt, nil)

	if err := h.Initialize(context.Background(), llamaDesc(t)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if h.State() != StateReady {
		t.Errorf("state = %v, want ready", h.State())
	}
	if rt.pullCalls != 1 {
		t.Errorf("pullCalls = %d, want 1", rt.pullCalls)
	}
	if rt.loadCalls != 1 {
		t.Errorf("loadCalls = %d, want 1", rt.loadCalls)
	}
}

func TestInitialize_SkipsPullWhenPresent(t *testing.T) {
	desc := llamaDesc(t)
	rt := newFakeRuntime(desc.ID)
	h := NewHandle(rt, nil)

	if err := h.Initialize(context.Background(), desc); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if rt.pullCalls != 0 {
		t.Errorf("pullCalls = %d, want 0", rt.pullCalls)
	}
}

func TestInitialize_IdempotentWhenReady(t *testing.T) {
	desc := llamaDesc(t)
	rt := newFakeRuntime(desc.ID)
	h := NewHandle(rt, nil)

	for i := 0; i < 3; i++ {
		if err := h.Initialize(context.Background(), desc); err != nil {
			t.Fatalf("Initialize #%d: %v", i, err)
		}
	}
	if rt.loadCalls != 1 {
		t.Errorf("loadCalls = %d, want 1", rt.loadCalls)
	}
}

func TestInitialize_CoalescesConcurrentCalls(t *testing.T) {
	desc := llamaDesc(t)
	rt := newFakeRuntime(desc.ID)
	rt.loadEntered = make(chan struct{}, 1)
	rt.loadRelease = make(chan struct{})
	h := NewHandle(rt, nil)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.Initialize(context.Background(), desc)
		}(i)
	}

	// Wait until the first call is inside the runtime load, give the rest
	// time to pile up on the same flight, then release.
	<-rt.loadEntered
	time.Sleep(50 * time.Millisecond)
	close(rt.loadRelease)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Initialize #%d: %v", i, err)
		}
	}
	if rt.loadCalls != 1 {
		t.Errorf("loadCalls = %d, want 1 (calls should coalesce)", rt.loadCalls)
	}
	if h.State() != StateReady {
		t.Errorf("state = %v, want ready", h.State())
	}
}

func TestInitialize_FailureThenRetry(t *testing.T) {
	desc := llamaDesc(t)
	rt := newFakeRuntime(desc.ID)
	rt.loadErr = fmt.Errorf("out of memory")
	h := NewHandle(rt, nil)

	err := h.Initialize(context.Background(), desc)
	if err == nil {
		t.Fatal("expected load error")
	}
	var lerr *ModelLoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("error type = %T, want *ModelLoadError", err)
	}
	if lerr.Model != desc.ID {
		t.Errorf("lerr.Model = %q, want %q", lerr.Model, desc.ID)
	}
	if h.State() != StateFailed {
		t.Errorf("state = %v, want failed", h.State())
	}
	if st := h.Status(); st.Error == "" {
		t.Error("Status().Error empty after failed load")
	}

	// Clearing the fault lets a later Initialize recover the handle.
	rt.mu.Lock()
	rt.loadErr = nil
	rt.mu.Unlock()

	if err := h.Initialize(context.Background(), desc); err != nil {
		t.Fatalf("retry Initialize: %v", err)
	}
	if h.State() != StateReady {
		t.Errorf("state after retry = %v, want ready", h.State())
	}
}

func TestInitialize_RuntimeDown(t *testing.T) {
	rt := newFakeRuntime()
	rt.running = false
	h := NewHandle(rt, nil)

	if err := h.Initialize(context.Background(), llamaDesc(t)); err == nil {
		t.Fatal("expected error when the runtime is unreachable")
	}
	if h.State() != StateFailed {
		t.Errorf("state = %v, want failed", h.State())
	}
}

func TestSwitch_UnloadsPrevious(t *testing.T) {
	reg := registry.Default()
	first, _ := reg.Resolve("Llama-3.2-1B-Instruct")
	second, _ := reg.Resolve("Phi-3.5-mini-instruct")

	rt := newFakeRuntime(first.ID, second.ID)
	h := NewHandle(rt, nil)

	if err := h.Initialize(context.Background(), first); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.Switch(context.Background(), second); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if len(rt.unloaded) != 1 || rt.unloaded[0] != first.ID {
		t.Errorf("unloaded = %v, want [%s]", rt.unloaded, first.ID)
	}
	if m, ok := h.Model(); !ok || m.ID != second.ID {
		t.Errorf("loaded model = %v (ok=%v), want %s", m.ID, ok, second.ID)
	}
}

func TestSwitch_SameModelNoOp(t *testing.T) {
	desc := llamaDesc(t)
	rt := newFakeRuntime(desc.ID)
	h := NewHandle(rt, nil)

	if err := h.Initialize(context.Background(), desc); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.Switch(context.Background(), desc); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if len(rt.unloaded) != 0 {
		t.Errorf("unloaded = %v, want none", rt.unloaded)
	}
	if rt.loadCalls != 1 {
		t.Errorf("loadCalls = %d, want 1", rt.loadCalls)
	}
}

func TestLifecycle_SerializesDistinctModels(t *testing.T) {
	reg := registry.Default()
	first, _ := reg.Resolve("Llama-3.2-1B-Instruct")
	second, _ := reg.Resolve("Phi-3.5-mini-instruct")

	rt := newFakeRuntime(first.ID, second.ID)
	rt.loadEntered = make(chan struct{}, 1)
	rt.loadRelease = make(chan struct{})
	h := NewHandle(rt, nil)

	initErr := make(chan error, 1)
	go func() { initErr <- h.Initialize(context.Background(), first) }()
	<-rt.loadEntered

	switchErr := make(chan error, 1)
	go func() { switchErr <- h.Switch(context.Background(), second) }()

	// The switch must queue behind the in-flight load, not start a second one.
	time.Sleep(50 * time.Millisecond)
	rt.mu.Lock()
	calls := rt.loadCalls
	rt.mu.Unlock()
	if calls != 1 {
		t.Fatalf("loadCalls = %d while the first load is in flight, want 1", calls)
	}

	rt.loadRelease <- struct{}{}
	if err := <-initErr; err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// While the second load runs the handle must report loading for the
	// second model, never ready for a model the runtime has not loaded.
	<-rt.loadEntered
	if st := h.Status(); st.State != "loading" || st.Model == nil || st.Model.ID != second.ID {
		t.Fatalf("status during second load = %+v, want loading %s", st, second.ID)
	}

	rt.loadRelease <- struct{}{}
	if err := <-switchErr; err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if m, ok := h.Model(); !ok || m.ID != second.ID {
		t.Errorf("loaded model = %v (ok=%v), want %s", m.ID, ok, second.ID)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.maxInLoad != 1 {
		t.Errorf("max concurrent runtime loads = %d, want 1", rt.maxInLoad)
	}
	if len(rt.unloaded) != 1 || rt.unloaded[0] != first.ID {
		t.Errorf("unloaded = %v, want [%s]", rt.unloaded, first.ID)
	}
}

func TestComplete_NotReady(t *testing.T) {
	h := NewHandle(newFakeRuntime(), nil)

	_, err := h.Complete(context.Background(), CompletionParams{})
	if err == nil {
		t.Fatal("expected error before Initialize")
	}
	var nre *NotReadyError
	if !errors.As(err, &nre) {
		t.Fatalf("error type = %T, want *NotReadyError", err)
	}
	if nre.State != StateUnloaded {
		t.Errorf("nre.State = %v, want unloaded", nre.State)
	}
}

func TestComplete_UsesLoadedModel(t *testing.T) {
	desc := llamaDesc(t)
	rt := newFakeRuntime(desc.ID)
	h := NewHandle(rt, nil)

	if err := h.Initialize(context.Background(), desc); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ch, err := h.Complete(context.Background(), CompletionParams{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	for range ch {
	}

	if rt.completeModel != desc.ID {
		t.Errorf("completion model = %q, want %q", rt.completeModel, desc.ID)
	}
}

func TestTeardown(t *testing.T) {
	desc := llamaDesc(t)
	rt := newFakeRuntime(desc.ID)
	h := NewHandle(rt, nil)

	if err := h.Initialize(context.Background(), desc); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	h.Teardown(context.Background())

	if h.State() != StateUnloaded {
		t.Errorf("state = %v, want unloaded", h.State())
	}
	if len(rt.unloaded) != 1 || rt.unloaded[0] != desc.ID {
		t.Errorf("unloaded = %v, want [%s]", rt.unloaded, desc.ID)
	}
}
