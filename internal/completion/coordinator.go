// Package completion coordinates streaming completions against the engine:
// one request in flight at a time, chunks delivered in production order,
// and throttled status callbacks for observers.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cognitio/cognitio/internal/engine"
	"github.com/cognitio/cognitio/internal/registry"
)

// ErrBusy is returned when a completion is requested while another is in flight.
var ErrBusy = errors.New("completion already in flight")

// GenerationError reports a completion that failed after producing partial
// output. Partial holds everything streamed before the failure.
type GenerationError struct {
	Partial    string
	ChunkCount int
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d chunks: %v", e.ChunkCount, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Engine is the slice of the engine handle the coordinator needs.
type Engine interface {
	State() engine.State
	Model() (registry.ModelDescriptor, bool)
	Initialize(ctx context.Context, desc registry.ModelDescriptor) error
	Switch(ctx context.Context, desc registry.ModelDescriptor) error
	Complete(ctx context.Context, params engine.CompletionParams) (<-chan engine.Delta, error)
}

// Request describes one streaming completion. Model, when set, is switched
// to before generating; nil means whatever is loaded (or the default).
// OnChunk receives every content chunk in order; OnStatus receives throttled
// progress snapshots. Both are optional and called from the coordinator's
// goroutine.
type Request struct {
	Model       *registry.ModelDescriptor
	Messages    []engine.Message
	Temperature float64
	MaxTokens   int

	OnChunk  func(chunk string)
	OnStatus func(chunkCount int, partial string)
}

// Result is a finished completion.
type Result struct {
	Content    string
	Usage      *engine.Usage
	ChunkCount int
	Duration   time.Duration
}

// Coordinator serializes completions over a single engine handle.
type Coordinator struct {
	eng          Engine
	defaultModel registry.ModelDescriptor
	logger       *slog.Logger

	statusEvery int
	limiter     *rate.Limiter

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
}

// New creates a Coordinator. statusEvery sets how many chunks pass between
// status callbacks; values below 1 fall back to 10.
func New(eng Engine, defaultModel registry.ModelDescriptor, statusEvery int, logger *slog.Logger) *Coordinator {
	if statusEvery < 1 {
		statusEvery = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		eng:          eng,
		defaultModel: defaultModel,
		logger:       logger,
		statusEvery:  statusEvery,
		limiter:      rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// Busy reports whether a completion is currently in flight.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Interrupt cancels the in-flight completion, if any, and reports whether
// one was running. The interrupted Complete call returns a *GenerationError
// wrapping context.Canceled with the partial output.
func (c *Coordinator) Interrupt() bool {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Complete runs one streaming completion to the end. A second call while one
// is in flight returns ErrBusy without touching any state. When the engine is
// not ready it is initialized first: toward the model already loading when a
// load is in flight, otherwise toward the default model.
func (c *Coordinator) Complete(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		cancel()
		return nil, ErrBusy
	}
	c.busy = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.busy = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	if req.Model != nil {
		if cur, ok := c.eng.Model(); !ok || cur.ID != req.Model.ID {
			if err := c.eng.Switch(ctx, *req.Model); err != nil {
				return nil, err
			}
		}
	} else if c.eng.State() != engine.StateReady {
		// Initialize coalesces with a load already in flight for the same
		// model, so a send issued mid-load waits for it instead of failing.
		target := c.defaultModel
		if cur, _ := c.eng.Model(); cur.ID != "" {
			target = cur
		}
		c.logger.Info("initializing model before completion", "model", target.ID)
		if err := c.eng.Initialize(ctx, target); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	ch, err := c.eng.Complete(ctx, engine.CompletionParams{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	var usage *engine.Usage
	chunkCount := 0

	for d := range ch {
		if d.Err != nil {
			return nil, &GenerationError{
				Partial:    sb.String(),
				ChunkCount: chunkCount,
				Err:        d.Err,
			}
		}

		if d.Content != "" {
			sb.WriteString(d.Content)
			chunkCount++
			if req.OnChunk != nil {
				req.OnChunk(d.Content)
			}
			if req.OnStatus != nil && chunkCount%c.statusEvery == 0 && c.limiter.Allow() {
				req.OnStatus(chunkCount, sb.String())
			}
		}
		if d.Done {
			usage = d.Usage
		}
	}

	if err := ctx.Err(); err != nil && usage == nil {
		return nil, &GenerationError{
			Partial:    sb.String(),
			ChunkCount: chunkCount,
			Err:        err,
		}
	}

	return &Result{
		Content:    sb.String(),
		Usage:      usage,
		ChunkCount: chunkCount,
		Duration:   time.Since(start),
	}, nil
}
