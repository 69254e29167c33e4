package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that the runtime is running and the given model is
// available, pulling it if missing with progress output written to w. After
// the model is available it is loaded into memory so the first completion
// does not pay the cold-load penalty.
// Returns a non-nil error if the runtime is unreachable or the pull fails.
func EnsureReady(ctx context.Context, c *Client, model string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("inference runtime is not running. Start it with: ollama serve")
	}

	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
	} else {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	fmt.Fprintf(w, "model %s: loading...\n", model)
	loadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := c.LoadModel(loadCtx, model); err != nil {
		fmt.Fprintf(w, "model %s: load failed (non-fatal): %v\n", model, err)
	} else {
		fmt.Fprintf(w, "model %s: loaded\n", model)
	}

	return nil
}
