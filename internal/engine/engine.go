// Package engine manages the lifecycle of a model on a local inference
// runtime: loading, switching, teardown, and streaming completions. The
// Handle type owns the state machine; Runtime abstracts the concrete
// backend so tests can substitute a fake.
package engine

import "context"

// Runtime abstracts a local inference backend. Consumers depend on this
// interface instead of a concrete client.
type Runtime interface {
	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// HasModel reports whether the given model is available locally.
	HasModel(ctx context.Context, id string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, id string, onProgress func(PullProgress)) error

	// LoadModel loads the model into memory so the first completion is fast.
	LoadModel(ctx context.Context, id string) error

	// UnloadModel releases the model from memory.
	UnloadModel(ctx context.Context, id string) error

	// Complete streams a chat completion. Deltas arrive in production order;
	// the channel closes when the stream ends or fails.
	Complete(ctx context.Context, params CompletionParams) (<-chan Delta, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionParams carries everything a single streaming completion needs.
type CompletionParams struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Delta is one incremental piece of a streaming completion. Err is set on
// the final delta when the stream terminated abnormally; Usage is set on the
// final delta of a successful stream.
type Delta struct {
	Content string
	Usage   *Usage
	Done    bool
	Err     error
}

// Usage reports token counts for a finished completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
