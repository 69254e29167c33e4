package engine

import (
	"context"

	"github.com/cognitio/cognitio/internal/ollama"
)

// OllamaRuntime adapts the internal/ollama.Client to the Runtime interface.
type OllamaRuntime struct {
	client *ollama.Client
}

// NewOllamaRuntime creates an OllamaRuntime backed by a server at baseURL.
func NewOllamaRuntime(baseURL string) *OllamaRuntime {
	return &OllamaRuntime{client: ollama.New(baseURL)}
}

func (r *OllamaRuntime) IsRunning(ctx context.Context) bool {
	return r.client.IsRunning(ctx)
}

func (r *OllamaRuntime) HasModel(ctx context.Context, id string) bool {
	return r.client.HasModel(ctx, id)
}

func (r *OllamaRuntime) PullModel(ctx context.Context, id string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return r.client.PullModel(ctx, id, cb)
}

func (r *OllamaRuntime) LoadModel(ctx context.Context, id string) error {
	return r.client.LoadModel(ctx, id)
}

func (r *OllamaRuntime) UnloadModel(ctx context.Context, id string) error {
	return r.client.UnloadModel(ctx, id)
}

func (r *OllamaRuntime) Complete(ctx context.Context, params CompletionParams) (<-chan Delta, error) {
	msgs := make([]ollama.Message, len(params.Messages))
	for i, m := range params.Messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	src, err := r.client.ChatStream(ctx, params.Model, msgs, ollama.ChatOptions{
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Delta, 16)
	go func() {
		defer close(out)
		for d := range src {
			ed := Delta{Content: d.Content, Done: d.Done, Err: d.Err}
			if d.Usage != nil {
				ed.Usage = &Usage{
					PromptTokens:     d.Usage.PromptTokens,
					CompletionTokens: d.Usage.CompletionTokens,
					TotalTokens:      d.Usage.TotalTokens,
				}
			}
			out <- ed
		}
	}()
	return out, nil
}
