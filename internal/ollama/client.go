// Package ollama implements the HTTP client for an Ollama-compatible local
// inference runtime. Model identifiers are passed through opaquely; the
// runtime decides what it can serve.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message represents a chat message in the runtime API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries the generation parameters for a chat completion.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// Usage reports token counts for a finished completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamDelta is one incremental piece of a streaming chat response. Err is
// set on the final delta when the stream terminated abnormally; Usage is set
// on the final delta of a successful stream.
type StreamDelta struct {
	Content string
	Usage   *Usage
	Done    bool
	Err     error
}

// Client communicates with a local inference runtime over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given runtime base URL. Streaming
// responses have no overall deadline; per-call timeouts are set where a
// bounded operation needs one.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []modelEntry `json:"models"`
}

type modelEntry struct {
	Name string `json:"name"`
}

// IsRunning returns true if the runtime responds to GET /api/tags with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of all models available in the runtime.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model is present in the runtime.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// The runtime may return "name:latest"; match without tag suffix.
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// pullRequest is the JSON body for POST /api/pull.
type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// The optional progress callback receives each progress line; pass nil to ignore.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(pullRequest{Name: name, Stream: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}

	return nil
}

// generateRequest is the JSON body for POST /api/generate, used for loading
// and unloading models via keep_alive without producing output.
type generateRequest struct {
	Model     string `json:"model"`
	KeepAlive any    `json:"keep_alive"`
}

// LoadModel asks the runtime to load the model into memory without
// generating, so the first completion does not pay the load latency.
func (c *Client) LoadModel(ctx context.Context, name string) error {
	return c.generate(ctx, generateRequest{Model: name, KeepAlive: "10m"})
}

// UnloadModel asks the runtime to release the model from memory.
func (c *Client) UnloadModel(ctx context.Context, name string) error {
	return c.generate(ctx, generateRequest{Model: name, KeepAlive: 0})
}

func (c *Client) generate(ctx context.Context, gr generateRequest) error {
	body, err := json.Marshal(gr)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generate request for %s: %w", gr.Model, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generate %s: unexpected status %d", gr.Model, resp.StatusCode)
	}
	return nil
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Options  chatOptions `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// chatStreamResponse is one NDJSON line of the streamed chat response.
type chatStreamResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// ChatStream sends messages to the given model and returns a channel of
// incremental deltas in production order. The channel is closed when the
// stream ends or fails; a mid-stream failure is delivered as a final delta
// with Err set. Cancel ctx to abort the stream.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, opts ChatOptions) (<-chan StreamDelta, error) {
	cr := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options: chatOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("chat: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	ch := make(chan StreamDelta, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		for {
			var line chatStreamResponse
			if err := dec.Decode(&line); err != nil {
				if err == io.EOF {
					return
				}
				// Cancellation surfaces as a read error on the body;
				// report the context error when that is the cause.
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				ch <- StreamDelta{Err: fmt.Errorf("reading chat stream: %w", err)}
				return
			}

			d := StreamDelta{Content: line.Message.Content}
			if line.Done {
				d.Done = true
				d.Usage = &Usage{
					PromptTokens:     line.PromptEvalCount,
					CompletionTokens: line.EvalCount,
					TotalTokens:      line.PromptEvalCount + line.EvalCount,
				}
			}

			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
			if line.Done {
				return
			}
		}
	}()

	return ch, nil
}
