package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cognitio/cognitio/internal/config"
	"github.com/cognitio/cognitio/internal/ollama"
	"github.com/cognitio/cognitio/internal/registry"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cognitio system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	healthy := false
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			healthy = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if mresp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.MonitorPort)); err != nil {
		printStatus("Monitor", "stopped")
	} else {
		mresp.Body.Close()
		printStatus("Monitor", "running on port %d", cfg.Server.MonitorPort)
	}

	if eresp, err := client.Get(cfg.Engine.BaseURL + "/api/tags"); err != nil {
		printStatus("Runtime", "not running")
	} else {
		eresp.Body.Close()
		printStatus("Runtime", "running at %s", cfg.Engine.BaseURL)
	}

	if healthy {
		api, err := newAPIClient()
		if err != nil {
			return err
		}
		var status struct {
			Engine struct {
				State string `json:"state"`
				Model *struct {
					DisplayName string `json:"display_name"`
				} `json:"model"`
				Error string `json:"error"`
			} `json:"engine"`
			Session *struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"session"`
			Processing bool `json:"processing"`
		}
		if resp, err := api.get(ctx, "/status"); err == nil {
			if err := decodeJSON(resp, &status); err == nil {
				printStatus("Engine", "%s", status.Engine.State)
				if status.Engine.Model != nil {
					printStatus("Model", "%s", status.Engine.Model.DisplayName)
				}
				if status.Engine.Error != "" {
					printStatus("Engine error", "%s", status.Engine.Error)
				}
				if status.Session != nil {
					printStatus("Session", "%s (%s)", status.Session.Title, status.Session.ID)
				}
				if status.Processing {
					printStatus("Generating", "yes")
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a chat message and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendMessage(cmd.Context(), strings.Join(args, " "))
	},
}

func sendMessage(ctx context.Context, text string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	// Subscribe before sending so no chunk is missed.
	events, closeEvents, err := openEventStream(ctx, client)
	if err != nil {
		return err
	}
	defer closeEvents()

	resp, err := client.post(ctx, "/chat/send", map[string]string{"message": text})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		// No session yet: create one and retry once.
		if sresp, serr := client.post(ctx, "/chat/sessions", map[string]string{}); serr == nil {
			sresp.Body.Close()
		}
		resp, err = client.post(ctx, "/chat/send", map[string]string{"message": text})
		if err != nil {
			return err
		}
	}
	var accepted struct {
		Accepted bool `json:"accepted"`
	}
	if err := decodeJSON(resp, &accepted); err != nil {
		return err
	}

	for ev := range events {
		switch ev.Type {
		case "chunk":
			fmt.Print(ev.Chunk)
		case "completed":
			fmt.Println()
			return nil
		case "error":
			fmt.Println()
			return fmt.Errorf("%s", ev.Text)
		}
	}
	return fmt.Errorf("event stream closed before the reply finished")
}

type streamEvent struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk"`
	Text  string `json:"text"`
}

// openEventStream connects to the daemon's SSE endpoint and decodes events
// onto a channel until the connection closes.
func openEventStream(ctx context.Context, client *apiClient) (<-chan streamEvent, func(), error) {
	resp, err := client.get(ctx, "/chat/events")
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	ch := make(chan streamEvent, 32)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			ch <- ev
		}
	}()
	return ch, func() { resp.Body.Close() }, nil
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start a new chat session",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chat/sessions", map[string]string{"title": title})
		if err != nil {
			return err
		}
		var out struct {
			Session struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"session"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Started session %q (%s)", out.Session.Title, out.Session.ID)
		return nil
	},
}

func init() {
	sessionCmd.Flags().String("title", "New Chat", "session title")
}

// --- transcript ---

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Show the current conversation transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/chat/transcript")
		if err != nil {
			return err
		}
		var out struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out.Messages) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range out.Messages {
			label := colorize(colorCyan, m.Role)
			if m.Role == "error" {
				label = colorize(colorRed, m.Role)
			}
			fmt.Printf("%s: %s\n", label, m.Content)
		}
		return nil
	},
}

// --- interrupt ---

var interruptCmd = &cobra.Command{
	Use:   "interrupt",
	Short: "Stop the in-flight reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chat/interrupt", map[string]string{})
		if err != nil {
			return err
		}
		var out struct {
			Interrupted bool `json:"interrupted"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if out.Interrupted {
			printSuccess("Generation interrupted")
		} else {
			printWarning("Nothing to interrupt")
		}
		return nil
	},
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List or switch chat models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List selectable models",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/models")
		if err != nil {
			return err
		}
		var out struct {
			Models []struct {
				Value string `json:"value"`
				Label string `json:"label"`
			} `json:"models"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		for _, m := range out.Models {
			fmt.Printf("  %s  %s\n", colorize(colorBold, m.Label), m.Value)
		}
		return nil
	},
}

var modelsSwitchCmd = &cobra.Command{
	Use:   "switch <model>",
	Short: "Switch the active model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/models/switch", map[string]string{"model": args[0]})
		if err != nil {
			return err
		}
		var out struct {
			Engine struct {
				State string `json:"state"`
				Model *struct {
					DisplayName string `json:"display_name"`
				} `json:"model"`
			} `json:"engine"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if out.Engine.Model != nil {
			printSuccess("Switched to %s (%s)", out.Engine.Model.DisplayName, out.Engine.State)
		} else {
			printSuccess("Switched (%s)", out.Engine.State)
		}
		return nil
	},
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull <model>",
	Short: "Download and warm a model on the local runtime",
	Long:  "Talks to the inference runtime directly, so it works before the daemon is started.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return pullModel(cmd.Context(), cfg.Engine.BaseURL, args[0], cmd.OutOrStdout())
	},
}

// pullModel resolves nameOrID, then pulls and warms it on the runtime at
// baseURL, writing progress to w.
func pullModel(ctx context.Context, baseURL, nameOrID string, w io.Writer) error {
	desc, err := registry.Default().Resolve(nameOrID)
	if err != nil {
		return err
	}
	if err := ollama.EnsureReady(ctx, ollama.New(baseURL), desc.ID, w); err != nil {
		return err
	}
	printSuccess("Model %s is ready", desc.DisplayName)
	return nil
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsSwitchCmd)
	modelsCmd.AddCommand(modelsPullCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
