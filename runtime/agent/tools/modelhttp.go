package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// defaultModelInferenceURL is used when no override is configured; the
// adapter targets a local model-serving endpoint, not a hosted API.
const defaultModelInferenceURL = "http://localhost:11434/api/generate"

// ModelHTTPAdapter calls a local model-inference HTTP endpoint for tools
// that need generated text: generate_readme, summarize_task. A rate
// limiter caps how often requests start (one per 200ms on average, bursts
// of up to 4); it does not bound how many requests are in flight at once.
type ModelHTTPAdapter struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	model   string
}

// NewModelHTTPAdapter constructs a ModelHTTPAdapter. model, if empty,
// falls back to the OLLAMA_AUTONOMY_MODEL environment variable.
func NewModelHTTPAdapter(baseURL, model string) *ModelHTTPAdapter {
	if baseURL == "" {
		baseURL = defaultModelInferenceURL
	}
	if model == "" {
		model = os.Getenv("OLLAMA_AUTONOMY_MODEL")
	}
	return &ModelHTTPAdapter{
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 4),
		baseURL: baseURL,
		model:   model,
	}
}

// Names reports the tool_names this adapter serves.
func (a *ModelHTTPAdapter) Names() []string {
	return []string{"generate_readme", "summarize_task"}
}

// Run issues a generation request against the configured model endpoint.
func (a *ModelHTTPAdapter) Run(ctx context.Context, toolName string, args map[string]any) (Result, bool) {
	start := time.Now()
	if err := a.limiter.Wait(ctx); err != nil {
		return Result{OK: false, Error: err.Error(), Artifacts: map[string]any{}, DurationMs: sinceMs(start)}, true
	}

	prompt := promptFor(toolName, args)
	reqBody, err := json.Marshal(map[string]any{
		"model":  a.model,
		"prompt": prompt,
		"stream": false,
	})
	if err != nil {
		return Result{OK: false, Error: err.Error(), Artifacts: map[string]any{}, DurationMs: sinceMs(start)}, false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return Result{OK: false, Error: err.Error(), Artifacts: map[string]any{}, DurationMs: sinceMs(start)}, false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		transient := errors.Is(ctx.Err(), context.DeadlineExceeded) || isNetworkErr(err)
		return Result{OK: false, Error: err.Error(), Artifacts: map[string]any{}, DurationMs: sinceMs(start)}, transient
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	duration := sinceMs(start)
	if resp.StatusCode >= 500 {
		return Result{OK: false, Error: fmt.Sprintf("model endpoint returned %d", resp.StatusCode), Artifacts: map[string]any{}, DurationMs: duration}, true
	}
	if resp.StatusCode >= 400 {
		return Result{OK: false, Error: fmt.Sprintf("model endpoint returned %d: %s", resp.StatusCode, body), Artifacts: map[string]any{}, DurationMs: duration}, false
	}

	var decoded struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{OK: false, Error: "invalid model response: " + err.Error(), Artifacts: map[string]any{}, DurationMs: duration}, false
	}
	return Result{OK: true, Output: decoded.Response, Artifacts: map[string]any{}, DurationMs: duration}, false
}

func promptFor(toolName string, args map[string]any) string {
	switch toolName {
	case "generate_readme":
		repoPath, _ := args["repo_path"].(string)
		return fmt.Sprintf("Write a concise README.md for the repository at %s.", repoPath)
	case "summarize_task":
		return "Summarize the task outcome in two sentences."
	default:
		return fmt.Sprintf("%v", args)
	}
}

func isNetworkErr(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}
