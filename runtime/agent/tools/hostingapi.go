package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// defaultHostingAPIBaseURL is the default remote code-hosting API root.
const defaultHostingAPIBaseURL = "https://api.github.com"

// HostingAPIAdapter calls a remote code-hosting REST API for
// github_create_repo and github_update_description, authenticating with
// the GITHUB_TOKEN environment variable.
type HostingAPIAdapter struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHostingAPIAdapter constructs a HostingAPIAdapter. token, if empty,
// falls back to the GITHUB_TOKEN environment variable.
func NewHostingAPIAdapter(baseURL, token string) *HostingAPIAdapter {
	if baseURL == "" {
		baseURL = defaultHostingAPIBaseURL
	}
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	return &HostingAPIAdapter{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		token:   token,
	}
}

// Names reports the tool_names this adapter serves.
func (a *HostingAPIAdapter) Names() []string {
	return []string{"github_create_repo", "github_update_description"}
}

// Run dispatches toolName to the matching REST call.
func (a *HostingAPIAdapter) Run(ctx context.Context, toolName string, args map[string]any) (Result, bool) {
	switch toolName {
	case "github_create_repo":
		name, _ := args["name"].(string)
		if name == "" {
			return Result{OK: false, Error: "missing name", Artifacts: map[string]any{}}, false
		}
		return a.do(ctx, http.MethodPost, "/user/repos", map[string]any{"name": name})
	case "github_update_description":
		repo, _ := args["repo"].(string)
		description, _ := args["description"].(string)
		if repo == "" {
			return Result{OK: false, Error: "missing repo", Artifacts: map[string]any{}}, false
		}
		return a.do(ctx, http.MethodPatch, "/repos/"+repo, map[string]any{"description": description})
	default:
		return Result{OK: false, Error: "unsupported tool: " + toolName, Artifacts: map[string]any{}}, false
	}
}

func (a *HostingAPIAdapter) do(ctx context.Context, method, path string, body map[string]any) (Result, bool) {
	start := time.Now()
	if a.token == "" {
		return Result{OK: false, Error: "GITHUB_TOKEN not configured", Artifacts: map[string]any{}, DurationMs: sinceMs(start)}, false
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return Result{OK: false, Error: err.Error(), Artifacts: map[string]any{}, DurationMs: sinceMs(start)}, false
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return Result{OK: false, Error: err.Error(), Artifacts: map[string]any{}, DurationMs: sinceMs(start)}, false
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		transient := errors.Is(ctx.Err(), context.DeadlineExceeded) || isNetworkErr(err)
		return Result{OK: false, Error: err.Error(), Artifacts: map[string]any{}, DurationMs: sinceMs(start)}, transient
	}
	defer resp.Body.Close()

	duration := sinceMs(start)
	if resp.StatusCode >= 500 {
		return Result{OK: false, Error: fmt.Sprintf("hosting API returned %d", resp.StatusCode), Artifacts: map[string]any{}, DurationMs: duration}, true
	}
	if resp.StatusCode >= 400 {
		return Result{OK: false, Error: fmt.Sprintf("hosting API returned %d", resp.StatusCode), Artifacts: map[string]any{}, DurationMs: duration}, false
	}
	return Result{OK: true, Output: fmt.Sprintf("%s %s -> %d", method, path, resp.StatusCode), Artifacts: map[string]any{}, DurationMs: duration}, false
}
