package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
)

// ModelClient annotates tasks through an OpenAI-compatible chat endpoint
// and falls back to the templated annotator when the call fails, so
// agenda synthesis never blocks on the model.
type ModelClient struct {
	baseURL  string
	model    string
	apiKey   string
	http     *http.Client
	fallback Templated
}

// NewModelClient returns nil when no endpoint is configured; callers
// treat a nil annotator as "use Templated directly".
func NewModelClient(cfg config.Config) *ModelClient {
	base := normalizeBaseURL(cfg.LLM.BaseURL)
	if base == "" {
		return nil
	}
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ModelClient{
		baseURL: base,
		model:   cfg.LLM.Model,
		apiKey:  cfg.LLM.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type annotation struct {
	Summary           string `json:"summary"`
	RecommendedAction string `json:"recommended_action"`
}

const annotatePrompt = `You annotate back-office work items. Reply with a JSON object
{"summary": "...", "recommended_action": "..."} and nothing else.
Summary: one sentence on what happened. Recommended action: one sentence on what to do.`

func (c *ModelClient) Annotate(ctx context.Context, task domain.Task, sig domain.Signal) (string, string, error) {
	if c == nil {
		return Templated{}.Annotate(ctx, task, sig)
	}
	data, _ := json.Marshal(sig.Data)
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: annotatePrompt},
			{Role: "user", Content: fmt.Sprintf("type=%s priority=%s source=%s data=%s", sig.Type, sig.Priority, sig.Source, data)},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	}
	summary, rec, err := c.chat(ctx, req)
	if err != nil {
		return c.fallback.Annotate(ctx, task, sig)
	}
	return summary, rec, nil
}

func (c *ModelClient) chat(ctx context.Context, req chatRequest) (string, string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("model endpoint returned %d", resp.StatusCode)
	}
	var out chatCompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", err
	}
	if len(out.Choices) == 0 {
		return "", "", fmt.Errorf("model returned no choices")
	}
	var ann annotation
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "` \n")
	if err := json.Unmarshal([]byte(content), &ann); err != nil {
		return "", "", fmt.Errorf("unparseable annotation: %w", err)
	}
	if ann.Summary == "" {
		return "", "", fmt.Errorf("empty annotation")
	}
	return ann.Summary, ann.RecommendedAction, nil
}

func normalizeBaseURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}
