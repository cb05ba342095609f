package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const anthropicAPI = "https://api.anthropic.com/v1/messages"

// Anthropic calls the Anthropic Messages API directly.
type Anthropic struct {
	apiKey string
	model  string
	client *http.Client
}

// NewAnthropic creates a new Anthropic API client.
func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// anthropicTools declares the four decision tools in Messages API form.
func anthropicTools() []map[string]any {
	return []map[string]any{
		{
			"name":        toolAdd,
			"description": "Store the candidate as a new memory. Use when no existing memory covers it.",
			"input_schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{"type": "string", "description": "Content to store"},
					"reason":  map[string]any{"type": "string", "description": "Why this action"},
				},
				"required": []string{"reason"},
			},
		},
		{
			"name":        toolUpdate,
			"description": "Change an existing memory. replace = correction, append = merge detail, supersede = life-state transition preserving history.",
			"input_schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_id": map[string]any{"type": "string", "description": "Id of the memory to update"},
					"strategy":  map[string]any{"type": "string", "enum": []string{"replace", "append", "supersede"}},
					"content":   map[string]any{"type": "string", "description": "New or merged content"},
					"reason":    map[string]any{"type": "string"},
				},
				"required": []string{"target_id", "strategy", "reason"},
			},
		},
		{
			"name":        toolDelete,
			"description": "Remove a memory. hard_delete only for explicit, permanent forget requests; otherwise soft archive.",
			"input_schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_id":   map[string]any{"type": "string"},
					"hard_delete": map[string]any{"type": "boolean"},
					"reason":      map[string]any{"type": "string"},
				},
				"required": []string{"target_id", "reason"},
			},
		},
		{
			"name":        toolNoOp,
			"description": "Make no change. Use for redundant, trivial, or low-confidence candidates.",
			"input_schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
				"required": []string{"reason"},
			},
		},
	}
}

// Decide sends the tool-constrained decision call. tool_choice "any" forces
// the model to pick one of the four tools.
func (a *Anthropic) Decide(ctx context.Context, candidate Candidate, memories []MemoryRef) (*Decision, error) {
	reqBody := map[string]any{
		"model":       a.model,
		"max_tokens":  1024,
		"temperature": 0.0,
		"tools":       anthropicTools(),
		"tool_choice": map[string]any{"type": "any"},
		"messages": []map[string]string{
			{"role": "user", "content": DecisionPrompt(candidate, memories)},
		},
	}

	respBody, err := a.send(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	var result struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// Reasoning text may arrive as a text block alongside the tool_use block.
	reasoning := ""
	for _, block := range result.Content {
		if block.Type == "text" {
			reasoning = block.Text
		}
	}
	for _, block := range result.Content {
		if block.Type == "tool_use" {
			return decodeToolCall(block.Name, block.Input, reasoning), nil
		}
	}
	return noClearAction(reasoning), nil
}

// Complete sends a plain prompt to the Anthropic API.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (*Response, error) {
	reqBody := map[string]any{
		"model":       a.model,
		"max_tokens":  2048,
		"temperature": 0.3,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	respBody, err := a.send(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	text := ""
	if len(result.Content) > 0 {
		text = result.Content[0].Text
	}

	return &Response{
		Content:    text,
		Provider:   "anthropic",
		TokensUsed: result.Usage.InputTokens + result.Usage.OutputTokens,
	}, nil
}

func (a *Anthropic) send(ctx context.Context, reqBody map[string]any) ([]byte, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", anthropicAPI, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic api status %d: %s", resp.StatusCode, respBody)
	}
	return respBody, nil
}
