package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI calls the OpenAI Chat Completions API through the official SDK.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates a new OpenAI client.
func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func openaiTools() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		{
			Function: openai.FunctionDefinitionParam{
				Name:        toolAdd,
				Description: openai.String("Store the candidate as a new memory. Use when no existing memory covers it."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{"type": "string"},
						"reason":  map[string]any{"type": "string"},
					},
					"required": []string{"reason"},
				},
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        toolUpdate,
				Description: openai.String("Change an existing memory. replace = correction, append = merge detail, supersede = life-state transition preserving history."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"target_id": map[string]any{"type": "string"},
						"strategy":  map[string]any{"type": "string", "enum": []string{"replace", "append", "supersede"}},
						"content":   map[string]any{"type": "string"},
						"reason":    map[string]any{"type": "string"},
					},
					"required": []string{"target_id", "strategy", "reason"},
				},
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        toolDelete,
				Description: openai.String("Remove a memory. hard_delete only for explicit, permanent forget requests; otherwise soft archive."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"target_id":   map[string]any{"type": "string"},
						"hard_delete": map[string]any{"type": "boolean"},
						"reason":      map[string]any{"type": "string"},
					},
					"required": []string{"target_id", "reason"},
				},
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        toolNoOp,
				Description: openai.String("Make no change. Use for redundant, trivial, or low-confidence candidates."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"reason": map[string]any{"type": "string"},
					},
					"required": []string{"reason"},
				},
			},
		},
	}
}

// Decide sends the tool-constrained decision call. tool_choice "required"
// forces the model to pick one of the four tools.
func (o *OpenAI) Decide(ctx context.Context, candidate Candidate, memories []MemoryRef) (*Decision, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(DecisionPrompt(candidate, memories)),
		},
		Tools: openaiTools(),
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String("required"),
		},
		Temperature: openai.Float(0.0),
	})
	if err != nil {
		return nil, fmt.Errorf("openai decide: %w", err)
	}
	if len(completion.Choices) == 0 {
		return noClearAction("empty response"), nil
	}

	msg := completion.Choices[0].Message
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		return decodeToolCall(tc.Function.Name, []byte(tc.Function.Arguments), msg.Content), nil
	}
	return noClearAction(msg.Content), nil
}

// Complete sends a plain prompt.
func (o *OpenAI) Complete(ctx context.Context, prompt string) (*Response, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("openai complete: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &Response{
		Content:    completion.Choices[0].Message.Content,
		Provider:   "openai",
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}
