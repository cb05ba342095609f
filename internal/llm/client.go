package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keepsake/keepsake/internal/config"
)

// Action is the closed set of memory decisions. The reasoning service is
// constrained to exactly these four; anything else decodes to a no-op so
// "unknown action" never reaches downstream code.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionNoOp   Action = "noop"
)

// UpdateStrategy selects how an UPDATE is applied.
type UpdateStrategy string

const (
	UpdateReplace   UpdateStrategy = "replace"   // correction — old content fully superseded
	UpdateAppend    UpdateStrategy = "append"    // merge new content onto existing, bump version
	UpdateSupersede UpdateStrategy = "supersede" // life-state transition — prior record kept as historical
)

// Decision is the single structured outcome of one reasoning call, decoded
// once at the provider boundary. Downstream code switches exhaustively on
// Action.
type Decision struct {
	Action    Action
	Strategy  UpdateStrategy // update only
	Hard      bool           // delete only: permanent removal vs soft archive
	TargetID  string         // existing memory id for update/delete
	Content   string         // content for add/update
	Reasoning string         // raw reasoning text, logged verbatim for audit
}

// Candidate is one candidate fact presented to the decision engine.
type Candidate struct {
	EntityName string  `json:"entity_name"`
	EntityType string  `json:"entity_type"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Content    string  `json:"content"`
	Sentiment  float64 `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Temporal   string  `json:"temporal,omitempty"` // optional hint, e.g. "since last month"
	Source     string  `json:"source,omitempty"`   // originating entry id
	Category   string  `json:"category,omitempty"` // originating entry category
}

// MemoryRef is one existing memory given to the reasoning service for
// comparison, ranked by embedding similarity.
type MemoryRef struct {
	ID         string  `json:"id"`
	EntityName string  `json:"entity_name"`
	Predicate  string  `json:"predicate"`
	Content    string  `json:"content"`
	Version    int     `json:"version"`
	Similarity float64 `json:"similarity"`
}

// Response holds the result of a plain completion (extraction calls).
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// Client is the interface for reasoning providers.
type Client interface {
	// Decide issues one tool-constrained reasoning call and returns exactly
	// one Decision. Providers never execute anything the service did not
	// explicitly request; an absent or unrecognized call becomes a no-op.
	Decide(ctx context.Context, candidate Candidate, memories []MemoryRef) (*Decision, error)

	// Complete sends a free-form prompt, used by candidate extraction.
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// NewClient creates a reasoning client based on the config provider setting.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.AnthropicKey, model), nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAI(cfg.OpenAIKey, model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

// decision tool names, shared by both providers.
const (
	toolAdd    = "add_memory"
	toolUpdate = "update_memory"
	toolDelete = "delete_memory"
	toolNoOp   = "no_op"
)

// noClearAction is the Decision used when the reasoning service returned no
// actionable call. Never silently dropped — the engine logs it like any other
// decision.
func noClearAction(detail string) *Decision {
	reasoning := "no clear action returned by reasoning service"
	if detail != "" {
		reasoning += ": " + detail
	}
	return &Decision{Action: ActionNoOp, Reasoning: reasoning}
}

// decodeToolCall maps one (name, JSON arguments) pair onto the closed
// Decision union. Unknown names and malformed arguments decode to a no-op
// with the problem recorded in the reasoning text.
func decodeToolCall(name string, arguments []byte, reasoning string) *Decision {
	var args struct {
		Strategy   string `json:"strategy"`
		HardDelete bool   `json:"hard_delete"`
		TargetID   string `json:"target_id"`
		Content    string `json:"content"`
		Reason     string `json:"reason"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return noClearAction(fmt.Sprintf("malformed tool arguments for %s", name))
		}
	}
	if reasoning == "" {
		reasoning = args.Reason
	}

	switch name {
	case toolAdd:
		return &Decision{Action: ActionAdd, Content: args.Content, Reasoning: reasoning}
	case toolUpdate:
		strategy := UpdateStrategy(args.Strategy)
		switch strategy {
		case UpdateReplace, UpdateAppend, UpdateSupersede:
		default:
			strategy = UpdateReplace
		}
		return &Decision{
			Action:    ActionUpdate,
			Strategy:  strategy,
			TargetID:  args.TargetID,
			Content:   args.Content,
			Reasoning: reasoning,
		}
	case toolDelete:
		return &Decision{
			Action:    ActionDelete,
			Hard:      args.HardDelete,
			TargetID:  args.TargetID,
			Reasoning: reasoning,
		}
	case toolNoOp:
		return &Decision{Action: ActionNoOp, Reasoning: reasoning}
	default:
		return noClearAction(fmt.Sprintf("unknown tool %q", name))
	}
}
