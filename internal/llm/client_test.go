package llm

import (
	"strings"
	"testing"
)

func TestDecodeToolCall(t *testing.T) {
	cases := []struct {
		name string
		tool string
		args string
		want Decision
	}{
		{
			name: "add",
			tool: "add_memory",
			args: `{"content": "Jordan works at Acme", "reason": "new"}`,
			want: Decision{Action: ActionAdd, Content: "Jordan works at Acme", Reasoning: "new"},
		},
		{
			name: "update supersede",
			tool: "update_memory",
			args: `{"strategy": "supersede", "target_id": "f1", "content": "Globex"}`,
			want: Decision{Action: ActionUpdate, Strategy: UpdateSupersede, TargetID: "f1", Content: "Globex"},
		},
		{
			name: "update invalid strategy falls back to replace",
			tool: "update_memory",
			args: `{"strategy": "overwrite", "target_id": "f1"}`,
			want: Decision{Action: ActionUpdate, Strategy: UpdateReplace, TargetID: "f1"},
		},
		{
			name: "hard delete",
			tool: "delete_memory",
			args: `{"target_id": "f1", "hard_delete": true}`,
			want: Decision{Action: ActionDelete, TargetID: "f1", Hard: true},
		},
		{
			name: "soft delete by default",
			tool: "delete_memory",
			args: `{"target_id": "f1"}`,
			want: Decision{Action: ActionDelete, TargetID: "f1"},
		},
		{
			name: "noop",
			tool: "no_op",
			args: `{"reason": "redundant"}`,
			want: Decision{Action: ActionNoOp, Reasoning: "redundant"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decodeToolCall(tc.tool, []byte(tc.args), "")
			if got.Action != tc.want.Action || got.Strategy != tc.want.Strategy ||
				got.TargetID != tc.want.TargetID || got.Content != tc.want.Content ||
				got.Hard != tc.want.Hard {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
			if tc.want.Reasoning != "" && got.Reasoning != tc.want.Reasoning {
				t.Errorf("reasoning = %q, want %q", got.Reasoning, tc.want.Reasoning)
			}
		})
	}
}

func TestDecodeToolCallUnknownTool(t *testing.T) {
	got := decodeToolCall("drop_table", []byte(`{}`), "")
	if got.Action != ActionNoOp {
		t.Errorf("action = %s, want noop", got.Action)
	}
	if !strings.Contains(got.Reasoning, "drop_table") {
		t.Errorf("reasoning = %q", got.Reasoning)
	}
}

func TestDecodeToolCallMalformedArguments(t *testing.T) {
	got := decodeToolCall("update_memory", []byte(`{"strategy": `), "")
	if got.Action != ActionNoOp {
		t.Errorf("action = %s, want noop", got.Action)
	}
	if !strings.Contains(got.Reasoning, "malformed") {
		t.Errorf("reasoning = %q", got.Reasoning)
	}
}

func TestDecodeToolCallPrefersExplicitReasoning(t *testing.T) {
	got := decodeToolCall("add_memory", []byte(`{"reason": "from args"}`), "from thinking")
	if got.Reasoning != "from thinking" {
		t.Errorf("reasoning = %q", got.Reasoning)
	}
}

func TestDecisionPrompt(t *testing.T) {
	c := Candidate{EntityName: "Jordan", Predicate: "works_at", Object: "Globex", Content: "Jordan moved to Globex"}
	memories := []MemoryRef{
		{ID: "f1", EntityName: "Jordan", Predicate: "works_at", Content: "Acme", Version: 1, Similarity: 0.91},
	}

	p := DecisionPrompt(c, memories)
	for _, want := range []string{"add_memory", "update_memory", "delete_memory", "no_op",
		"Jordan moved to Globex", "id=f1", "sim=0.91"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	empty := DecisionPrompt(c, nil)
	if !strings.Contains(empty, "none above the similarity threshold") {
		t.Error("empty-memories marker missing")
	}
}

func TestExtractionPrompt(t *testing.T) {
	p := ExtractionPrompt("Had coffee with Sam.", "journal")
	for _, want := range []string{"Had coffee with Sam.", "journal", "JSON array", "entity_name"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
