package models

import (
	"testing"
	"time"
)

func TestTextContent(t *testing.T) {
	msg := &Message{
		ID:   "msg_1",
		Role: RoleAssistant,
		Time: time.Now(),
		Parts: []Part{
			TextPart("hello "),
			ReasoningPart("considering the request"),
			ToolPart("search", &ToolState{Status: ToolCompleted}),
			TextPart("world"),
		},
	}

	if got := msg.TextContent(); got != "hello world" {
		t.Errorf("TextContent() = %q, want %q", got, "hello world")
	}
}

func TestTokenUsageTotal(t *testing.T) {
	tests := []struct {
		name  string
		usage *TokenUsage
		want  int
	}{
		{"nil usage", nil, 0},
		{"all classes", &TokenUsage{Input: 10, Output: 20, Reasoning: 5}, 35},
		{"zero", &TokenUsage{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.usage.Total(); got != tt.want {
				t.Errorf("Total() = %d, want %d", got, tt.want)
			}
		})
	}
}
