package archive

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/pkg/models"
)

// Summarizer condenses an archived slice into a few sentences for the
// recall index.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []*models.Message) (string, error)
}

// SummaryUnavailable is stored when summarisation fails. The chunk still
// lands with a placeholder rather than blocking archival on the model.
const SummaryUnavailable = "[Summary unavailable]"

const summarySystemPrompt = `You summarise archived conversation transcripts. Produce a compact summary that preserves decisions, facts, names, identifiers and unresolved questions. Plain prose, no preamble.`

// OpenAISummarizer produces chunk summaries through an OpenAI-compatible
// chat completions endpoint.
type OpenAISummarizer struct {
	client    *openai.Client
	model     string
	maxTokens int
}

var _ Summarizer = (*OpenAISummarizer)(nil)

// SummarizerConfig configures NewOpenAISummarizer.
type SummarizerConfig struct {
	APIKey    string
	BaseURL   string // optional override, used by tests and proxies
	Model     string // defaults to gpt-4o-mini
	MaxTokens int    // response cap, defaults to 512
}

// NewOpenAISummarizer builds a chat-completion backed summariser.
func NewOpenAISummarizer(cfg SummarizerConfig) (*OpenAISummarizer, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.Validation, "summariser requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAISummarizer{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Summarize renders the messages into a transcript and asks the model for
// a summary.
func (s *OpenAISummarizer) Summarize(ctx context.Context, msgs []*models.Message) (string, error) {
	transcript := renderTranscript(msgs)
	if transcript == "" {
		return "", fault.New(fault.Validation, "nothing to summarise")
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Summarise this conversation segment:\n\n" + transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarise chunk: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.Transient, "summariser returned no choices")
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fault.New(fault.Transient, "summariser returned empty content")
	}
	return summary, nil
}

// renderTranscript flattens messages into "role: text" lines. Tool calls
// are reduced to the tool name so the prompt stays small.
func renderTranscript(msgs []*models.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		if msg == nil {
			continue
		}

		line := msg.TextContent()
		var tools []string
		for _, part := range msg.Parts {
			if part.Type == models.PartTool && part.Tool != "" {
				tools = append(tools, part.Tool)
			}
		}
		if len(tools) > 0 {
			if line != "" {
				line += "\n"
			}
			line += "[used tools: " + strings.Join(tools, ", ") + "]"
		}
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, line)
	}
	return strings.TrimSpace(b.String())
}
