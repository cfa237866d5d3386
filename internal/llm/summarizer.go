// ABOUTME: OpenAI-compatible summarizer for summary-mode merges
// ABOUTME: Works against any chat completions endpoint via a configurable base URL

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/coven-branches/internal/conversation"
)

// ErrNoAPIKey is returned when a summarizer is configured without credentials
var ErrNoAPIKey = errors.New("llm: api key not configured")

const (
	defaultModel          = "gpt-4o-mini"
	defaultMaxTokens      = 512
	defaultTranscriptSize = 48000

	systemPrompt = "You summarize a branch of a conversation so it can be folded back into the main line. " +
		"Write a short, neutral summary of the decisions, facts and open questions. Do not invent content."
)

// Config configures an OpenAISummarizer
type Config struct {
	APIKey  string
	BaseURL string // empty for api.openai.com
	Model   string
	// MaxTokens caps the completion length.
	MaxTokens   int
	Temperature float32
	// MaxTranscriptChars keeps only the most recent part of long branches.
	MaxTranscriptChars int
	Logger             *slog.Logger
}

// OpenAISummarizer implements conversation.Summarizer with a chat completion
type OpenAISummarizer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	maxChars    int
	logger      *slog.Logger
}

var _ conversation.Summarizer = (*OpenAISummarizer)(nil)

// NewOpenAISummarizer creates a summarizer. It fails without an API key.
func NewOpenAISummarizer(cfg Config) (*OpenAISummarizer, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxTranscriptChars <= 0 {
		cfg.MaxTranscriptChars = defaultTranscriptSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAISummarizer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxChars:    cfg.MaxTranscriptChars,
		logger:      cfg.Logger.With("component", "summarizer", "model", cfg.Model),
	}, nil
}

// Summarize asks the model for a summary of req.Messages
func (s *OpenAISummarizer) Summarize(ctx context.Context, req conversation.SummaryRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", errors.New("no messages to summarize")
	}

	user := fmt.Sprintf("Branch: %s\n\n%s", req.PathName, s.transcript(req))
	if req.Prompt != "" {
		user += "\n\nInstructions: " + req.Prompt
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxCompletionTokens: s.maxTokens,
		Temperature:         s.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("requesting summary: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summary response had no choices")
	}

	s.logger.Debug("summary generated",
		"messages", len(req.Messages),
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

// transcript renders "role: content" lines, dropping the oldest when over budget
func (s *OpenAISummarizer) transcript(req conversation.SummaryRequest) string {
	lines := make([]string, 0, len(req.Messages))
	size := 0
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		line := m.Role + ": " + m.Content
		if size+len(line) > s.maxChars && len(lines) > 0 {
			break
		}
		size += len(line) + 1
		lines = append(lines, line)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}
