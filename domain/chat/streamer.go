package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// StreamRequest is what the model is asked to complete.
type StreamRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int
	User      string
}

// Streamer streams a completion, calling onToken for every chunk. It
// returns the provider's usage, or nil when none was reported.
type Streamer interface {
	Stream(ctx context.Context, req StreamRequest, onToken func(string) error) (*Usage, error)
}

// OpenAIStreamer talks to an OpenAI-compatible chat completions API.
type OpenAIStreamer struct {
	client *openai.Client
	log    *slog.Logger
}

// NewStreamer returns nil when no API key is configured; chat then answers
// 503.
func NewStreamer(cfg *config.Config, log *slog.Logger) Streamer {
	log = log.With(logger.Scope("chat.llm"))
	if !cfg.LLM.IsEnabled() {
		log.Info("LLM not configured, metered chat disabled")
		return nil
	}
	oc := openai.DefaultConfig(cfg.LLM.APIKey)
	if cfg.LLM.BaseURL != "" {
		oc.BaseURL = cfg.LLM.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.LLM.Timeout}
	return &OpenAIStreamer{client: openai.NewClientWithConfig(oc), log: log}
}

func (s *OpenAIStreamer) Stream(ctx context.Context, req StreamRequest, onToken func(string) error) (*Usage, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      msgs,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		User:          req.User,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var usage *Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			return usage, err
		}
		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onToken(choice.Delta.Content); err != nil {
				return usage, err
			}
		}
	}
}
