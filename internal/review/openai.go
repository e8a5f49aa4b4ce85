package review

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cabwire/cabwire/pkg/logger"
)

// OpenAIReviewer runs call reviews through the OpenAI chat completions
// API.
type OpenAIReviewer struct {
	client openai.Client
	logger *logger.Logger
}

var _ Reviewer = (*OpenAIReviewer)(nil)

// NewOpenAIReviewer creates a reviewer backed by the OpenAI API.
func NewOpenAIReviewer(apiKey string, log *logger.Logger) *OpenAIReviewer {
	return &OpenAIReviewer{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		logger: log.Named("openai-reviewer"),
	}
}

// Review sends one transcript for annotation and returns the raw model
// output.
func (r *OpenAIReviewer) Review(ctx context.Context, model, systemPrompt, transcript string) (string, error) {
	completion, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(transcript),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	r.logger.Debug("Review completion received",
		logger.String("model", model),
		logger.Int("length", len(completion.Choices[0].Message.Content)))

	return completion.Choices[0].Message.Content, nil
}
