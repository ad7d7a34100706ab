package ai

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// OpenAIResponder talks to any OpenAI-compatible chat completion endpoint.
type OpenAIResponder struct {
	client       *openai.Client
	model        string
	systemPrompt string
	historyLimit int
	temperature  float32
}

var _ Responder = (*OpenAIResponder)(nil)

// OpenAIOptions configures NewOpenAIResponder.
type OpenAIOptions struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	HistoryLimit int
	Temperature  *float64
}

func NewOpenAIResponder(opts OpenAIOptions) (*OpenAIResponder, error) {
	if opts.APIKey == "" || opts.Model == "" {
		return nil, ErrUnavailable
	}
	clientConfig := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		clientConfig.BaseURL = opts.BaseURL
	}

	r := &OpenAIResponder{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
		historyLimit: opts.HistoryLimit,
	}
	if strings.TrimSpace(r.systemPrompt) == "" {
		r.systemPrompt = DefaultSystemPrompt
	}
	if opts.Temperature != nil {
		r.temperature = float32(*opts.Temperature)
	}
	return r, nil
}

func (r *OpenAIResponder) Respond(ctx context.Context, history []chat.Message) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Messages:    r.messages(history),
		Temperature: r.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty chat response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (r *OpenAIResponder) messages(history []chat.Message) []openai.ChatCompletionMessage {
	earlier, query := splitHistory(history, r.historyLimit)
	out := make([]openai.ChatCompletionMessage, 0, len(earlier)+2)
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: r.systemPrompt})
	for _, m := range earlier {
		role := openai.ChatMessageRoleUser
		if m.Role == chat.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	if query != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: query})
	}
	return out
}
