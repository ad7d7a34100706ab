package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/emochat/backend/internal/config"
)

// New builds the responder selected by cfg.Provider. The returned chat model
// is non-nil only for Ark and can be shared with the emotion classifier.
// Missing credentials yield Unavailable rather than an error.
func New(ctx context.Context, cfg config.AIConfig, historyLimit int) (Responder, model.ChatModel, error) {
	if !cfg.Enabled() {
		return Unavailable{}, nil, nil
	}

	switch cfg.Provider {
	case "openai":
		r, err := NewOpenAIResponder(OpenAIOptions{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Model:        cfg.OpenAI.Model,
			SystemPrompt: cfg.SystemPrompt,
			HistoryLimit: historyLimit,
			Temperature:  cfg.Temperature,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	default:
		chatModel, err := cfg.NewChatModel(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		r, err := NewChainResponder(ctx, chatModel, cfg.SystemPrompt, historyLimit)
		if err != nil {
			return nil, nil, err
		}
		return r, chatModel, nil
	}
}
