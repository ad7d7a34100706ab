package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// ChainResponder runs an eino prompt→model chain.
type ChainResponder struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
	historyLimit int
	logger       *slog.Logger
}

var (
	_ Responder = (*ChainResponder)(nil)
	_ Streamer  = (*ChainResponder)(nil)
)

// NewChainResponder compiles the reply chain around chatModel.
func NewChainResponder(ctx context.Context, chatModel model.BaseChatModel, systemPrompt string, historyLimit int) (*ChainResponder, error) {
	if chatModel == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ChainResponder{
		chain:        runnable,
		systemPrompt: systemPrompt,
		historyLimit: historyLimit,
		logger:       slog.With("component", "ai"),
	}, nil
}

func (r *ChainResponder) Respond(ctx context.Context, history []chat.Message) (string, error) {
	response, err := r.chain.Invoke(ctx, r.input(history))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	r.logger.Debug("generated reply", "turns", len(history), "length", len(response.Content))
	return response.Content, nil
}

func (r *ChainResponder) Stream(ctx context.Context, history []chat.Message, onDelta func(string)) (string, error) {
	stream, err := r.chain.Stream(ctx, r.input(history))
	if err != nil {
		return "", fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			onDelta(chunk.Content)
		}
	}
	if len(chunks) == 0 {
		return "", nil
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

func (r *ChainResponder) input(history []chat.Message) map[string]any {
	earlier, query := splitHistory(history, r.historyLimit)
	return map[string]any{
		"system":  r.systemPrompt,
		"history": toSchema(earlier),
		"query":   query,
	}
}

func toSchema(messages []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case chat.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		}
	}
	return out
}
