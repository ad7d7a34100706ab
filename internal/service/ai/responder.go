// Package ai produces assistant replies from a conversation history.
package ai

import (
	"context"
	"errors"

	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// ErrUnavailable is returned when no model is configured.
var ErrUnavailable = errors.New("ai: responder not configured")

// Responder generates the next assistant reply. history is ordered oldest
// first and ends with the user message being answered.
type Responder interface {
	Respond(ctx context.Context, history []chat.Message) (string, error)
}

// Streamer is implemented by responders that can emit partial output.
// onDelta receives each chunk; the full reply is returned at the end.
type Streamer interface {
	Stream(ctx context.Context, history []chat.Message, onDelta func(string)) (string, error)
}

// Unavailable answers every request with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) Respond(context.Context, []chat.Message) (string, error) {
	return "", ErrUnavailable
}

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = "You are a warm, attentive companion. Reply in the user's language, " +
	"keep answers concise, and acknowledge how the user seems to feel before giving advice."

// splitHistory separates the message being answered from the turns before
// it, keeping at most limit earlier turns.
func splitHistory(history []chat.Message, limit int) (earlier []chat.Message, query string) {
	if len(history) == 0 {
		return nil, ""
	}
	last := history[len(history)-1]
	earlier = history[:len(history)-1]
	if last.Role != chat.RoleUser {
		earlier, query = history, ""
	} else {
		query = last.Content
	}
	if limit > 0 && len(earlier) > limit {
		earlier = earlier[len(earlier)-limit:]
	}
	return earlier, query
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, history []chat.Message) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, history []chat.Message) (string, error) {
	return f(ctx, history)
}
