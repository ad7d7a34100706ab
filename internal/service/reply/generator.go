// Package reply turns a conversation into a tagged, not yet persisted
// assistant reply.
package reply

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	"github.com/zhouzirui/emochat/backend/internal/metrics"
	"github.com/zhouzirui/emochat/backend/internal/service/ai"
	"github.com/zhouzirui/emochat/backend/internal/service/emotion"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// defaultTagTimeout bounds one classifier call; Tag falls back to the keyword
// heuristic once it expires.
const defaultTagTimeout = 10 * time.Second

// Tagger labels a reply's mood.
type Tagger interface {
	Tag(ctx context.Context, history []chat.Message, reply string) emotion.Tag
}

// Generator calls the responder under a timeout and tags the result.
type Generator struct {
	responder  ai.Responder
	tagger     Tagger
	timeout    time.Duration
	tagTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source used to stamp replies.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithTagTimeout overrides how long the tagger may run per reply.
func WithTagTimeout(d time.Duration) Option {
	return func(g *Generator) { g.tagTimeout = d }
}

// NewGenerator returns a Generator. A nil tagger leaves replies untagged;
// a non-positive timeout disables the deadline.
func NewGenerator(responder ai.Responder, tagger Tagger, timeout time.Duration, opts ...Option) *Generator {
	g := &Generator{
		responder:  responder,
		tagger:     tagger,
		timeout:    timeout,
		tagTimeout: defaultTagTimeout,
		now:        time.Now,
		logger:     slog.With("component", "reply"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate answers the last message of history, which must be a persisted
// user message. The reply carries SessionID, UserID and ReplyTo but no ID.
// Its CreatedAt is never earlier than the question's, so it sorts after it
// even when the stored timestamp came from a skewed clock.
// Failures, including timeouts and empty output, are GENERATION_FAILED.
// onDelta, when set and supported by the responder, receives partial output.
func (g *Generator) Generate(ctx context.Context, op string, history []chat.Message, onDelta func(string)) (*chat.Reply, error) {
	if len(history) == 0 || history[len(history)-1].Role != chat.RoleUser {
		return nil, apperr.Internal("generate reply", errors.New("history must end with a user message"))
	}
	question := history[len(history)-1]

	genCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	started := time.Now()
	content, err := g.respond(genCtx, history, onDelta)
	metrics.Generation(op, started)
	if err == nil && strings.TrimSpace(content) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		if genCtx.Err() != nil {
			err = errors.Join(err, genCtx.Err())
		}
		g.logger.Warn("reply generation failed", "op", op, "session", question.SessionID, "message", question.ID, "err", err)
		return nil, apperr.GenerationFailed(err)
	}

	reply := &chat.Reply{
		Message: chat.Message{
			SessionID: question.SessionID,
			UserID:    question.UserID,
			Role:      chat.RoleAssistant,
			Content:   content,
			ReplyTo:   question.ID,
			CreatedAt: g.stamp(question.CreatedAt),
		},
	}
	if g.tagger != nil {
		tagCtx, cancel := context.WithTimeout(ctx, g.tagTimeout)
		tag := g.tagger.Tag(tagCtx, history, content)
		cancel()
		reply.Emotion = string(tag.Emotion)
		reply.EmotionIntensity = tag.Intensity
		reply.Suggestions = tag.Suggestions
	}
	return reply, nil
}

func (g *Generator) respond(ctx context.Context, history []chat.Message, onDelta func(string)) (string, error) {
	if onDelta != nil {
		if s, ok := g.responder.(ai.Streamer); ok {
			return s.Stream(ctx, history, onDelta)
		}
	}
	return g.responder.Respond(ctx, history)
}

func (g *Generator) stamp(question time.Time) time.Time {
	now := g.now().UTC()
	if floor := question.Add(time.Millisecond); now.Before(floor) {
		return floor.UTC()
	}
	return now
}
