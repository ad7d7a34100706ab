// Package emotion tags assistant replies with a mood, an intensity and
// follow-up suggestions.
package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/emochat/backend/internal/analysis/emotion"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// Config 控制情绪分析服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
}

// Tag 是一条回复的情绪标注。
type Tag struct {
	Emotion     analysis.Label
	Intensity   float32
	Confidence  float32
	Suggestions []string
	Reason      string
}

// Service 优先使用大模型分类，失败时回退到关键词启发式。
type Service struct {
	classifier   compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
	logger       *slog.Logger
}

// NewService 创建情绪服务。chatModel 为 nil 或 cfg.Enabled 为 false 时只使用启发式。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 6
	}

	svc := &Service{
		historyLimit: historyLimit,
		logger:       slog.With("component", "emotion"),
	}
	if !cfg.Enabled || chatModel == nil {
		return svc, nil
	}

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(classifierSystemPrompt),
		schema.UserMessage(classifierUserPrompt),
	))
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile emotion classifier chain: %w", err)
	}
	svc.classifier = runnable
	return svc, nil
}

// Enabled reports whether the model classifier is active.
func (s *Service) Enabled() bool {
	return s != nil && s.classifier != nil
}

// Tag classifies reply given the conversation that led to it. The last
// element of history is the user message being answered. Tag never fails; any
// classifier problem degrades to the heuristic.
func (s *Service) Tag(ctx context.Context, history []chat.Message, reply string) Tag {
	userMessage := lastUserContent(history)
	if !s.Enabled() {
		return heuristicTag(userMessage, reply)
	}

	msg, err := s.classifier.Invoke(ctx, map[string]any{
		"history": formatHistory(history, s.historyLimit),
		"reply":   strings.TrimSpace(reply),
	})
	if err != nil {
		s.logger.Warn("classifier invoke failed, using heuristic", "err", err)
		return heuristicTag(userMessage, reply)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return heuristicTag(userMessage, reply)
	}

	payload, err := parseClassifierOutput(msg.Content)
	if err != nil {
		s.logger.Warn("classifier output unparsable, using heuristic", "err", err)
		return heuristicTag(userMessage, reply)
	}
	label, ok := analysis.Parse(payload.Emotion)
	if !ok {
		return heuristicTag(userMessage, reply)
	}

	confidence := payload.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	return Tag{
		Emotion:     label,
		Intensity:   clampIntensity(payload.Intensity),
		Confidence:  min(confidence, 1),
		Suggestions: analysis.Suggestions(label),
		Reason:      strings.TrimSpace(payload.Reason),
	}
}

func heuristicTag(userMessage, reply string) Tag {
	decision := analysis.Analyze(userMessage, reply)
	confidence := float32(0.3)
	if decision.Score > 0 {
		confidence = 0.55
	}
	return Tag{
		Emotion:     decision.Emotion,
		Intensity:   decision.Intensity,
		Confidence:  confidence,
		Suggestions: analysis.Suggestions(decision.Emotion),
		Reason:      "heuristic",
	}
}

func lastUserContent(history []chat.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

// parseClassifierOutput 从模型输出中截取第一个 JSON 对象。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func formatHistory(messages []chat.Message, limit int) string {
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		speaker := "User"
		if m.Role == chat.RoleAssistant {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+content)
	}
	if len(lines) == 0 {
		return "(no earlier messages)"
	}
	return strings.Join(lines, "\n")
}

func clampIntensity(v float32) float32 {
	if v <= 0 {
		return 3
	}
	return analysis.Clamp(v)
}

type classifierPayload struct {
	Emotion    string  `json:"emotion"`
	Intensity  float32 `json:"intensity"`
	Confidence float32 `json:"confidence"`
	Reason     string  `json:"reason"`
}

const classifierSystemPrompt = "You label the mood of an assistant reply in a companion chat. " +
	"Read the recent conversation and the reply, then answer with a single JSON object and nothing else. " +
	"Fields: emotion (one of neutral, happy, sad, angry, excited, tender, comfort, magnetic), " +
	"intensity (number between 1 and 5), confidence (number between 0 and 1), reason (one short sentence)."

const classifierUserPrompt = "Recent conversation:\n{history}\n\nAssistant reply:\n{reply}\n\nReturn the JSON object."
