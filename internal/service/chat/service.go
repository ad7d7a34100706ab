package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	"github.com/zhouzirui/emochat/backend/internal/metrics"
	"github.com/zhouzirui/emochat/backend/internal/service/history"
	"github.com/zhouzirui/emochat/backend/internal/service/mutation"
	"github.com/zhouzirui/emochat/backend/internal/service/reply"
	"github.com/zhouzirui/emochat/backend/internal/service/sessionlock"
	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/pkg/api"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// DefaultSessionLimit caps session listings when the caller gives no limit.
const DefaultSessionLimit = 50

// Config holds the send-side limits.
type Config struct {
	MaxContentLength int
}

// SendRequest is one user turn. An empty SessionID starts a new session.
type SendRequest struct {
	SessionID string
	UserID    string
	Content   string
}

// SendResult carries the persisted user message and, on success, its reply.
type SendResult struct {
	SessionID   string
	UserMessage chat.Message
	Reply       chat.Reply
}

// BatchDeleteResult summarizes DeleteSessions.
type BatchDeleteResult struct {
	SuccessCount   int
	FailedCount    int
	FailedSessions []string
	Total          int
}

// Service encapsulates conversation state management.
type Service struct {
	store     store.Store
	loader    *history.Loader
	generator *reply.Generator
	locks     *sessionlock.Locker
	cfg       Config
	logger    *slog.Logger
}

// NewService wires the chat service. locks must be shared with the mutation engine.
func NewService(s store.Store, loader *history.Loader, generator *reply.Generator, locks *sessionlock.Locker, cfg Config) *Service {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 2000
	}
	return &Service{
		store:     s,
		loader:    loader,
		generator: generator,
		locks:     locks,
		cfg:       cfg,
		logger:    slog.With("component", "chat"),
	}
}

// Send stores the user's message and answers it. If reply generation fails
// the user message stays stored; the returned result still carries it along
// with a GENERATION_FAILED error.
func (s *Service) Send(ctx context.Context, req SendRequest, onDelta func(string)) (result *SendResult, err error) {
	defer func() { metrics.Record("send", err) }()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.InvalidArgument("userId is required")
	}
	content, err := mutation.ValidateContent(req.Content, s.cfg.MaxContentLength)
	if err != nil {
		return nil, err
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if _, err := s.ownedSession(ctx, sessionID, req.UserID); err != nil && !apperrIsNotFound(err) {
		return nil, err
	}

	earlier, err := s.loader.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.store.Append(ctx, &chat.Message{
		SessionID: sessionID,
		UserID:    req.UserID,
		Role:      chat.RoleUser,
		Content:   content,
	})
	if err != nil {
		return nil, apperr.Internal("append user message", err)
	}
	result = &SendResult{SessionID: sessionID, UserMessage: *userMsg}

	answer, err := s.generator.Generate(ctx, "send", append(earlier, *userMsg), onDelta)
	if err != nil {
		return result, err
	}
	stored, err := s.store.Append(ctx, &answer.Message)
	if err != nil {
		return result, apperr.Internal("append reply", err)
	}
	answer.Message = *stored
	result.Reply = *answer

	s.logger.Debug("turn stored", "session", sessionID, "message", userMsg.ID, "reply", stored.ID)
	return result, nil
}

// History returns the normalized messages of a session, keeping only the
// last limit when limit > 0.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.InvalidArgument("sessionId is required")
	}
	return s.loader.LoadRecent(ctx, sessionID, limit)
}

// ListUserSessions returns the user's non-empty sessions, most recently
// active first.
func (s *Service) ListUserSessions(ctx context.Context, userID string, limit int) ([]*chat.SessionSummary, error) {
	return s.SearchUserSessions(ctx, userID, "", limit)
}

// SearchUserSessions filters the user's sessions by a keyword found in the
// title or preview.
func (s *Service) SearchUserSessions(ctx context.Context, userID, keyword string, limit int) ([]*chat.SessionSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.InvalidArgument("userId is required")
	}
	if limit <= 0 {
		limit = DefaultSessionLimit
	}

	find := &store.FindSession{UserID: userID}
	if strings.TrimSpace(keyword) == "" {
		find.Limit = limit
	}
	all, err := s.store.ListSessions(ctx, find)
	if err != nil {
		return nil, apperr.Internal("list sessions", err)
	}

	matched := make([]*chat.SessionSummary, 0, len(all))
	for _, summary := range all {
		if summary.Matches(keyword) {
			matched = append(matched, summary)
		}
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

// DeleteSession removes every message of one of the user's sessions.
func (s *Service) DeleteSession(ctx context.Context, sessionID, userID string) (ids []int64, err error) {
	defer func() { metrics.Record("delete_session", err) }()

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if _, err := s.ownedSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	ids, err = s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("delete session", err)
	}
	metrics.Deleted("delete_session", len(ids))
	s.logger.Info("session deleted", "session", sessionID, "messages", len(ids))
	return ids, nil
}

// DeleteSessions deletes several sessions and reports which ones failed.
func (s *Service) DeleteSessions(ctx context.Context, userID string, sessionIDs []string) BatchDeleteResult {
	result := BatchDeleteResult{Total: len(sessionIDs), FailedSessions: []string{}}
	for _, id := range sessionIDs {
		if _, err := s.DeleteSession(ctx, id, userID); err != nil {
			s.logger.Warn("batch delete skipped session", "session", id, "err", err)
			result.FailedCount++
			result.FailedSessions = append(result.FailedSessions, id)
			continue
		}
		result.SuccessCount++
	}
	return result
}

// ownedSession returns the session summary if it exists and belongs to userID.
func (s *Service) ownedSession(ctx context.Context, sessionID, userID string) (*chat.SessionSummary, error) {
	summaries, err := s.store.ListSessions(ctx, &store.FindSession{SessionID: sessionID})
	if err != nil {
		return nil, apperr.Internal("look up session", err)
	}
	if len(summaries) == 0 {
		return nil, apperr.NotFound("session %s not found", sessionID)
	}
	if summaries[0].UserID != userID {
		return nil, apperr.Forbidden(api.ReasonNotOwner, "this conversation belongs to another user")
	}
	return summaries[0], nil
}

func apperrIsNotFound(err error) bool {
	return apperr.CodeOf(err) == api.CodeNotFound
}
