// Package mutation applies deletes and edits to a conversation while keeping
// every user message paired with at most one reply.
package mutation

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	"github.com/zhouzirui/emochat/backend/internal/metrics"
	"github.com/zhouzirui/emochat/backend/internal/service/history"
	"github.com/zhouzirui/emochat/backend/internal/service/reply"
	"github.com/zhouzirui/emochat/backend/internal/service/sessionlock"
	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/pkg/api"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// Config holds the tunable rules of the engine.
type Config struct {
	// MaxContentLength bounds edited content, in runes.
	MaxContentLength int
	// CascadeTolerance is how far apart a user message and an unlinked
	// reply may be for the reply to be deleted with it.
	CascadeTolerance time.Duration
}

// DeleteResult lists the ids removed by Delete, target first. It is empty
// when the message had already been deleted.
type DeleteResult struct {
	DeletedMessageIDs []int64
}

// EditResult describes a completed edit.
type EditResult struct {
	MessageID           int64
	Content             string
	DeletedMessageCount int
	NewReply            chat.Reply
}

// Engine serializes mutations per session.
type Engine struct {
	store     store.Store
	loader    *history.Loader
	generator *reply.Generator
	locks     *sessionlock.Locker
	edits     singleflight.Group
	cfg       Config
	logger    *slog.Logger
}

// NewEngine wires an engine. locks must be the Locker shared with every other
// writer of the same store.
func NewEngine(s store.Store, loader *history.Loader, generator *reply.Generator, locks *sessionlock.Locker, cfg Config) *Engine {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 2000
	}
	if cfg.CascadeTolerance < 0 {
		cfg.CascadeTolerance = 0
	}
	return &Engine{
		store:     s,
		loader:    loader,
		generator: generator,
		locks:     locks,
		cfg:       cfg,
		logger:    slog.With("component", "mutation"),
	}
}

// Delete withdraws the requesting user's latest message together with the
// reply it produced. Deleting an id that is already gone succeeds with an
// empty result.
func (e *Engine) Delete(ctx context.Context, messageID int64, userID string) (result *DeleteResult, err error) {
	defer func() { metrics.Record("delete", err) }()

	target, unlock, err := e.lockMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return e.alreadyDeleted(ctx, messageID, userID)
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := checkOwner(target, userID); err != nil {
		return nil, err
	}

	latest, err := e.store.LatestByRole(ctx, target.SessionID, chat.RoleUser)
	if err != nil {
		return nil, apperr.Internal("find latest user message", err)
	}
	if latest == nil || latest.ID != target.ID {
		return nil, apperr.Forbidden(api.ReasonNotLatest, "only the most recent message can be withdrawn")
	}

	ids := []int64{target.ID}
	linked, err := e.cascadeTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	if linked != nil {
		ids = append(ids, linked.ID)
	}

	deleted, err := e.store.DeleteByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Internal("delete messages", err)
	}
	metrics.Deleted("delete", len(deleted))
	e.logger.Info("message withdrawn", "session", target.SessionID, "message", target.ID, "deleted", deleted)
	return &DeleteResult{DeletedMessageIDs: deleted}, nil
}

// Edit replaces the content of one of the user's messages, drops everything
// after it and appends a freshly generated reply. Identical concurrent
// requests share one execution.
//
// The reply is generated before anything is written. When generation fails
// the conversation is left exactly as it was and the edit can be retried.
func (e *Engine) Edit(ctx context.Context, messageID int64, userID, newContent string) (*EditResult, error) {
	content, err := e.validateContent(newContent)
	if err != nil {
		metrics.Record("edit", err)
		return nil, err
	}

	key := editKey(messageID, userID, content)
	v, err, shared := e.edits.Do(key, func() (any, error) {
		res, err := e.edit(ctx, messageID, userID, content)
		metrics.Record("edit", err)
		return res, err
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.Debug("edit request coalesced", "message", messageID)
	}
	res := *v.(*EditResult)
	res.NewReply.Suggestions = append([]string(nil), res.NewReply.Suggestions...)
	return &res, nil
}

func (e *Engine) edit(ctx context.Context, messageID int64, userID, content string) (*EditResult, error) {
	target, unlock, err := e.lockMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("message %d not found", messageID)
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := checkOwner(target, userID); err != nil {
		return nil, err
	}

	later, err := e.store.ListAfter(ctx, target)
	if err != nil {
		return nil, apperr.Internal("list messages after edit target", err)
	}

	prefix, err := e.prefixThrough(ctx, target, content)
	if err != nil {
		return nil, err
	}
	newReply, err := e.generator.Generate(ctx, "edit", prefix, nil)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(later))
	for i, m := range later {
		ids[i] = m.ID
	}
	deleted, err := e.store.DeleteByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Internal("truncate after edit", err)
	}
	if err := e.store.UpdateContent(ctx, target.ID, content); err != nil {
		return nil, apperr.Internal("update message content", err)
	}
	stored, err := e.store.Append(ctx, &newReply.Message)
	if err != nil {
		return nil, apperr.Internal("append regenerated reply", err)
	}
	newReply.Message = *stored

	metrics.Deleted("edit", len(deleted))
	e.logger.Info("message edited", "session", target.SessionID, "message", target.ID, "truncated", len(deleted), "reply", stored.ID)
	return &EditResult{
		MessageID:           target.ID,
		Content:             content,
		DeletedMessageCount: len(deleted),
		NewReply:            *newReply,
	}, nil
}

// lockMessage loads a message, takes its session lock and reloads it so the
// caller sees the state current under the lock. On error nothing is held.
func (e *Engine) lockMessage(ctx context.Context, id int64) (*chat.Message, func(), error) {
	m, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, apperr.Internal("get message", err)
	}

	unlock := e.locks.Lock(m.SessionID)
	m, err = e.store.Get(ctx, id)
	if err != nil {
		unlock()
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, apperr.Internal("get message", err)
	}
	return m, unlock, nil
}

func (e *Engine) alreadyDeleted(ctx context.Context, id int64, userID string) (*DeleteResult, error) {
	tomb, err := e.store.Tombstone(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && tomb.UserID != userID) {
		return nil, apperr.NotFound("message %d not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("read tombstone", err)
	}
	return &DeleteResult{DeletedMessageIDs: []int64{}}, nil
}

// cascadeTarget finds the reply that belongs to target, if any. The explicit
// link wins; rows without one fall back to position, then to the latest
// reply within the tolerance window.
func (e *Engine) cascadeTarget(ctx context.Context, target *chat.Message) (*chat.Message, error) {
	linked, err := e.store.RepliesTo(ctx, target.ID)
	if err != nil {
		return nil, apperr.Internal("find linked reply", err)
	}
	if len(linked) > 0 {
		return linked[0], nil
	}

	after, err := e.store.RepliesAfter(ctx, target.SessionID, target.CreatedAt)
	if err != nil {
		return nil, apperr.Internal("find replies after message", err)
	}
	for _, m := range after {
		if belongsTo(m, target) {
			return m, nil
		}
	}

	latest, err := e.store.LatestByRole(ctx, target.SessionID, chat.RoleAssistant)
	if err != nil {
		return nil, apperr.Internal("find latest reply", err)
	}
	if latest == nil || !belongsTo(latest, target) {
		return nil, nil
	}
	gap := latest.CreatedAt.Sub(target.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > e.cfg.CascadeTolerance {
		return nil, nil
	}
	return latest, nil
}

// prefixThrough returns the normalized history up to and including target,
// with target's content replaced.
func (e *Engine) prefixThrough(ctx context.Context, target *chat.Message, content string) ([]chat.Message, error) {
	all, err := e.loader.Load(ctx, target.SessionID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == target.ID {
			prefix := make([]chat.Message, i+1)
			copy(prefix, all[:i+1])
			prefix[i].Content = content
			return prefix, nil
		}
	}
	return nil, apperr.Internal("build edit context", errors.Errorf("message %d missing from session %s", target.ID, target.SessionID))
}

func (e *Engine) validateContent(raw string) (string, error) {
	return ValidateContent(raw, e.cfg.MaxContentLength)
}

// ValidateContent trims raw and checks it is non-empty and at most maxRunes long.
func ValidateContent(raw string, maxRunes int) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", apperr.InvalidArgument("message content must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > maxRunes {
		return "", apperr.InvalidArgument("message content is %d characters, limit is %d", n, maxRunes)
	}
	return content, nil
}

func checkOwner(m *chat.Message, userID string) error {
	if m.Role != chat.RoleUser {
		return apperr.Forbidden(api.ReasonNonUserMessage, "only your own messages can be changed")
	}
	if m.UserID != userID {
		return apperr.Forbidden(api.ReasonNotOwner, "this message belongs to another user")
	}
	return nil
}

// belongsTo reports whether reply may be the answer to question: it is either
// linked to it or carries no link at all.
func belongsTo(reply, question *chat.Message) bool {
	return reply.ReplyTo == 0 || reply.ReplyTo == question.ID
}

func editKey(messageID int64, userID, content string) string {
	return strconv.FormatInt(messageID, 10) + "\x00" + userID + "\x00" + content
}
