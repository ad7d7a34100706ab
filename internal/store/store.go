// Package store defines persistence for conversation messages.
//
// Implementations only store and query. Ownership, recency and cascade rules
// live in the mutation engine.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store persists messages. Listing methods return messages in ascending
// (CreatedAt, ID) order.
type Store interface {
	// Append assigns ID and, when unset, CreatedAt, then persists m.
	Append(ctx context.Context, m *chat.Message) (*chat.Message, error)
	Get(ctx context.Context, id int64) (*chat.Message, error)
	ListBySession(ctx context.Context, sessionID string) ([]*chat.Message, error)
	// LatestByRole returns nil without error when the session has no message of that role.
	LatestByRole(ctx context.Context, sessionID string, role chat.Role) (*chat.Message, error)
	// RepliesAfter returns assistant messages created strictly after t.
	RepliesAfter(ctx context.Context, sessionID string, t time.Time) ([]*chat.Message, error)
	// RepliesTo returns assistant messages whose ReplyTo is messageID.
	RepliesTo(ctx context.Context, messageID int64) ([]*chat.Message, error)
	// ListAfter returns every message of m's session ordered after m.
	ListAfter(ctx context.Context, m *chat.Message) ([]*chat.Message, error)
	UpdateContent(ctx context.Context, id int64, content string) error

	// DeleteByID removes one message and records a tombstone. Deleting an
	// absent id is not an error and reports false.
	DeleteByID(ctx context.Context, id int64) (bool, error)
	// DeleteByIDs removes several messages atomically and returns the ids
	// that were present.
	DeleteByIDs(ctx context.Context, ids []int64) ([]int64, error)
	// DeleteSession removes every message of a session.
	DeleteSession(ctx context.Context, sessionID string) ([]int64, error)
	Tombstone(ctx context.Context, id int64) (*Tombstone, error)

	ListSessions(ctx context.Context, find *FindSession) ([]*chat.SessionSummary, error)

	Close() error
}

// Tombstone records a hard-deleted message.
type Tombstone struct {
	ID        int64
	SessionID string
	UserID    string
	DeletedAt time.Time
}

// FindSession filters session listings.
type FindSession struct {
	UserID string
	// SessionID narrows the listing to one session.
	SessionID string
	// Limit caps the number of summaries. Zero means no limit.
	Limit int
}

// Summarize aggregates ordered messages of one session into a summary.
// It returns nil for an empty slice.
func Summarize(messages []*chat.Message) *chat.SessionSummary {
	if len(messages) == 0 {
		return nil
	}
	first, last := messages[0], messages[len(messages)-1]
	summary := &chat.SessionSummary{
		ID:           first.SessionID,
		UserID:       first.UserID,
		Title:        chat.DefaultSessionTitle,
		Preview:      chat.PreviewFrom(last.Content),
		MessageCount: len(messages),
		CreatedAt:    first.CreatedAt,
		UpdatedAt:    last.CreatedAt,
	}
	for _, m := range messages {
		if m.Role == chat.RoleUser {
			summary.Title = chat.TitleFrom(m.Content)
			break
		}
	}
	return summary
}
