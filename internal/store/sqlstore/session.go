package sqlstore

import (
	"context"
	"database/sql"
	"slices"
	"strings"

	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// ListSessions aggregates summaries from the message table, so a session
// without messages never appears.
func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*chat.SessionSummary, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UserID != "" {
		where, args = append(where, "user_id = "+d.ph(len(args)+1)), append(args, find.UserID)
	}
	if find.SessionID != "" {
		where, args = append(where, "session_id = "+d.ph(len(args)+1)), append(args, find.SessionID)
	}

	messages, err := d.list(ctx, d.db, where, args, "")
	if err != nil {
		return nil, err
	}

	bySession := make(map[string][]*chat.Message)
	for _, m := range messages {
		bySession[m.SessionID] = append(bySession[m.SessionID], m)
	}

	summaries := make([]*chat.SessionSummary, 0, len(bySession))
	for _, list := range bySession {
		if summary := store.Summarize(list); summary != nil {
			summaries = append(summaries, summary)
		}
	}
	slices.SortFunc(summaries, func(a, b *chat.SessionSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if find.Limit > 0 && len(summaries) > find.Limit {
		summaries = summaries[:find.Limit]
	}
	return summaries, nil
}

func (d *DB) DeleteSession(ctx context.Context, sessionID string) ([]int64, error) {
	var deleted []int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		messages, err := d.list(ctx, tx, []string{"session_id = " + d.ph(1)}, []any{sessionID}, "")
		if err != nil {
			return err
		}
		deleted = make([]int64, 0, len(messages))
		for _, m := range messages {
			ok, err := d.deleteOne(ctx, tx, m.ID)
			if err != nil {
				return err
			}
			if ok {
				deleted = append(deleted, m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(deleted)
	return deleted, nil
}
