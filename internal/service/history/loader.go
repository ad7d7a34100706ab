// Package history loads a session's conversation in a stable, duplicate-free order.
package history

import (
	"cmp"
	"context"
	"slices"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// Loader reads sessions from a store and normalizes them.
type Loader struct {
	store store.Store
}

func NewLoader(s store.Store) *Loader {
	return &Loader{store: s}
}

// Load returns the full normalized history of a session. An unknown or empty
// session yields an empty slice.
func (l *Loader) Load(ctx context.Context, sessionID string) ([]chat.Message, error) {
	stored, err := l.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("load session history", err)
	}
	raw := make([]chat.Message, len(stored))
	for i, m := range stored {
		raw[i] = *m
	}
	return Normalize(raw), nil
}

// LoadRecent returns the last limit messages of the normalized history.
// A limit of zero or less returns everything.
func (l *Loader) LoadRecent(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	list, err := l.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return Tail(list, limit), nil
}

// Tail returns the last n elements of list, or list itself when n <= 0.
func Tail(list []chat.Message, n int) []chat.Message {
	if n <= 0 || len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}

type dedupKey struct {
	role    chat.Role
	content string
}

// Normalize removes duplicates and orders messages for display.
//
// Messages with an ID are deduplicated by ID; messages without one by
// (role, content). The first occurrence wins. Ordering is by CreatedAt; within
// one timestamp persisted messages come first by ascending ID, then messages
// without an ID, user before assistant, in input order.
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(in []chat.Message) []chat.Message {
	seenID := make(map[int64]struct{}, len(in))
	seenContent := make(map[dedupKey]struct{})
	out := make([]chat.Message, 0, len(in))

	for _, m := range in {
		if m.ID != 0 {
			if _, dup := seenID[m.ID]; dup {
				continue
			}
			seenID[m.ID] = struct{}{}
		} else {
			key := dedupKey{role: m.Role, content: m.Content}
			if _, dup := seenContent[key]; dup {
				continue
			}
			seenContent[key] = struct{}{}
		}
		out = append(out, m)
	}

	slices.SortStableFunc(out, compare)
	return out
}

// compare is a total preorder: the key (CreatedAt, persisted, ID, role) never
// mixes an ID comparison with a role comparison at the same level.
func compare(a, b chat.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(unsaved(a), unsaved(b)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	return cmp.Compare(roleRank(a.Role), roleRank(b.Role))
}

func unsaved(m chat.Message) int {
	if m.ID == 0 {
		return 1
	}
	return 0
}

func roleRank(r chat.Role) int {
	if r == chat.RoleUser {
		return 0
	}
	return 1
}
