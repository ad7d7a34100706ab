// Package memory is an in-process Store for development and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp appended messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps messages in maps guarded by a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	nextID     int64
	messages   map[int64]*chat.Message
	sessions   map[string][]int64
	tombstones map[int64]*store.Tombstone
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		messages:   make(map[int64]*chat.Message),
		sessions:   make(map[string][]int64),
		tombstones: make(map[int64]*store.Tombstone),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Append(_ context.Context, m *chat.Message) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := *m
	stored.ID = s.nextID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.messages[stored.ID] = &stored
	s.sessions[stored.SessionID] = append(s.sessions[stored.SessionID], stored.ID)

	out := stored
	return &out, nil
}

func (s *Store) Get(_ context.Context, id int64) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *Store) ListBySession(_ context.Context, sessionID string) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(sessionID, func(*chat.Message) bool { return true }), nil
}

func (s *Store) LatestByRole(_ context.Context, sessionID string, role chat.Role) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.listLocked(sessionID, func(m *chat.Message) bool { return m.Role == role })
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

func (s *Store) RepliesAfter(_ context.Context, sessionID string, t time.Time) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(sessionID, func(m *chat.Message) bool {
		return m.Role == chat.RoleAssistant && m.CreatedAt.After(t)
	}), nil
}

func (s *Store) RepliesTo(_ context.Context, messageID int64) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	return s.listLocked(target.SessionID, func(m *chat.Message) bool {
		return m.Role == chat.RoleAssistant && m.ReplyTo == messageID
	}), nil
}

func (s *Store) ListAfter(_ context.Context, pivot *chat.Message) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(pivot.SessionID, func(m *chat.Message) bool {
		return pivot.Before(*m)
	}), nil
}

func (s *Store) UpdateContent(_ context.Context, id int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Content = content
	return nil
}

func (s *Store) DeleteByID(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id), nil
}

func (s *Store) DeleteByIDs(_ context.Context, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := make([]int64, 0, len(ids))
	for _, id := range ids {
		if s.deleteLocked(id) {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

func (s *Store) DeleteSession(_ context.Context, sessionID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Clone(s.sessions[sessionID])
	slices.Sort(ids)
	for _, id := range ids {
		s.deleteLocked(id)
	}
	return ids, nil
}

func (s *Store) Tombstone(_ context.Context, id int64) (*store.Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tombstones[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *Store) ListSessions(_ context.Context, find *store.FindSession) ([]*chat.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]*chat.SessionSummary, 0)
	for sessionID := range s.sessions {
		if find.SessionID != "" && find.SessionID != sessionID {
			continue
		}
		list := s.listLocked(sessionID, func(*chat.Message) bool { return true })
		summary := store.Summarize(list)
		if summary == nil {
			continue
		}
		if find.UserID != "" && summary.UserID != find.UserID {
			continue
		}
		summaries = append(summaries, summary)
	}

	slices.SortFunc(summaries, func(a, b *chat.SessionSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if find.Limit > 0 && len(summaries) > find.Limit {
		summaries = summaries[:find.Limit]
	}
	return summaries, nil
}

func (s *Store) Close() error {
	return nil
}

// listLocked returns copies of the session's messages accepted by keep, in
// session order. Callers hold s.mu.
func (s *Store) listLocked(sessionID string, keep func(*chat.Message) bool) []*chat.Message {
	ids := s.sessions[sessionID]
	out := make([]*chat.Message, 0, len(ids))
	for _, id := range ids {
		m := s.messages[id]
		if keep(m) {
			c := *m
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *chat.Message) int {
		switch {
		case a.Before(*b):
			return -1
		case b.Before(*a):
			return 1
		default:
			return 0
		}
	})
	return out
}

func (s *Store) deleteLocked(id int64) bool {
	m, ok := s.messages[id]
	if !ok {
		return false
	}
	delete(s.messages, id)

	ids := s.sessions[m.SessionID]
	if i := slices.Index(ids, id); i >= 0 {
		ids = slices.Delete(ids, i, i+1)
	}
	if len(ids) == 0 {
		delete(s.sessions, m.SessionID)
	} else {
		s.sessions[m.SessionID] = ids
	}

	s.tombstones[id] = &store.Tombstone{
		ID:        id,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		DeletedAt: s.now().UTC(),
	}
	return true
}
