// Package storetest is a behavioural suite every store.Store implementation
// must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AppendAssignsIncreasingIDs", testAppendAssignsIncreasingIDs},
		{"ListBySessionOrdersByCreatedThenID", testListOrdering},
		{"LatestByRole", testLatestByRole},
		{"RepliesAfterAndTo", testReplies},
		{"ListAfter", testListAfter},
		{"UpdateContent", testUpdateContent},
		{"DeleteIsIdempotentAndTombstoned", testDelete},
		{"DeleteSession", testDeleteSession},
		{"ListSessionsSkipsEmpty", testListSessions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func appendMsg(t *testing.T, s store.Store, m chat.Message) *chat.Message {
	t.Helper()
	if m.UserID == "" {
		m.UserID = "u1"
	}
	if m.SessionID == "" {
		m.SessionID = "s1"
	}
	stored, err := s.Append(context.Background(), &m)
	require.NoError(t, err)
	return stored
}

func ids(list []*chat.Message) []int64 {
	out := make([]int64, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func testAppendAssignsIncreasingIDs(t *testing.T, s store.Store) {
	a := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "hi"})
	b := appendMsg(t, s, chat.Message{Role: chat.RoleAssistant, Content: "hello", ReplyTo: a.ID, Emotion: "happy", EmotionIntensity: 3.5})

	assert.Greater(t, a.ID, int64(0))
	assert.Greater(t, b.ID, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := s.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.RoleAssistant, got.Role)
	assert.Equal(t, a.ID, got.ReplyTo)
	assert.Equal(t, "happy", got.Emotion)
	assert.InDelta(t, 3.5, got.EmotionIntensity, 0.001)
	assert.True(t, b.CreatedAt.Equal(got.CreatedAt))

	_, err = s.Get(context.Background(), b.ID+100)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListOrdering(t *testing.T, s store.Store) {
	late := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "late", CreatedAt: at(20)})
	early := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "early", CreatedAt: at(10)})
	tieA := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "tie-a", CreatedAt: at(15)})
	tieB := appendMsg(t, s, chat.Message{Role: chat.RoleAssistant, Content: "tie-b", CreatedAt: at(15)})
	appendMsg(t, s, chat.Message{SessionID: "other", Role: chat.RoleUser, Content: "x", CreatedAt: at(1)})

	list, err := s.ListBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []int64{early.ID, tieA.ID, tieB.ID, late.ID}, ids(list))
}

func testLatestByRole(t *testing.T, s store.Store) {
	ctx := context.Background()
	none, err := s.LatestByRole(ctx, "s1", chat.RoleUser)
	require.NoError(t, err)
	assert.Nil(t, none)

	appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "one", CreatedAt: at(1)})
	appendMsg(t, s, chat.Message{Role: chat.RoleAssistant, Content: "r1", CreatedAt: at(2)})
	two := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "two", CreatedAt: at(3)})

	got, err := s.LatestByRole(ctx, "s1", chat.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, two.ID, got.ID)
}

func testReplies(t *testing.T, s store.Store) {
	ctx := context.Background()
	u1 := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "q1", CreatedAt: at(1)})
	a1 := appendMsg(t, s, chat.Message{Role: chat.RoleAssistant, Content: "a1", ReplyTo: u1.ID, CreatedAt: at(2)})
	u2 := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "q2", CreatedAt: at(3)})
	a2 := appendMsg(t, s, chat.Message{Role: chat.RoleAssistant, Content: "a2", ReplyTo: u2.ID, CreatedAt: at(4)})

	after, err := s.RepliesAfter(ctx, "s1", u1.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1.ID, a2.ID}, ids(after))

	after, err = s.RepliesAfter(ctx, "s1", a2.CreatedAt)
	require.NoError(t, err)
	assert.Empty(t, after)

	linked, err := s.RepliesTo(ctx, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a2.ID}, ids(linked))
}

func testListAfter(t *testing.T, s store.Store) {
	u1 := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "q1", CreatedAt: at(1)})
	a1 := appendMsg(t, s, chat.Message{Role: chat.RoleAssistant, Content: "a1", CreatedAt: at(1)})
	u2 := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "q2", CreatedAt: at(2)})

	later, err := s.ListAfter(context.Background(), u1)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1.ID, u2.ID}, ids(later))

	later, err = s.ListAfter(context.Background(), u2)
	require.NoError(t, err)
	assert.Empty(t, later)
}

func testUpdateContent(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "before"})
	require.NoError(t, s.UpdateContent(ctx, m.ID, "after"))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Content)
	assert.ErrorIs(t, s.UpdateContent(ctx, m.ID+50, "x"), store.ErrNotFound)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "bye", UserID: "alice"})

	_, err := s.Tombstone(ctx, m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err := s.DeleteByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteByID(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	tomb, err := s.Tombstone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", tomb.UserID)
	assert.Equal(t, "s1", tomb.SessionID)

	a := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "a"})
	b := appendMsg(t, s, chat.Message{Role: chat.RoleAssistant, Content: "b"})
	deleted, err := s.DeleteByIDs(ctx, []int64{a.ID, b.ID, m.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, deleted)
}

func testDeleteSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := appendMsg(t, s, chat.Message{Role: chat.RoleUser, Content: "a", CreatedAt: at(1)})
	b := appendMsg(t, s, chat.Message{Role: chat.RoleAssistant, Content: "b", CreatedAt: at(2)})
	keep := appendMsg(t, s, chat.Message{SessionID: "s2", Role: chat.RoleUser, Content: "c"})

	deleted, err := s.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, deleted)

	list, err := s.ListBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Get(ctx, keep.ID)
	assert.NoError(t, err)
}

func testListSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	appendMsg(t, s, chat.Message{SessionID: "old", Role: chat.RoleUser, Content: "first question about the weather today", CreatedAt: at(1)})
	appendMsg(t, s, chat.Message{SessionID: "old", Role: chat.RoleAssistant, Content: "sunny", CreatedAt: at(2)})
	gone := appendMsg(t, s, chat.Message{SessionID: "gone", Role: chat.RoleUser, Content: "temp", CreatedAt: at(3)})
	appendMsg(t, s, chat.Message{SessionID: "new", Role: chat.RoleUser, Content: "hello", CreatedAt: at(5)})
	appendMsg(t, s, chat.Message{SessionID: "foreign", UserID: "bob", Role: chat.RoleUser, Content: "hey", CreatedAt: at(6)})

	_, err := s.DeleteByID(ctx, gone.ID)
	require.NoError(t, err)

	summaries, err := s.ListSessions(ctx, &store.FindSession{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "new", summaries[0].ID)
	assert.Equal(t, "old", summaries[1].ID)
	assert.Equal(t, 2, summaries[1].MessageCount)
	assert.Equal(t, "first question about the weath...", summaries[1].Title)
	assert.Equal(t, "sunny", summaries[1].Preview)
	assert.True(t, summaries[1].CreatedAt.Equal(at(1)))
	assert.True(t, summaries[1].UpdatedAt.Equal(at(2)))

	limited, err := s.ListSessions(ctx, &store.FindSession{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new", limited[0].ID)
}
