package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/emochat/backend/internal/handler"
	"github.com/zhouzirui/emochat/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/emochat/backend/internal/service/chat"
	"github.com/zhouzirui/emochat/backend/internal/service/history"
	"github.com/zhouzirui/emochat/backend/internal/service/mutation"
	"github.com/zhouzirui/emochat/backend/internal/service/reply"
	"github.com/zhouzirui/emochat/backend/internal/service/sessionlock"
	"github.com/zhouzirui/emochat/backend/internal/store/memory"
	"github.com/zhouzirui/emochat/backend/pkg/api"
	"github.com/zhouzirui/emochat/backend/pkg/client"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
	"github.com/zhouzirui/emochat/backend/pkg/reconcile"
)

func newServer(t *testing.T, fail *atomic.Bool) *client.Client {
	t.Helper()
	s := memory.New()
	loader := history.NewLoader(s)
	locks := sessionlock.New()
	gen := reply.NewGenerator(ai.ResponderFunc(func(_ context.Context, h []chat.Message) (string, error) {
		if fail != nil && fail.Load() {
			return "", errors.New("model offline")
		}
		return "re: " + h[len(h)-1].Content, nil
	}), nil, time.Second)
	router := handler.NewRouter(
		chatservice.NewService(s, loader, gen, locks, chatservice.Config{}),
		mutation.NewEngine(s, loader, gen, locks, mutation.Config{CascadeTolerance: time.Minute}),
		nil,
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return client.New(srv.URL + "/")
}

func TestClientScenario(t *testing.T) {
	c := newServer(t, nil)
	ctx := context.Background()

	first, err := c.Send(ctx, api.SendRequest{UserID: "alice", Message: "first"})
	require.NoError(t, err)
	second, err := c.Send(ctx, api.SendRequest{SessionID: first.SessionID, UserID: "alice", Message: "second"})
	require.NoError(t, err)

	_, err = c.DeleteMessage(ctx, first.MessageID, "alice")
	var apiErr *client.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, api.ReasonNotLatest, apiErr.Body.Reason)
	assert.False(t, client.IsRetryable(err))

	deleted, err := c.DeleteMessage(ctx, second.MessageID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{second.MessageID, second.Reply.ID}, deleted.DeletedMessageIDs)

	edited, err := c.EditMessage(ctx, first.MessageID, "alice", "first, revised")
	require.NoError(t, err)
	assert.Equal(t, 1, edited.DeletedMessageCount)
	assert.Equal(t, "re: first, revised", edited.NewReply.Content)

	hist, err := c.History(ctx, first.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 2)

	sessions, err := c.ListSessions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Equal(t, 1, sessions.Total)
	assert.Equal(t, "first, revised", sessions.Sessions[0].Title)

	found, err := c.SearchSessions(ctx, "alice", "REVISED")
	require.NoError(t, err)
	assert.Equal(t, 1, found.Total)

	_, err = c.DeleteMessage(ctx, first.MessageID, "alice")
	require.NoError(t, err)
	sessions, err = c.ListSessions(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Zero(t, sessions.Total)
}

func TestClientSessionDeletion(t *testing.T) {
	c := newServer(t, nil)
	ctx := context.Background()

	a, err := c.Send(ctx, api.SendRequest{UserID: "alice", Message: "a"})
	require.NoError(t, err)
	b, err := c.Send(ctx, api.SendRequest{UserID: "alice", Message: "b"})
	require.NoError(t, err)

	_, err = c.DeleteSession(ctx, a.SessionID, "bob")
	assert.Equal(t, api.CodeForbidden, client.CodeOf(err))

	res, err := c.DeleteSession(ctx, a.SessionID, "alice")
	require.NoError(t, err)
	assert.Len(t, res.DeletedMessageIDs, 2)

	batch, err := c.DeleteSessions(ctx, "alice", []string{b.SessionID, a.SessionID})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.SuccessCount)
	assert.Equal(t, []string{a.SessionID}, batch.FailedSessions)
}

func TestReconcilerAgainstServer(t *testing.T) {
	var fail atomic.Bool
	c := newServer(t, &fail)
	ctx := context.Background()
	v := reconcile.NewView(c, "alice", "")

	_, err := v.Send(ctx, "hello")
	require.NoError(t, err)
	_, err = v.Send(ctx, "how are you")
	require.NoError(t, err)
	entries := v.Entries()
	require.Len(t, entries, 4)

	fail.Store(true)
	_, err = v.Edit(ctx, entries[2].ID, "how have you been")
	var rerr *reconcile.Error
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.Retryable)
	assert.Equal(t, entries, v.Entries())

	fail.Store(false)
	_, err = v.Edit(ctx, entries[2].ID, "how have you been")
	require.NoError(t, err)

	_, err = v.Delete(ctx, entries[2].ID)
	require.NoError(t, err)
	_, err = v.Delete(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Empty(t, v.Entries())
	assert.Empty(t, v.SessionID())

	require.NoError(t, v.Reload(ctx))
	assert.Empty(t, v.Entries())
}
