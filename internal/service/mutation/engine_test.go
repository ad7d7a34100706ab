package mutation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	"github.com/zhouzirui/emochat/backend/internal/service/emotion"
	"github.com/zhouzirui/emochat/backend/internal/service/history"
	"github.com/zhouzirui/emochat/backend/internal/service/reply"
	"github.com/zhouzirui/emochat/backend/internal/service/sessionlock"
	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/internal/store/memory"
	"github.com/zhouzirui/emochat/backend/pkg/api"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

const session = "s1"

// tickingClock advances one second per reading so every stamp is unique.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// scriptedResponder answers "re: <question>" unless err or block is set.
type scriptedResponder struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	started chan struct{}
	calls   int32
	last    []chat.Message
}

func (r *scriptedResponder) Respond(ctx context.Context, h []chat.Message) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	r.mu.Lock()
	r.last = append([]chat.Message(nil), h...)
	err, block, started := r.err, r.block, r.started
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "re: " + h[len(h)-1].Content, nil
}

type fixture struct {
	store     *memory.Store
	engine    *Engine
	responder *scriptedResponder
}

func newFixture(t *testing.T, cfg Config, timeout time.Duration) *fixture {
	t.Helper()
	clock := &tickingClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clock.Now))
	tagger, err := emotion.NewService(context.Background(), nil, emotion.Config{})
	require.NoError(t, err)
	responder := &scriptedResponder{}
	gen := reply.NewGenerator(responder, tagger, timeout, reply.WithClock(clock.Now))
	if cfg.CascadeTolerance == 0 {
		cfg.CascadeTolerance = 60 * time.Second
	}
	return &fixture{
		store:     s,
		engine:    NewEngine(s, history.NewLoader(s), gen, sessionlock.New(), cfg),
		responder: responder,
	}
}

func (f *fixture) add(t *testing.T, m chat.Message) *chat.Message {
	t.Helper()
	if m.SessionID == "" {
		m.SessionID = session
	}
	if m.UserID == "" {
		m.UserID = "alice"
	}
	stored, err := f.store.Append(context.Background(), &m)
	require.NoError(t, err)
	return stored
}

// turn stores a user message and its linked reply.
func (f *fixture) turn(t *testing.T, content string) (*chat.Message, *chat.Message) {
	u := f.add(t, chat.Message{Role: chat.RoleUser, Content: content})
	a := f.add(t, chat.Message{Role: chat.RoleAssistant, Content: "re: " + content, ReplyTo: u.ID})
	return u, a
}

func (f *fixture) ids(t *testing.T) []int64 {
	t.Helper()
	list, err := f.store.ListBySession(context.Background(), session)
	require.NoError(t, err)
	out := make([]int64, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestDeleteScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, 0)
	f.turn(t, "hello")
	f.turn(t, "how are you")
	require.Equal(t, []int64{1, 2, 3, 4}, f.ids(t))

	res, err := f.engine.Delete(ctx, 3, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, res.DeletedMessageIDs)
	assert.Equal(t, []int64{1, 2}, f.ids(t))

	res, err = f.engine.Delete(ctx, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, res.DeletedMessageIDs)
	assert.Empty(t, f.ids(t))

	sessions, err := f.store.ListSessions(ctx, &store.FindSession{UserID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeleteOnlyLatestUserMessage(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	u1, _ := f.turn(t, "first")
	f.turn(t, "second")

	_, err := f.engine.Delete(context.Background(), u1.ID, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.Forbidden(api.ReasonNotLatest, ""))
	assert.Len(t, f.ids(t), 4)
}

func TestDeleteRejectsAssistantMessage(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	_, a := f.turn(t, "hi")

	_, err := f.engine.Delete(context.Background(), a.ID, "alice")
	assert.ErrorIs(t, err, apperr.Forbidden(api.ReasonNonUserMessage, ""))
	assert.Len(t, f.ids(t), 2)
}

func TestDeleteRejectsOtherUser(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	u, _ := f.turn(t, "mine")

	_, err := f.engine.Delete(context.Background(), u.ID, "mallory")
	assert.ErrorIs(t, err, apperr.Forbidden(api.ReasonNotOwner, ""))
	assert.Len(t, f.ids(t), 2)
}

func TestDeleteUnknownMessage(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	_, err := f.engine.Delete(context.Background(), 404, "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, 0)
	f.turn(t, "one")
	u2, a2 := f.turn(t, "two")

	res, err := f.engine.Delete(ctx, u2.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{u2.ID, a2.ID}, res.DeletedMessageIDs)

	res, err = f.engine.Delete(ctx, u2.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, res.DeletedMessageIDs)
	assert.Len(t, f.ids(t), 2)

	_, err = f.engine.Delete(ctx, u2.ID, "mallory")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteWithoutReplyKeepsEarlierReply(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	_, a1 := f.turn(t, "answered")
	u2 := f.add(t, chat.Message{Role: chat.RoleUser, Content: "generation failed for this one"})

	res, err := f.engine.Delete(context.Background(), u2.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{u2.ID}, res.DeletedMessageIDs)
	assert.Contains(t, f.ids(t), a1.ID)
}

func TestDeleteUnlinkedReplyByPosition(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	u := f.add(t, chat.Message{Role: chat.RoleUser, Content: "legacy"})
	a := f.add(t, chat.Message{Role: chat.RoleAssistant, Content: "legacy reply"})

	res, err := f.engine.Delete(context.Background(), u.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{u.ID, a.ID}, res.DeletedMessageIDs)
}

func TestDeleteSkewedReplyWithinTolerance(t *testing.T) {
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	for name, tc := range map[string]struct {
		replyOffset time.Duration
		wantReply   bool
	}{
		"inside window":  {replyOffset: -10 * time.Second, wantReply: true},
		"on the edge":    {replyOffset: -60 * time.Second, wantReply: true},
		"outside window": {replyOffset: -61 * time.Second, wantReply: false},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Config{CascadeTolerance: time.Minute}, 0)
			a := f.add(t, chat.Message{Role: chat.RoleAssistant, Content: "stamped early", CreatedAt: base.Add(tc.replyOffset)})
			u := f.add(t, chat.Message{Role: chat.RoleUser, Content: "question", CreatedAt: base})

			res, err := f.engine.Delete(context.Background(), u.ID, "alice")
			require.NoError(t, err)
			if tc.wantReply {
				assert.Equal(t, []int64{u.ID, a.ID}, res.DeletedMessageIDs)
			} else {
				assert.Equal(t, []int64{u.ID}, res.DeletedMessageIDs)
			}
		})
	}
}

func TestDeleteIgnoresReplyLinkedElsewhere(t *testing.T) {
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, Config{}, 0)
	u1 := f.add(t, chat.Message{Role: chat.RoleUser, Content: "first", CreatedAt: base})
	a1 := f.add(t, chat.Message{Role: chat.RoleAssistant, Content: "answer", ReplyTo: u1.ID, CreatedAt: base.Add(20 * time.Second)})
	u2 := f.add(t, chat.Message{Role: chat.RoleUser, Content: "skewed", CreatedAt: base.Add(10 * time.Second)})

	res, err := f.engine.Delete(context.Background(), u2.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{u2.ID}, res.DeletedMessageIDs)
	assert.Contains(t, f.ids(t), a1.ID)
}

func TestConcurrentDeletesOfSameMessage(t *testing.T) {
	f := newFixture(t, Config{}, 0)
	f.turn(t, "one")
	u2, _ := f.turn(t, "two")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results [][]int64
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Delete(context.Background(), u2.ID, "alice")
			if assert.NoError(t, err) {
				mu.Lock()
				results = append(results, res.DeletedMessageIDs)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	assert.Equal(t, 2, total)
	assert.Len(t, f.ids(t), 2)
}

func TestEditTruncatesAndRegenerates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, time.Second)
	u1, a1 := f.turn(t, "one")
	u2, _ := f.turn(t, "two")
	f.turn(t, "three")

	res, err := f.engine.Edit(ctx, u2.ID, "alice", "  two, but better  ")
	require.NoError(t, err)
	assert.Equal(t, u2.ID, res.MessageID)
	assert.Equal(t, "two, but better", res.Content)
	assert.Equal(t, 3, res.DeletedMessageCount)
	assert.Equal(t, "re: two, but better", res.NewReply.Content)
	assert.Equal(t, u2.ID, res.NewReply.ReplyTo)
	assert.Equal(t, chat.RoleAssistant, res.NewReply.Role)
	assert.NotZero(t, res.NewReply.ID)
	assert.NotEmpty(t, res.NewReply.Emotion)
	assert.NotEmpty(t, res.NewReply.Suggestions)

	assert.Equal(t, []int64{u1.ID, a1.ID, u2.ID, res.NewReply.ID}, f.ids(t))
	edited, err := f.store.Get(ctx, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, "two, but better", edited.Content)

	require.Len(t, f.responder.last, 3)
	assert.Equal(t, "two, but better", f.responder.last[2].Content)
}

func TestEditLatestMessageDeletesOnlyItsReply(t *testing.T) {
	f := newFixture(t, Config{}, time.Second)
	f.turn(t, "one")
	u2, a2 := f.turn(t, "two")

	res, err := f.engine.Edit(context.Background(), u2.ID, "alice", "two again")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedMessageCount)
	assert.NotContains(t, f.ids(t), a2.ID)
	assert.Len(t, f.ids(t), 4)
}

func TestEditValidatesContent(t *testing.T) {
	f := newFixture(t, Config{MaxContentLength: 10}, time.Second)
	u, _ := f.turn(t, "hi")

	for name, content := range map[string]string{
		"empty":      "",
		"whitespace": " \n\t ",
		"too long":   strings.Repeat("é", 11),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Edit(context.Background(), u.ID, "alice", content)
			assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
		})
	}
	assert.Zero(t, atomic.LoadInt32(&f.responder.calls))

	_, err := f.engine.Edit(context.Background(), u.ID, "alice", strings.Repeat("é", 10))
	assert.NoError(t, err)
}

func TestEditPreconditions(t *testing.T) {
	f := newFixture(t, Config{}, time.Second)
	u, a := f.turn(t, "hi")

	_, err := f.engine.Edit(context.Background(), 999, "alice", "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Edit(context.Background(), a.ID, "alice", "x")
	assert.ErrorIs(t, err, apperr.Forbidden(api.ReasonNonUserMessage, ""))

	_, err = f.engine.Edit(context.Background(), u.ID, "mallory", "x")
	assert.ErrorIs(t, err, apperr.Forbidden(api.ReasonNotOwner, ""))

	assert.Zero(t, atomic.LoadInt32(&f.responder.calls))
}

func TestEditGenerationFailureLeavesHistoryUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, time.Second)
	u1, _ := f.turn(t, "one")
	f.turn(t, "two")
	before := f.ids(t)

	f.responder.err = errors.New("model overloaded")
	_, err := f.engine.Edit(ctx, u1.ID, "alice", "one again")
	assert.ErrorIs(t, err, apperr.ErrGenerationFailed)
	assert.Equal(t, before, f.ids(t))
	unchanged, err := f.store.Get(ctx, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", unchanged.Content)

	f.responder.err = nil
	res, err := f.engine.Edit(ctx, u1.ID, "alice", "one again")
	require.NoError(t, err)
	assert.Equal(t, 3, res.DeletedMessageCount)
}

func TestEditTimeout(t *testing.T) {
	f := newFixture(t, Config{}, 20*time.Millisecond)
	u, _ := f.turn(t, "slow")
	f.responder.block = make(chan struct{})

	_, err := f.engine.Edit(context.Background(), u.ID, "alice", "slow again")
	assert.ErrorIs(t, err, apperr.ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, f.ids(t), 2)
}

func TestEditCoalescesDuplicateSubmissions(t *testing.T) {
	f := newFixture(t, Config{}, 5*time.Second)
	u, _ := f.turn(t, "hi")
	f.responder.block = make(chan struct{})
	f.responder.started = make(chan struct{}, 4)

	var wg sync.WaitGroup
	results := make([]*EditResult, 2)
	errs := make([]error, 2)
	run := func(i int) {
		defer wg.Done()
		results[i], errs[i] = f.engine.Edit(context.Background(), u.ID, "alice", "hello")
	}

	wg.Add(1)
	go run(0)
	<-f.responder.started
	wg.Add(1)
	go run(1)
	time.Sleep(50 * time.Millisecond)
	close(f.responder.block)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.responder.calls))
	assert.Equal(t, results[0].NewReply.ID, results[1].NewReply.ID)
	assert.Len(t, f.ids(t), 2)
}

func TestDeleteWaitsForEditInSameSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, 5*time.Second)
	u1, a1 := f.turn(t, "one")
	u2, a2 := f.turn(t, "two")
	f.responder.block = make(chan struct{})
	f.responder.started = make(chan struct{}, 1)

	editDone := make(chan *EditResult, 1)
	go func() {
		res, err := f.engine.Edit(ctx, u2.ID, "alice", "two, rewritten")
		assert.NoError(t, err)
		editDone <- res
	}()
	<-f.responder.started

	deleteDone := make(chan *DeleteResult, 1)
	go func() {
		res, err := f.engine.Delete(ctx, u2.ID, "alice")
		assert.NoError(t, err)
		deleteDone <- res
	}()

	select {
	case <-deleteDone:
		t.Fatal("delete returned while the edit held the session")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.responder.block)
	edited := <-editDone
	require.NotNil(t, edited)
	deleted := <-deleteDone
	require.NotNil(t, deleted)

	assert.Equal(t, []int64{u2.ID, edited.NewReply.ID}, deleted.DeletedMessageIDs)
	assert.NotContains(t, deleted.DeletedMessageIDs, a2.ID)
	assert.Equal(t, []int64{u1.ID, a1.ID}, f.ids(t))
}
