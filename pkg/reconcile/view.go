// Package reconcile keeps a client-side conversation view consistent with
// the server through optimistic sends, deletes and edits.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zhouzirui/emochat/backend/pkg/api"
	"github.com/zhouzirui/emochat/backend/pkg/client"
)

var (
	// ErrProvisionalID is returned for a mutation on a message the server
	// has not acknowledged yet.
	ErrProvisionalID = errors.New("reconcile: message has no server id yet")
	// ErrMutationInFlight is returned while another request for the same
	// message is pending.
	ErrMutationInFlight = errors.New("reconcile: a request for this message is already in flight")
	// ErrUnknownMessage is returned for an id that is not in the view.
	ErrUnknownMessage = errors.New("reconcile: message not in view")
)

// Backend is the subset of the API a View needs. *client.Client implements it.
type Backend interface {
	Send(ctx context.Context, req api.SendRequest) (*api.SendResponse, error)
	DeleteMessage(ctx context.Context, messageID int64, userID string) (*api.DeleteMessageResponse, error)
	EditMessage(ctx context.Context, messageID int64, userID, newContent string) (*api.EditMessageResponse, error)
	History(ctx context.Context, sessionID string, limit int) (*api.HistoryResponse, error)
}

// Entry is one message as shown to the user.
type Entry struct {
	ID               ID
	Role             api.Role
	Content          string
	Emotion          string
	EmotionIntensity float32
	Suggestions      []string
	CreatedAt        time.Time
	// Pending is set while a provisional message awaits acknowledgment.
	Pending bool
}

// Error wraps a failed request. The view is unchanged when Retryable is set,
// so the same call can simply be repeated.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string { return fmt.Sprintf("reconcile %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// View is the local state of one conversation. Each View carries its own
// session id; an empty id means the next Send starts a new session.
type View struct {
	backend Backend
	userID  string

	mu        sync.Mutex
	sessionID string
	entries   []Entry
	inFlight  map[string]struct{}
}

// NewView returns a view for userID. sessionID may be empty.
func NewView(backend Backend, userID, sessionID string) *View {
	return &View{
		backend:   backend,
		userID:    userID,
		sessionID: sessionID,
		inFlight:  make(map[string]struct{}),
	}
}

// SessionID returns the session the view is bound to, or "".
func (v *View) SessionID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sessionID
}

// Entries returns a copy of the current messages.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, len(v.entries))
	for i, e := range v.entries {
		e.Suggestions = append([]string(nil), e.Suggestions...)
		out[i] = e
	}
	return out
}

const sendKey = "send"

// Send shows content immediately under a provisional id, then swaps in the
// server id and appends the reply. If the server stored the message but
// failed to answer, the message stays with its server id and the error is
// returned. Any other failure removes the provisional message again.
func (v *View) Send(ctx context.Context, content string) (*Entry, error) {
	v.mu.Lock()
	if !v.acquireLocked(sendKey) {
		v.mu.Unlock()
		return nil, ErrMutationInFlight
	}
	temp := NewProvisional()
	sessionID := v.sessionID
	v.entries = append(v.entries, Entry{ID: temp, Role: api.RoleUser, Content: content, CreatedAt: time.Now(), Pending: true})
	v.mu.Unlock()

	resp, err := v.backend.Send(ctx, api.SendRequest{SessionID: sessionID, UserID: v.userID, Message: content})

	v.mu.Lock()
	defer v.mu.Unlock()
	defer v.releaseLocked(sendKey)

	if err != nil {
		var apiErr *client.Error
		if errors.As(err, &apiErr) && apiErr.Body.MessageID != 0 {
			v.adoptSessionLocked(apiErr.Body.SessionID)
			v.acknowledgeLocked(temp, apiErr.Body.MessageID)
		} else {
			v.removeLocked(temp)
		}
		return nil, wrap("send", err)
	}

	v.adoptSessionLocked(resp.SessionID)
	v.acknowledgeLocked(temp, resp.MessageID)
	reply := entryFrom(resp.Reply.Message, resp.Reply.Suggestions)
	v.entries = append(v.entries, reply)
	return &reply, nil
}

// Delete withdraws a message and removes exactly the ids the server reports.
// When the view ends up empty its session id is cleared.
func (v *View) Delete(ctx context.Context, id ID) ([]int64, error) {
	serverID, err := v.begin(id)
	if err != nil {
		return nil, err
	}
	defer v.end(id)

	resp, err := v.backend.DeleteMessage(ctx, serverID, v.userID)
	if err != nil {
		return nil, wrap("delete", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	gone := make(map[int64]struct{}, len(resp.DeletedMessageIDs))
	for _, d := range resp.DeletedMessageIDs {
		gone[d] = struct{}{}
	}
	kept := v.entries[:0]
	for _, e := range v.entries {
		if sid, ok := e.ID.ServerID(); ok {
			if _, drop := gone[sid]; drop {
				continue
			}
		}
		kept = append(kept, e)
	}
	v.entries = kept
	v.clearIfEmptyLocked()
	return resp.DeletedMessageIDs, nil
}

// Edit rewrites a message. The local suffix after it is replaced by the
// updated message and the new reply; if the server truncated a different
// number of messages than the view holds, the view is reloaded instead.
func (v *View) Edit(ctx context.Context, id ID, newContent string) (*Entry, error) {
	serverID, err := v.begin(id)
	if err != nil {
		return nil, err
	}
	defer v.end(id)

	resp, err := v.backend.EditMessage(ctx, serverID, v.userID, newContent)
	if err != nil {
		return nil, wrap("edit", err)
	}
	reply := entryFrom(resp.NewReply.Message, resp.NewReply.Suggestions)

	v.mu.Lock()
	idx := v.indexLocked(id)
	if idx >= 0 && len(v.entries)-idx-1 == resp.DeletedMessageCount {
		edited := v.entries[idx]
		edited.Content = resp.Content
		v.entries = append(v.entries[:idx], edited, reply)
		v.mu.Unlock()
		return &reply, nil
	}
	v.mu.Unlock()

	if err := v.Reload(ctx); err != nil {
		return &reply, err
	}
	return &reply, nil
}

// Reload replaces the view with the server's history. Provisional messages
// still awaiting acknowledgment are kept at the end.
func (v *View) Reload(ctx context.Context) error {
	sessionID := v.SessionID()
	if sessionID == "" {
		v.mu.Lock()
		v.entries = v.pendingLocked()
		v.mu.Unlock()
		return nil
	}

	resp, err := v.backend.History(ctx, sessionID, 0)
	if err != nil {
		return wrap("reload", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sessionID != sessionID {
		return nil
	}
	fresh := make([]Entry, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		fresh = append(fresh, entryFrom(m, nil))
	}
	v.entries = append(fresh, v.pendingLocked()...)
	v.clearIfEmptyLocked()
	return nil
}

func (v *View) begin(id ID) (int64, error) {
	serverID, ok := id.ServerID()
	if !ok {
		return 0, ErrProvisionalID
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.indexLocked(id) < 0 {
		return 0, ErrUnknownMessage
	}
	if !v.acquireLocked(id.String()) {
		return 0, ErrMutationInFlight
	}
	return serverID, nil
}

func (v *View) end(id ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.releaseLocked(id.String())
}

func (v *View) acquireLocked(key string) bool {
	if _, busy := v.inFlight[key]; busy {
		return false
	}
	v.inFlight[key] = struct{}{}
	return true
}

func (v *View) releaseLocked(key string) {
	delete(v.inFlight, key)
}

func (v *View) indexLocked(id ID) int {
	for i, e := range v.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (v *View) acknowledgeLocked(temp ID, serverID int64) {
	if i := v.indexLocked(temp); i >= 0 {
		v.entries[i].ID = Persisted(serverID)
		v.entries[i].Pending = false
	}
}

func (v *View) removeLocked(id ID) {
	if i := v.indexLocked(id); i >= 0 {
		v.entries = append(v.entries[:i], v.entries[i+1:]...)
	}
}

func (v *View) adoptSessionLocked(sessionID string) {
	if sessionID != "" {
		v.sessionID = sessionID
	}
}

func (v *View) clearIfEmptyLocked() {
	if len(v.entries) == 0 {
		v.sessionID = ""
	}
}

func (v *View) pendingLocked() []Entry {
	var out []Entry
	for _, e := range v.entries {
		if e.Pending {
			out = append(out, e)
		}
	}
	return out
}

func entryFrom(m api.Message, suggestions []string) Entry {
	return Entry{
		ID:               Persisted(m.ID),
		Role:             m.Role,
		Content:          m.Content,
		Emotion:          m.Emotion,
		EmotionIntensity: m.EmotionIntensity,
		Suggestions:      append([]string(nil), suggestions...),
		CreatedAt:        m.CreatedAt,
	}
}

func wrap(op string, err error) error {
	return &Error{Op: op, Retryable: client.IsRetryable(err), Err: err}
}
