package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	analysis "github.com/zhouzirui/emochat/backend/internal/analysis/emotion"
	"github.com/zhouzirui/emochat/backend/internal/apperr"
	chatservice "github.com/zhouzirui/emochat/backend/internal/service/chat"
	"github.com/zhouzirui/emochat/backend/internal/service/emotion"
	"github.com/zhouzirui/emochat/backend/internal/service/history"
	"github.com/zhouzirui/emochat/backend/internal/service/reply"
	"github.com/zhouzirui/emochat/backend/internal/service/sessionlock"
	"github.com/zhouzirui/emochat/backend/internal/store/memory"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

type chunkedResponder struct {
	chunks []string
	err    error
}

func (c chunkedResponder) Respond(context.Context, []chat.Message) (string, error) {
	return strings.Join(c.chunks, ""), c.err
}

func (c chunkedResponder) Stream(_ context.Context, _ []chat.Message, onDelta func(string)) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	for _, chunk := range c.chunks {
		onDelta(chunk)
	}
	return strings.Join(c.chunks, ""), nil
}

type happyTagger struct{}

func (happyTagger) Tag(context.Context, []chat.Message, string) emotion.Tag {
	return emotion.Tag{Emotion: analysis.Happy, Intensity: 4, Suggestions: analysis.Suggestions(analysis.Happy)}
}

func newHandler(responder chunkedResponder) *Handler {
	s := memory.New()
	gen := reply.NewGenerator(responder, happyTagger{}, time.Second)
	svc := chatservice.NewService(s, history.NewLoader(s), gen, sessionlock.New(), chatservice.Config{})
	return New(svc)
}

func readEvents(t *testing.T, body string) []StreamResponse {
	t.Helper()
	var events []StreamResponse
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev StreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestHandleStreamRequestEmitsDeltasAndReply(t *testing.T) {
	h := newHandler(chunkedResponder{chunks: []string{"Hel", "lo!"}})
	resp := httptest.NewRecorder()

	if err := h.HandleStreamRequest(context.Background(), resp, "s1", "alice", "hi"); err != nil {
		t.Fatalf("HandleStreamRequest err: %v", err)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := readEvents(t, resp.Body.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	if got := strings.Join(names, ","); got != "start,delta,delta,message,emotion,end" {
		t.Fatalf("unexpected event order %s", got)
	}

	msg := events[3]
	if msg.Content != "Hello!" || msg.Reply == nil || msg.Reply.ReplyTo != msg.MessageID {
		t.Fatalf("unexpected message event %+v", msg)
	}
	if events[4].Emotion != "happy" || len(events[4].Suggestions) == 0 {
		t.Fatalf("unexpected emotion event %+v", events[4])
	}
}

func TestHandleStreamRequestReportsFailure(t *testing.T) {
	h := newHandler(chunkedResponder{err: errors.New("upstream closed")})
	resp := httptest.NewRecorder()

	err := h.HandleStreamRequest(context.Background(), resp, "s1", "alice", "hi")
	if !errors.Is(err, apperr.ErrGenerationFailed) {
		t.Fatalf("expected generation failure, got %v", err)
	}

	events := readEvents(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Event != "error" || last.Code != "GENERATION_FAILED" || last.MessageID == 0 {
		t.Fatalf("unexpected error event %+v", last)
	}
}

type plainWriter struct{ http.ResponseWriter }

func TestHandleStreamRequestNeedsFlusher(t *testing.T) {
	h := newHandler(chunkedResponder{chunks: []string{"x"}})
	err := h.HandleStreamRequest(context.Background(), plainWriter{httptest.NewRecorder()}, "s1", "alice", "hi")
	if !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("expected ErrStreamingUnsupported, got %v", err)
	}
}
