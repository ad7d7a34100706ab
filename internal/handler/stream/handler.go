package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	chatService "github.com/zhouzirui/emochat/backend/internal/service/chat"
	"github.com/zhouzirui/emochat/backend/pkg/api"
	"github.com/zhouzirui/emochat/backend/pkg/utils"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// Handler streams a send turn to the browser via Server-Sent Events.
type Handler struct {
	chatSvc *chatService.Service
	logger  *slog.Logger
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc, logger: slog.With("component", "stream")}
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event       string     `json:"event"`
	Content     string     `json:"content,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	MessageID   int64      `json:"messageId,omitempty"`
	Reply       *api.Reply `json:"reply,omitempty"`
	Emotion     string     `json:"emotion,omitempty"`
	Intensity   float32    `json:"intensity,omitempty"`
	Suggestions []string   `json:"suggestions,omitempty"`
	Finished    bool       `json:"finished,omitempty"`
	Error       string     `json:"error,omitempty"`
	Code        api.Code   `json:"code,omitempty"`
	Reason      api.Reason `json:"reason,omitempty"`
}

// HandleStreamRequest stores userMessage in the session and streams the reply.
// Failures after the stream has started are reported as an error event.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID, userID, userMessage string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	utils.SetupSSEHeaders(w)
	send := func(resp StreamResponse) {
		utils.SendSSEEvent(w, flusher, resp.Event, resp)
	}

	send(StreamResponse{Event: "start", SessionID: sessionID})

	result, err := h.chatSvc.Send(ctx, chatService.SendRequest{
		SessionID: sessionID,
		UserID:    userID,
		Content:   userMessage,
	}, func(delta string) {
		send(StreamResponse{Event: "delta", SessionID: sessionID, Content: delta})
	})
	if err != nil {
		body := apperr.Response(err)
		resp := StreamResponse{Event: "error", SessionID: sessionID, Error: body.Error, Code: body.Code, Reason: body.Reason}
		if result != nil {
			resp.MessageID = result.UserMessage.ID
		}
		send(resp)
		return err
	}

	reply := result.Reply
	send(StreamResponse{
		Event:     "message",
		SessionID: result.SessionID,
		MessageID: result.UserMessage.ID,
		Content:   reply.Content,
		Reply:     &reply,
	})
	if reply.Emotion != "" {
		send(StreamResponse{
			Event:       "emotion",
			SessionID:   result.SessionID,
			Emotion:     reply.Emotion,
			Intensity:   reply.EmotionIntensity,
			Suggestions: reply.Suggestions,
		})
	}
	send(StreamResponse{Event: "end", SessionID: result.SessionID, Finished: true})

	h.logger.Debug("stream completed", "session", result.SessionID, "reply", reply.ID)
	return nil
}
