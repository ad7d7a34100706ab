// Package live exposes history reads and mutations over a WebSocket bound to
// one session.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	chatservice "github.com/zhouzirui/emochat/backend/internal/service/chat"
	"github.com/zhouzirui/emochat/backend/internal/service/mutation"
	"github.com/zhouzirui/emochat/backend/pkg/api"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket会话处理器
type Handler struct {
	chatSvc     *chatservice.Service
	engine      *mutation.Engine
	upgrader    websocket.Upgrader
	readTimeout time.Duration
	logger      *slog.Logger
}

// New 创建WebSocket处理器
func New(chatSvc *chatservice.Service, engine *mutation.Engine) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		engine:  engine,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		readTimeout: readTimeout,
		logger:      slog.With("component", "live"),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

// Frame is one client request. Data holds the operation's JSON body.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DeleteData is the body of a "delete" frame.
type DeleteData struct {
	MessageID int64 `json:"messageId"`
}

// EditData is the body of an "edit" frame.
type EditData struct {
	MessageID  int64  `json:"messageId"`
	NewContent string `json:"newContent"`
}

// SendData is the body of a "send" frame.
type SendData struct {
	Message string `json:"message"`
}

// HistoryData is the body of a "history" frame.
type HistoryData struct {
	Limit int `json:"limit,omitempty"`
}

// Result answers one Frame. Exactly one of Data and Error is set; the type
// is "error" in the latter case.
type Result struct {
	Type      string             `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	SessionID string             `json:"sessionId"`
	Data      any                `json:"data,omitempty"`
	Error     *api.ErrorResponse `json:"error,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// conn serializes writes; gorilla connections allow one concurrent writer.
type conn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &conn{Conn: ws}
	defer c.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = c.SetReadDeadline(time.Now().Add(h.readTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(h.readTimeout))
	})
	go h.pingLoop(ctx, c)

	h.logger.Debug("websocket connected", "session", sessionID)
	for {
		var frame Frame
		if err := c.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "session", sessionID, "err", err)
			}
			return
		}

		res := h.dispatch(ctx, sessionID, &frame)
		res.RequestID = frame.RequestID
		res.SessionID = sessionID
		res.Timestamp = time.Now().Unix()
		if err := c.write(res); err != nil {
			h.logger.Warn("websocket write failed", "session", sessionID, "err", err)
			return
		}
		// pong 只在读取时处理，生成耗时可能超过读超时
		_ = c.SetReadDeadline(time.Now().Add(h.readTimeout))
	}
}

func (h *Handler) dispatch(ctx context.Context, sessionID string, frame *Frame) Result {
	var (
		data any
		err  error
		sent *chatservice.SendResult
	)
	switch frame.Type {
	case "history":
		var req HistoryData
		if err = decodeData(frame.Data, &req); err == nil {
			data, err = h.history(ctx, sessionID, req.Limit)
		}
	case "delete":
		var req DeleteData
		if err = decodeData(frame.Data, &req); err == nil {
			var res *mutation.DeleteResult
			if res, err = h.engine.Delete(ctx, req.MessageID, frame.UserID); err == nil {
				data = api.DeleteMessageResponse{DeletedMessageIDs: res.DeletedMessageIDs}
			}
		}
	case "edit":
		var req EditData
		if err = decodeData(frame.Data, &req); err == nil {
			var res *mutation.EditResult
			if res, err = h.engine.Edit(ctx, req.MessageID, frame.UserID, req.NewContent); err == nil {
				data = api.EditMessageResponse{
					MessageID:           res.MessageID,
					Content:             res.Content,
					DeletedMessageCount: res.DeletedMessageCount,
					NewReply:            res.NewReply,
				}
			}
		}
	case "send":
		var req SendData
		if err = decodeData(frame.Data, &req); err == nil {
			sent, err = h.chatSvc.Send(ctx, chatservice.SendRequest{SessionID: sessionID, UserID: frame.UserID, Content: req.Message}, nil)
			if err == nil {
				data = api.SendResponse{SessionID: sent.SessionID, MessageID: sent.UserMessage.ID, Reply: sent.Reply}
			}
		}
	default:
		err = apperr.InvalidArgument("unsupported frame type %q", frame.Type)
	}

	if err != nil {
		body := apperr.Response(err)
		if sent != nil {
			body.SessionID = sent.SessionID
			body.MessageID = sent.UserMessage.ID
		}
		return Result{Type: "error", Error: &body}
	}
	return Result{Type: frame.Type, Data: data}
}

func (h *Handler) history(ctx context.Context, sessionID string, limit int) (api.HistoryResponse, error) {
	messages, err := h.chatSvc.History(ctx, sessionID, limit)
	if err != nil {
		return api.HistoryResponse{}, err
	}
	if messages == nil {
		messages = []api.Message{}
	}
	return api.HistoryResponse{SessionID: sessionID, Messages: messages}, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.InvalidArgument("invalid frame data: %v", err)
	}
	return nil
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
