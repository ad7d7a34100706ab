package chat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	chatService "github.com/zhouzirui/emochat/backend/internal/service/chat"
	"github.com/zhouzirui/emochat/backend/internal/service/mutation"
	"github.com/zhouzirui/emochat/backend/pkg/api"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
	"github.com/zhouzirui/emochat/backend/pkg/utils"
)

// Handler 聊天与历史记录的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	engine  *mutation.Engine
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, engine *mutation.Engine) *Handler {
	return &Handler{chatSvc: chatSvc, engine: engine}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleSend)

	r.Delete("/messages/{messageID}", h.handleDeleteMessage)
	r.Put("/messages/{messageID}", h.handleEditMessage)

	r.Post("/sessions/batch-delete", h.handleBatchDelete)
	r.Get("/sessions/{sessionID}/history", h.handleHistory)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)

	r.Get("/users/{userID}/sessions", h.handleListSessions)
	r.Get("/users/{userID}/sessions/search", h.handleSearchSessions)
}

// handleSend 发送一条用户消息并返回助手回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload api.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.chatSvc.Send(r.Context(), chatService.SendRequest{
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		Content:   payload.Message,
	}, nil)
	if err != nil {
		body := apperr.Response(err)
		if result != nil {
			body.SessionID = result.SessionID
			body.MessageID = result.UserMessage.ID
		}
		utils.RespondErrorBody(w, err, body)
		return
	}

	utils.RespondJSON(w, http.StatusOK, api.SendResponse{
		SessionID: result.SessionID,
		MessageID: result.UserMessage.ID,
		Reply:     result.Reply,
	})
}

// handleDeleteMessage 撤回最新一条用户消息及其回复
func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID, ok := messageIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Delete(r.Context(), messageID, r.URL.Query().Get("userId"))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, api.DeleteMessageResponse{DeletedMessageIDs: result.DeletedMessageIDs})
}

// handleEditMessage 编辑用户消息并重新生成回复
func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	messageID, ok := messageIDParam(w, r)
	if !ok {
		return
	}
	var payload api.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.Edit(r.Context(), messageID, payload.UserID, payload.NewContent)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, api.EditMessageResponse{
		MessageID:           result.MessageID,
		Content:             result.Content,
		DeletedMessageCount: result.DeletedMessageCount,
		NewReply:            result.NewReply,
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}

	messages, err := h.chatSvc.History(r.Context(), sessionID, limit)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, api.HistoryResponse{SessionID: sessionID, Messages: messages})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	sessions, err := h.chatSvc.ListUserSessions(r.Context(), userID, limit)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	respondSessions(w, userID, sessions)
}

func (h *Handler) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	sessions, err := h.chatSvc.SearchUserSessions(r.Context(), userID, r.URL.Query().Get("keyword"), limit)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	respondSessions(w, userID, sessions)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ids, err := h.chatSvc.DeleteSession(r.Context(), sessionID, r.URL.Query().Get("userId"))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, api.DeleteSessionResponse{SessionID: sessionID, DeletedMessageIDs: ids})
}

// handleBatchDelete 批量删除会话，单个失败不影响其余会话
func (h *Handler) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var payload api.BatchDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		utils.RespondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if len(payload.SessionIDs) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "sessionIds is required")
		return
	}

	result := h.chatSvc.DeleteSessions(r.Context(), payload.UserID, payload.SessionIDs)
	utils.RespondJSON(w, http.StatusOK, api.BatchDeleteResponse{
		SuccessCount:   result.SuccessCount,
		FailedCount:    result.FailedCount,
		FailedSessions: result.FailedSessions,
		Total:          result.Total,
	})
}

func respondSessions(w http.ResponseWriter, userID string, sessions []*chat.SessionSummary) {
	out := make([]api.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *s)
	}
	utils.RespondJSON(w, http.StatusOK, api.SessionsResponse{UserID: userID, Sessions: out, Total: len(out)})
}

func messageIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil || id <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "messageId must be a positive integer")
		return 0, false
	}
	return id, true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		utils.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
