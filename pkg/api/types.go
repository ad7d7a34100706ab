// Package api holds the JSON wire contracts shared by the HTTP handlers and
// the Go client.
package api

import "github.com/zhouzirui/emochat/backend/pkg/model/chat"

type (
	Message        = chat.Message
	Reply          = chat.Reply
	SessionSummary = chat.SessionSummary
	Role           = chat.Role
)

const (
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant
)

// Code classifies a failed request.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeGenerationFailed Code = "GENERATION_FAILED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInternal         Code = "INTERNAL"
)

// Reason distinguishes the causes of a FORBIDDEN error.
type Reason string

const (
	ReasonNotOwner       Reason = "not_owner"
	ReasonNonUserMessage Reason = "non_user_message"
	ReasonNotLatest      Reason = "not_latest"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   Code   `json:"code"`
	Reason Reason `json:"reason,omitempty"`
	// Set when a send persisted the user message but reply generation failed.
	SessionID string `json:"sessionId,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
}

type SendRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
}

type SendResponse struct {
	SessionID string `json:"sessionId"`
	MessageID int64  `json:"messageId"`
	Reply     Reply  `json:"reply"`
}

type DeleteMessageResponse struct {
	DeletedMessageIDs []int64 `json:"deletedMessageIds"`
}

type EditMessageRequest struct {
	UserID     string `json:"userId"`
	NewContent string `json:"newContent"`
}

type EditMessageResponse struct {
	MessageID           int64  `json:"messageId"`
	Content             string `json:"content"`
	DeletedMessageCount int    `json:"deletedMessageCount"`
	NewReply            Reply  `json:"newReply"`
}

type HistoryResponse struct {
	SessionID string    `json:"sessionId"`
	Messages  []Message `json:"messages"`
}

type SessionsResponse struct {
	UserID   string           `json:"userId"`
	Sessions []SessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

type DeleteSessionResponse struct {
	SessionID         string  `json:"sessionId"`
	DeletedMessageIDs []int64 `json:"deletedMessageIds"`
}

type BatchDeleteRequest struct {
	UserID     string   `json:"userId"`
	SessionIDs []string `json:"sessionIds"`
}

type BatchDeleteResponse struct {
	SuccessCount   int      `json:"successCount"`
	FailedCount    int      `json:"failedCount"`
	FailedSessions []string `json:"failedSessions"`
	Total          int      `json:"total"`
}
