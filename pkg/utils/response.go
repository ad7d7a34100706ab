package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	"github.com/zhouzirui/emochat/backend/pkg/api"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

// RespondError 发送参数错误等简单错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	code := api.CodeInvalidArgument
	switch status {
	case http.StatusNotFound:
		code = api.CodeNotFound
	case http.StatusTooManyRequests:
		code = api.CodeRateLimited
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		code = api.CodeInternal
	}
	RespondJSON(w, status, api.ErrorResponse{Error: message, Code: code})
}

// RespondAppError 按错误分类写出状态码与错误体
func RespondAppError(w http.ResponseWriter, err error) {
	RespondErrorBody(w, err, apperr.Response(err))
}

// RespondErrorBody writes body with the status derived from err. Callers use
// it to attach extra fields such as the persisted message id.
func RespondErrorBody(w http.ResponseWriter, err error, body api.ErrorResponse) {
	code := apperr.CodeOf(err)
	if code == api.CodeInternal {
		slog.Error("request failed", "err", err)
	}
	RespondJSON(w, apperr.HTTPStatus(code), body)
}
