package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/emochat/backend/pkg/api"
)

func TestErrorsIsMatchesCodeAndReason(t *testing.T) {
	err := fmt.Errorf("delete: %w", Forbidden(api.ReasonNotLatest, "only the latest message can be withdrawn"))

	assert.True(t, errors.Is(err, ErrForbidden))
	assert.True(t, errors.Is(err, Forbidden(api.ReasonNotLatest, "")))
	assert.False(t, errors.Is(err, Forbidden(api.ReasonNotOwner, "")))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, api.CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, api.CodeGenerationFailed, CodeOf(GenerationFailed(errors.New("timeout"))))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(api.CodeNotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(api.CodeForbidden))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(api.CodeInvalidArgument))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(api.CodeGenerationFailed))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(api.CodeRateLimited))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(api.CodeInternal))
}

func TestResponseHidesInternalCause(t *testing.T) {
	resp := Response(Internal("load history", errors.New("dial tcp: refused")))
	assert.Equal(t, api.CodeInternal, resp.Code)
	assert.Equal(t, "internal error", resp.Error)

	resp = Response(Forbidden(api.ReasonNotOwner, "not your message"))
	assert.Equal(t, api.ReasonNotOwner, resp.Reason)
	assert.Equal(t, "not your message", resp.Error)
}

func TestInternalNilCause(t *testing.T) {
	assert.NoError(t, Internal("noop", nil))
}
