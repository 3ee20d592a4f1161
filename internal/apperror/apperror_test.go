package apperror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(t *testing.T, err error) (int, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	Respond(c, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestKindsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, Validation("INVALID_STATE", "bad"), ErrValidation)
	assert.ErrorIs(t, NotFound("JOB_NOT_FOUND", "missing"), ErrNotFound)
	assert.ErrorIs(t, Conflict("JOB_IN_FLIGHT", "busy", 7), ErrConflict)
	assert.NotErrorIs(t, Validation("INVALID_STATE", "bad"), ErrNotFound)

	wrapped := errors.Wrap(NotFound("JOB_NOT_FOUND", "missing"), "load job")
	assert.ErrorIs(t, wrapped, ErrNotFound)
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient(nil))

	err := errors.Wrap(Transient(errors.New("connection reset")), "download state")
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(errors.New("captcha rejected")))
}

func TestRespondStatusCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{Validationf("INVALID_POLYGON", "unknown polygon %q", "X"), http.StatusBadRequest, "INVALID_POLYGON"},
		{NotFound("JOB_NOT_FOUND", "missing"), http.StatusNotFound, "JOB_NOT_FOUND"},
		{Conflict("JOB_IN_FLIGHT", "busy", 0), http.StatusConflict, "JOB_IN_FLIGHT"},
		{&Error{Kind: ErrUnauthorized, Code: "API_KEY_REQUIRED", Message: "key"}, http.StatusUnauthorized, "API_KEY_REQUIRED"},
		{Transient(errors.New("timeout")), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{errors.Wrap(context.Canceled, "search"), http.StatusRequestTimeout, "REQUEST_CANCELED"},
		{errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		status, body := respond(t, tc.err)
		assert.Equal(t, tc.status, status, tc.code)
		assert.Equal(t, tc.code, body["code"])
		assert.NotContains(t, body, "job_id")
	}
}

func TestRespondConflictCarriesJobID(t *testing.T) {
	status, body := respond(t, errors.Wrap(Conflict("JOB_IN_FLIGHT", "busy", 42), "submit"))
	assert.Equal(t, http.StatusConflict, status)
	assert.EqualValues(t, 42, body["job_id"])
}
