package settings

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/database/dbtest"
)

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.New(t))
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return created }

	desc := "display timezone"
	item, err := store.Put(ctx, "timezone", "America/Sao_Paulo", &desc)
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", item.Value)

	updated := created.Add(time.Hour)
	store.now = func() time.Time { return updated }
	item, err = store.Put(ctx, "timezone", "UTC", nil)
	require.NoError(t, err)
	assert.Equal(t, "UTC", item.Value)
	require.NotNil(t, item.Description)
	assert.Equal(t, desc, *item.Description)
	assert.Equal(t, created, item.CreatedAt)
	assert.Equal(t, updated, item.UpdatedAt)

	items, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGetMissingAndInvalidKey(t *testing.T) {
	store := NewStore(dbtest.New(t))

	_, err := store.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	_, err = store.Put(context.Background(), "bad key!", "x", nil)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestPutPropagatesDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("INSERT INTO app_settings").WillReturnError(errors.New("database is locked"))

	_, err = NewStore(db).Put(context.Background(), "theme", "dark", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save setting theme")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewStore(dbtest.New(t))
	r := gin.New()
	r.GET("/settings", ListHandler(store))
	r.GET("/settings/:key", GetHandler(store))
	r.PUT("/settings/:key", PutHandler(store))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/settings/theme", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/settings/theme", `{}`).Code)

	w := do(http.MethodPut, "/settings/theme", `{"value":"dark"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"value":"dark"`)

	w = do(http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"key":"theme"`)
}
