package releases

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-hub/sicar-api/internal/database/dbtest"
	"github.com/cheri-hub/sicar-api/internal/sicar/sicartest"
)

func TestRefreshUpdatesOnlyChangedDates(t *testing.T) {
	ctx := context.Background()
	dates := map[string]string{"SP": "01/02/2026", "MG": "03/02/2026"}
	fake := &sicartest.Fake{
		ReleaseDatesFunc: func(context.Context) (map[string]string, error) { return dates, nil },
	}
	svc := NewService(dbtest.New(t), fake, nil)
	first := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return first }

	n, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	second := first.Add(24 * time.Hour)
	svc.now = func() time.Time { return second }
	dates = map[string]string{"SP": "09/02/2026", "MG": "03/02/2026"}
	_, err = svc.Refresh(ctx)
	require.NoError(t, err)

	releases, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, releases, 2)

	assert.Equal(t, "MG", releases[0].State)
	assert.Equal(t, first, releases[0].UpdatedAt)
	assert.Equal(t, second, releases[0].LastChecked)

	assert.Equal(t, "SP", releases[1].State)
	assert.Equal(t, "09/02/2026", releases[1].ReleaseDate)
	assert.Equal(t, second, releases[1].UpdatedAt)
}

func TestRefreshPropagatesClientError(t *testing.T) {
	fake := &sicartest.Fake{
		ReleaseDatesFunc: func(context.Context) (map[string]string, error) {
			return nil, sicartest.TransientError("SICAR unavailable")
		},
	}
	svc := NewService(dbtest.New(t), fake, nil)

	_, err := svc.Refresh(context.Background())
	require.Error(t, err)

	releases, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, releases)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(dbtest.New(t), &sicartest.Fake{}, nil)
	r := gin.New()
	r.GET("/releases", ListHandler(svc))
	r.POST("/releases/update", UpdateHandler(svc))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/releases/update", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/releases", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Total    int       `json:"total"`
		Releases []Release `json:"releases"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "SP", body.Releases[0].State)
}
