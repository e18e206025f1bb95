package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/observability"
)

type fakePurger struct {
	before time.Time
	limit  int
	calls  int
	result int
	err    error
}

func (f *fakePurger) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	f.calls++
	f.before = before
	f.limit = limit
	return f.result, f.err
}

func newCleanup(purger Purger, secret string) *CleanupHandler {
	h := NewCleanupHandler(purger, observability.NewLoggerTo(io.Discard), secret, 24*time.Hour, 50)
	h.now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }
	return h
}

func TestCleanupHandler_Authorization(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
	}{
		{name: "disabled without secret", secret: "", header: "Bearer anything", wantStatus: http.StatusNotFound},
		{name: "missing header", secret: "cron", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", secret: "cron", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", secret: "cron", header: "Basic cron", wantStatus: http.StatusUnauthorized},
		{name: "ok", secret: "cron", header: "Bearer cron", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			purger := &fakePurger{}
			req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			newCleanup(purger, tt.secret).Handle(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Zero(t, purger.calls)
			}
		})
	}
}

func TestCleanupHandler_PurgesWithCutoff(t *testing.T) {
	purger := &fakePurger{result: 3}
	req := httptest.NewRequest(http.MethodGet, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron")
	rec := httptest.NewRecorder()

	newCleanup(purger, "cron").Handle(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, purger.calls)
	assert.Equal(t, 50, purger.limit)
	assert.True(t, purger.before.Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)))

	var body struct {
		Status string        `json:"status"`
		Result cleanupResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 3, body.Result.DeletedSessions)
}

func TestCleanupHandler_StoreFailure(t *testing.T) {
	purger := &fakePurger{err: errors.New("redis down")}
	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron")
	rec := httptest.NewRecorder()

	newCleanup(purger, "cron").Handle(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
