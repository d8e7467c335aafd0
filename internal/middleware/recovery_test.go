package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/audit/audittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRecovery_Middleware(t *testing.T) {
	rec := audittest.New()
	rm := NewRecovery(zaptest.NewLogger(t), rec)

	h := rm.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "internal server error", body["error"])

	assert.Equal(t, uint64(1), rm.Panics())
	entries := rec.Events("handler_panic")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityAlert, entries[0].Severity)
	assert.Equal(t, "boom", entries[0].Data["panic"])
}

func TestRecovery_PassThrough(t *testing.T) {
	rm := NewRecovery(zaptest.NewLogger(t), nil)
	h := rm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Zero(t, rm.Panics())
}

func TestRecovery_AbortHandler(t *testing.T) {
	rm := NewRecovery(zaptest.NewLogger(t), nil)
	h := rm.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRecovery_Go(t *testing.T) {
	rec := audittest.New()
	rm := NewRecovery(zaptest.NewLogger(t), rec)

	done := make(chan struct{})
	rm.Go("sweeper", func() {
		defer close(done)
		panic("sweep failed")
	})
	<-done

	assert.Eventually(t, func() bool {
		return len(rec.Events("goroutine_panic")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), rm.Panics())
}
