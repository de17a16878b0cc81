package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/vova616/xxhash"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLoggerRender(t *testing.T) {
	url := "/v1/models/fraud:predict?verbose=true"
	line := newRequestLogger().
		requestID("host/abc-000001").
		requestType("POST").
		request(url).
		params(url).
		status(200).
		size(42).
		duration(1500 * time.Microsecond).
		render().String()
	hash := xxhash.Checksum32([]byte("verbose=true"))
	assert.Equal(t, fmt.Sprintf("[host/abc-000001] POST /v1/models/fraud:predict?%#x 200 42B in 1.50ms", hash), line)

	line = newRequestLogger().requestType("GET").request("/").params("/").status(404).render().String()
	assert.Equal(t, "GET / 404", line)
}

func TestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := middleware.RequestID(Logger(zap.New(core).Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.AllUntimed()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
		assert.Contains(t, entries[0].Message, "GET /metrics 200 2B")
		assert.Contains(t, entries[0].Message, "] GET /metrics")
		assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
		assert.Contains(t, entries[1].Message, "/fail 500")
	}
}
