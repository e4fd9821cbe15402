package log

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelDebug, Output: &buf, Component: ComponentSync})
	l.Info("hello", FieldUserID, "u1")
	out := buf.String()
	assert.Contains(t, out, "component=sync")
	assert.Contains(t, out, "user_id=u1")

	buf.Reset()
	l.WithComponent(ComponentMirror).Warn("oops")
	assert.Contains(t, buf.String(), "component=mirror")
}

func TestFieldsBuilder(t *testing.T) {
	f := NewFields().WithUser("u").WithState(3, 1200).WithOperation(OpSave).WithError(nil)
	assert.Equal(t, "u", f[FieldUserID])
	assert.Equal(t, 3, f[FieldExpenseCount])
	_, hasErr := f[FieldError]
	assert.False(t, hasErr)
	assert.Len(t, f.ToSlice(), 8)
}

func TestMiddlewareSetsRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Format: "json"})

	var seen string
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		FromContext(r.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), `"status_code":418`)
	assert.Contains(t, buf.String(), `"msg":"inside"`)
}

func TestFromContextFallback(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	assert.Equal(t, "unknown", l.Component())
}
