package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNew_TagsProcess(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, "production", "worker")
	l.Debug("hidden")
	l.Info("visible")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if line["process"] != "worker" || line["msg"] != "visible" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestWithAttrs_ExtendsContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := With(context.Background(), newWithWriter(&buf, "local", ""))
	ctx = WithAttrs(ctx, "reconciliation_id", "r1")
	From(ctx).Info("job")

	if !bytes.Contains(buf.Bytes(), []byte(`"reconciliation_id":"r1"`)) {
		t.Fatalf("expected attr in %q", buf.String())
	}
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(newWithWriter(&buf, "local", "api")))
	r.GET("/x", func(c *gin.Context) {
		From(c.Request.Context()).Info("inside")
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "req-1")
	r.ServeHTTP(w, req)

	if w.Header().Get("X-Request-Id") != "req-1" {
		t.Fatalf("expected request id echoed")
	}
	if bytes.Count(buf.Bytes(), []byte(`"request_id":"req-1"`)) != 2 {
		t.Fatalf("expected handler and summary lines to carry request id: %q", buf.String())
	}
}
