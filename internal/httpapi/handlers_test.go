package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"recording-reconciler/internal/audit"
	"recording-reconciler/internal/auth"
	"recording-reconciler/internal/config"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/rbac"
	"recording-reconciler/internal/reconciliation"

	"github.com/gin-gonic/gin"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type env struct {
	h      Handlers
	store  *reconciliation.MemoryStore
	audit  *audit.MemoryRepo
	queue  *queue.MemoryQueue
	engine *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	e := &env{
		store: reconciliation.NewMemoryStore(),
		audit: audit.NewMemoryRepo(),
		queue: queue.NewMemoryQueue(),
	}
	clock := func() time.Time { return t0 }
	e.h = Handlers{
		Auth:            m,
		Reconciliations: reconciliation.NewService(e.store, reconciliation.WithClock(clock)),
		Audit:           audit.NewService(e.audit),
		Queue:           e.queue,
		Now:             clock,
	}

	// identity is injected from headers so tests can exercise RBAC without tokens
	e.engine = gin.New()
	v1 := e.engine.Group("/v1", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), c.GetHeader("X-Test-Subject"), c.GetHeader("X-Test-Role"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	v1.POST("/auth/refresh", e.h.Refresh)
	v1.POST("/reconciliations", append(RequireAnyRole(rbac.RoleDispatcher), e.h.Register)...)
	v1.GET("/intakes/:intake_id/recording", append(RequireAnyRole(rbac.RoleDispatcher, rbac.RoleViewer), e.h.GetRecording)...)
	admin := v1.Group("/admin", RequireAnyRole(rbac.RoleOperator)...)
	admin.GET("/reconciliations/summary", e.h.Summary)
	admin.GET("/review-queue", e.h.ReviewQueue)
	admin.POST("/reconciliations/:id/redrive", e.h.Redrive)
	return e
}

func (e *env) do(method, path, role, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		req.Header.Set("X-Test-Subject", "svc-"+role)
		req.Header.Set("X-Test-Role", role)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func TestRegister_CreatesThenIsIdempotent(t *testing.T) {
	e := newEnv(t)
	body := `{"intake_id":"intake-1","callee_number":"+15550000001"}`

	w := e.do(http.MethodPost, "/v1/reconciliations", rbac.RoleDispatcher, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["state"] != "PENDING" || out["correlation_key"] != "intake-1" {
		t.Fatalf("unexpected body: %v", out)
	}

	w = e.do(http.MethodPost, "/v1/reconciliations", rbac.RoleDispatcher, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", w.Code)
	}
}

func TestRegister_Errors(t *testing.T) {
	e := newEnv(t)
	if w := e.do(http.MethodPost, "/v1/reconciliations", rbac.RoleDispatcher, `{"intake_id":"intake-1"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	e.do(http.MethodPost, "/v1/reconciliations", rbac.RoleDispatcher, `{"intake_id":"intake-1","callee_number":"+1"}`)
	w := e.do(http.MethodPost, "/v1/reconciliations", rbac.RoleDispatcher, `{"intake_id":"intake-1","callee_number":"+1","correlation_key":"other"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if w := e.do(http.MethodPost, "/v1/reconciliations", rbac.RoleViewer, `{"intake_id":"intake-2","callee_number":"+1"}`); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", w.Code)
	}
}

func TestGetRecording(t *testing.T) {
	e := newEnv(t)
	if w := e.do(http.MethodGet, "/v1/intakes/intake-1/recording", rbac.RoleViewer, ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	e.do(http.MethodPost, "/v1/reconciliations", rbac.RoleDispatcher, `{"intake_id":"intake-1","callee_number":"+1"}`)

	w := e.do(http.MethodGet, "/v1/intakes/intake-1/recording", rbac.RoleViewer, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var v reconciliation.View
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.State != reconciliation.StatePending || v.DurableURI != "" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if w := e.do(http.MethodGet, "/v1/intakes/intake-1/recording", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", w.Code)
	}
}

func TestAdmin_SummaryAndReviewQueue(t *testing.T) {
	e := newEnv(t)
	e.do(http.MethodPost, "/v1/reconciliations", rbac.RoleDispatcher, `{"intake_id":"intake-1","callee_number":"+1"}`)
	if err := e.h.Audit.LogUnmatched(context.Background(), "ev-1", "no candidate", []byte(`{"event_id":"ev-1"}`)); err != nil {
		t.Fatalf("audit: %v", err)
	}

	if w := e.do(http.MethodGet, "/v1/admin/reconciliations/summary", rbac.RoleViewer, ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", w.Code)
	}
	w := e.do(http.MethodGet, "/v1/admin/reconciliations/summary", rbac.RoleOperator, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var s reconciliation.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Total != 1 || s.Counts[reconciliation.StatePending] != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}

	w = e.do(http.MethodGet, "/v1/admin/review-queue?limit=10", rbac.RoleOperator, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ev-1") {
		t.Fatalf("expected review item, got %d: %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodGet, "/v1/admin/review-queue?limit=0", rbac.RoleOperator, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestRedrive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r, _, err := e.h.Reconciliations.Register(ctx, reconciliation.RegisterRequest{IntakeID: "intake-1", CalleeNumber: "+1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if w := e.do(http.MethodPost, "/v1/admin/reconciliations/"+r.ID+"/redrive", rbac.RoleOperator, ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for PENDING, got %d", w.Code)
	}

	_, err = e.h.Reconciliations.Transition(ctx, r.ID, []reconciliation.State{reconciliation.StatePending}, reconciliation.StateAssetReady,
		reconciliation.Patch{ProviderRecordingID: "RE1"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	_, err = e.h.Reconciliations.Transition(ctx, r.ID, []reconciliation.State{reconciliation.StateAssetReady}, reconciliation.StateMigrated,
		reconciliation.Patch{DurableURI: "s3://b/k"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	// retries exhausted
	if _, err := e.h.Reconciliations.RecordFailure(ctx, r.ID, reconciliation.StateMigrated, reconciliation.StageCleanup, context.DeadlineExceeded, time.Time{}); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	w := e.do(http.MethodPost, "/v1/admin/reconciliations/"+r.ID+"/redrive", rbac.RoleOperator, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := e.queue.Scheduled(queue.Job{Kind: queue.KindCleanup, Ref: r.ID}); !ok {
		t.Fatalf("expected cleanup job")
	}
	got, err := e.store.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(t0) {
		t.Fatalf("expected next_attempt_at reset, got %v", got.NextAttemptAt)
	}

	if w := e.do(http.MethodPost, "/v1/admin/reconciliations/missing/redrive", rbac.RoleOperator, ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRefresh(t *testing.T) {
	e := newEnv(t)
	pair, err := e.h.Auth.IssuePair(t0, "intake-ui", rbac.RoleViewer)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w := e.do(http.MethodPost, "/v1/auth/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "access_token") {
		t.Fatalf("expected new pair, got %d: %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodPost, "/v1/auth/refresh", "", `{"refresh_token":"nope"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
