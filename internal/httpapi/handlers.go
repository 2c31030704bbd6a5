package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"recording-reconciler/internal/audit"
	"recording-reconciler/internal/auth"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/rbac"
	"recording-reconciler/internal/reconciliation"
	"recording-reconciler/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth            *auth.Manager
	Reconciliations *reconciliation.Service
	Audit           *audit.Service
	Queue           queue.Queue

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// writeError maps domain errors to status codes. Unexpected errors are logged and
// reported without detail.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reconciliation.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reconciliation.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, reconciliation.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "an active reconciliation exists for this intake or correlation key"})
	case errors.Is(err, reconciliation.ErrStateMismatch):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "state changed concurrently"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair. Initial pairs are minted out of band
// (cmd/token) for each calling service.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(h.now(), req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Reconciliations ---

// Register creates the PENDING reconciliation for an outbound call. Repeating the same
// registration returns the existing row with 200.
// RBAC: dispatcher.
func (h Handlers) Register(c *gin.Context) {
	var req reconciliation.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	r, created, err := h.Reconciliations.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"reconciliation_id": r.ID,
		"intake_id":         r.IntakeID,
		"correlation_key":   r.CorrelationKey,
		"state":             r.State,
	})
}

// GetRecording is the read accessor for the intake UI.
func (h Handlers) GetRecording(c *gin.Context) {
	v, err := h.Reconciliations.Get(c.Request.Context(), c.Param("intake_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// --- Admin ---

func (h Handlers) Summary(c *gin.Context) {
	s, err := h.Reconciliations.Summary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ReviewQueue lists unmatched, ambiguous and escalated events awaiting a human.
func (h Handlers) ReviewQueue(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	items, err := h.Audit.ReviewQueue(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Redrive re-schedules background work for a reconciliation whose retries ran out or
// whose job was lost: migrate for ASSET_READY, provider cleanup for MIGRATED.
// Each redrive grants one further attempt.
func (h Handlers) Redrive(c *gin.Context) {
	ctx := c.Request.Context()
	r, err := h.Reconciliations.Store().GetByID(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	var kind queue.Kind
	switch r.State {
	case reconciliation.StateAssetReady:
		kind = queue.KindMigrate
	case reconciliation.StateMigrated:
		kind = queue.KindCleanup
	default:
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "nothing to redrive in state " + string(r.State)})
		return
	}

	now := h.now()
	if _, err := h.Reconciliations.Annotate(ctx, r.ID, []reconciliation.State{r.State}, reconciliation.Patch{NextAttemptAt: &now}); err != nil {
		writeError(c, err)
		return
	}
	if err := h.Queue.Enqueue(ctx, queue.Job{Kind: kind, Ref: r.ID}, now); err != nil {
		writeError(c, err)
		return
	}

	operator, _ := auth.Subject(ctx)
	logger.FromGin(c).Info("reconciliation redriven", "reconciliation_id", r.ID, "job", string(kind), "operator", operator)
	c.JSON(http.StatusAccepted, gin.H{"reconciliation_id": r.ID, "job": kind})
}

// Convenience middleware bundles.

func RequireAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireSubject(), rbac.RequireAnyRole(roles...)}
}
