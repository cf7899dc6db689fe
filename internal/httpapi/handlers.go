package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"vonage-outbound-otp/internal/audit"
	"vonage-outbound-otp/internal/auth"
	"vonage-outbound-otp/internal/calls"
	"vonage-outbound-otp/internal/rbac"
	"vonage-outbound-otp/internal/reporting"
	"vonage-outbound-otp/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth    *auth.Manager
	APIKey  string
	Calls   *calls.Service
	Reports *reporting.Service
	// Audit is optional; failures to append are logged and never fail the request.
	Audit *audit.Service
	// Checks are run by Health; a failing check reports 503.
	Checks map[string]func(ctx context.Context) error
	Now    func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	APIKey string `json:"apiKey"`
}

// IssueToken exchanges the shared operator API key for a JWT token pair.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil || h.APIKey == "" {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "userId and role required"})
		return
	}
	if !rbac.ValidRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.APIKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogTokenIssued(c.Request.Context(), req.UserID, req.Role, c.ClientIP()); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshToken rotates a token pair from a valid refresh token.
func (h Handlers) RefreshToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refreshToken required"})
		return
	}

	pair, claims, err := h.Auth.Refresh(h.now(), req.RefreshToken)
	if err != nil {
		logger.FromGin(c).Info("token refresh rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	if !rbac.ValidRole(claims.Role) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogTokenIssued(c.Request.Context(), claims.UserID, claims.Role, c.ClientIP()); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

// TriggerCall places an outbound verification call.
// RBAC: operator.
func (h Handlers) TriggerCall(c *gin.Context) {
	log := logger.FromGin(c)
	var req calls.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "details": err.Error()})
		return
	}

	res, err := h.Calls.TriggerCall(c.Request.Context(), req)
	if err != nil {
		var verr *calls.ValidationError
		switch {
		case errors.As(err, &verr):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": verr.Fields})
		case errors.Is(err, calls.ErrProvider):
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "failed to initiate call", "details": err.Error(), "localId": res.LocalID})
		default:
			log.Error("trigger call failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to initiate call"})
		}
		return
	}

	if h.Audit != nil {
		ctx := c.Request.Context()
		uid, _ := auth.UserID(ctx)
		role, _ := auth.Role(ctx)
		if err := h.Audit.LogCallTriggered(ctx, uid, role, c.ClientIP(), res.LocalID, req.PhoneNumber); err != nil {
			log.Warn("audit append failed", "call_id", res.LocalID, "err", err)
		}
	}
	c.JSON(http.StatusCreated, res)
}

// ListCalls returns recent calls, newest first.
func (h Handlers) ListCalls(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	out, err := h.Calls.List(c.Request.Context(), limit)
	if err != nil {
		logger.FromGin(c).Error("list calls failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch calls"})
		return
	}
	c.JSON(http.StatusOK, out)
}

type callDetail struct {
	calls.Call
	Transcripts []calls.TranscriptEntry `json:"transcripts"`
}

// GetCall returns one call with its transcripts.
func (h Handlers) GetCall(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	call, err := h.Calls.Get(ctx, id)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		logger.FromGin(c).Error("get call failed", "call_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch call"})
		return
	}
	ts, err := h.Calls.Transcripts(ctx, id)
	if err != nil {
		logger.FromGin(c).Error("get transcripts failed", "call_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch call"})
		return
	}
	if ts == nil {
		ts = []calls.TranscriptEntry{}
	}
	c.JSON(http.StatusOK, callDetail{Call: call, Transcripts: ts})
}

// --- Reporting ---

func (h Handlers) Stats(c *gin.Context) {
	out, err := h.Reports.Stats(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("stats failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch stats"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	status := http.StatusOK
	results := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	label := "healthy"
	if status != http.StatusOK {
		label = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    label,
		"timestamp": h.now().UTC(),
		"checks":    results,
	})
}
