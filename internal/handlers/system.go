package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/config"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/operator"
	"github.com/terminal-bench/attestd/internal/services/safety"
)

const (
	serviceName = "attestd"
	// Version is reported by /health
	Version = "1.0.0"
)

// SystemHandler serves health, safety settings and token issue
type SystemHandler struct {
	cfg       *config.Config
	limits    safety.Limits
	directory *operator.Directory
	logger    logrus.FieldLogger
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(cfg *config.Config, limits safety.Limits, directory *operator.Directory, logger logrus.FieldLogger) *SystemHandler {
	return &SystemHandler{cfg: cfg, limits: limits, directory: directory, logger: logger}
}

// Health is the readiness check
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"service":          serviceName,
		"version":          Version,
		"human_in_loop":    true,
		"operator_control": true,
	})
}

// SafetyConfig reports the limits and approval policy in force
func (h *SystemHandler) SafetyConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"max_data_blocks":          h.limits.MaxBlocks,
		"max_block_size":           h.limits.MaxBlockSize,
		"max_total_size":           h.limits.MaxTotalSize,
		"max_requests_per_minute":  h.cfg.RateLimitPerMin,
		"requires_approval":        []models.OperationType{models.OperationStateChange, models.OperationCritical},
		"approval_timeout_seconds": int(h.cfg.ApprovalTimeout.Seconds()),
		"token_auth":               h.directory != nil && h.directory.Enabled(),
		"human_in_loop":            true,
		"operator_control":         true,
	})
}

// TokenRequest exchanges an operator key for a token
type TokenRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
	Key        string `json:"key" binding:"required"`
}

// Token authenticates an operator and issues a bearer token
func (h *SystemHandler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_id and key are required"})
		return
	}
	if h.directory == nil || !h.directory.Enabled() {
		respondError(c, h.logger, operator.ErrNoSecret)
		return
	}

	if err := h.directory.Authenticate(req.OperatorID, req.Key); err != nil {
		h.logger.WithField("operator_id", req.OperatorID).Warn("operator authentication failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.directory.IssueToken(req.OperatorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(h.cfg.TokenTTL.Seconds()),
	})
}
