package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/middleware"
	"github.com/terminal-bench/attestd/internal/services/integrity"
)

// AuditHandler exposes the audit trail
type AuditHandler struct {
	svc    *integrity.Service
	logger logrus.FieldLogger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(svc *integrity.Service, logger logrus.FieldLogger) *AuditHandler {
	return &AuditHandler{svc: svc, logger: logger}
}

// Trail returns every entry and the verification outcome
func (h *AuditHandler) Trail(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Trail())
}

// ArchiveRequest names the approved operation authorizing the archive
type ArchiveRequest struct {
	OperationID string `json:"operation_id" binding:"required"`
}

// Archive snapshots the trail to object storage
func (h *AuditHandler) Archive(c *gin.Context) {
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operation_id is required"})
		return
	}
	operatorID, _ := middleware.GetOperatorID(c)

	manifest, err := h.svc.ArchiveTrail(c.Request.Context(), req.OperationID, operatorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, manifest)
}

// Restore reads a snapshot back and returns it only if it verifies
func (h *AuditHandler) Restore(c *gin.Context) {
	restored, err := h.svc.RestoreArchive(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"manifest":           restored.Manifest,
		"audit_trail":        restored.Entries,
		"entry_count":        len(restored.Entries),
		"integrity_verified": true,
	})
}
