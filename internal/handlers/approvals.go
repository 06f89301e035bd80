package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/middleware"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/approval"
	"github.com/terminal-bench/attestd/internal/services/integrity"
)

// ApprovalHandler serves the operator approval workflow
type ApprovalHandler struct {
	svc    *integrity.Service
	logger logrus.FieldLogger
}

// NewApprovalHandler creates a new approval handler
func NewApprovalHandler(svc *integrity.Service, logger logrus.FieldLogger) *ApprovalHandler {
	return &ApprovalHandler{svc: svc, logger: logger}
}

// CreateApprovalRequest opens a request for sign-off
type CreateApprovalRequest struct {
	OperationID    string               `json:"operation_id"`
	OperationType  models.OperationType `json:"operation_type" binding:"required"`
	Description    string               `json:"description" binding:"required"`
	TimeoutSeconds int                  `json:"timeout_seconds,omitempty"`
}

// ApprovalActionRequest approves or rejects a request
type ApprovalActionRequest struct {
	Action    string `json:"action"`
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Create opens an approval request
func (h *ApprovalHandler) Create(c *gin.Context) {
	var req CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operation_type and description are required"})
		return
	}
	if req.TimeoutSeconds < 0 || int64(req.TimeoutSeconds) > int64(approval.MaxTimeout/time.Second) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("timeout_seconds must be between 0 and %d", int64(approval.MaxTimeout/time.Second)),
		})
		return
	}
	operatorID, _ := middleware.GetOperatorID(c)

	created, err := h.svc.RequestApproval(c.Request.Context(), req.OperationID, req.OperationType,
		req.Description, operatorID, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Act approves or rejects. An empty action means approve.
func (h *ApprovalHandler) Act(c *gin.Context) {
	var req ApprovalActionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON format"})
			return
		}
	}
	operationID := c.Param("id")
	operatorID, _ := middleware.GetOperatorID(c)

	var (
		result models.ApprovalRequest
		err    error
	)
	switch req.Action {
	case "", "approve":
		result, err = h.svc.Approve(c.Request.Context(), operationID, operatorID, req.Signature)
	case "reject":
		result, err = h.svc.Reject(c.Request.Context(), operationID, operatorID, req.Reason)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action - must be 'approve' or 'reject'"})
		return
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Get returns the current state of one request
func (h *ApprovalHandler) Get(c *gin.Context) {
	req, err := h.svc.CheckApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// List returns every request, optionally filtered by ?status=
func (h *ApprovalHandler) List(c *gin.Context) {
	all := h.svc.ListApprovals(c.Request.Context())
	status := models.ApprovalStatus(c.Query("status"))

	out := make([]models.ApprovalRequest, 0, len(all))
	for _, req := range all {
		if status == "" || req.Status == status {
			out = append(out, req)
		}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": out, "count": len(out)})
}

// Notifications returns recent approval events
func (h *ApprovalHandler) Notifications(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	events, err := h.svc.Notifications(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": events})
}
