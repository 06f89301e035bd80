package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/services/approval"
	"github.com/terminal-bench/attestd/internal/services/archive"
	auditlog "github.com/terminal-bench/attestd/internal/services/audit"
	"github.com/terminal-bench/attestd/internal/services/integrity"
	"github.com/terminal-bench/attestd/internal/services/operator"
	"github.com/terminal-bench/attestd/internal/services/safety"
)

// statusFor maps a service error to an HTTP status
func statusFor(err error) int {
	var tooLarge *safety.InputTooLargeError
	var violation *auditlog.IntegrityViolationError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrInvalidOperationType), errors.Is(err, approval.ErrMissingOperationID),
		errors.Is(err, approval.ErrTimeoutTooLong):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrAlreadyExists),
		errors.Is(err, approval.ErrExpired),
		errors.Is(err, approval.ErrInvalidTransition),
		errors.Is(err, integrity.ErrApprovalConsumed):
		return http.StatusConflict
	case errors.As(err, &violation),
		errors.Is(err, archive.ErrManifestMismatch),
		errors.Is(err, archive.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, approval.ErrInvalidSignature), errors.Is(err, integrity.ErrApprovalRequired):
		return http.StatusForbidden
	case errors.Is(err, operator.ErrUnknownOperator), errors.Is(err, operator.ErrBadCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, operator.ErrNoSecret), errors.Is(err, archive.ErrNoStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are
// logged and not echoed.
func respondError(c *gin.Context, logger logrus.FieldLogger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
