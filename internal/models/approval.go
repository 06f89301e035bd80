package models

import (
	"time"
)

// OperationType classifies how much oversight an operation needs
type OperationType string

const (
	OperationReadOnly    OperationType = "read_only"
	OperationComputeOnly OperationType = "compute_only"
	OperationStateChange OperationType = "state_change"
	OperationCritical    OperationType = "critical"
)

// Valid reports whether t is a known operation type
func (t OperationType) Valid() bool {
	switch t {
	case OperationReadOnly, OperationComputeOnly, OperationStateChange, OperationCritical:
		return true
	}
	return false
}

// ApprovalStatus is the lifecycle state of an ApprovalRequest
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether no further transition is possible
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest tracks operator sign-off for one operation
type ApprovalRequest struct {
	OperationID     string         `json:"operation_id" db:"operation_id"`
	OperationType   OperationType  `json:"operation_type" db:"operation_type"`
	Description     string         `json:"description" db:"description"`
	OperatorID      string         `json:"operator_id,omitempty" db:"operator_id"`
	Status          ApprovalStatus `json:"status" db:"status"`
	RequestedAt     time.Time      `json:"requested_at" db:"requested_at"`
	ExpiresAt       time.Time      `json:"expires_at" db:"expires_at"`
	ApprovedAt      *time.Time     `json:"approved_at" db:"approved_at"`
	RejectedAt      *time.Time     `json:"rejected_at" db:"rejected_at"`
	Signature       string         `json:"signature,omitempty" db:"signature"`
	RejectionReason string         `json:"rejection_reason,omitempty" db:"rejection_reason"`
	// RequestHash is the digest operators sign when approving
	RequestHash string `json:"request_hash" db:"request_hash"`
}

// Clone returns a copy that shares no pointers with r
func (r ApprovalRequest) Clone() ApprovalRequest {
	out := r
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		out.ApprovedAt = &t
	}
	if r.RejectedAt != nil {
		t := *r.RejectedAt
		out.RejectedAt = &t
	}
	return out
}
