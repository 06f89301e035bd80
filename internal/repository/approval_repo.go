package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/approval"
)

// ApprovalRepository mirrors approval requests to Postgres
type ApprovalRepository struct {
	db DB
}

var _ approval.Sink = (*ApprovalRepository)(nil)

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(db DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// upsertApproval only overwrites rows that are still pending, so a late
// write of an older state cannot undo a terminal one
const upsertApproval = `
INSERT INTO approval_requests (operation_id, operation_type, description, operator_id, status, requested_at, expires_at, approved_at, rejected_at, signature, rejection_reason, request_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (operation_id) DO UPDATE SET
	operator_id = EXCLUDED.operator_id,
	status = EXCLUDED.status,
	approved_at = EXCLUDED.approved_at,
	rejected_at = EXCLUDED.rejected_at,
	signature = EXCLUDED.signature,
	rejection_reason = EXCLUDED.rejection_reason
WHERE approval_requests.status = 'pending'`

// SaveApproval inserts or advances a request
func (r *ApprovalRepository) SaveApproval(ctx context.Context, req models.ApprovalRequest) error {
	_, err := r.db.ExecContext(ctx, upsertApproval,
		req.OperationID, string(req.OperationType), req.Description, req.OperatorID,
		string(req.Status), req.RequestedAt, req.ExpiresAt,
		pq.NullTime{Time: timeOrZero(req.ApprovedAt), Valid: req.ApprovedAt != nil},
		pq.NullTime{Time: timeOrZero(req.RejectedAt), Valid: req.RejectedAt != nil},
		req.Signature, req.RejectionReason, req.RequestHash,
	)
	if err != nil {
		return errors.Wrapf(err, "save approval %s", req.OperationID)
	}
	return nil
}

// Get loads one request
func (r *ApprovalRepository) Get(ctx context.Context, operationID string) (*models.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT operation_id, operation_type, description, operator_id, status, requested_at, expires_at, approved_at, rejected_at, signature, rejection_reason, request_hash
		 FROM approval_requests WHERE operation_id = $1`,
		operationID,
	)
	return loadApproval(row, operationID)
}

func loadApproval(row scanner, operationID string) (*models.ApprovalRequest, error) {
	req, err := scanApproval(row)
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, errors.Wrapf(approval.ErrNotFound, "operation %s", operationID)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListByStatus returns requests in the given statuses, oldest first
func (r *ApprovalRepository) ListByStatus(ctx context.Context, statuses ...models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT operation_id, operation_type, description, operator_id, status, requested_at, expires_at, approved_at, rejected_at, signature, rejection_reason, request_hash
		 FROM approval_requests WHERE status = ANY($1) ORDER BY requested_at, operation_id`,
		pq.Array(names),
	)
	if err != nil {
		return nil, errors.Wrap(err, "query approvals")
	}
	defer rows.Close()

	var out []models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, errors.Wrap(rows.Err(), "iterate approvals")
}

func scanApproval(row scanner) (models.ApprovalRequest, error) {
	var (
		req                  models.ApprovalRequest
		opType, status       string
		approvedAt, rejected pq.NullTime
	)
	err := row.Scan(&req.OperationID, &opType, &req.Description, &req.OperatorID, &status,
		&req.RequestedAt, &req.ExpiresAt, &approvedAt, &rejected,
		&req.Signature, &req.RejectionReason, &req.RequestHash)
	if err != nil {
		return models.ApprovalRequest{}, errors.Wrap(err, "scan approval")
	}

	req.OperationType = models.OperationType(opType)
	req.Status = models.ApprovalStatus(status)
	req.RequestedAt = req.RequestedAt.UTC()
	req.ExpiresAt = req.ExpiresAt.UTC()
	if approvedAt.Valid {
		t := approvedAt.Time.UTC()
		req.ApprovedAt = &t
	}
	if rejected.Valid {
		t := rejected.Time.UTC()
		req.RejectedAt = &t
	}
	return req, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
