// Package integrity is the entry point the transport layer talks to. It
// validates input, runs the computations, gates state-changing work on
// operator approval and records every step in the audit log.
package integrity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/metrics"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/approval"
	"github.com/terminal-bench/attestd/internal/services/archive"
	"github.com/terminal-bench/attestd/internal/services/audit"
	"github.com/terminal-bench/attestd/internal/services/entropy"
	"github.com/terminal-bench/attestd/internal/services/merkle"
	"github.com/terminal-bench/attestd/internal/services/notification"
	"github.com/terminal-bench/attestd/internal/services/safety"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

// Audit operation names
const (
	OpMerkleRoot      = "merkle_root"
	OpMerkleEntropy   = "merkle_entropy"
	OpApprovalRequest = "approval_request"
	OpApprovalApprove = "approval_approve"
	OpApprovalReject  = "approval_reject"
	OpArchive         = "audit_archive"
)

var (
	ErrApprovalRequired = errors.New("operation requires an approved state change")
	ErrApprovalConsumed = errors.New("approval already used")
)

// Notifier publishes approval events
type Notifier interface {
	Notify(ctx context.Context, event notification.Event) error
	Recent(ctx context.Context, limit int) ([]notification.Event, error)
}

// Archiver stores audit trail snapshots and reads them back
type Archiver interface {
	Archive(ctx context.Context, operationID string, trail []models.AuditEntry, root string) (*archive.Manifest, error)
	Restore(ctx context.Context, id string) (*archive.Manifest, []models.AuditEntry, error)
}

// ApprovalHistory looks up requests the registry does not hold, such as
// finished requests from before a restart
type ApprovalHistory interface {
	Get(ctx context.Context, operationID string) (*models.ApprovalRequest, error)
}

// MerkleResult is the response to a Merkle root computation
type MerkleResult struct {
	MerkleRoot  *string `json:"merkle_root"`
	OperationID string  `json:"operation_id"`
	Message     string  `json:"message,omitempty"`
}

// EntropyResult is the response to an entropy computation
type EntropyResult struct {
	ShannonEntropy float64 `json:"shannon_entropy"`
	// MaxEntropy is log2 of the number of distinct symbols in the input
	MaxEntropy  float64 `json:"max_entropy"`
	OperationID string  `json:"operation_id"`
}

// TrailResult is the audit trail together with its verification outcome
type TrailResult struct {
	Entries           []models.AuditEntry `json:"audit_trail"`
	IntegrityVerified bool                `json:"integrity_verified"`
	EntryCount        int                 `json:"entry_count"`
	Root              *string             `json:"root"`
	Violation         string              `json:"violation,omitempty"`
}

// Option configures a Service
type Option func(*Service)

// WithNotifier publishes approval events
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithArchiver enables ArchiveTrail
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithApprovalHistory makes CheckApproval fall back to h for unknown ids
func WithApprovalHistory(h ApprovalHistory) Option {
	return func(s *Service) { s.history = h }
}

// WithMetrics records to m instead of a private registry
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithIDGenerator overrides uuid generation for operation ids
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// Service wires the primitives together
type Service struct {
	validator *safety.Validator
	audit     *audit.Log
	approvals *approval.Registry
	notifier  Notifier
	archiver  Archiver
	history   ApprovalHistory
	metrics   *metrics.Metrics
	logger    logrus.FieldLogger
	newID     func() string

	mu       sync.Mutex
	consumed map[string]bool
}

// New creates the service
func New(validator *safety.Validator, log *audit.Log, approvals *approval.Registry, opts ...Option) *Service {
	s := &Service{
		validator: validator,
		audit:     log,
		approvals: approvals,
		logger:    logrus.StandardLogger(),
		newID:     func() string { return uuid.New().String() },
		consumed:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.notifier == nil {
		s.notifier = notification.NewService(nil)
	}
	return s
}

// Limits returns the input limits in force
func (s *Service) Limits() safety.Limits {
	return s.validator.Limits()
}

// Validate checks blocks against the input limits
func (s *Service) Validate(blocks []string) error {
	err := s.validator.Validate(blocks)
	var tooLarge *safety.InputTooLargeError
	if errors.As(err, &tooLarge) {
		s.metrics.ValidationRejects.WithLabelValues(tooLarge.Limit).Inc()
	}
	return err
}

// ComputeMerkleRoot validates blocks, computes their root and records it.
// Empty input is not an error; the result then carries no root.
func (s *Service) ComputeMerkleRoot(ctx context.Context, blocks []string, operatorID string) (MerkleResult, error) {
	if err := s.Validate(blocks); err != nil {
		return MerkleResult{}, err
	}
	inputHash, err := safety.InputHash(blocks)
	if err != nil {
		return MerkleResult{}, errors.Wrap(err, "hash input")
	}

	opID := s.newID()
	result := MerkleResult{OperationID: opID}
	metadata := map[string]interface{}{
		"operation_id": opID,
		"block_count":  len(blocks),
	}
	tree := merkle.Build(blocks)
	if root, ok := tree.Root(); ok {
		result.MerkleRoot = &root
		metadata["root_hash"] = root
		metadata["leaf_count"] = len(tree.Leaves())
		metadata["tree_depth"] = tree.Depth()
	} else {
		result.Message = "No data provided"
		metadata["empty_input"] = true
	}

	if err := s.recordComputation(ctx, OpMerkleRoot, inputHash, result, operatorID, metadata); err != nil {
		return MerkleResult{}, err
	}
	return result, nil
}

// ComputeEntropy validates blocks, computes their Shannon entropy and
// records it
func (s *Service) ComputeEntropy(ctx context.Context, blocks []string, operatorID string) (EntropyResult, error) {
	if err := s.Validate(blocks); err != nil {
		return EntropyResult{}, err
	}
	inputHash, err := safety.InputHash(blocks)
	if err != nil {
		return EntropyResult{}, errors.Wrap(err, "hash input")
	}

	opID := s.newID()
	result := EntropyResult{
		ShannonEntropy: entropy.Compute(blocks),
		MaxEntropy:     entropy.MaxFor(blocks),
		OperationID:    opID,
	}
	metadata := map[string]interface{}{
		"operation_id":  opID,
		"block_count":   len(blocks),
		"entropy_value": result.ShannonEntropy,
		"max_entropy":   result.MaxEntropy,
	}

	if err := s.recordComputation(ctx, OpMerkleEntropy, inputHash, result, operatorID, metadata); err != nil {
		return EntropyResult{}, err
	}
	return result, nil
}

// recordComputation appends an auto-approved computation to the audit log
func (s *Service) recordComputation(ctx context.Context, op, inputHash string, result interface{}, operatorID string, metadata map[string]interface{}) error {
	outputHash, err := OutputHash(result)
	if err != nil {
		return err
	}
	if err := s.appendAudit(ctx, audit.Record{
		Operation:  op,
		InputHash:  inputHash,
		OutputHash: outputHash,
		OperatorID: operatorID,
		Approved:   true,
		Metadata:   metadata,
	}); err != nil {
		return err
	}
	s.metrics.Computations.WithLabelValues(op).Inc()
	return nil
}

// Trail returns the audit trail and whether it verifies
func (s *Service) Trail() TrailResult {
	entries, err := s.audit.Snapshot()
	result := TrailResult{
		Entries:           entries,
		EntryCount:        len(entries),
		IntegrityVerified: true,
	}
	if err != nil {
		result.IntegrityVerified = false
		result.Violation = err.Error()
		s.metrics.IntegrityFailures.Inc()
		s.logger.WithError(err).Warn("audit trail failed verification")
	}
	if root, ok := merkle.RootOfHashes(entryHashes(entries)); ok {
		result.Root = &root
	}
	return result
}

// RequestApproval opens an approval request. An empty operation id gets a
// generated one.
func (s *Service) RequestApproval(ctx context.Context, operationID string, opType models.OperationType, description, operatorID string, timeout time.Duration) (models.ApprovalRequest, error) {
	if operationID == "" {
		operationID = s.newID()
	}

	req, err := s.approvals.Request(ctx, operationID, opType, description, operatorID, timeout)
	if err != nil {
		return models.ApprovalRequest{}, err
	}

	if err := s.recordApproval(ctx, OpApprovalRequest, req.RequestHash, req, operatorID, false, nil); err != nil {
		return req, err
	}
	s.publish(ctx, req)
	return req, nil
}

// Approve approves a pending request. Attempts are recorded whether or
// not they succeed.
func (s *Service) Approve(ctx context.Context, operationID, operatorID, signature string) (models.ApprovalRequest, error) {
	req, err := s.approvals.Approve(ctx, operationID, operatorID, signature)
	req.OperationID = operationID
	inputHash, hashErr := crypto.HashJSON(map[string]interface{}{
		"operation_id": operationID,
		"action":       "approve",
		"operator_id":  operatorID,
		"signature":    signature,
	})
	if hashErr != nil {
		return req, errors.Wrap(hashErr, "hash approval action")
	}

	if auditErr := s.recordApproval(ctx, OpApprovalApprove, inputHash, req, operatorID, err == nil, err); auditErr != nil {
		return req, auditErr
	}
	if err == nil || errors.Is(err, approval.ErrExpired) {
		s.publish(ctx, req)
	}
	return req, err
}

// Reject rejects a pending request. Attempts are recorded whether or not
// they succeed.
func (s *Service) Reject(ctx context.Context, operationID, operatorID, reason string) (models.ApprovalRequest, error) {
	req, err := s.approvals.Reject(ctx, operationID, operatorID, reason)
	req.OperationID = operationID
	inputHash, hashErr := crypto.HashJSON(map[string]interface{}{
		"operation_id": operationID,
		"action":       "reject",
		"operator_id":  operatorID,
		"reason":       reason,
	})
	if hashErr != nil {
		return req, errors.Wrap(hashErr, "hash approval action")
	}

	if auditErr := s.recordApproval(ctx, OpApprovalReject, inputHash, req, operatorID, false, err); auditErr != nil {
		return req, auditErr
	}
	if err == nil {
		s.publish(ctx, req)
	}
	return req, err
}

// CheckApproval returns the current state of a request
func (s *Service) CheckApproval(ctx context.Context, operationID string) (models.ApprovalRequest, error) {
	if req, ok := s.approvals.Status(ctx, operationID); ok {
		return req, nil
	}
	if s.history == nil {
		return models.ApprovalRequest{}, errors.Wrapf(approval.ErrNotFound, "operation %s", operationID)
	}

	req, err := s.history.Get(ctx, operationID)
	if err != nil {
		if errors.Cause(err) != approval.ErrNotFound {
			s.logger.WithError(err).WithField("operation_id", operationID).Error("failed to load approval history")
		}
		return models.ApprovalRequest{}, err
	}
	return *req, nil
}

// ListApprovals returns every request, oldest first
func (s *Service) ListApprovals(ctx context.Context) []models.ApprovalRequest {
	return s.approvals.List(ctx)
}

// Notifications returns recent approval events, newest first
func (s *Service) Notifications(ctx context.Context, limit int) ([]notification.Event, error) {
	return s.notifier.Recent(ctx, limit)
}

// ArchiveTrail snapshots the audit trail to object storage. operationID
// must name an approved state_change or critical request, and each
// approval can be used once.
func (s *Service) ArchiveTrail(ctx context.Context, operationID, operatorID string) (*archive.Manifest, error) {
	if err := s.claimApproval(ctx, operationID); err != nil {
		s.metrics.Archives.WithLabelValues("denied").Inc()
		s.recordDenial(ctx, operationID, operatorID, err)
		return nil, err
	}
	if s.archiver == nil {
		s.releaseApproval(operationID)
		s.metrics.Archives.WithLabelValues("failed").Inc()
		return nil, archive.ErrNoStore
	}

	trail := s.audit.Trail()
	root, _ := merkle.RootOfHashes(entryHashes(trail))

	manifest, err := s.archiver.Archive(ctx, operationID, trail, root)
	if err != nil {
		s.releaseApproval(operationID)
		s.metrics.Archives.WithLabelValues("failed").Inc()
		return nil, errors.Wrap(err, "archive audit trail")
	}

	outputHash, err := OutputHash(manifest)
	if err != nil {
		return manifest, err
	}
	if err := s.appendAudit(ctx, audit.Record{
		Operation:  OpArchive,
		InputHash:  root,
		OutputHash: outputHash,
		OperatorID: operatorID,
		Approved:   true,
		Metadata: map[string]interface{}{
			"operation_id": operationID,
			"archive_id":   manifest.ID,
			"entry_count":  manifest.EntryCount,
			"chunk_root":   manifest.ChunkRoot,
		},
	}); err != nil {
		return manifest, err
	}

	s.metrics.Archives.WithLabelValues("stored").Inc()
	s.logger.WithFields(logrus.Fields{
		"operation_id": operationID,
		"archive_id":   manifest.ID,
		"entries":      manifest.EntryCount,
	}).Info("audit trail archived")
	return manifest, nil
}

// RestoredArchive is a verified snapshot read back from object storage
type RestoredArchive struct {
	Manifest *archive.Manifest   `json:"manifest"`
	Entries  []models.AuditEntry `json:"audit_trail"`
}

// RestoreArchive reads a snapshot back. It only returns trails that match
// their manifest and verify.
func (s *Service) RestoreArchive(ctx context.Context, id string) (*RestoredArchive, error) {
	if s.archiver == nil {
		return nil, archive.ErrNoStore
	}
	manifest, entries, err := s.archiver.Restore(ctx, id)
	if err != nil {
		s.metrics.Archives.WithLabelValues("restore_failed").Inc()
		var violation *audit.IntegrityViolationError
		if errors.As(err, &violation) {
			s.metrics.IntegrityFailures.Inc()
		}
		s.logger.WithError(err).WithField("archive_id", id).Warn("archive restore failed")
		return nil, err
	}
	s.metrics.Archives.WithLabelValues("restored").Inc()
	return &RestoredArchive{Manifest: manifest, Entries: entries}, nil
}

// claimApproval checks the gate and marks the approval used
func (s *Service) claimApproval(ctx context.Context, operationID string) error {
	req, ok := s.approvals.Status(ctx, operationID)
	if !ok {
		return errors.Wrapf(ErrApprovalRequired, "operation %s has no approval request", operationID)
	}
	if !approval.RequiresApproval(req.OperationType) {
		return errors.Wrapf(ErrApprovalRequired, "operation %s is %s", operationID, req.OperationType)
	}
	if req.Status != models.ApprovalApproved {
		return errors.Wrapf(ErrApprovalRequired, "operation %s is %s", operationID, req.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed[operationID] {
		return errors.Wrapf(ErrApprovalConsumed, "operation %s", operationID)
	}
	s.consumed[operationID] = true
	return nil
}

func (s *Service) releaseApproval(operationID string) {
	s.mu.Lock()
	delete(s.consumed, operationID)
	s.mu.Unlock()
}

func (s *Service) recordDenial(ctx context.Context, operationID, operatorID string, cause error) {
	inputHash, err := crypto.HashJSON(map[string]interface{}{"operation_id": operationID})
	if err != nil {
		return
	}
	if err := s.appendAudit(ctx, audit.Record{
		Operation:  OpArchive,
		InputHash:  inputHash,
		OperatorID: operatorID,
		Approved:   false,
		Metadata: map[string]interface{}{
			"operation_id": operationID,
			"error":        cause.Error(),
		},
	}); err != nil {
		s.logger.WithError(err).Error("failed to record archive denial")
	}
}

func (s *Service) recordApproval(ctx context.Context, op, inputHash string, req models.ApprovalRequest, operatorID string, approved bool, cause error) error {
	outcome := map[string]interface{}{
		"operation_id": req.OperationID,
		"status":       string(req.Status),
	}
	metadata := map[string]interface{}{
		"operation_id":   req.OperationID,
		"operation_type": string(req.OperationType),
		"status":         string(req.Status),
	}
	if cause != nil {
		outcome["error"] = cause.Error()
		metadata["error"] = cause.Error()
	}
	outputHash, err := crypto.HashJSON(outcome)
	if err != nil {
		return errors.Wrap(err, "hash approval outcome")
	}

	if err := s.appendAudit(ctx, audit.Record{
		Operation:  op,
		InputHash:  inputHash,
		OutputHash: outputHash,
		OperatorID: operatorID,
		Approved:   approved,
		Metadata:   metadata,
	}); err != nil {
		return err
	}
	if cause == nil || errors.Is(cause, approval.ErrExpired) {
		s.metrics.ApprovalTransitions.WithLabelValues(string(req.Status)).Inc()
	}
	return nil
}

func (s *Service) appendAudit(ctx context.Context, rec audit.Record) error {
	if _, err := s.audit.Append(ctx, rec); err != nil {
		return errors.Wrapf(err, "record %s", rec.Operation)
	}
	s.metrics.AuditAppends.Inc()
	return nil
}

// publish sends an event for req. Delivery failures are logged.
func (s *Service) publish(ctx context.Context, req models.ApprovalRequest) {
	if err := s.notifier.Notify(ctx, notification.EventFor(req)); err != nil {
		s.logger.WithError(err).WithField("operation_id", req.OperationID).Warn("failed to publish approval event")
	}
}

// OutputHash is the SHA-256 of v's JSON encoding with object keys sorted
func OutputHash(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode result")
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", errors.Wrap(err, "decode result")
	}
	return crypto.HashJSON(generic)
}

func entryHashes(entries []models.AuditEntry) []string {
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.EntryHash
	}
	return hashes
}
