// Package approval tracks operator sign-off for operations that change state.
//
// A request starts pending and moves to approved, rejected or expired
// exactly once. Expiry is lazy: a pending request past its deadline is
// promoted to expired the next time it is read or approved. There is no
// background sweeper.
package approval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

const (
	// DefaultTimeout applies when a request does not name one
	DefaultTimeout = 300 * time.Second
	// MaxTimeout bounds how long a request may stay pending
	MaxTimeout = 7 * 24 * time.Hour
)

var (
	ErrNotFound             = errors.New("approval request not found")
	ErrAlreadyExists        = errors.New("approval request already exists")
	ErrInvalidTransition    = errors.New("approval request is not pending")
	ErrExpired              = errors.New("approval request expired")
	ErrInvalidSignature     = errors.New("approval signature does not verify")
	ErrInvalidOperationType = errors.New("unknown operation type")
	ErrMissingOperationID   = errors.New("operation id is required")
	ErrTimeoutTooLong       = errors.New("approval timeout exceeds the maximum")
)

// Sink mirrors every record change to durable storage
type Sink interface {
	SaveApproval(ctx context.Context, req models.ApprovalRequest) error
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithVerifier requires a signature over the request hash on approve
func WithVerifier(v crypto.Verifier) Option {
	return func(r *Registry) { r.verifier = v }
}

// WithDefaultTimeout overrides DefaultTimeout
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger used for sink failures
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithSink mirrors changes to s
func WithSink(s Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// Registry holds every approval request keyed by operation id
type Registry struct {
	mu       sync.Mutex
	requests map[string]*models.ApprovalRequest

	now            func() time.Time
	verifier       crypto.Verifier
	defaultTimeout time.Duration
	sink           Sink
	logger         logrus.FieldLogger
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		requests:       make(map[string]*models.ApprovalRequest),
		now:            time.Now,
		defaultTimeout: DefaultTimeout,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RequiresApproval reports whether operations of this type need sign-off
func RequiresApproval(t models.OperationType) bool {
	return t == models.OperationStateChange || t == models.OperationCritical
}

// RequiresApproval is the method form of the package function
func (r *Registry) RequiresApproval(t models.OperationType) bool {
	return RequiresApproval(t)
}

// Request creates a pending request that expires timeout after now.
// A non-positive timeout uses the registry default.
func (r *Registry) Request(ctx context.Context, operationID string, opType models.OperationType, description, operatorID string, timeout time.Duration) (models.ApprovalRequest, error) {
	if strings.TrimSpace(operationID) == "" {
		return models.ApprovalRequest{}, ErrMissingOperationID
	}
	if !opType.Valid() {
		return models.ApprovalRequest{}, errors.Wrapf(ErrInvalidOperationType, "%q", opType)
	}
	if timeout > MaxTimeout {
		return models.ApprovalRequest{}, errors.Wrapf(ErrTimeoutTooLong, "%s > %s", timeout, MaxTimeout)
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	if _, exists := r.requests[operationID]; exists {
		r.mu.Unlock()
		return models.ApprovalRequest{}, errors.Wrapf(ErrAlreadyExists, "operation %s", operationID)
	}

	now := r.now().UTC()
	req := &models.ApprovalRequest{
		OperationID:   operationID,
		OperationType: opType,
		Description:   description,
		OperatorID:    operatorID,
		Status:        models.ApprovalPending,
		RequestedAt:   now,
		ExpiresAt:     now.Add(timeout),
	}
	hash, err := RequestHash(*req)
	if err != nil {
		r.mu.Unlock()
		return models.ApprovalRequest{}, errors.Wrap(err, "hash approval request")
	}
	req.RequestHash = hash

	r.requests[operationID] = req
	out := req.Clone()
	r.mu.Unlock()

	r.persist(ctx, out)
	return out, nil
}

// Approve moves a pending request to approved. A request past its
// deadline is marked expired and ErrExpired is returned.
func (r *Registry) Approve(ctx context.Context, operationID, operatorID, signature string) (models.ApprovalRequest, error) {
	r.mu.Lock()
	req, ok := r.requests[operationID]
	if !ok {
		r.mu.Unlock()
		return models.ApprovalRequest{}, errors.Wrapf(ErrNotFound, "operation %s", operationID)
	}

	now := r.now().UTC()
	if r.expireLocked(req, now) {
		out := req.Clone()
		r.mu.Unlock()
		r.persist(ctx, out)
		return out, errors.Wrapf(ErrExpired, "operation %s expired at %s", operationID, out.ExpiresAt.Format(time.RFC3339))
	}
	if req.Status.Terminal() {
		out := req.Clone()
		r.mu.Unlock()
		return out, errors.Wrapf(ErrInvalidTransition, "operation %s is %s", operationID, out.Status)
	}
	if r.verifier != nil && (signature == "" || !r.verifier.Verify(req.RequestHash, signature)) {
		out := req.Clone()
		r.mu.Unlock()
		return out, errors.Wrapf(ErrInvalidSignature, "operation %s", operationID)
	}

	req.Status = models.ApprovalApproved
	req.OperatorID = operatorID
	req.ApprovedAt = &now
	req.Signature = signature
	out := req.Clone()
	r.mu.Unlock()

	r.persist(ctx, out)
	return out, nil
}

// Reject moves a pending request to rejected. Unlike Approve it is not
// blocked by the deadline.
func (r *Registry) Reject(ctx context.Context, operationID, operatorID, reason string) (models.ApprovalRequest, error) {
	r.mu.Lock()
	req, ok := r.requests[operationID]
	if !ok {
		r.mu.Unlock()
		return models.ApprovalRequest{}, errors.Wrapf(ErrNotFound, "operation %s", operationID)
	}
	if req.Status.Terminal() {
		out := req.Clone()
		r.mu.Unlock()
		return out, errors.Wrapf(ErrInvalidTransition, "operation %s is %s", operationID, out.Status)
	}

	now := r.now().UTC()
	req.Status = models.ApprovalRejected
	req.OperatorID = operatorID
	req.RejectedAt = &now
	req.RejectionReason = reason
	out := req.Clone()
	r.mu.Unlock()

	r.persist(ctx, out)
	return out, nil
}

// Status returns the request, promoting it to expired if its deadline passed
func (r *Registry) Status(ctx context.Context, operationID string) (models.ApprovalRequest, bool) {
	r.mu.Lock()
	req, ok := r.requests[operationID]
	if !ok {
		r.mu.Unlock()
		return models.ApprovalRequest{}, false
	}
	expired := r.expireLocked(req, r.now().UTC())
	out := req.Clone()
	r.mu.Unlock()

	if expired {
		r.persist(ctx, out)
	}
	return out, true
}

// Resume loads requests recovered from durable storage. Ids already held
// in memory are kept as they are. It returns how many requests were loaded.
func (r *Registry) Resume(reqs []models.ApprovalRequest) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, req := range reqs {
		if req.OperationID == "" {
			continue
		}
		if _, exists := r.requests[req.OperationID]; exists {
			continue
		}
		stored := req.Clone()
		r.requests[req.OperationID] = &stored
		loaded++
	}
	return loaded
}

// List returns every request ordered by request time, applying lazy expiry
func (r *Registry) List(ctx context.Context) []models.ApprovalRequest {
	r.mu.Lock()
	now := r.now().UTC()
	out := make([]models.ApprovalRequest, 0, len(r.requests))
	var expired []models.ApprovalRequest
	for _, req := range r.requests {
		if r.expireLocked(req, now) {
			expired = append(expired, req.Clone())
		}
		out = append(out, req.Clone())
	}
	r.mu.Unlock()

	for _, req := range expired {
		r.persist(ctx, req)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].OperationID < out[j].OperationID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// expireLocked promotes a pending request whose deadline has passed.
// r.mu must be held.
func (r *Registry) expireLocked(req *models.ApprovalRequest, now time.Time) bool {
	if req.Status == models.ApprovalPending && now.After(req.ExpiresAt) {
		req.Status = models.ApprovalExpired
		return true
	}
	return false
}

// persist mirrors req to the sink. The in-memory transition has already
// happened, so failures are logged rather than returned.
func (r *Registry) persist(ctx context.Context, req models.ApprovalRequest) {
	if r.sink == nil {
		return
	}
	if err := r.sink.SaveApproval(ctx, req); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"operation_id": req.OperationID,
			"status":       req.Status,
		}).Error("failed to persist approval request")
	}
}

// RequestHash is the digest of the immutable fields of a request. It is
// the value an operator signs when approving.
func RequestHash(req models.ApprovalRequest) (string, error) {
	return crypto.HashJSON(map[string]interface{}{
		"operation_id":   req.OperationID,
		"operation_type": string(req.OperationType),
		"description":    req.Description,
		"requested_at":   req.RequestedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":     req.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}
