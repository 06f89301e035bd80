// Package notification publishes approval lifecycle events to Redis so
// operators watching the queue see requests as they arrive.
package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/attestd/internal/models"
)

const (
	// Channel is the pub/sub channel events are published on
	Channel = "attestd:approvals"
	// HistoryKey holds the most recent events, newest first
	HistoryKey = "attestd:approvals:history"
	// HistorySize bounds the history list
	HistorySize = 100
)

// Event types
const (
	EventRequested = "approval.requested"
	EventApproved  = "approval.approved"
	EventRejected  = "approval.rejected"
	EventExpired   = "approval.expired"
)

// Client is the subset of *redis.Client the service uses
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

var _ Client = (*redis.Client)(nil)

// Event is one approval state change
type Event struct {
	ID            uuid.UUID              `json:"id"`
	Type          string                 `json:"type"`
	OperationID   string                 `json:"operation_id"`
	OperationType models.OperationType   `json:"operation_type"`
	Status        models.ApprovalStatus  `json:"status"`
	OperatorID    string                 `json:"operator_id,omitempty"`
	Description   string                 `json:"description,omitempty"`
	ExpiresAt     time.Time              `json:"expires_at"`
	CreatedAt     time.Time              `json:"created_at"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// Service handles approval notifications
type Service struct {
	client Client
	now    func() time.Time
}

// NewService wraps client. A nil client turns every call into a no-op.
func NewService(client Client) *Service {
	return &Service{client: client, now: time.Now}
}

// NewRedisService dials the Redis URL; an empty URL disables notifications
func NewRedisService(redisURL string) (*Service, *redis.Client, error) {
	if redisURL == "" {
		return NewService(nil), nil, nil
	}
	opts := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parse redis url")
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)
	return NewService(rdb), rdb, nil
}

// Enabled reports whether events reach Redis
func (s *Service) Enabled() bool {
	return s.client != nil
}

// EventFor builds the event describing req's current status
func EventFor(req models.ApprovalRequest) Event {
	var typ string
	switch req.Status {
	case models.ApprovalApproved:
		typ = EventApproved
	case models.ApprovalRejected:
		typ = EventRejected
	case models.ApprovalExpired:
		typ = EventExpired
	default:
		typ = EventRequested
	}
	return Event{
		Type:          typ,
		OperationID:   req.OperationID,
		OperationType: req.OperationType,
		Status:        req.Status,
		OperatorID:    req.OperatorID,
		Description:   req.Description,
		ExpiresAt:     req.ExpiresAt,
	}
}

// Notify publishes the event and records it in the history list
func (s *Service) Notify(ctx context.Context, event Event) error {
	if s.client == nil {
		return nil
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	if err := s.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return errors.Wrap(err, "publish event")
	}
	if err := s.client.LPush(ctx, HistoryKey, payload).Err(); err != nil {
		return errors.Wrap(err, "record event")
	}
	if err := s.client.LTrim(ctx, HistoryKey, 0, HistorySize-1).Err(); err != nil {
		return errors.Wrap(err, "trim event history")
	}
	return nil
}

// Recent returns up to limit events, newest first. Entries that no longer
// decode are skipped.
func (s *Service) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s.client == nil {
		return []Event{}, nil
	}
	if limit <= 0 || limit > HistorySize {
		limit = HistorySize
	}

	data, err := s.client.LRange(ctx, HistoryKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read event history")
	}

	events := make([]Event, 0, len(data))
	for _, item := range data {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
