package approval_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/approval"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) SaveApproval(ctx context.Context, req models.ApprovalRequest) error {
	return m.Called(ctx, req).Error(0)
}

var ctx = context.Background()

func TestRequest(t *testing.T) {
	t.Run("should create a pending request with expiry", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now))

		req, err := reg.Request(ctx, "op1", models.OperationStateChange, "rotate keys", "", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalPending, req.Status)
		assert.Equal(t, clk.Now(), req.RequestedAt)
		assert.Equal(t, clk.Now().Add(time.Minute), req.ExpiresAt)
		assert.Len(t, req.RequestHash, 64)
		assert.Nil(t, req.ApprovedAt)
		assert.Nil(t, req.RejectedAt)
	})

	t.Run("should reject duplicate operation ids", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "a", "", time.Minute)
		require.NoError(t, err)

		_, err = reg.Request(ctx, "op1", models.OperationCritical, "b", "", time.Minute)
		assert.True(t, errors.Is(err, approval.ErrAlreadyExists))

		req, ok := reg.Status(ctx, "op1")
		require.True(t, ok)
		assert.Equal(t, "a", req.Description)
	})

	t.Run("should refuse timeouts beyond the maximum", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, "op1", models.OperationCritical, "", "", approval.MaxTimeout+time.Second)
		assert.True(t, errors.Is(err, approval.ErrTimeoutTooLong))
		_, ok := reg.Status(ctx, "op1")
		assert.False(t, ok)

		req, err := reg.Request(ctx, "op2", models.OperationCritical, "", "", approval.MaxTimeout)
		require.NoError(t, err)
		assert.Equal(t, approval.MaxTimeout, req.ExpiresAt.Sub(req.RequestedAt))
	})

	t.Run("should apply the default timeout", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now), approval.WithDefaultTimeout(90*time.Second))

		req, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", 0)
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, req.ExpiresAt.Sub(req.RequestedAt))
	})

	t.Run("should validate id and type", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, " ", models.OperationStateChange, "", "", time.Minute)
		assert.True(t, errors.Is(err, approval.ErrMissingOperationID))

		_, err = reg.Request(ctx, "op1", models.OperationType("delete_everything"), "", "", time.Minute)
		assert.True(t, errors.Is(err, approval.ErrInvalidOperationType))
	})
}

func TestApprove(t *testing.T) {
	t.Run("should approve a pending request", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)

		clk.Advance(10 * time.Second)
		req, err := reg.Approve(ctx, "op1", "alice", "sig")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalApproved, req.Status)
		assert.Equal(t, "alice", req.OperatorID)
		assert.Equal(t, "sig", req.Signature)
		require.NotNil(t, req.ApprovedAt)
		assert.Equal(t, clk.Now(), *req.ApprovedAt)
		stored, _ := reg.Status(ctx, "op1")
		assert.Equal(t, models.ApprovalApproved, stored.Status)
	})

	t.Run("should fail for unknown ids", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Approve(ctx, "missing", "alice", "")
		assert.True(t, errors.Is(err, approval.ErrNotFound))
	})

	t.Run("should expire requests approved too late", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Second)
		require.NoError(t, err)

		clk.Advance(1500 * time.Millisecond)
		_, err = reg.Approve(ctx, "op1", "alice", "")
		assert.True(t, errors.Is(err, approval.ErrExpired))

		req, ok := reg.Status(ctx, "op1")
		require.True(t, ok)
		assert.Equal(t, models.ApprovalExpired, req.Status)
		assert.Nil(t, req.ApprovedAt)
	})

	t.Run("should still approve exactly at the deadline", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Second)
		require.NoError(t, err)

		clk.Advance(time.Second)
		_, err = reg.Approve(ctx, "op1", "alice", "")
		assert.NoError(t, err)
	})

	t.Run("should allow only one terminal transition", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)

		_, err = reg.Approve(ctx, "op1", "alice", "")
		require.NoError(t, err)
		_, err = reg.Approve(ctx, "op1", "bob", "")
		assert.True(t, errors.Is(err, approval.ErrInvalidTransition))
		_, err = reg.Reject(ctx, "op1", "bob", "changed my mind")
		assert.True(t, errors.Is(err, approval.ErrInvalidTransition))

		req, _ := reg.Status(ctx, "op1")
		assert.Equal(t, "alice", req.OperatorID)
		assert.Equal(t, models.ApprovalApproved, req.Status)
	})
}

func TestApproveWithVerifier(t *testing.T) {
	signer, err := crypto.NewSecp256k1Signer()
	require.NoError(t, err)

	t.Run("should accept a signature over the request hash", func(t *testing.T) {
		reg := approval.NewRegistry(approval.WithVerifier(signer))
		req, err := reg.Request(ctx, "op1", models.OperationCritical, "", "", time.Minute)
		require.NoError(t, err)

		sig, err := signer.Sign(req.RequestHash)
		require.NoError(t, err)
		approved, err := reg.Approve(ctx, "op1", "alice", sig)
		require.NoError(t, err)
		assert.Equal(t, sig, approved.Signature)
	})

	t.Run("should keep the request pending on a bad signature", func(t *testing.T) {
		reg := approval.NewRegistry(approval.WithVerifier(signer))
		_, err := reg.Request(ctx, "op1", models.OperationCritical, "", "", time.Minute)
		require.NoError(t, err)

		sig, err := signer.Sign(crypto.HashString("something else"))
		require.NoError(t, err)
		_, err = reg.Approve(ctx, "op1", "alice", sig)
		assert.True(t, errors.Is(err, approval.ErrInvalidSignature))

		req, _ := reg.Status(ctx, "op1")
		assert.Equal(t, models.ApprovalPending, req.Status)
	})

	t.Run("should refuse a missing signature", func(t *testing.T) {
		reg := approval.NewRegistry(approval.WithVerifier(signer))
		_, err := reg.Request(ctx, "op1", models.OperationCritical, "", "", time.Minute)
		require.NoError(t, err)

		_, err = reg.Approve(ctx, "op1", "mallory", "")
		assert.True(t, errors.Is(err, approval.ErrInvalidSignature))

		req, _ := reg.Status(ctx, "op1")
		assert.Equal(t, models.ApprovalPending, req.Status)
		assert.Nil(t, req.ApprovedAt)
	})
}

func TestReject(t *testing.T) {
	t.Run("should reject with reason", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := reg.Request(ctx, "op2", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)

		req, err := reg.Reject(ctx, "op2", "bob", "policy")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalRejected, req.Status)
		assert.Equal(t, "policy", req.RejectionReason)
		assert.Equal(t, "bob", req.OperatorID)
		require.NotNil(t, req.RejectedAt)
	})

	t.Run("should block a later approval", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, "op2", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)

		_, err = reg.Reject(ctx, "op2", "bob", "policy")
		require.NoError(t, err)
		_, err = reg.Approve(ctx, "op2", "alice", "")
		assert.True(t, errors.Is(err, approval.ErrInvalidTransition))
		stored, _ := reg.Status(ctx, "op2")
		assert.Equal(t, models.ApprovalRejected, stored.Status)
	})

	t.Run("should not be blocked by the deadline", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := reg.Request(ctx, "op3", models.OperationStateChange, "", "", time.Second)
		require.NoError(t, err)

		clk.Advance(time.Hour)
		req, err := reg.Reject(ctx, "op3", "bob", "")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalRejected, req.Status)
	})

	t.Run("should fail for unknown ids", func(t *testing.T) {
		_, err := approval.NewRegistry().Reject(ctx, "missing", "bob", "")
		assert.True(t, errors.Is(err, approval.ErrNotFound))
	})
}

func TestStatus(t *testing.T) {
	t.Run("should return false for unknown ids", func(t *testing.T) {
		_, ok := approval.NewRegistry().Status(ctx, "missing")
		assert.False(t, ok)
	})

	t.Run("should promote to expired lazily", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Second)
		require.NoError(t, err)

		req, _ := reg.Status(ctx, "op1")
		assert.Equal(t, models.ApprovalPending, req.Status)

		clk.Advance(2 * time.Second)
		req, _ = reg.Status(ctx, "op1")
		assert.Equal(t, models.ApprovalExpired, req.Status)

		_, err = reg.Reject(ctx, "op1", "bob", "")
		assert.True(t, errors.Is(err, approval.ErrInvalidTransition))
	})

	t.Run("should expire in real time", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", 20*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		_, err = reg.Approve(ctx, "op1", "alice", "")
		assert.True(t, errors.Is(err, approval.ErrExpired))

		req, ok := reg.Status(ctx, "op1")
		require.True(t, ok)
		assert.Equal(t, models.ApprovalExpired, req.Status)
	})

	t.Run("should return copies", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)

		req, _ := reg.Status(ctx, "op1")
		req.Status = models.ApprovalApproved
		stored, _ := reg.Status(ctx, "op1")
		assert.Equal(t, models.ApprovalPending, stored.Status)
	})
}

func TestRequiresApproval(t *testing.T) {
	cases := map[models.OperationType]bool{
		models.OperationReadOnly:    false,
		models.OperationComputeOnly: false,
		models.OperationStateChange: true,
		models.OperationCritical:    true,
	}
	for opType, want := range cases {
		assert.Equal(t, want, approval.RequiresApproval(opType), string(opType))
		assert.Equal(t, want, approval.NewRegistry().RequiresApproval(opType), string(opType))
	}
}

func TestList(t *testing.T) {
	t.Run("should order by request time and apply expiry", func(t *testing.T) {
		clk := newClock()
		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := reg.Request(ctx, "b", models.OperationStateChange, "", "", time.Second)
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
		_, err = reg.Request(ctx, "a", models.OperationStateChange, "", "", time.Hour)
		require.NoError(t, err)

		clk.Advance(time.Minute)
		list := reg.List(ctx)
		require.Len(t, list, 2)
		assert.Equal(t, "b", list[0].OperationID)
		assert.Equal(t, models.ApprovalExpired, list[0].Status)
		assert.Equal(t, models.ApprovalPending, list[1].Status)
	})
}

func TestSink(t *testing.T) {
	t.Run("should mirror each transition", func(t *testing.T) {
		sink := &mockSink{}
		sink.On("SaveApproval", mock.Anything, mock.MatchedBy(func(r models.ApprovalRequest) bool {
			return r.Status == models.ApprovalPending
		})).Return(nil).Once()
		sink.On("SaveApproval", mock.Anything, mock.MatchedBy(func(r models.ApprovalRequest) bool {
			return r.Status == models.ApprovalApproved
		})).Return(nil).Once()

		reg := approval.NewRegistry(approval.WithSink(sink))
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)
		_, err = reg.Approve(ctx, "op1", "alice", "")
		require.NoError(t, err)

		sink.AssertExpectations(t)
	})

	t.Run("should not fail transitions when the sink fails", func(t *testing.T) {
		sink := &mockSink{}
		sink.On("SaveApproval", mock.Anything, mock.Anything).Return(errors.New("db down"))

		reg := approval.NewRegistry(approval.WithSink(sink))
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)
		_, err = reg.Approve(ctx, "op1", "alice", "")
		assert.NoError(t, err)
	})
}

func TestConcurrentApproval(t *testing.T) {
	t.Run("should let exactly one operator win", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					_, err = reg.Approve(ctx, "op1", "alice", "")
				} else {
					_, err = reg.Reject(ctx, "op1", "bob", "")
				}
				if err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
	})
}

func TestResume(t *testing.T) {
	t.Run("should load persisted requests and keep their lifecycle", func(t *testing.T) {
		clk := newClock()
		prev := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := prev.Request(ctx, "op1", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)
		_, err = prev.Request(ctx, "op2", models.OperationCritical, "", "", time.Minute)
		require.NoError(t, err)
		_, err = prev.Approve(ctx, "op2", "alice", "")
		require.NoError(t, err)

		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		assert.Equal(t, 2, reg.Resume(prev.List(ctx)))

		_, err = reg.Approve(ctx, "op1", "bob", "")
		assert.NoError(t, err)
		_, err = reg.Approve(ctx, "op2", "bob", "")
		assert.True(t, errors.Is(err, approval.ErrInvalidTransition))

		clk.Advance(2 * time.Minute)
		req, ok := reg.Status(ctx, "op2")
		require.True(t, ok)
		assert.Equal(t, models.ApprovalApproved, req.Status)
	})

	t.Run("should expire loaded requests past their deadline", func(t *testing.T) {
		clk := newClock()
		prev := approval.NewRegistry(approval.WithClock(clk.Now))
		_, err := prev.Request(ctx, "op1", models.OperationStateChange, "", "", time.Minute)
		require.NoError(t, err)

		reg := approval.NewRegistry(approval.WithClock(clk.Now))
		reg.Resume(prev.List(ctx))
		clk.Advance(2 * time.Minute)

		_, err = reg.Approve(ctx, "op1", "alice", "")
		assert.True(t, errors.Is(err, approval.ErrExpired))
	})

	t.Run("should keep requests already in memory", func(t *testing.T) {
		reg := approval.NewRegistry()
		_, err := reg.Request(ctx, "op1", models.OperationStateChange, "live", "", time.Minute)
		require.NoError(t, err)

		loaded := reg.Resume([]models.ApprovalRequest{
			{OperationID: "op1", Description: "stale", Status: models.ApprovalRejected},
			{OperationID: ""},
		})
		assert.Equal(t, 0, loaded)
		req, _ := reg.Status(ctx, "op1")
		assert.Equal(t, "live", req.Description)
		assert.Equal(t, models.ApprovalPending, req.Status)
	})
}
