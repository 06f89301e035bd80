package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/approval"
)

type mockDB struct {
	mock.Mock
}

func (m *mockDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	called := m.Called(query, args)
	return driver.RowsAffected(1), called.Error(0)
}

func (m *mockDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, m.Called(query, args).Error(0)
}

func (m *mockDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	m.Called(query, args)
	return nil
}

// fakeRow copies fixed values into Scan destinations
type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.values[i].(int64)
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case *[]byte:
			if r.values[i] != nil {
				*p = r.values[i].([]byte)
			}
		case *sql.NullString:
			if err := p.Scan(r.values[i]); err != nil {
				return err
			}
		case *pq.NullTime:
			if err := p.Scan(r.values[i]); err != nil {
				return err
			}
		default:
			return errors.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

func TestAuditRepositoryPersist(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	operator := "alice"

	t.Run("should insert every hashed field", func(t *testing.T) {
		db := new(mockDB)
		db.On("ExecContext", mock.MatchedBy(func(q string) bool {
			return assert.Contains(t, q, "INSERT INTO audit_entries")
		}), mock.Anything).Return(nil).Once()

		repo := NewAuditRepository(db)
		err := repo.Persist(context.Background(), models.AuditEntry{
			Index:      3,
			Timestamp:  ts,
			Operation:  "merkle_root",
			InputHash:  "in",
			OutputHash: "out",
			OperatorID: &operator,
			Approved:   true,
			Metadata:   map[string]interface{}{"block_count": 2},
			PrevHash:   "prev",
			EntryHash:  "hash",
		})
		require.NoError(t, err)

		args := db.Calls[0].Arguments.Get(1).([]interface{})
		require.Len(t, args, 11)
		assert.Equal(t, int64(3), args[0])
		assert.Equal(t, sql.NullString{String: "alice", Valid: true}, args[5])
		assert.JSONEq(t, `{"block_count":2}`, string(args[7].([]byte)))
		assert.Equal(t, "hash", args[9])
	})

	t.Run("should store a missing operator as NULL", func(t *testing.T) {
		db := new(mockDB)
		db.On("ExecContext", mock.Anything, mock.Anything).Return(nil).Once()

		require.NoError(t, NewAuditRepository(db).Persist(context.Background(), models.AuditEntry{Operation: "entropy"}))

		args := db.Calls[0].Arguments.Get(1).([]interface{})
		assert.False(t, args[5].(sql.NullString).Valid)
		assert.Nil(t, args[7])
	})

	t.Run("should map unique violations", func(t *testing.T) {
		db := new(mockDB)
		db.On("ExecContext", mock.Anything, mock.Anything).Return(&pq.Error{Code: "23505"}).Once()

		err := NewAuditRepository(db).Persist(context.Background(), models.AuditEntry{Index: 1})
		assert.True(t, errors.Is(err, ErrDuplicateEntry))
	})

	t.Run("should wrap other failures", func(t *testing.T) {
		db := new(mockDB)
		db.On("ExecContext", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Once()

		err := NewAuditRepository(db).Persist(context.Background(), models.AuditEntry{Index: 1})
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrDuplicateEntry))
	})
}

func TestScanAuditEntry(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("should decode operator and metadata", func(t *testing.T) {
		row := fakeRow{values: []interface{}{
			int64(0), ts, "entropy", "in", "out", "bob", false,
			[]byte(`{"symbols":12}`), "", "h", "",
		}}
		e, err := scanAuditEntry(row)
		require.NoError(t, err)
		require.NotNil(t, e.OperatorID)
		assert.Equal(t, "bob", *e.OperatorID)
		assert.Equal(t, float64(12), e.Metadata["symbols"])
	})

	t.Run("should leave NULL columns empty", func(t *testing.T) {
		row := fakeRow{values: []interface{}{
			int64(1), ts, "entropy", "in", "out", nil, true, nil, "p", "h", "",
		}}
		e, err := scanAuditEntry(row)
		require.NoError(t, err)
		assert.Nil(t, e.OperatorID)
		assert.Nil(t, e.Metadata)
	})

	t.Run("should fail on corrupt metadata", func(t *testing.T) {
		row := fakeRow{values: []interface{}{
			int64(1), ts, "entropy", "in", "out", nil, true, []byte("{"), "p", "h", "",
		}}
		_, err := scanAuditEntry(row)
		assert.Error(t, err)
	})
}

func TestApprovalRepository(t *testing.T) {
	requested := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("should only advance pending rows", func(t *testing.T) {
		db := new(mockDB)
		db.On("ExecContext", mock.Anything, mock.Anything).Return(nil).Once()

		approvedAt := requested.Add(time.Minute)
		err := NewApprovalRepository(db).SaveApproval(context.Background(), models.ApprovalRequest{
			OperationID:   "op-1",
			OperationType: models.OperationStateChange,
			Status:        models.ApprovalApproved,
			RequestedAt:   requested,
			ExpiresAt:     requested.Add(5 * time.Minute),
			ApprovedAt:    &approvedAt,
		})
		require.NoError(t, err)

		query := db.Calls[0].Arguments.String(0)
		assert.Contains(t, query, "ON CONFLICT (operation_id) DO UPDATE")
		assert.Contains(t, query, "WHERE approval_requests.status = 'pending'")

		args := db.Calls[0].Arguments.Get(1).([]interface{})
		assert.Equal(t, "approved", args[4])
		assert.Equal(t, pq.NullTime{Time: approvedAt, Valid: true}, args[7])
		assert.False(t, args[8].(pq.NullTime).Valid)
	})

	t.Run("should wrap exec failures", func(t *testing.T) {
		db := new(mockDB)
		db.On("ExecContext", mock.Anything, mock.Anything).Return(errors.New("down")).Once()

		err := NewApprovalRepository(db).SaveApproval(context.Background(), models.ApprovalRequest{OperationID: "op-2"})
		assert.Error(t, err)
	})

	t.Run("should scan a stored request", func(t *testing.T) {
		rejectedAt := requested.Add(time.Minute)
		row := fakeRow{values: []interface{}{
			"op-3", "critical", "drop table", "carol", "rejected",
			requested, requested.Add(time.Hour), nil, rejectedAt,
			"", "too risky", "rh",
		}}
		req, err := scanApproval(row)
		require.NoError(t, err)
		assert.Equal(t, models.OperationCritical, req.OperationType)
		assert.Equal(t, models.ApprovalRejected, req.Status)
		assert.Nil(t, req.ApprovedAt)
		require.NotNil(t, req.RejectedAt)
		assert.Equal(t, rejectedAt, *req.RejectedAt)
		assert.Equal(t, "too risky", req.RejectionReason)
	})

	t.Run("should pass scan errors through", func(t *testing.T) {
		_, err := scanApproval(fakeRow{err: sql.ErrNoRows})
		assert.Equal(t, sql.ErrNoRows, errors.Cause(err))
	})

	t.Run("should report missing rows as not found", func(t *testing.T) {
		_, err := loadApproval(fakeRow{err: sql.ErrNoRows}, "op-4")
		assert.True(t, errors.Is(err, approval.ErrNotFound))

		_, err = loadApproval(fakeRow{err: errors.New("conn reset")}, "op-4")
		assert.False(t, errors.Is(err, approval.ErrNotFound))
	})

	t.Run("should load a stored request", func(t *testing.T) {
		row := fakeRow{values: []interface{}{
			"op-5", "state_change", "rotate", "", "pending",
			requested, requested.Add(time.Hour), nil, nil, "", "", "rh",
		}}
		req, err := loadApproval(row, "op-5")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalPending, req.Status)
		assert.Equal(t, "rh", req.RequestHash)
	})

	t.Run("should filter by status", func(t *testing.T) {
		db := new(mockDB)
		db.On("QueryContext", mock.Anything, mock.Anything).Return(errors.New("down")).Once()

		_, err := NewApprovalRepository(db).ListByStatus(context.Background(), models.ApprovalPending, models.ApprovalApproved)
		assert.Error(t, err)

		query := db.Calls[0].Arguments.String(0)
		assert.Contains(t, query, "WHERE status = ANY($1)")
		args := db.Calls[0].Arguments.Get(1).([]interface{})
		assert.Equal(t, pq.Array([]string{"pending", "approved"}), args[0])
	})
}

func TestAuditRepositoryList(t *testing.T) {
	t.Run("should read the trail in index order", func(t *testing.T) {
		db := new(mockDB)
		db.On("QueryContext", mock.Anything, mock.Anything).Return(errors.New("down")).Once()

		_, err := NewAuditRepository(db).List(context.Background())
		assert.Error(t, err)
		assert.Contains(t, db.Calls[0].Arguments.String(0), "ORDER BY idx")
	})
}

func TestOpen(t *testing.T) {
	t.Run("should require a url", func(t *testing.T) {
		db, err := Open(context.Background(), "")
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}
