package subscriptions

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecino-dev/vecino/pkg/auth"
	"github.com/vecino-dev/vecino/pkg/observability"
)

var (
	getSubQuery     = regexp.QuoteMeta(`SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE owner_id = $1 FOR UPDATE`)
	persistQuery    = regexp.QuoteMeta(`UPDATE subscriptions SET status = $1, is_trial = $2, expiry_date = $3, cancelled_at = $4, trial_expired_at = $5, data_deletion_date = $6, purged_at = $7, original_roles = $8, updated_at = NOW() WHERE id = $9`)
	ownerRoleQuery  = regexp.QuoteMeta(`SELECT role FROM users WHERE id = $1 FOR UPDATE`)
	communityQuery  = regexp.QuoteMeta(`SELECT id FROM communities WHERE owner_id = $1`)
	lockMembersStmt = regexp.QuoteMeta(`SELECT u.id, u.role FROM users u JOIN memberships m ON m.user_id = u.id WHERE m.community_id = $1 AND u.id <> $2 ORDER BY u.id ASC FOR UPDATE OF u`)
	floorMembersStm = regexp.QuoteMeta(`SELECT u.id FROM users u JOIN memberships m ON m.user_id = u.id WHERE m.community_id = $1 AND u.role = $2 AND u.id <> $3 ORDER BY u.id ASC FOR UPDATE OF u`)
	demoteRolesStmt = regexp.QuoteMeta(`UPDATE users SET role = $1, updated_at = NOW() WHERE id = ANY($2)`)
	setRoleStmt     = regexp.QuoteMeta(`UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`)
	reportExistsQry = regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM security_reports WHERE community_id = $1 AND reporter_id = $2)`)
)

// notNull matches any non-NULL argument
type notNull struct{}

func (notNull) Match(v driver.Value) bool { return v != nil }

func newTestEngine(t *testing.T, config *Config) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewEngine(db, config, logger, nil), mock
}

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func subscriptionRow(sub *Subscription) *sqlmock.Rows {
	snapshot, _ := json.Marshal(sub.OriginalRoles)
	return sqlmock.NewRows([]string{
		"id", "owner_id", "status", "is_trial", "start_date", "expiry_date",
		"cancelled_at", "trial_expired_at", "data_deletion_date", "purged_at",
		"original_roles", "created_at", "updated_at",
	}).AddRow(
		sub.ID, sub.OwnerID, string(sub.Status), sub.IsTrial, sub.StartDate,
		timeValue(sub.ExpiryDate), timeValue(sub.CancelledAt), timeValue(sub.TrialExpiredAt),
		timeValue(sub.DataDeletionDate), timeValue(sub.PurgedAt),
		snapshot, sub.CreatedAt, sub.UpdatedAt,
	)
}

func TestEngineCheckAndReconcile(t *testing.T) {
	t.Run("expires past-due subscription and demotes community", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		past := time.Now().Add(-time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusActive, StartDate: past.Add(-24 * time.Hour), ExpiryDate: &past}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("communityowner"))
		mock.ExpectQuery(communityQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery(lockMembersStmt).WithArgs(int64(10), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "role"}).
				AddRow(int64(2), "resident").
				AddRow(int64(3), "security"))
		mock.ExpectExec(demoteRolesStmt).WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec(persistQuery).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		status, err := engine.CheckAndReconcile(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stamps retention dates when a trial expires", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		past := time.Now().Add(-time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusActive, IsTrial: true, StartDate: past.Add(-24 * time.Hour), ExpiryDate: &past}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("communityowner"))
		mock.ExpectQuery(communityQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery(lockMembersStmt).WithArgs(int64(10), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "role"}))
		mock.ExpectExec(demoteRolesStmt).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(persistQuery).
			WithArgs("expired", true, sqlmock.AnyArg(), nil, notNull{}, notNull{}, nil, sqlmock.AnyArg(), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		status, err := engine.CheckAndReconcile(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancelled subscription past its expiry is swept", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		past := time.Now().Add(-time.Hour)
		cancelled := past.Add(-48 * time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusCancelled, StartDate: cancelled.Add(-24 * time.Hour), ExpiryDate: &past, CancelledAt: &cancelled}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("communityowner"))
		mock.ExpectQuery(communityQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery(lockMembersStmt).WithArgs(int64(10), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "role"}).
				AddRow(int64(2), "resident"))
		mock.ExpectExec(demoteRolesStmt).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(persistQuery).
			WithArgs("expired", false, sqlmock.AnyArg(), notNull{}, nil, nil, nil, sqlmock.AnyArg(), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		status, err := engine.CheckAndReconcile(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancelled trial past its expiry gets retention stamps", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		past := time.Now().Add(-time.Hour)
		cancelled := past.Add(-48 * time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusCancelled, IsTrial: true, StartDate: cancelled.Add(-24 * time.Hour), ExpiryDate: &past, CancelledAt: &cancelled}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("communityowner"))
		mock.ExpectQuery(communityQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery(lockMembersStmt).WithArgs(int64(10), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "role"}))
		mock.ExpectExec(demoteRolesStmt).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(persistQuery).
			WithArgs("expired", true, sqlmock.AnyArg(), notNull{}, notNull{}, notNull{}, nil, sqlmock.AnyArg(), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		status, err := engine.CheckAndReconcile(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancelled subscription without an expiry date stays cancelled", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		cancelled := time.Now().Add(-time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusCancelled, StartDate: cancelled.Add(-24 * time.Hour), CancelledAt: &cancelled}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectCommit()

		status, err := engine.CheckAndReconcile(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("active subscription before expiry is untouched", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		future := time.Now().Add(time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusActive, StartDate: time.Now(), ExpiryDate: &future}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectCommit()

		status, err := engine.CheckAndReconcile(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already expired subscription is a no-op", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		past := time.Now().Add(-time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusExpired, StartDate: past, ExpiryDate: &past}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectCommit()

		status, err := engine.CheckAndReconcile(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing ledger", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err := engine.CheckAndReconcile(context.Background(), 1)
		assert.ErrorIs(t, err, ErrSubscriptionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retries serialization conflicts transparently", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		future := time.Now().Add(time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusActive, StartDate: time.Now(), ExpiryDate: &future}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).
			WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectCommit()

		status, err := engine.CheckAndReconcile(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("surfaces ErrTryAgain when retries are exhausted", func(t *testing.T) {
		config := DefaultConfig()
		config.MaxRetries = 1
		engine, mock := newTestEngine(t, config)

		for i := 0; i < 2; i++ {
			mock.ExpectBegin()
			mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).
				WillReturnError(&pq.Error{Code: "40P01"})
			mock.ExpectRollback()
		}

		_, err := engine.CheckAndReconcile(context.Background(), 1)
		assert.ErrorIs(t, err, ErrTryAgain)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEngineIsActive(t *testing.T) {
	t.Run("true for active subscription", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		future := time.Now().Add(time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusActive, StartDate: time.Now(), ExpiryDate: &future}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectCommit()

		active, err := engine.IsActive(context.Background(), 1)
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("missing ledger denies without failing", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		active, err := engine.IsActive(context.Background(), 1)
		require.NoError(t, err)
		assert.False(t, active)
	})
}

func TestEngineCancel(t *testing.T) {
	t.Run("cancellation does not demote by default", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		future := time.Now().Add(time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusActive, StartDate: time.Now(), ExpiryDate: &future}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectExec(persistQuery).
			WithArgs("cancelled", false, sqlmock.AnyArg(), notNull{}, nil, nil, nil, sqlmock.AnyArg(), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := engine.Cancel(context.Background(), 1)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DemoteOnCancel demotes immediately", func(t *testing.T) {
		config := DefaultConfig()
		config.DemoteOnCancel = true
		engine, mock := newTestEngine(t, config)
		future := time.Now().Add(time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusActive, StartDate: time.Now(), ExpiryDate: &future}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("communityowner"))
		mock.ExpectQuery(communityQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery(lockMembersStmt).WithArgs(int64(10), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "role"}).AddRow(int64(2), "resident"))
		mock.ExpectExec(demoteRolesStmt).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(persistQuery).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := engine.Cancel(context.Background(), 1)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEngineActivate(t *testing.T) {
	t.Run("restores roles before flipping status", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		past := time.Now().Add(-time.Hour)
		sub := &Subscription{
			ID: 7, OwnerID: 1, Status: StatusExpired, StartDate: past, ExpiryDate: &past,
			OriginalRoles: RoleSnapshot{
				OwnerRole: auth.RoleCommunityOwner,
				Members:   map[int64]auth.Role{2: auth.RoleSecurity},
			},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectExec(setRoleStmt).WithArgs("communityowner", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(communityQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery(floorMembersStm).WithArgs(int64(10), "guest", int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)).AddRow(int64(3)))
		mock.ExpectExec(setRoleStmt).WithArgs("security", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		// member 3 has no snapshot entry: heuristic fallback
		mock.ExpectQuery(reportExistsQry).WithArgs(int64(10), int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec(setRoleStmt).WithArgs("resident", int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		// snapshot is consumed and the lapse fields cleared in one write
		mock.ExpectExec(persistQuery).
			WithArgs("active", false, nil, nil, nil, nil, nil, []byte(`{}`), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := engine.Activate(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("report history restores a member to security", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		past := time.Now().Add(-time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusExpired, StartDate: past}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectExec(setRoleStmt).WithArgs("communityowner", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(communityQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery(floorMembersStm).WithArgs(int64(10), "guest", int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))
		mock.ExpectQuery(reportExistsQry).WithArgs(int64(10), int64(4)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectExec(setRoleStmt).WithArgs("security", int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(persistQuery).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := engine.Activate(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("activating an active subscription only extends it", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		future := time.Now().Add(time.Hour)
		later := time.Now().Add(30 * 24 * time.Hour)
		sub := &Subscription{ID: 7, OwnerID: 1, Status: StatusActive, StartDate: time.Now(), ExpiryDate: &future}

		mock.ExpectBegin()
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectExec(persistQuery).
			WithArgs("active", false, later, nil, nil, nil, nil, sqlmock.AnyArg(), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := engine.Activate(context.Background(), 1, &later)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEngineStartTrial(t *testing.T) {
	insertQuery := regexp.QuoteMeta(`INSERT INTO subscriptions (owner_id, status, is_trial, start_date, expiry_date, original_roles) VALUES ($1, $2, TRUE, $3, $4, '{}') RETURNING id, created_at, updated_at`)

	t.Run("guest gets a fresh trial and the owner role", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		now := time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("guest"))
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec(setRoleStmt).WithArgs("communityowner", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(insertQuery).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(int64(7), now, now))
		mock.ExpectCommit()

		sub, err := engine.StartTrial(context.Background(), 1, 14)
		require.NoError(t, err)
		assert.Equal(t, int64(7), sub.ID)
		assert.Equal(t, StatusActive, sub.Status)
		assert.True(t, sub.IsTrial)
		require.NotNil(t, sub.ExpiryDate)
		assert.WithinDuration(t, now.AddDate(0, 0, 14), *sub.ExpiryDate, time.Minute)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("resident may not start a trial", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)

		mock.ExpectBegin()
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("resident"))
		mock.ExpectRollback()

		_, err := engine.StartTrial(context.Background(), 1, 14)
		assert.ErrorIs(t, err, ErrTrialNotAllowed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reactivating a lapsed ledger restores and clears retention", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)
		past := time.Now().Add(-time.Hour)
		deletion := time.Now().AddDate(0, 1, 0)
		sub := &Subscription{
			ID: 7, OwnerID: 1, Status: StatusExpired, IsTrial: true,
			StartDate: past, ExpiryDate: &past, TrialExpiredAt: &past, DataDeletionDate: &deletion,
			OriginalRoles: RoleSnapshot{OwnerRole: auth.RoleCommunityOwner},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("guest"))
		mock.ExpectQuery(getSubQuery).WithArgs(int64(1)).WillReturnRows(subscriptionRow(sub))
		mock.ExpectExec(setRoleStmt).WithArgs("communityowner", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(communityQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery(floorMembersStm).WithArgs(int64(10), "guest", int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec(persistQuery).
			WithArgs("active", true, notNull{}, nil, nil, nil, nil, []byte(`{}`), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sub, err := engine.StartTrial(context.Background(), 1, 14)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, sub.Status)
		assert.Nil(t, sub.TrialExpiredAt)
		assert.Nil(t, sub.DataDeletionDate)
		assert.True(t, sub.OriginalRoles.IsEmpty())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing user", func(t *testing.T) {
		engine, mock := newTestEngine(t, nil)

		mock.ExpectBegin()
		mock.ExpectQuery(ownerRoleQuery).WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}))
		mock.ExpectRollback()

		_, err := engine.StartTrial(context.Background(), 1, 14)
		assert.ErrorIs(t, err, auth.ErrUserNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
