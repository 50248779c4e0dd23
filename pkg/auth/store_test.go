package auth

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresStore(db), mock, db
}

func userRows(id int64, username string, role Role) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "role",
		"street_address", "is_active", "created_at", "updated_at", "last_login_at",
	}).AddRow(id, username, username+"@example.com", "x", role, "12 Oak Lane", true, now, now, nil)
}

func TestGetUser(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("success", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM users WHERE id = \$1`).
			WithArgs(int64(7)).
			WillReturnRows(userRows(7, "maria", RoleResident))

		user, err := store.GetUser(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, int64(7), user.ID)
		assert.Equal(t, "maria", user.Username)
		assert.Equal(t, RoleResident, user.Role)
		assert.Equal(t, "12 Oak Lane", user.StreetAddress)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM users WHERE id = \$1`).
			WithArgs(int64(8)).
			WillReturnError(sql.ErrNoRows)

		user, err := store.GetUser(context.Background(), 8)
		assert.ErrorIs(t, err, ErrUserNotFound)
		assert.Nil(t, user)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetUserByUsername(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM users WHERE username = \$1`).
		WithArgs("maria").
		WillReturnRows(userRows(7, "maria", RoleResident))

	user, err := store.GetUserByUsername(context.Background(), "maria")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRole(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("success", func(t *testing.T) {
		mock.ExpectExec(`UPDATE users SET role = \$1, updated_at = NOW\(\) WHERE id = \$2`).
			WithArgs(RoleCommunityOwner, int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.UpdateRole(context.Background(), 7, RoleCommunityOwner))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid role rejected", func(t *testing.T) {
		err := store.UpdateRole(context.Background(), 7, Role("superuser"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid role")
	})

	t.Run("missing user", func(t *testing.T) {
		mock.ExpectExec(`UPDATE users SET role = \$1, updated_at = NOW\(\) WHERE id = \$2`).
			WithArgs(RoleGuest, int64(99)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.UpdateRole(context.Background(), 99, RoleGuest)
		assert.ErrorIs(t, err, ErrUserNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		mock.ExpectExec(`UPDATE users SET role = \$1, updated_at = NOW\(\) WHERE id = \$2`).
			WithArgs(RoleGuest, int64(7)).
			WillReturnError(fmt.Errorf("database connection error"))

		err := store.UpdateRole(context.Background(), 7, RoleGuest)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to update role")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
