package auth

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrUserNotFound is returned when no user matches the lookup
var ErrUserNotFound = fmt.Errorf("user not found")

// ErrInvalidCredentials is returned when password verification fails
var ErrInvalidCredentials = fmt.Errorf("invalid credentials")

// PostgresStore implements user lookups and credential verification over PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, username, email, password_hash, role, street_address, is_active, created_at, updated_at, last_login_at`

func scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	var email, address sql.NullString
	err := row.Scan(
		&user.ID, &user.Username, &email, &user.PasswordHash, &user.Role,
		&address, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if email.Valid {
		user.Email = email.String
	}
	if address.Valid {
		user.StreetAddress = address.String
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername retrieves a user by username
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

// UpdateRole sets a user's role. Role mutation belongs to the lifecycle
// coordinator or explicit administrative action; nothing computes roles on
// the fly.
func (s *PostgresStore) UpdateRole(ctx context.Context, userID int64, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	query := `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`
	result, err := s.db.ExecContext(ctx, query, role, userID)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// TouchLastLogin stamps the user's last successful login time
func (s *PostgresStore) TouchLastLogin(ctx context.Context, userID int64) error {
	query := `UPDATE users SET last_login_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// VerifyPassword checks a plaintext password against the stored hash
func VerifyPassword(user *User, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword hashes a plaintext password for storage
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
