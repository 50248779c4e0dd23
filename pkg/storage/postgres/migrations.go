package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255) UNIQUE,
					password_hash VARCHAR(255) NOT NULL,
					role VARCHAR(50) NOT NULL DEFAULT 'guest',
					street_address TEXT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMP
				);

				CREATE INDEX idx_users_role ON users(role);
			`,
		},
		{
			Version:     2,
			Description: "Create communities table",
			SQL: `
				CREATE TABLE IF NOT EXISTS communities (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					address TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(owner_id)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					community_id BIGINT NOT NULL REFERENCES communities(id) ON DELETE CASCADE,
					joined_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(user_id)
				);

				CREATE INDEX idx_memberships_community_id ON memberships(community_id);
			`,
		},
		{
			Version:     4,
			Description: "Create security_reports table",
			SQL: `
				CREATE TABLE IF NOT EXISTS security_reports (
					id BIGSERIAL PRIMARY KEY,
					community_id BIGINT NOT NULL REFERENCES communities(id) ON DELETE CASCADE,
					reporter_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					description TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_security_reports_community_id ON security_reports(community_id);
				CREATE INDEX idx_security_reports_reporter_id ON security_reports(reporter_id);
			`,
		},
		{
			Version:     5,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					status VARCHAR(20) NOT NULL DEFAULT 'active',
					is_trial BOOLEAN NOT NULL DEFAULT FALSE,
					start_date TIMESTAMP NOT NULL DEFAULT NOW(),
					expiry_date TIMESTAMP,
					cancelled_at TIMESTAMP,
					trial_expired_at TIMESTAMP,
					data_deletion_date TIMESTAMP,
					purged_at TIMESTAMP,
					original_roles JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(owner_id)
				);

				CREATE INDEX idx_subscriptions_status ON subscriptions(status);
				CREATE INDEX idx_subscriptions_sweep ON subscriptions(data_deletion_date)
					WHERE is_trial = TRUE AND purged_at IS NULL;
			`,
		},
	}
}

// RunMigrations applies all pending migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
