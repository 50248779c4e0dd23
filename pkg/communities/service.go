package communities

import (
	"context"
	"database/sql"
	"fmt"
)

// ErrCommunityNotFound is returned when no community matches the lookup
var ErrCommunityNotFound = fmt.Errorf("community not found")

// ErrMembershipNotFound is returned when a user holds no membership
var ErrMembershipNotFound = fmt.Errorf("membership not found")

// PostgresService implements community and membership storage using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// GetCommunity retrieves a community by ID
func (s *PostgresService) GetCommunity(ctx context.Context, id int64) (*Community, error) {
	query := `SELECT id, name, owner_id, address, created_at, updated_at FROM communities WHERE id = $1`
	return s.scanCommunity(s.db.QueryRowContext(ctx, query, id))
}

// GetCommunityByOwner retrieves the community owned by the given user
func (s *PostgresService) GetCommunityByOwner(ctx context.Context, ownerID int64) (*Community, error) {
	query := `SELECT id, name, owner_id, address, created_at, updated_at FROM communities WHERE owner_id = $1`
	return s.scanCommunity(s.db.QueryRowContext(ctx, query, ownerID))
}

func (s *PostgresService) scanCommunity(row *sql.Row) (*Community, error) {
	community := &Community{}
	var address sql.NullString
	err := row.Scan(
		&community.ID, &community.Name, &community.OwnerID,
		&address, &community.CreatedAt, &community.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrCommunityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	if address.Valid {
		community.Address = address.String
	}
	return community, nil
}

// CreateCommunity creates a new community for an owner
func (s *PostgresService) CreateCommunity(ctx context.Context, community *Community) error {
	query := `
		INSERT INTO communities (name, owner_id, address)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, community.Name, community.OwnerID, community.Address).
		Scan(&community.ID, &community.CreatedAt, &community.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create community: %w", err)
	}
	return nil
}

// GetMembershipByUser retrieves a user's membership, if any
func (s *PostgresService) GetMembershipByUser(ctx context.Context, userID int64) (*Membership, error) {
	query := `SELECT id, user_id, community_id, joined_at FROM memberships WHERE user_id = $1`
	membership := &Membership{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&membership.ID, &membership.UserID, &membership.CommunityID, &membership.JoinedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return membership, nil
}

// CreateMembership creates a membership for a user, replacing any existing
// one. The unique index on user_id plus the upsert makes the replacement
// atomic; there is never a window with two rows for the same user.
func (s *PostgresService) CreateMembership(ctx context.Context, userID, communityID int64) (*Membership, error) {
	query := `
		INSERT INTO memberships (user_id, community_id, joined_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET community_id = EXCLUDED.community_id, joined_at = EXCLUDED.joined_at
		RETURNING id, user_id, community_id, joined_at
	`
	membership := &Membership{}
	err := s.db.QueryRowContext(ctx, query, userID, communityID).Scan(
		&membership.ID, &membership.UserID, &membership.CommunityID, &membership.JoinedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create membership: %w", err)
	}
	return membership, nil
}

// DeleteMembershipByUser removes a user's membership and returns the
// community it pointed at. The role side effect of leaving belongs to the
// caller, which must invoke the coordinator exactly once per destruction.
func (s *PostgresService) DeleteMembershipByUser(ctx context.Context, userID int64) (int64, error) {
	query := `DELETE FROM memberships WHERE user_id = $1 RETURNING community_id`
	var communityID int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&communityID)
	if err == sql.ErrNoRows {
		return 0, ErrMembershipNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete membership: %w", err)
	}
	return communityID, nil
}

// ListMemberIDs returns the user IDs of all members of a community
func (s *PostgresService) ListMemberIDs(ctx context.Context, communityID int64) ([]int64, error) {
	query := `SELECT user_id FROM memberships WHERE community_id = $1 ORDER BY user_id ASC`
	rows, err := s.db.QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateSecurityReport files a security report in a community
func (s *PostgresService) CreateSecurityReport(ctx context.Context, report *SecurityReport) error {
	query := `
		INSERT INTO security_reports (community_id, reporter_id, description)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, report.CommunityID, report.ReporterID, report.Description).
		Scan(&report.ID, &report.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create security report: %w", err)
	}
	return nil
}

// HasSecurityReport reports whether the user has ever filed a security
// report in the community
func (s *PostgresService) HasSecurityReport(ctx context.Context, communityID, reporterID int64) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM security_reports WHERE community_id = $1 AND reporter_id = $2)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, communityID, reporterID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check report history: %w", err)
	}
	return exists, nil
}
