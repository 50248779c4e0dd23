package subscriptions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/vecino-dev/vecino/pkg/auth"
	"github.com/vecino-dev/vecino/pkg/observability"
)

// FallbackPolicy selects how members without a snapshot entry are restored
type FallbackPolicy string

const (
	// FallbackHeuristic restores to security if the member has report
	// history in the community, resident otherwise
	FallbackHeuristic FallbackPolicy = "heuristic"
	// FallbackResident restores every snapshotless member to resident
	FallbackResident FallbackPolicy = "resident"
)

// Coordinator mediates between membership events and subscription
// transitions to mutate user roles. Demotion and restore run inside the
// engine's reconciliation transaction; the membership hooks are invoked
// explicitly by the API layer so the dependency stays visible in the call
// graph.
type Coordinator struct {
	db      *sql.DB
	policy  FallbackPolicy
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCoordinator creates a new role coordinator
func NewCoordinator(db *sql.DB, policy FallbackPolicy, logger *observability.Logger, metrics *observability.Metrics) *Coordinator {
	if policy == "" {
		policy = FallbackHeuristic
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Coordinator{
		db:      db,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
	}
}

// communityByOwner resolves the owner's community inside the transaction
func communityByOwner(ctx context.Context, tx *sql.Tx, ownerID int64) (int64, bool, error) {
	var communityID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM communities WHERE owner_id = $1`, ownerID).Scan(&communityID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get community: %w", err)
	}
	return communityID, true, nil
}

// demote coerces the owner and every current member down to the floor role,
// recording pre-demotion roles into the snapshot. Entries already present in
// the snapshot are never overwritten, so a retried pass cannot clobber a
// correct snapshot with an already-demoted value.
func (c *Coordinator) demote(ctx context.Context, tx *sql.Tx, sub *Subscription) (int, error) {
	var ownerRole auth.Role
	err := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1 FOR UPDATE`, sub.OwnerID).Scan(&ownerRole)
	if err != nil {
		return 0, fmt.Errorf("failed to get owner role: %w", err)
	}

	var members []memberState
	communityID, found, err := communityByOwner(ctx, tx, sub.OwnerID)
	if err != nil {
		return 0, err
	}
	if found {
		rows, err := tx.QueryContext(ctx, `SELECT u.id, u.role FROM users u JOIN memberships m ON m.user_id = u.id WHERE m.community_id = $1 AND u.id <> $2 ORDER BY u.id ASC FOR UPDATE OF u`,
			communityID, sub.OwnerID)
		if err != nil {
			return 0, fmt.Errorf("failed to lock members: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m memberState
			if err := rows.Scan(&m.UserID, &m.Role); err != nil {
				return 0, fmt.Errorf("failed to scan member: %w", err)
			}
			members = append(members, m)
		}
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("failed to read members: %w", err)
		}
	}

	demoted := applyDemotion(&sub.OriginalRoles, sub.OwnerID, ownerRole, members)
	if len(demoted) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = ANY($2)`,
		auth.FloorRole, pq.Array(demoted)); err != nil {
		return 0, fmt.Errorf("failed to demote roles: %w", err)
	}

	if c.metrics != nil {
		c.metrics.DemotionsTotal.Add(float64(len(demoted)))
	}
	return len(demoted), nil
}

// restore puts the owner and every floor-role member back to their
// pre-demotion roles. Members without a snapshot entry (typically joined
// during the lapse) get the fallback policy, logged as a best-effort
// repair rather than a guaranteed-correct one.
func (c *Coordinator) restore(ctx context.Context, tx *sql.Tx, sub *Subscription) (int, error) {
	ownerRole := sub.OriginalRoles.OwnerRole
	if ownerRole == "" {
		ownerRole = auth.RoleCommunityOwner
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`,
		ownerRole, sub.OwnerID); err != nil {
		return 0, fmt.Errorf("failed to restore owner role: %w", err)
	}
	restored := 1

	communityID, found, err := communityByOwner(ctx, tx, sub.OwnerID)
	if err != nil {
		return restored, err
	}
	if !found {
		return restored, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT u.id FROM users u JOIN memberships m ON m.user_id = u.id WHERE m.community_id = $1 AND u.role = $2 AND u.id <> $3 ORDER BY u.id ASC FOR UPDATE OF u`,
		communityID, auth.FloorRole, sub.OwnerID)
	if err != nil {
		return restored, fmt.Errorf("failed to lock members: %w", err)
	}
	defer rows.Close()

	var memberIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return restored, fmt.Errorf("failed to scan member: %w", err)
		}
		memberIDs = append(memberIDs, id)
	}
	if err := rows.Err(); err != nil {
		return restored, fmt.Errorf("failed to read members: %w", err)
	}

	for _, id := range memberIDs {
		role, ok := sub.OriginalRoles.MemberRole(id)
		if !ok {
			role, err = c.fallbackRole(ctx, tx, communityID, id)
			if err != nil {
				return restored, err
			}
			c.logger.WithFields(map[string]interface{}{
				"user_id":      id,
				"community_id": communityID,
				"role":         role,
			}).Warn("restoring member without snapshot entry")
			if c.metrics != nil {
				c.metrics.RestoreFallbacksTotal.WithLabelValues(string(role)).Inc()
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`, role, id); err != nil {
			return restored, fmt.Errorf("failed to restore member role: %w", err)
		}
		restored++
	}

	if c.metrics != nil {
		c.metrics.RestoresTotal.Add(float64(restored))
	}
	return restored, nil
}

// fallbackRole decides the role for a member with no snapshot entry
func (c *Coordinator) fallbackRole(ctx context.Context, tx *sql.Tx, communityID, userID int64) (auth.Role, error) {
	if c.policy != FallbackHeuristic {
		return auth.RoleResident, nil
	}
	var hasReport bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM security_reports WHERE community_id = $1 AND reporter_id = $2)`,
		communityID, userID).Scan(&hasReport)
	if err != nil {
		return "", fmt.Errorf("failed to check report history: %w", err)
	}
	if hasReport {
		return auth.RoleSecurity, nil
	}
	return auth.RoleResident, nil
}

// OnMembershipCreated applies the side effects of joining a community:
// the community address is stamped onto the member, and an unset or
// floor-level role is promoted to resident. Membership without the role
// bump would leave the member unable to use member-only features.
func (c *Coordinator) OnMembershipCreated(ctx context.Context, userID, communityID int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var communityAddress sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT address FROM communities WHERE id = $1`, communityID).
		Scan(&communityAddress); err != nil {
		return fmt.Errorf("failed to get community: %w", err)
	}

	var role auth.Role
	var address sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT role, street_address FROM users WHERE id = $1 FOR UPDATE`, userID).
		Scan(&role, &address); err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}

	newRole := role
	if newRole == "" || newRole == auth.FloorRole {
		newRole = auth.RoleResident
	}
	newAddress := address.String
	if communityAddress.Valid && communityAddress.String != "" {
		newAddress = communityAddress.String
	}

	if newRole != role || newAddress != address.String {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET role = $1, street_address = $2, updated_at = NOW() WHERE id = $3`,
			newRole, newAddress, userID); err != nil {
			return fmt.Errorf("failed to update member: %w", err)
		}
	}

	return tx.Commit()
}

// OnMembershipDestroyed reverts a community-scoped role to the floor role.
// It touches only the role field and never re-queries membership, so it is
// safe to run even if the user has since joined a different community.
func (c *Coordinator) OnMembershipDestroyed(ctx context.Context, userID int64) error {
	_, err := c.db.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2 AND role = ANY($3)`,
		auth.FloorRole, userID, pq.Array([]string{string(auth.RoleResident), string(auth.RoleSecurity)}))
	if err != nil {
		return fmt.Errorf("failed to revert role: %w", err)
	}
	return nil
}
