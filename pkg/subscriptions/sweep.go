package subscriptions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vecino-dev/vecino/pkg/observability"
)

// Sweeper purges community data for trials whose retention window has
// passed. Purging is the one irreversible transition in the lifecycle, so
// every run is logged with a run id and supports a dry-run mode for
// auditing before anything is deleted.
type Sweeper struct {
	db      *sql.DB
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewSweeper creates a new trial-data sweeper
func NewSweeper(db *sql.DB, logger *logrus.Logger, metrics *observability.Metrics) *Sweeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sweeper{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

// SweepResult summarizes one sweep run
type SweepResult struct {
	RunID      uuid.UUID
	Candidates int
	Purged     int
	Failed     int
	DryRun     bool
}

type sweepCandidate struct {
	SubscriptionID int64
	OwnerID        int64
}

// Run executes one sweep pass. Candidates are expired trials whose
// data_deletion_date has passed and that have not been purged yet; the
// purged_at stamp is what makes repeated runs delete each ledger exactly
// once. A failed candidate is logged with full context and the pass
// continues, so one bad row cannot hold the rest of the batch hostage.
func (s *Sweeper) Run(ctx context.Context, dryRun bool) (*SweepResult, error) {
	result := &SweepResult{RunID: uuid.New(), DryRun: dryRun}

	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_id FROM subscriptions WHERE is_trial = TRUE AND status = $1 AND data_deletion_date IS NOT NULL AND data_deletion_date < NOW() AND purged_at IS NULL ORDER BY data_deletion_date ASC`,
		StatusExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep candidates: %w", err)
	}
	defer rows.Close()

	var candidates []sweepCandidate
	for rows.Next() {
		var c sweepCandidate
		if err := rows.Scan(&c.SubscriptionID, &c.OwnerID); err != nil {
			return nil, fmt.Errorf("failed to scan sweep candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sweep candidates: %w", err)
	}

	result.Candidates = len(candidates)
	if s.metrics != nil {
		s.metrics.SweepCandidatesTotal.Add(float64(len(candidates)))
	}
	s.logger.WithFields(logrus.Fields{
		"run_id":     result.RunID,
		"candidates": len(candidates),
		"dry_run":    dryRun,
	}).Info("trial sweep started")

	for _, c := range candidates {
		if dryRun {
			s.logger.WithFields(logrus.Fields{
				"run_id":          result.RunID,
				"subscription_id": c.SubscriptionID,
				"owner_id":        c.OwnerID,
			}).Info("dry run: would purge trial data")
			continue
		}
		purged, err := s.purge(ctx, c)
		if err != nil {
			result.Failed++
			if s.metrics != nil {
				s.metrics.SweepFailuresTotal.Inc()
			}
			s.logger.WithError(err).WithFields(logrus.Fields{
				"run_id":          result.RunID,
				"subscription_id": c.SubscriptionID,
				"owner_id":        c.OwnerID,
			}).Error("failed to purge trial data")
			continue
		}
		if !purged {
			continue
		}
		result.Purged++
		if s.metrics != nil {
			s.metrics.SweepPurgesTotal.Inc()
		}
		s.logger.WithFields(logrus.Fields{
			"run_id":          result.RunID,
			"subscription_id": c.SubscriptionID,
			"owner_id":        c.OwnerID,
		}).Info("purged trial data")
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":  result.RunID,
		"purged":  result.Purged,
		"failed":  result.Failed,
		"dry_run": dryRun,
	}).Info("trial sweep finished")
	return result, nil
}

// purge deletes one owner's community data and stamps the ledger. The
// eligibility re-check under the row lock is what keeps concurrent sweep
// runs from deleting twice; the deletion itself reads nothing from role
// state, so restore/demote churn in the meantime cannot block it.
func (s *Sweeper) purge(ctx context.Context, c sweepCandidate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var eligible bool
	err = tx.QueryRowContext(ctx, `SELECT data_deletion_date < NOW() FROM subscriptions WHERE id = $1 AND purged_at IS NULL AND data_deletion_date IS NOT NULL FOR UPDATE`,
		c.SubscriptionID).Scan(&eligible)
	if err == sql.ErrNoRows {
		// already purged by a concurrent run
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to recheck candidate: %w", err)
	}
	if !eligible {
		return false, nil
	}

	communityID, found, err := communityByOwner(ctx, tx, c.OwnerID)
	if err != nil {
		return false, err
	}
	if found {
		if _, err := tx.ExecContext(ctx, `DELETE FROM security_reports WHERE community_id = $1`, communityID); err != nil {
			return false, fmt.Errorf("failed to delete security reports: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE community_id = $1`, communityID); err != nil {
			return false, fmt.Errorf("failed to delete memberships: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM communities WHERE id = $1`, communityID); err != nil {
			return false, fmt.Errorf("failed to delete community: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET purged_at = NOW(), updated_at = NOW() WHERE id = $1`,
		c.SubscriptionID); err != nil {
		return false, fmt.Errorf("failed to stamp subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}
