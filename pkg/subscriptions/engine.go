package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vecino-dev/vecino/pkg/auth"
	"github.com/vecino-dev/vecino/pkg/observability"
)

var (
	// ErrSubscriptionNotFound is returned when an owner has no ledger
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrTrialNotAllowed is returned when the principal's role may not start a trial
	ErrTrialNotAllowed = errors.New("only guests and community owners may start a trial")
	// ErrTryAgain is surfaced when conflict retries are exhausted
	ErrTryAgain = errors.New("transient conflict, try again")
)

// Config defines lifecycle engine settings
type Config struct {
	// DemoteOnCancel makes Cancel run the demotion cascade immediately
	// instead of waiting for the next expiry check
	DemoteOnCancel bool
	// RestoreFallback selects how snapshotless members are restored
	RestoreFallback FallbackPolicy
	// GraceMonths is the data-retention window between trial expiry and
	// irreversible deletion
	GraceMonths int
	// MaxRetries bounds transparent retries of conflicting transactions
	MaxRetries int
}

// DefaultConfig returns the default engine settings
func DefaultConfig() *Config {
	return &Config{
		DemoteOnCancel:  false,
		RestoreFallback: FallbackHeuristic,
		GraceMonths:     1,
		MaxRetries:      3,
	}
}

// Engine owns subscription status transitions and the role cascade
type Engine struct {
	db          *sql.DB
	coordinator *Coordinator
	config      *Config
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewEngine creates a new lifecycle engine
func NewEngine(db *sql.DB, config *Config, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Engine{
		db:          db,
		coordinator: NewCoordinator(db, config.RestoreFallback, logger, metrics),
		config:      config,
		logger:      logger,
		metrics:     metrics,
	}
}

// Coordinator exposes the role coordinator for membership hooks
func (e *Engine) Coordinator() *Coordinator {
	return e.coordinator
}

const subscriptionColumns = `id, owner_id, status, is_trial, start_date, expiry_date, cancelled_at, trial_expired_at, data_deletion_date, purged_at, original_roles, created_at, updated_at`

// getForUpdate loads and row-locks a subscription by owner.
// The lock serializes reconciliation per subscription identity.
func getForUpdate(ctx context.Context, tx *sql.Tx, ownerID int64) (*Subscription, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = $1 FOR UPDATE`, ownerID)

	sub := &Subscription{}
	var snapshotJSON []byte
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.Status, &sub.IsTrial, &sub.StartDate,
		&sub.ExpiryDate, &sub.CancelledAt, &sub.TrialExpiredAt, &sub.DataDeletionDate,
		&sub.PurgedAt, &snapshotJSON, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if len(snapshotJSON) > 0 {
		if err := json.Unmarshal(snapshotJSON, &sub.OriginalRoles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal role snapshot: %w", err)
		}
	}
	return sub, nil
}

// persist writes the mutable subscription fields and the snapshot back
func persist(ctx context.Context, tx *sql.Tx, sub *Subscription) error {
	snapshotJSON, err := json.Marshal(sub.OriginalRoles)
	if err != nil {
		return fmt.Errorf("failed to marshal role snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE subscriptions SET status = $1, is_trial = $2, expiry_date = $3, cancelled_at = $4, trial_expired_at = $5, data_deletion_date = $6, purged_at = $7, original_roles = $8, updated_at = NOW() WHERE id = $9`,
		sub.Status, sub.IsTrial, sub.ExpiryDate, sub.CancelledAt, sub.TrialExpiredAt,
		sub.DataDeletionDate, sub.PurgedAt, snapshotJSON, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to persist subscription: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func (e *Engine) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withRetry runs fn in a transaction, retrying serialization conflicts
// transparently. The caller never sees a transient failure unless retries
// are exhausted, in which case ErrTryAgain is surfaced, never a silent
// no-op.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	backoff := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := e.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		if e.metrics != nil {
			e.metrics.ReconcileConflictsTotal.Inc()
		}
		if attempt >= e.config.MaxRetries {
			e.logger.WithError(err).Warnf("%s: conflict retries exhausted", op)
			return fmt.Errorf("%s: %w", op, ErrTryAgain)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

// CheckAndReconcile lazily detects and applies expiry for an owner's
// subscription. This is the single point where expiry becomes real: the
// status flip, the trial retention stamps, and the demotion cascade all
// commit in one transaction.
func (e *Engine) CheckAndReconcile(ctx context.Context, ownerID int64) (Status, error) {
	var status Status
	err := e.withRetry(ctx, "reconcile", func(tx *sql.Tx) error {
		sub, err := getForUpdate(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		// Cancelled ledgers with an expiry date lapse here too: that is
		// where a deferred cancellation lands when DemoteOnCancel is off.
		now := time.Now()
		sweepable := sub.Status == StatusActive || sub.Status == StatusCancelled
		if !sweepable || sub.ExpiryDate == nil || sub.ExpiryDate.After(now) {
			if e.metrics != nil {
				e.metrics.ReconcileTotal.WithLabelValues("unchanged").Inc()
			}
			status = sub.Status
			return nil
		}

		sub.Status = StatusExpired
		if sub.IsTrial {
			expiredAt := now
			deletionDate := now.AddDate(0, e.config.GraceMonths, 0)
			sub.TrialExpiredAt = &expiredAt
			sub.DataDeletionDate = &deletionDate
		}

		demoted, err := e.coordinator.demote(ctx, tx, sub)
		if err != nil {
			return err
		}
		if err := persist(ctx, tx, sub); err != nil {
			return err
		}

		e.logger.WithFields(map[string]interface{}{
			"owner_id":        sub.OwnerID,
			"subscription_id": sub.ID,
			"is_trial":        sub.IsTrial,
			"demoted":         demoted,
		}).Info("subscription expired")
		if e.metrics != nil {
			e.metrics.ReconcileTotal.WithLabelValues("expired").Inc()
		}
		status = sub.Status
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// IsActive reconciles first, then reports whether the subscription is
// active. After reconciliation an active status implies the expiry date is
// unset or in the future. A missing ledger is treated as no access, never
// as a crash.
func (e *Engine) IsActive(ctx context.Context, ownerID int64) (bool, error) {
	status, err := e.CheckAndReconcile(ctx, ownerID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		e.logger.WithField("owner_id", ownerID).Warn("owner has no subscription")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusActive, nil
}

// Cancel marks the subscription cancelled and stamps the cancellation
// time. With the default configuration cancellation does not demote;
// it takes effect at the next expiry check. DemoteOnCancel makes the
// cascade immediate instead; the behavior is one or the other, never a
// mix.
func (e *Engine) Cancel(ctx context.Context, ownerID int64) error {
	return e.withRetry(ctx, "cancel", func(tx *sql.Tx) error {
		sub, err := getForUpdate(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		now := time.Now()
		sub.Status = StatusCancelled
		sub.CancelledAt = &now

		if e.config.DemoteOnCancel {
			if _, err := e.coordinator.demote(ctx, tx, sub); err != nil {
				return err
			}
		}
		return persist(ctx, tx, sub)
	})
}

// Activate reactivates a cancelled or expired subscription. Roles are
// restored before the status flips so that role state and subscription
// status change atomically from the caller's point of view. until sets the
// new expiry date; nil leaves the subscription open-ended until the next
// billing event sets one.
func (e *Engine) Activate(ctx context.Context, ownerID int64, until *time.Time) error {
	return e.withRetry(ctx, "activate", func(tx *sql.Tx) error {
		sub, err := getForUpdate(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		if sub.Status != StatusActive {
			if _, err := e.coordinator.restore(ctx, tx, sub); err != nil {
				return err
			}
			sub.OriginalRoles.Reset()
		}

		sub.Status = StatusActive
		sub.CancelledAt = nil
		sub.ExpiryDate = until
		sub.TrialExpiredAt = nil
		sub.DataDeletionDate = nil
		sub.PurgedAt = nil
		return persist(ctx, tx, sub)
	})
}

// StartTrial creates or reactivates a trial ledger for the owner. Only
// guests and community owners may start one; a guest is promoted to
// communityowner as part of the contract, not as an incidental detail.
func (e *Engine) StartTrial(ctx context.Context, ownerID int64, days int) (*Subscription, error) {
	var result *Subscription
	err := e.withRetry(ctx, "start trial", func(tx *sql.Tx) error {
		var role auth.Role
		err := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1 FOR UPDATE`, ownerID).Scan(&role)
		if err == sql.ErrNoRows {
			return auth.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get user: %w", err)
		}
		if role != auth.RoleGuest && role != auth.RoleCommunityOwner {
			return ErrTrialNotAllowed
		}

		now := time.Now()
		expiry := now.AddDate(0, 0, days)

		sub, err := getForUpdate(ctx, tx, ownerID)
		if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}

		if sub == nil {
			if role != auth.RoleCommunityOwner {
				if _, err := tx.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`,
					auth.RoleCommunityOwner, ownerID); err != nil {
					return fmt.Errorf("failed to promote owner: %w", err)
				}
			}
			created := &Subscription{
				OwnerID:    ownerID,
				Status:     StatusActive,
				IsTrial:    true,
				StartDate:  now,
				ExpiryDate: &expiry,
			}
			if err := tx.QueryRowContext(ctx, `INSERT INTO subscriptions (owner_id, status, is_trial, start_date, expiry_date, original_roles) VALUES ($1, $2, TRUE, $3, $4, '{}') RETURNING id, created_at, updated_at`,
				ownerID, StatusActive, now, expiry).
				Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt); err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}
			result = created
			return nil
		}

		if sub.Status != StatusActive {
			// Reactivating a lapsed ledger restores roles first; the owner
			// comes back as communityowner through the restore path
			if _, err := e.coordinator.restore(ctx, tx, sub); err != nil {
				return err
			}
			sub.OriginalRoles.Reset()
		} else if role != auth.RoleCommunityOwner {
			if _, err := tx.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`,
				auth.RoleCommunityOwner, ownerID); err != nil {
				return fmt.Errorf("failed to promote owner: %w", err)
			}
		}

		sub.Status = StatusActive
		sub.IsTrial = true
		sub.StartDate = now
		sub.ExpiryDate = &expiry
		sub.CancelledAt = nil
		sub.TrialExpiredAt = nil
		sub.DataDeletionDate = nil
		sub.PurgedAt = nil
		if err := persist(ctx, tx, sub); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get loads a subscription without locking, for read-only presentation.
// Callers that need a trustworthy status must go through CheckAndReconcile.
func (e *Engine) Get(ctx context.Context, ownerID int64) (*Subscription, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = $1`, ownerID)

	sub := &Subscription{}
	var snapshotJSON []byte
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.Status, &sub.IsTrial, &sub.StartDate,
		&sub.ExpiryDate, &sub.CancelledAt, &sub.TrialExpiredAt, &sub.DataDeletionDate,
		&sub.PurgedAt, &snapshotJSON, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if len(snapshotJSON) > 0 {
		if err := json.Unmarshal(snapshotJSON, &sub.OriginalRoles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal role snapshot: %w", err)
		}
	}
	return sub, nil
}
