// Package access decides whether a principal may use member-only features.
// The gate consumes subscription state and membership, it never mutates
// either.
package access

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vecino-dev/vecino/pkg/auth"
	"github.com/vecino-dev/vecino/pkg/communities"
	"github.com/vecino-dev/vecino/pkg/observability"
)

// Denial reasons surfaced to the caller. These are user-facing strings, so
// they distinguish "your" subscription from "your community owner's".
const (
	ReasonNotAuthenticated = "not authenticated"
	ReasonOwnerExpired     = "your subscription expired"
	ReasonMemberExpired    = "your community owner's subscription expired"
	ReasonNoCommunity      = "not a member of any community"
)

// Decision is the outcome of an access check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// SubscriptionChecker reports whether an owner's subscription grants
// access. IsActive is reconciling: calling it heals stale expiry state.
type SubscriptionChecker interface {
	IsActive(ctx context.Context, ownerID int64) (bool, error)
}

// MembershipResolver resolves a principal's community and its owner
type MembershipResolver interface {
	GetMembershipByUser(ctx context.Context, userID int64) (*communities.Membership, error)
	GetCommunity(ctx context.Context, id int64) (*communities.Community, error)
}

const ownerCacheSize = 1024

// Gate answers access checks for member-only features
type Gate struct {
	subscriptions SubscriptionChecker
	memberships   MembershipResolver
	// community ownership is immutable for the life of a community, so
	// the id → owner mapping is safe to cache
	owners  *lru.Cache[int64, int64]
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewGate creates a new access gate
func NewGate(subscriptions SubscriptionChecker, memberships MembershipResolver, logger *observability.Logger, metrics *observability.Metrics) (*Gate, error) {
	owners, err := lru.New[int64, int64](ownerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create owner cache: %w", err)
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Gate{
		subscriptions: subscriptions,
		memberships:   memberships,
		owners:        owners,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Check decides whether the principal may use member-only features.
// Admins always pass. Owners are judged by their own subscription, members
// by their community owner's. Every deny carries a reason the HTTP layer
// can render as-is.
func (g *Gate) Check(ctx context.Context, user *auth.User) (Decision, error) {
	decision, err := g.check(ctx, user)
	if g.metrics != nil && err == nil {
		result := "denied"
		if decision.Allowed {
			result = "allowed"
		}
		g.metrics.AccessChecksTotal.WithLabelValues(result).Inc()
	}
	return decision, err
}

func (g *Gate) check(ctx context.Context, user *auth.User) (Decision, error) {
	if user == nil {
		return deny(ReasonNotAuthenticated), nil
	}

	switch user.Role {
	case auth.RoleAdmin:
		return allow(), nil
	case auth.RoleCommunityOwner:
		active, err := g.subscriptions.IsActive(ctx, user.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to check subscription: %w", err)
		}
		if !active {
			return deny(ReasonOwnerExpired), nil
		}
		return allow(), nil
	}

	membership, err := g.memberships.GetMembershipByUser(ctx, user.ID)
	if errors.Is(err, communities.ErrMembershipNotFound) {
		return deny(ReasonNoCommunity), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to resolve membership: %w", err)
	}

	ownerID, err := g.communityOwner(ctx, membership.CommunityID)
	if err != nil {
		return Decision{}, err
	}

	active, err := g.subscriptions.IsActive(ctx, ownerID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check owner subscription: %w", err)
	}
	if !active {
		return deny(ReasonMemberExpired), nil
	}
	return allow(), nil
}

// communityOwner resolves and caches the community's owner. Ownership
// never changes hands, so entries are never invalidated. An entry can
// outlive its community (the retention sweep deletes communities), but
// the sweep also deletes the memberships, so a member of a purged
// community is denied at the membership lookup before the cache is ever
// consulted — and a stale hit would still deny on the owner's lapsed
// subscription. If community deletion ever widens beyond the sweep, this
// needs an eviction hook.
func (g *Gate) communityOwner(ctx context.Context, communityID int64) (int64, error) {
	if ownerID, ok := g.owners.Get(communityID); ok {
		return ownerID, nil
	}
	community, err := g.memberships.GetCommunity(ctx, communityID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve community owner: %w", err)
	}
	g.owners.Add(communityID, community.OwnerID)
	return community.OwnerID, nil
}
