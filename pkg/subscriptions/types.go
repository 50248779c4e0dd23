package subscriptions

import (
	"time"

	"github.com/vecino-dev/vecino/pkg/auth"
)

// Status represents the status of a subscription
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Subscription represents a community owner's subscription ledger.
// There is at most one per owner, enforced by a unique index on owner_id.
type Subscription struct {
	ID               int64        `json:"id"`
	OwnerID          int64        `json:"owner_id"`
	Status           Status       `json:"status"`
	IsTrial          bool         `json:"is_trial"`
	StartDate        time.Time    `json:"start_date"`
	ExpiryDate       *time.Time   `json:"expiry_date,omitempty"`
	CancelledAt      *time.Time   `json:"cancelled_at,omitempty"`
	TrialExpiredAt   *time.Time   `json:"trial_expired_at,omitempty"`
	DataDeletionDate *time.Time   `json:"data_deletion_date,omitempty"`
	PurgedAt         *time.Time   `json:"purged_at,omitempty"`
	OriginalRoles    RoleSnapshot `json:"original_roles"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// RoleSnapshot records pre-demotion roles for the current lapse episode.
// It is stored as JSONB alongside the subscription row and mutated only
// inside the serialized reconciliation path.
type RoleSnapshot struct {
	OwnerRole auth.Role           `json:"owner_role,omitempty"`
	Members   map[int64]auth.Role `json:"members,omitempty"`
}

// RecordOwner records the owner's pre-demotion role if none is recorded yet.
// Returns true if the entry was written.
func (s *RoleSnapshot) RecordOwner(role auth.Role) bool {
	if s.OwnerRole != "" {
		return false
	}
	s.OwnerRole = role
	return true
}

// RecordMember records a member's pre-demotion role if no entry exists for
// that identity. An existing entry is never overwritten: a second demotion
// pass over an already-demoted population must be a no-op.
func (s *RoleSnapshot) RecordMember(userID int64, role auth.Role) bool {
	if _, exists := s.Members[userID]; exists {
		return false
	}
	if s.Members == nil {
		s.Members = make(map[int64]auth.Role)
	}
	s.Members[userID] = role
	return true
}

// MemberRole returns the recorded role for a member, if any
func (s *RoleSnapshot) MemberRole(userID int64) (auth.Role, bool) {
	role, ok := s.Members[userID]
	return role, ok
}

// IsEmpty reports whether the snapshot holds no entries
func (s *RoleSnapshot) IsEmpty() bool {
	return s.OwnerRole == "" && len(s.Members) == 0
}

// Reset clears the snapshot after a restore has consumed it
func (s *RoleSnapshot) Reset() {
	s.OwnerRole = ""
	s.Members = nil
}

// memberState is a member's role as read inside the reconciliation
// transaction
type memberState struct {
	UserID int64
	Role   auth.Role
}

// applyDemotion folds the owner and members into the snapshot and returns
// the IDs whose role must be set to the floor. Identities already at the
// floor are skipped entirely, which keeps the pass idempotent: their
// snapshot entries, if any, stay untouched.
func applyDemotion(snap *RoleSnapshot, ownerID int64, ownerRole auth.Role, members []memberState) []int64 {
	var demote []int64

	if ownerRole != auth.FloorRole {
		snap.RecordOwner(ownerRole)
		demote = append(demote, ownerID)
	}

	for _, m := range members {
		if m.Role == auth.FloorRole {
			continue
		}
		snap.RecordMember(m.UserID, m.Role)
		demote = append(demote, m.UserID)
	}

	return demote
}
