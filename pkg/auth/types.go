package auth

import "time"

// Role represents a user's platform role
type Role string

const (
	RoleGuest          Role = "guest"          // Unprivileged, no community access
	RoleResident       Role = "resident"       // Member of a community
	RoleCommunityOwner Role = "communityowner" // Owns a community and its subscription
	RoleSecurity       Role = "security"       // Community security staff
	RoleAdmin          Role = "admin"          // Platform administrator
)

// FloorRole is the unprivileged role demoted identities are set to.
const FloorRole = RoleGuest

// Valid reports whether r is one of the defined roles
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleResident, RoleCommunityOwner, RoleSecurity, RoleAdmin:
		return true
	}
	return false
}

// CommunityScoped reports whether r only has meaning inside a community.
// Community-scoped roles revert to the floor role when the membership
// that granted them is destroyed.
func (r Role) CommunityScoped() bool {
	return r == RoleResident || r == RoleSecurity
}

// User represents a platform account
type User struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email,omitempty"`
	PasswordHash  string     `json:"-"` // Never expose hash
	Role          Role       `json:"role"`
	StreetAddress string     `json:"street_address,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// LockoutState describes the throttle state for an IP after an attempt
type LockoutState struct {
	Blocked   bool          `json:"blocked"`
	Attempts  int           `json:"attempts"`
	Remaining time.Duration `json:"remaining"`
}
