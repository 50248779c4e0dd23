package communities

import "time"

// Community represents a residential community owned by a single principal
type Community struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership relates a user to a community. A user holds at most one
// membership at any time, enforced by a unique index on user_id.
type Membership struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	CommunityID int64     `json:"community_id"`
	JoinedAt    time.Time `json:"joined_at"`
}

// SecurityReport represents an incident report filed inside a community.
// Report history is consulted by the role-restore fallback heuristic.
type SecurityReport struct {
	ID          int64     `json:"id"`
	CommunityID int64     `json:"community_id"`
	ReporterID  int64     `json:"reporter_id"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
