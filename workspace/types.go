package workspace

import "time"

// Role orders workspace permissions. Owners can do everything, admins manage
// membership and invite codes, members submit jobs and see the roster.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether the role is one of the three known tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

func (r Role) atLeast(min Role) bool {
	return r.rank() >= min.rank()
}

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// Member ties a user to a workspace with a role.
type Member struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Workspace is a named membership group. The invite code is the only join
// credential and can be rotated at any time.
type Workspace struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"owner_id"`
	InviteCode string    `json:"invite_code"`
	Members    []Member  `json:"members"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a copy safe to hand outside the directory's critical section.
func (w *Workspace) Clone() *Workspace {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Members = append([]Member(nil), w.Members...)
	return &clone
}

// MemberRole returns the user's role and whether they belong to the workspace.
func (w *Workspace) MemberRole(userID string) (Role, bool) {
	for _, m := range w.Members {
		if m.UserID == userID {
			return m.Role, true
		}
	}
	return "", false
}
