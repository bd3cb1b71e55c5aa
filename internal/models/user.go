package models

import "strings"

// Identity is what the identity-verification service tells us about the
// caller of a request.
type Identity struct {
	AuthID        string `json:"auth_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	UsesPassword  bool   `json:"uses_password"`
}

// Role is a profile's permission level.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// ParseRole maps a role name onto a known Role.
func ParseRole(name string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(name))); r {
	case RoleUser, RoleModerator, RoleAdmin:
		return r, true
	}
	return "", false
}
