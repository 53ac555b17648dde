// Package session implements the dashboard's authentication lifecycle:
// the credential store, boot-time restoration, the authenticated request
// gateway, proactive revalidation and route guard decisions.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role enumerates the capabilities surfaced by the BugBridge API.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// ErrInvalidRole is returned when an identity carries a role outside the enumeration.
var ErrInvalidRole = errors.New("session: invalid role")

// ParseRole normalises and validates a role string.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
	return role, nil
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleViewer
}

// UnmarshalJSON rejects roles outside the enumeration.
func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	role, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// UserID accepts both numeric and string identifiers from the API.
type UserID string

// UnmarshalJSON decodes a JSON string or number.
func (id *UserID) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*id = UserID(text)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("session: identity id: %w", err)
	}
	*id = UserID(num.String())
	return nil
}

// Identity is the authenticated principal as reported by GET /auth/me.
type Identity struct {
	ID        UserID `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at"`
}

// Validate checks the fields the dashboard relies on.
func (i Identity) Validate() error {
	if strings.TrimSpace(string(i.ID)) == "" {
		return errors.New("session: identity id is empty")
	}
	if strings.TrimSpace(i.Username) == "" {
		return fmt.Errorf("session: identity %s: username is empty", i.ID)
	}
	if !i.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, i.Role)
	}
	return nil
}

// IsAdmin reports whether the identity may access configuration routes.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}
