package notesync

import (
	"fmt"
	"strings"
)

// Role orders notebook member capabilities. Higher roles include every
// capability of the roles below them.
type Role int

const (
	RoleViewer Role = iota
	RoleEditor
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "viewer":
		return RoleViewer, nil
	case "editor":
		return RoleEditor, nil
	case "admin":
		return RoleAdmin, nil
	case "owner":
		return RoleOwner, nil
	default:
		return RoleViewer, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

func (r Role) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func (r *Role) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRole(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Role) canEdit() bool {
	return r >= RoleEditor
}

func (r Role) canManage() bool {
	return r >= RoleAdmin
}

// conflictDisposition names what the merge coordinator does with an
// unmergeable divergence for a given caller role.
type conflictDisposition int

const (
	// dispositionQueue records a pending conflict for later review.
	dispositionQueue conflictDisposition = iota
	// dispositionReturn hands both variants back to the caller
	// synchronously without recording anything.
	dispositionReturn
)

func (r Role) conflictDisposition() conflictDisposition {
	if r.canManage() {
		return dispositionReturn
	}
	return dispositionQueue
}
