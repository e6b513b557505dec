package access

import "fmt"

// Role 成员角色
type Role string

const (
	RoleNone   Role = ""
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Capability 会话在房间里的能力
type Capability string

const (
	CapNone      Capability = ""
	CapReadWrite Capability = "read-write"
	CapReadOnly  Capability = "read-only"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleOwner, RoleEditor, RoleViewer:
		return r, nil
	default:
		return RoleNone, fmt.Errorf("access: unknown role %q", s)
	}
}

func (r Role) Capability() Capability {
	switch r {
	case RoleOwner, RoleEditor:
		return CapReadWrite
	case RoleViewer:
		return CapReadOnly
	default:
		return CapNone
	}
}

func (r Role) CanWrite() bool { return r.Capability() == CapReadWrite }
