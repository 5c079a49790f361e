package model

// Role is a membership role on a list.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// CanEdit reports whether the role carries write access.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// TodoList is the durable-store form of a list.
type TodoList struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	IsDeleted bool   `json:"is_deleted,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ListMember is one (list, user) membership row.
type ListMember struct {
	ListID    string `json:"list_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at,omitempty"`
}
