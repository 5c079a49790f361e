// Package permission resolves whether a user may act on a list. It is a pure
// rule table over membership; the membership source is the durable store.
package permission

import (
	"context"
	"fmt"

	"github.com/collabtodo/collab-engine/internal/model"
)

// Action is a kind of access to a list.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionShare  Action = "share"  // grant or revoke membership
	ActionDelete Action = "delete" // destructive list-level operations, owner only
)

// DeniedError is returned when the membership rules reject an action.
type DeniedError struct {
	UserID string
	ListID string
	Action Action
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("user %s may not %s list %s", e.UserID, e.Action, e.ListID)
}

// MemberSource looks up one membership row; nil row means non-member.
type MemberSource interface {
	GetMember(ctx context.Context, listID, userID string) (*model.ListMember, error)
}

// Service answers permission questions from membership.
type Service struct {
	members MemberSource
}

func NewService(members MemberSource) *Service {
	return &Service{members: members}
}

// allowed is the full role/action table: owners do everything, editors read
// and write, viewers read. Non-members get nothing.
func allowed(role model.Role, action Action) bool {
	switch action {
	case ActionRead:
		return role == model.RoleOwner || role == model.RoleEditor || role == model.RoleViewer
	case ActionWrite:
		return role == model.RoleOwner || role == model.RoleEditor
	case ActionShare, ActionDelete:
		return role == model.RoleOwner
	}
	return false
}

// Can reports whether the user may perform the action on the list.
func (s *Service) Can(ctx context.Context, userID, listID string, action Action) (bool, error) {
	member, err := s.members.GetMember(ctx, listID, userID)
	if err != nil {
		return false, err
	}
	if member == nil {
		return false, nil
	}
	return allowed(member.Role, action), nil
}

// Require returns a *DeniedError unless the user may perform the action.
func (s *Service) Require(ctx context.Context, userID, listID string, action Action) error {
	ok, err := s.Can(ctx, userID, listID, action)
	if err != nil {
		return err
	}
	if !ok {
		return &DeniedError{UserID: userID, ListID: listID, Action: action}
	}
	return nil
}
