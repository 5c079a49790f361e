package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/collabtodo/collab-engine/internal/model"
)

type fakeMembers struct {
	roles map[string]model.Role // userID -> role on list l1
	err   error
}

func (f *fakeMembers) GetMember(_ context.Context, listID, userID string) (*model.ListMember, error) {
	if f.err != nil {
		return nil, f.err
	}
	role, ok := f.roles[userID]
	if !ok {
		return nil, nil
	}
	return &model.ListMember{ListID: listID, UserID: userID, Role: role}, nil
}

func TestPermissionTable(t *testing.T) {
	svc := NewService(&fakeMembers{roles: map[string]model.Role{
		"owner":  model.RoleOwner,
		"editor": model.RoleEditor,
		"viewer": model.RoleViewer,
	}})

	tests := []struct {
		user   string
		action Action
		want   bool
	}{
		{"owner", ActionRead, true},
		{"owner", ActionWrite, true},
		{"owner", ActionShare, true},
		{"owner", ActionDelete, true},
		{"editor", ActionRead, true},
		{"editor", ActionWrite, true},
		{"editor", ActionShare, false},
		{"editor", ActionDelete, false},
		{"viewer", ActionRead, true},
		{"viewer", ActionWrite, false},
		{"viewer", ActionShare, false},
		{"stranger", ActionRead, false},
		{"stranger", ActionWrite, false},
	}

	for _, tt := range tests {
		t.Run(tt.user+"_"+string(tt.action), func(t *testing.T) {
			got, err := svc.Can(context.Background(), tt.user, "l1", tt.action)
			if err != nil {
				t.Fatalf("Can() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Can(%s, %s) = %v, want %v", tt.user, tt.action, got, tt.want)
			}
		})
	}
}

func TestRequireDenied(t *testing.T) {
	svc := NewService(&fakeMembers{roles: map[string]model.Role{"viewer": model.RoleViewer}})

	err := svc.Require(context.Background(), "viewer", "l1", ActionWrite)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Require() = %v, want *DeniedError", err)
	}
	if denied.Action != ActionWrite || denied.ListID != "l1" {
		t.Errorf("DeniedError = %+v", denied)
	}

	// The action value reads naturally in the client-facing message.
	err = svc.Require(context.Background(), "viewer", "l1", ActionDelete)
	if err == nil || err.Error() != "user viewer may not delete list l1" {
		t.Errorf("delete denial = %v", err)
	}

	if err := svc.Require(context.Background(), "viewer", "l1", ActionRead); err != nil {
		t.Errorf("Require(read) = %v, want nil", err)
	}
}

func TestRequirePropagatesSourceError(t *testing.T) {
	boom := errors.New("db down")
	svc := NewService(&fakeMembers{err: boom})

	err := svc.Require(context.Background(), "u1", "l1", ActionRead)
	if !errors.Is(err, boom) {
		t.Errorf("Require() = %v, want wrapped source error", err)
	}
}
