package coordinator

import (
	"errors"
	"fmt"

	"github.com/collabtodo/collab-engine/internal/model"
)

var (
	// ErrNotFound covers lists that are absent from every tier.
	ErrNotFound = errors.New("list not found")
	// ErrItemNotFound covers absent or already-deleted items.
	ErrItemNotFound = errors.New("item not found")
	// ErrShareWithSelf rejects sharing a list with its own caller.
	ErrShareWithSelf = errors.New("cannot share a list with yourself")
	// ErrOwnerImmutable rejects share or unshare calls that would touch the
	// owner's membership.
	ErrOwnerImmutable = errors.New("owner membership cannot be changed")
)

// ConflictError rejects a mutation whose base revision is older than the
// list's current revision. Snapshot carries the full current state so the
// client can reconcile and retry.
type ConflictError struct {
	ClientRev model.Rev
	ServerRev model.Rev
	Snapshot  *model.ListSnapshot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale revision: client has %s, server has %s",
		e.ClientRev.String(), e.ServerRev.String())
}
