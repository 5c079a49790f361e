package event

import "github.com/collabtodo/collab-engine/internal/model"

// Bus message types carried on the fan-out channel. Item mutations are
// published by the shared store's scripts; list-level messages are published
// by the coordinator.
const (
	BusItemAdded   = "item_added"
	BusItemUpdated = "item_updated"
	BusItemDeleted = "item_deleted"
	BusListUpdated = "list_updated"
	BusListDeleted = "list_deleted"
	BusListShared  = "list_shared"
	BusListUnshare = "list_unshared"
)

// BusMessage is one fan-out message. Rev travels as the same 6-decimal string
// the mutation scripts return: cjson encodes doubles at 14 significant
// digits, so a numeric rev at epoch scale would lose its microsecond fraction
// and disagree with the rev the origin node committed.
type BusMessage struct {
	Type     string              `json:"type"`
	ListID   string              `json:"list_id"`
	Item     *model.TodoItem     `json:"item,omitempty"`
	ItemID   string              `json:"item_id,omitempty"`
	ListName string              `json:"list_name,omitempty"`
	UserID   string              `json:"user_id,omitempty"`
	Role     string              `json:"role,omitempty"`
	Snapshot *model.ListSnapshot `json:"snapshot,omitempty"`
	Rev      string              `json:"rev,omitempty"`
}

// RevValue parses the revision carried by the message, zero if absent.
func (m *BusMessage) RevValue() model.Rev {
	if m.Rev == "" {
		return 0
	}
	rev, err := model.ParseRev(m.Rev)
	if err != nil {
		return 0
	}
	return rev
}
