// Package event defines the wire protocol of the collaboration socket: event
// names, inbound payload schemas with their validation rules, outbound payload
// shapes, and the pub/sub bus message that fans writes out across nodes.
package event

import "encoding/json"

// Client-originated events.
const (
	Join        = "join"
	JoinList    = "join_list"
	CreateList  = "create_list"
	UpdateList  = "update_list"
	DeleteList  = "delete_list"
	ShareList   = "share_list"
	UnshareList = "unshare_list"
	AddItem     = "add_item"
	UpdateItem  = "update_item"
	DeleteItem  = "delete_item"
)

// Server-originated events.
const (
	Connected         = "connected"
	ListSnapshot      = "list_snapshot"
	ListCreated       = "list_created"
	ListUpdated       = "list_updated"
	ListDeleted       = "list_deleted"
	ItemAdded         = "item_added"
	ItemUpdated       = "item_updated"
	ItemDeleted       = "item_deleted"
	ListShareSuccess  = "list_share_success"
	ListSharedWithYou = "list_shared_with_you"
	ListUnshared      = "list_unshared"
	Error             = "error"
	AuthError         = "auth_error"
	PermissionError   = "permission_error"
	ValidationFailed  = "validation_error"
)

// Envelope is one socket frame: a named event with a single JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
