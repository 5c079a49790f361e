package event

import "github.com/collabtodo/collab-engine/internal/model"

// Outbound payload shapes. Field names are lower_snake_case on the wire.

type ConnectedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type ItemEventPayload struct {
	ListID string          `json:"list_id"`
	Item   *model.TodoItem `json:"item"`
	Rev    string          `json:"rev"`
}

type ItemDeletedPayload struct {
	ListID string `json:"list_id"`
	ItemID string `json:"item_id"`
	Rev    string `json:"rev"`
}

type ListUpdatedPayload struct {
	ListID   string `json:"list_id"`
	ListName string `json:"list_name"`
	Rev      string `json:"rev"`
}

type ListDeletedPayload struct {
	ListID string `json:"list_id"`
	Rev    string `json:"rev"`
}

type ListShareSuccessPayload struct {
	ListID     string `json:"list_id"`
	SharedWith string `json:"shared_with"`
	Message    string `json:"message"`
}

type ListSharedWithYouPayload struct {
	ListID  string `json:"list_id"`
	Message string `json:"message"`
}

type ListUnsharedPayload struct {
	ListID string `json:"list_id"`
	UserID string `json:"user_id"`
}
