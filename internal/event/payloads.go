package event

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/collabtodo/collab-engine/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Inbound payloads. Unknown JSON fields are ignored by encoding/json, matching
// the schema contract.

type JoinListPayload struct {
	ListID string `json:"list_id" validate:"required"`
}

type CreateListPayload struct {
	ListName string `json:"list_name" validate:"required,min=1,max=255"`
}

type UpdateListPayload struct {
	ListID   string `json:"list_id" validate:"required"`
	ListName string `json:"list_name" validate:"required,min=1,max=255"`
}

type DeleteListPayload struct {
	ListID string `json:"list_id" validate:"required"`
}

type ShareListPayload struct {
	ListID string `json:"list_id" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"required,oneof=editor viewer"`
}

type UnshareListPayload struct {
	ListID string `json:"list_id" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

type AddItemPayload struct {
	ListID      string `json:"list_id" validate:"required"`
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description" validate:"max=2000"`
	Status      string `json:"status" validate:"omitempty,oneof=not_started in_progress completed"`
	Done        bool   `json:"done"`
	DueDate     string `json:"due_date"`
	MediaURL    string `json:"media_url" validate:"omitempty,url"`
}

type UpdateItemPayload struct {
	ListID      string  `json:"list_id" validate:"required"`
	ItemID      string  `json:"item_id" validate:"required"`
	Name        *string `json:"name" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
	Status      *string `json:"status" validate:"omitempty,oneof=not_started in_progress completed"`
	Done        *bool   `json:"done"`
	DueDate     *string `json:"due_date"`
	MediaURL    *string `json:"media_url"`
	Rev         *string `json:"rev"`
}

// Patch converts the optional item fields to a model patch.
func (p *UpdateItemPayload) Patch() model.ItemPatch {
	patch := model.ItemPatch{
		Name:        p.Name,
		Description: p.Description,
		Done:        p.Done,
		DueDate:     p.DueDate,
		MediaURL:    p.MediaURL,
	}
	if p.Status != nil {
		st := model.Status(*p.Status)
		patch.Status = &st
	}
	return patch
}

type DeleteItemPayload struct {
	ListID string `json:"list_id" validate:"required"`
	ItemID string `json:"item_id" validate:"required"`
}

// ValidationError carries the per-field messages of a failed payload.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %v", e.Fields)
}

// Decode unmarshals and validates an inbound payload. A *ValidationError is
// returned for both malformed JSON and constraint violations so handlers map
// every schema failure to the same client-facing kind.
func Decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Fields: []string{"payload: " + err.Error()}}
	}
	if err := validate.Struct(dst); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return &ValidationError{Fields: []string{err.Error()}}
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
		return &ValidationError{Fields: fields}
	}
	return nil
}
