package model

// Status is the workflow state of a todo item.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// TodoItem is the cache/wire form of a single todo entry. Timestamps are
// ISO-8601 UTC strings because the same struct is serialized into the shared
// store, the pub/sub bus, and client frames.
type TodoItem struct {
	ID          string `json:"id"`
	ListID      string `json:"list_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	Done        bool   `json:"done"`
	DueDate     string `json:"due_date,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	IsDeleted   bool   `json:"is_deleted,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// ItemPatch is a field-level update to an item. Nil fields are left untouched.
type ItemPatch struct {
	Name        *string
	Description *string
	Status      *Status
	Done        *bool
	DueDate     *string
	MediaURL    *string
}

// Apply merges the patch over a snapshot of the current item and returns the
// full merged item. The status/done coupling is enforced here and nowhere
// else: setting status=completed forces done, setting done=true forces
// completion, and clearing done demotes a completed item to in_progress.
func (p ItemPatch) Apply(it TodoItem, updatedAt string) TodoItem {
	if p.Name != nil {
		it.Name = *p.Name
	}
	if p.Description != nil {
		it.Description = *p.Description
	}
	if p.DueDate != nil {
		it.DueDate = *p.DueDate
	}
	if p.MediaURL != nil {
		it.MediaURL = *p.MediaURL
	}
	if p.Status != nil {
		it.Status = *p.Status
	}
	if p.Done != nil {
		if *p.Done {
			it.Status = StatusCompleted
		} else if it.Status == StatusCompleted {
			it.Status = StatusInProgress
		}
	}
	// Invariant: done always mirrors completion.
	it.Done = it.Status == StatusCompleted
	it.UpdatedAt = updatedAt
	return it
}
