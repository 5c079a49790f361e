package model

// ListState is one cached list entry as held in L1 and, field by field, in the
// shared store's hash. A nil value in Items is a tombstone for a deleted item;
// tombstones are kept so stale replicas converge, and are dropped only when a
// rebuild from the durable store regenerates the entry.
type ListState struct {
	ListID    string
	ListName  string
	OwnerID   string
	Items     map[string]*TodoItem
	Rev       Rev
	UpdatedAt int64 // unix seconds, from the store clock
}

// ListSnapshot is the wire form of a full list state, sent to reconcile a
// client. Tombstones are excluded.
type ListSnapshot struct {
	ListID   string               `json:"list_id"`
	ListName string               `json:"list_name"`
	Items    map[string]*TodoItem `json:"items"`
	Rev      string               `json:"rev"`
}

// Snapshot renders the wire snapshot for this state.
func (s *ListState) Snapshot() *ListSnapshot {
	items := make(map[string]*TodoItem, len(s.Items))
	for id, it := range s.Items {
		if it == nil {
			continue
		}
		cp := *it
		items[id] = &cp
	}
	return &ListSnapshot{
		ListID:   s.ListID,
		ListName: s.ListName,
		Items:    items,
		Rev:      s.Rev.String(),
	}
}
