// Package state owns the per-process tier: the L1 list cache and the
// connection registry that maps sessions to users and lists to the local
// sessions subscribed to them. All access goes through one Manager guarded by
// a single mutex; critical sections are bounded by the size of one list entry.
package state

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/model"
)

// ConnStats summarizes the local connection registry.
type ConnStats struct {
	Connections int `json:"total_connections"`
	UniqueUsers int `json:"unique_users"`
}

// CacheInfo is one L1 entry summary for the operational surface.
type CacheInfo struct {
	ListID string `json:"list_id"`
	Items  int    `json:"items"`
	Rev    string `json:"rev"`
}

// Manager is the per-process state holder.
type Manager struct {
	mu    sync.Mutex
	lists map[string]*model.ListState

	sessions map[string]string              // session id -> user id
	users    map[string]map[string]struct{} // user id -> session ids
	rooms    map[string]map[string]struct{} // list id -> session ids
}

func NewManager() *Manager {
	return &Manager{
		lists:    make(map[string]*model.ListState),
		sessions: make(map[string]string),
		users:    make(map[string]map[string]struct{}),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// --- connection registry ---

// AddConnection binds a session to its authenticated user.
func (m *Manager) AddConnection(sessionID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = userID
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]struct{})
	}
	m.users[userID][sessionID] = struct{}{}
	log.Debug().Str("session", sessionID).Str("user", userID).Msg("connection registered")
}

// RemoveConnection drops the session and all its subscriptions.
func (m *Manager) RemoveConnection(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSubscriptions(sessionID)
	if userID, ok := m.sessions[sessionID]; ok {
		delete(m.sessions, sessionID)
		if set := m.users[userID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.users, userID)
			}
		}
	}
}

// UserID resolves the user bound to a session, empty if unknown.
func (m *Manager) UserID(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Subscribe adds the session to a list's local fan-out set.
func (m *Manager) Subscribe(sessionID, listID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return
	}
	if m.rooms[listID] == nil {
		m.rooms[listID] = make(map[string]struct{})
	}
	m.rooms[listID][sessionID] = struct{}{}
}

// Unsubscribe removes one session from one list.
func (m *Manager) Unsubscribe(sessionID, listID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.rooms[listID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.rooms, listID)
		}
	}
}

// UnsubscribeAll removes the session from every list.
func (m *Manager) UnsubscribeAll(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSubscriptions(sessionID)
}

func (m *Manager) dropSubscriptions(sessionID string) {
	for listID, set := range m.rooms {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.rooms, listID)
		}
	}
}

// SessionsForList returns the local sessions subscribed to a list.
func (m *Manager) SessionsForList(listID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.rooms[listID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// SessionsForUser returns the local sessions of one user.
func (m *Manager) SessionsForUser(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.users[userID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Stats reports connection counts for the operational surface.
func (m *Manager) Stats() ConnStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnStats{Connections: len(m.sessions), UniqueUsers: len(m.users)}
}

// Rooms reports subscriber counts per list.
func (m *Manager) Rooms() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.rooms))
	for listID, set := range m.rooms {
		out[listID] = len(set)
	}
	return out
}

// --- L1 cache ---

// HasList reports whether a list entry is cached locally.
func (m *Manager) HasList(listID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lists[listID]
	return ok
}

// PutList installs (or replaces) a cache entry. The Manager takes ownership of
// the state; callers must not mutate it afterwards.
func (m *Manager) PutList(st *model.ListState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.Items == nil {
		st.Items = make(map[string]*model.TodoItem)
	}
	m.lists[st.ListID] = st
}

// Snapshot renders the wire snapshot of a cached list.
func (m *Manager) Snapshot(listID string) (*model.ListSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.lists[listID]
	if !ok {
		return nil, false
	}
	return st.Snapshot(), true
}

// Rev returns the cached revision of a list.
func (m *Manager) Rev(listID string) (model.Rev, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.lists[listID]
	if !ok {
		return 0, false
	}
	return st.Rev, true
}

// Item returns a copy of one cached item along with the list revision.
// ok is false when the list is not cached or the item is absent/tombstoned.
func (m *Manager) Item(listID, itemID string) (model.TodoItem, model.Rev, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.lists[listID]
	if !ok {
		return model.TodoItem{}, 0, false
	}
	it, ok := st.Items[itemID]
	if !ok || it == nil {
		return model.TodoItem{}, st.Rev, false
	}
	return *it, st.Rev, true
}

// ApplyItem installs an item snapshot at the given revision. The revision only
// moves forward; an equal rev re-applies the same committed write, which keeps
// the local-write and pub/sub paths idempotent with each other.
func (m *Manager) ApplyItem(listID string, item *model.TodoItem, rev model.Rev) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.lists[listID]
	if !ok {
		return
	}
	cp := *item
	st.Items[item.ID] = &cp
	if rev > st.Rev {
		st.Rev = rev
	}
}

// ApplyDelete tombstones an item at the given revision.
func (m *Manager) ApplyDelete(listID, itemID string, rev model.Rev) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.lists[listID]
	if !ok {
		return
	}
	st.Items[itemID] = nil
	if rev > st.Rev {
		st.Rev = rev
	}
}

// SetListName renames a cached list at the given revision.
func (m *Manager) SetListName(listID, name string, rev model.Rev) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.lists[listID]
	if !ok {
		return
	}
	st.ListName = name
	if rev > st.Rev {
		st.Rev = rev
	}
}

// Drop evicts one list from L1. Eviction never deletes data.
func (m *Manager) Drop(listID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, listID)
}

// FlushAll clears L1 and returns the evicted list ids so the caller can drop
// the matching shared-store entries.
func (m *Manager) FlushAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.lists))
	for id := range m.lists {
		ids = append(ids, id)
	}
	m.lists = make(map[string]*model.ListState)
	log.Info().Int("lists", len(ids)).Msg("flushed L1 cache")
	return ids
}

// CacheSummary lists the cached entries for the operational surface.
func (m *Manager) CacheSummary() []CacheInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CacheInfo, 0, len(m.lists))
	for id, st := range m.lists {
		out = append(out, CacheInfo{ListID: id, Items: len(st.Items), Rev: st.Rev.String()})
	}
	return out
}
