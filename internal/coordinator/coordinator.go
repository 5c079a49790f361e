// Package coordinator sequences every mutation across the three tiers: the
// shared store commits and orders the write, the local cache mirrors it, and
// the write-behind queue makes it durable. Reads self-heal downward: a list
// missing locally is pulled from the shared store, and a list missing there is
// rebuilt from the durable store.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/cache"
	"github.com/collabtodo/collab-engine/internal/event"
	"github.com/collabtodo/collab-engine/internal/metrics"
	"github.com/collabtodo/collab-engine/internal/model"
	"github.com/collabtodo/collab-engine/internal/permission"
	"github.com/collabtodo/collab-engine/internal/state"
	"github.com/collabtodo/collab-engine/internal/writer"
)

// DefaultListName is the list auto-created for first-time users.
const DefaultListName = "My TODOs"

// SharedStore is the slice of the shared-store tier the coordinator drives.
type SharedStore interface {
	AddItem(ctx context.Context, listID string, item *model.TodoItem) (model.Rev, error)
	UpdateItem(ctx context.Context, listID string, item *model.TodoItem) (model.Rev, error)
	DeleteItem(ctx context.Context, listID, itemID string) (model.Rev, error)
	RenameList(ctx context.Context, listID, name string) (model.Rev, error)
	DeleteList(ctx context.Context, listID string) (model.Rev, error)
	GetListState(ctx context.Context, listID string) (*model.ListState, error)
	SeedListState(ctx context.Context, st *model.ListState) error
	DropListStates(ctx context.Context, listIDs []string) error
	Clock(ctx context.Context) (model.Rev, error)
	Publish(ctx context.Context, msg *event.BusMessage) error
}

// ListStore is the durable list/membership surface. Creation and membership
// changes bypass the write-behind queue: permission checks read the durable
// store, so these rows must exist before the call returns.
type ListStore interface {
	permission.MemberSource
	Create(ctx context.Context, l *model.TodoList) error
	GetByID(ctx context.Context, listID string) (*model.TodoList, error)
	GetForUser(ctx context.Context, userID string) ([]model.TodoList, error)
	UpsertMember(ctx context.Context, listID, userID string, role model.Role) error
	RemoveMember(ctx context.Context, listID, userID string) error
}

// ItemStore is the durable item surface used for cold-cache rebuilds.
type ItemStore interface {
	GetByList(ctx context.Context, listID string) ([]model.TodoItem, error)
}

// WriteQueue hands mutations to the write-behind worker.
type WriteQueue interface {
	Enqueue(t writer.Task) bool
}

// Coordinator owns the mutation and read paths over the three tiers.
type Coordinator struct {
	local *state.Manager
	store SharedStore
	lists ListStore
	items ItemStore
	perm  *permission.Service
	queue WriteQueue
	met   *metrics.Metrics
}

func New(local *state.Manager, store SharedStore, lists ListStore, items ItemStore,
	perm *permission.Service, queue WriteQueue, met *metrics.Metrics) *Coordinator {
	return &Coordinator{
		local: local,
		store: store,
		lists: lists,
		items: items,
		perm:  perm,
		queue: queue,
		met:   met,
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ensure populates the local cache for a list, pulling from the shared store
// first and rebuilding from the durable store when both caches are cold.
// clientRev is the newest revision the caller claims to have seen (zero for
// none): a client ahead of the shared store means the store was flushed or
// restarted, so the entry is rebuilt with a fresh revision instead of served
// stale.
func (c *Coordinator) ensure(ctx context.Context, listID string, clientRev model.Rev) error {
	if c.local.HasList(listID) {
		return nil
	}

	st, err := c.store.GetListState(ctx, listID)
	if err != nil {
		return err
	}
	if st != nil && clientRev <= st.Rev {
		c.local.PutList(st)
		return nil
	}

	return c.rebuild(ctx, listID)
}

// rebuild reconstructs a list's cache entry from the durable store and seeds
// the shared store with it. Tombstones do not survive a rebuild; deleted rows
// simply stay out of the fresh entry.
func (c *Coordinator) rebuild(ctx context.Context, listID string) error {
	l, err := c.lists.GetByID(ctx, listID)
	if err != nil {
		return err
	}
	if l == nil {
		return ErrNotFound
	}

	rows, err := c.items.GetByList(ctx, listID)
	if err != nil {
		return err
	}

	rev, err := c.store.Clock(ctx)
	if err != nil {
		return err
	}

	st := &model.ListState{
		ListID:    listID,
		ListName:  l.Name,
		OwnerID:   l.OwnerID,
		Items:     make(map[string]*model.TodoItem, len(rows)),
		Rev:       rev,
		UpdatedAt: time.Now().Unix(),
	}
	for i := range rows {
		st.Items[rows[i].ID] = &rows[i]
	}

	if err := c.store.SeedListState(ctx, st); err != nil {
		return err
	}
	c.local.PutList(st)
	c.met.CacheRebuildsFromStore.Inc()
	log.Info().Str("list_id", listID).Int("items", len(rows)).Msg("rebuilt list cache from durable store")
	return nil
}

// checkRev rejects a mutation whose base revision is older than the list's
// current one. A nil clientRev skips the check; add and delete never carry
// one. The rejection carries a full snapshot so the client converges in one
// round trip.
func (c *Coordinator) checkRev(listID string, clientRev *model.Rev) error {
	if clientRev == nil {
		return nil
	}
	cur, ok := c.local.Rev(listID)
	if !ok {
		return ErrNotFound
	}
	if *clientRev < cur {
		c.met.RevisionConflicts.Inc()
		snap, _ := c.local.Snapshot(listID)
		return &ConflictError{ClientRev: *clientRev, ServerRev: cur, Snapshot: snap}
	}
	return nil
}

// runScript executes a shared-store mutation, retrying once after a rebuild
// when the list's entry was evicted between ensure and the script run.
func (c *Coordinator) runScript(ctx context.Context, listID string, fn func() (model.Rev, error)) (model.Rev, error) {
	rev, err := fn()
	if !errors.Is(err, cache.ErrListNotFound) {
		return rev, err
	}

	c.local.Drop(listID)
	if err := c.ensure(ctx, listID, 0); err != nil {
		return 0, err
	}
	return fn()
}

// Snapshot returns the current full state of a list the user can read.
func (c *Coordinator) Snapshot(ctx context.Context, userID, listID string) (*model.ListSnapshot, error) {
	if err := c.perm.Require(ctx, userID, listID, permission.ActionRead); err != nil {
		return nil, err
	}
	if err := c.ensure(ctx, listID, 0); err != nil {
		return nil, err
	}
	snap, ok := c.local.Snapshot(listID)
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

// AddItem commits a new item. Adds never carry a base revision and are always
// accepted; the returned item carries the generated fields and the returned
// revision is the list's new one.
func (c *Coordinator) AddItem(ctx context.Context, userID, listID string, item *model.TodoItem) (*model.TodoItem, model.Rev, error) {
	if err := c.perm.Require(ctx, userID, listID, permission.ActionWrite); err != nil {
		return nil, 0, err
	}
	if err := c.ensure(ctx, listID, 0); err != nil {
		return nil, 0, err
	}

	now := nowISO()
	it := *item
	it.ListID = listID
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Status == "" {
		if it.Done {
			it.Status = model.StatusCompleted
		} else {
			it.Status = model.StatusNotStarted
		}
	}
	it.Done = it.Status == model.StatusCompleted
	it.IsDeleted = false
	it.CreatedAt = now
	it.UpdatedAt = now

	rev, err := c.runScript(ctx, listID, func() (model.Rev, error) {
		return c.store.AddItem(ctx, listID, &it)
	})
	if err != nil {
		return nil, 0, err
	}

	c.local.ApplyItem(listID, &it, rev)
	c.queue.Enqueue(writer.Task{Op: writer.OpUpsertItem, Item: &it})
	return &it, rev, nil
}

// UpdateItem merges a patch over the item's cached snapshot and commits the
// merged item. clientRev, when present, is the base revision: updates from a
// stale base are rejected with the current snapshot attached.
func (c *Coordinator) UpdateItem(ctx context.Context, userID, listID, itemID string, patch model.ItemPatch, clientRev *model.Rev) (*model.TodoItem, model.Rev, error) {
	if err := c.perm.Require(ctx, userID, listID, permission.ActionWrite); err != nil {
		return nil, 0, err
	}
	var known model.Rev
	if clientRev != nil {
		known = *clientRev
	}
	if err := c.ensure(ctx, listID, known); err != nil {
		return nil, 0, err
	}
	if err := c.checkRev(listID, clientRev); err != nil {
		return nil, 0, err
	}

	cur, _, ok := c.local.Item(listID, itemID)
	if !ok {
		return nil, 0, ErrItemNotFound
	}
	merged := patch.Apply(cur, nowISO())

	rev, err := c.runScript(ctx, listID, func() (model.Rev, error) {
		return c.store.UpdateItem(ctx, listID, &merged)
	})
	if err != nil {
		if errors.Is(err, cache.ErrItemNotFound) {
			return nil, 0, ErrItemNotFound
		}
		return nil, 0, err
	}

	c.local.ApplyItem(listID, &merged, rev)
	c.queue.Enqueue(writer.Task{Op: writer.OpUpsertItem, Item: &merged})
	return &merged, rev, nil
}

// DeleteItem tombstones an item in both caches and soft-deletes it durably.
// Deletes never carry a base revision.
func (c *Coordinator) DeleteItem(ctx context.Context, userID, listID, itemID string) (model.Rev, error) {
	if err := c.perm.Require(ctx, userID, listID, permission.ActionWrite); err != nil {
		return 0, err
	}
	if err := c.ensure(ctx, listID, 0); err != nil {
		return 0, err
	}

	rev, err := c.runScript(ctx, listID, func() (model.Rev, error) {
		return c.store.DeleteItem(ctx, listID, itemID)
	})
	if err != nil {
		if errors.Is(err, cache.ErrItemNotFound) {
			return 0, ErrItemNotFound
		}
		return 0, err
	}

	c.local.ApplyDelete(listID, itemID, rev)
	c.queue.Enqueue(writer.Task{Op: writer.OpDeleteItem, ItemID: itemID})
	return rev, nil
}

// CreateList creates a list owned by the caller. The list row and the owner
// membership are written durably in-line; every later permission check reads
// them, so they cannot trail behind in the queue.
func (c *Coordinator) CreateList(ctx context.Context, userID, name string) (*model.TodoList, *model.ListSnapshot, error) {
	now := nowISO()
	l := &model.TodoList{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.lists.Create(ctx, l); err != nil {
		return nil, nil, err
	}
	if err := c.lists.UpsertMember(ctx, l.ID, userID, model.RoleOwner); err != nil {
		return nil, nil, err
	}

	rev, err := c.store.Clock(ctx)
	if err != nil {
		return nil, nil, err
	}

	st := &model.ListState{
		ListID:    l.ID,
		ListName:  name,
		OwnerID:   userID,
		Items:     make(map[string]*model.TodoItem),
		Rev:       rev,
		UpdatedAt: time.Now().Unix(),
	}
	if err := c.store.SeedListState(ctx, st); err != nil {
		return nil, nil, err
	}
	c.local.PutList(st)

	snap, _ := c.local.Snapshot(l.ID)
	log.Info().Str("list_id", l.ID).Str("owner", userID).Msg("list created")
	return l, snap, nil
}

// RenameList commits a new list name.
func (c *Coordinator) RenameList(ctx context.Context, userID, listID, name string) (model.Rev, error) {
	if err := c.perm.Require(ctx, userID, listID, permission.ActionWrite); err != nil {
		return 0, err
	}
	if err := c.ensure(ctx, listID, 0); err != nil {
		return 0, err
	}

	rev, err := c.runScript(ctx, listID, func() (model.Rev, error) {
		return c.store.RenameList(ctx, listID, name)
	})
	if err != nil {
		return 0, err
	}

	c.local.SetListName(listID, name, rev)
	c.queue.Enqueue(writer.Task{Op: writer.OpRenameList, ListID: listID, Name: name})
	return rev, nil
}

// DeleteList soft-deletes a list. Owner only. The shared-store script drops
// the cache entry and announces the deletion; membership rows stay, the
// soft-delete flag hides the list everywhere.
func (c *Coordinator) DeleteList(ctx context.Context, userID, listID string) error {
	if err := c.perm.Require(ctx, userID, listID, permission.ActionDelete); err != nil {
		return err
	}

	if _, err := c.store.DeleteList(ctx, listID); err != nil {
		return err
	}

	c.local.Drop(listID)
	c.queue.Enqueue(writer.Task{Op: writer.OpDeleteList, ListID: listID})
	log.Info().Str("list_id", listID).Str("user", userID).Msg("list deleted")
	return nil
}

// ShareList grants targetUserID a role on the list. The membership row is
// written in-line, then the grant is announced on the bus with a full
// snapshot so the target's sessions can render the list immediately.
func (c *Coordinator) ShareList(ctx context.Context, userID, listID, targetUserID string, role model.Role) (*model.ListSnapshot, error) {
	if err := c.perm.Require(ctx, userID, listID, permission.ActionShare); err != nil {
		return nil, err
	}
	if targetUserID == userID {
		return nil, ErrShareWithSelf
	}

	existing, err := c.lists.GetMember(ctx, listID, targetUserID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Role == model.RoleOwner {
		return nil, ErrOwnerImmutable
	}

	if err := c.lists.UpsertMember(ctx, listID, targetUserID, role); err != nil {
		return nil, err
	}

	if err := c.ensure(ctx, listID, 0); err != nil {
		return nil, err
	}
	snap, ok := c.local.Snapshot(listID)
	if !ok {
		return nil, ErrNotFound
	}

	rev, _ := c.local.Rev(listID)
	err = c.store.Publish(ctx, &event.BusMessage{
		Type:     event.BusListShared,
		ListID:   listID,
		ListName: snap.ListName,
		UserID:   targetUserID,
		Role:     string(role),
		Snapshot: snap,
		Rev:      rev.String(),
	})
	if err != nil {
		log.Error().Err(err).Str("list_id", listID).Msg("failed to announce share")
	}

	log.Info().Str("list_id", listID).Str("target", targetUserID).Str("role", string(role)).Msg("list shared")
	return snap, nil
}

// UnshareList revokes targetUserID's membership. The owner cannot be removed.
func (c *Coordinator) UnshareList(ctx context.Context, userID, listID, targetUserID string) error {
	if err := c.perm.Require(ctx, userID, listID, permission.ActionShare); err != nil {
		return err
	}

	existing, err := c.lists.GetMember(ctx, listID, targetUserID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if existing.Role == model.RoleOwner {
		return ErrOwnerImmutable
	}

	if err := c.lists.RemoveMember(ctx, listID, targetUserID); err != nil {
		return err
	}

	var listName string
	if snap, ok := c.local.Snapshot(listID); ok {
		listName = snap.ListName
	}
	err = c.store.Publish(ctx, &event.BusMessage{
		Type:     event.BusListUnshare,
		ListID:   listID,
		ListName: listName,
		UserID:   targetUserID,
	})
	if err != nil {
		log.Error().Err(err).Str("list_id", listID).Msg("failed to announce unshare")
	}

	log.Info().Str("list_id", listID).Str("target", targetUserID).Msg("list unshared")
	return nil
}

// EnsureUserLists returns the lists visible to a user, creating the default
// list on first contact so a new user never lands on an empty workspace.
func (c *Coordinator) EnsureUserLists(ctx context.Context, userID string) ([]model.TodoList, error) {
	ls, err := c.lists.GetForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ls) > 0 {
		return ls, nil
	}

	l, _, err := c.CreateList(ctx, userID, DefaultListName)
	if err != nil {
		return nil, err
	}
	return []model.TodoList{*l}, nil
}

// FlushCache evicts every local entry and the matching shared-store entries.
// The next read rebuilds from the durable store. Returns the eviction count.
func (c *Coordinator) FlushCache(ctx context.Context) (int, error) {
	ids := c.local.FlushAll()
	if err := c.store.DropListStates(ctx, ids); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}
