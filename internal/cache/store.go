// Package cache is the shared-store tier (L2): the per-list state hash, the
// atomic mutation scripts, the store clock that mints revisions, and the
// pub/sub channel that fans committed writes out to every node.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/event"
	"github.com/collabtodo/collab-engine/internal/model"
)

const keyPrefix = "todo:state:"

// Sentinel errors surfaced from the mutation scripts.
var (
	ErrListNotFound = errors.New("list not found in shared store")
	ErrItemNotFound = errors.New("item not found in shared store")
)

// Store wraps the shared-store connection pool, the registered scripts, and
// the fan-out channel name.
type Store struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
	scripts scripts
}

// Open connects to the shared store, verifies connectivity, and registers the
// mutation scripts by SHA so later calls run EVALSHA.
func Open(ctx context.Context, url, channel string, timeout time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse shared store url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("shared store unreachable: %w", err)
	}

	s := &Store{rdb: rdb, channel: channel, timeout: timeout, scripts: newScripts()}

	for _, sc := range s.scripts.all() {
		if err := sc.Load(ctx, rdb).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("load mutation script: %w", err)
		}
	}

	log.Info().Str("channel", channel).Msg("shared store connected, scripts registered")
	return s, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping checks shared-store liveness for the health surface.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Channel returns the fan-out channel name.
func (s *Store) Channel() string { return s.channel }

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func listKey(listID string) string { return keyPrefix + listID }

// mapScriptErr translates script error replies into sentinels.
func mapScriptErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "list not found"):
		return ErrListNotFound
	case strings.Contains(msg, "item not found"):
		return ErrItemNotFound
	}
	return err
}

func (s *Store) runRevScript(ctx context.Context, sc *redis.Script, keys []string, args ...any) (model.Rev, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	out, err := sc.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return 0, mapScriptErr(err)
	}
	return model.ParseRev(out)
}

// AddItem runs the add_item script: inserts the item snapshot into the list's
// items map and publishes item_added.
func (s *Store) AddItem(ctx context.Context, listID string, item *model.TodoItem) (model.Rev, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return 0, err
	}
	return s.runRevScript(ctx, s.scripts.addItem, []string{listKey(listID)}, item.ID, payload, s.channel, listID)
}

// UpdateItem runs the update_item script; fails with ErrListNotFound or
// ErrItemNotFound when either side is absent or tombstoned.
func (s *Store) UpdateItem(ctx context.Context, listID string, item *model.TodoItem) (model.Rev, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return 0, err
	}
	return s.runRevScript(ctx, s.scripts.updateItem, []string{listKey(listID)}, item.ID, payload, s.channel, listID)
}

// DeleteItem runs the delete_item script, replacing the value with a
// tombstone and publishing item_deleted.
func (s *Store) DeleteItem(ctx context.Context, listID, itemID string) (model.Rev, error) {
	return s.runRevScript(ctx, s.scripts.deleteItem, []string{listKey(listID)}, itemID, s.channel, listID)
}

// RenameList runs the update_list script.
func (s *Store) RenameList(ctx context.Context, listID, name string) (model.Rev, error) {
	return s.runRevScript(ctx, s.scripts.updateList, []string{listKey(listID)}, name, s.channel, listID)
}

// DeleteList runs the delete_list script: drops the L2 entry and publishes
// list_deleted. Deleting an absent key is not an error.
func (s *Store) DeleteList(ctx context.Context, listID string) (model.Rev, error) {
	return s.runRevScript(ctx, s.scripts.deleteList, []string{listKey(listID)}, s.channel, listID)
}

// GetListState loads the L2 entry for a list; (nil, nil) when absent.
func (s *Store) GetListState(ctx context.Context, listID string) (*model.ListState, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, listKey(listID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	st := &model.ListState{
		ListID:   listID,
		ListName: fields["list_name"],
		OwnerID:  fields["owner_id"],
		Items:    make(map[string]*model.TodoItem),
	}
	if raw := fields["rev"]; raw != "" {
		rev, err := model.ParseRev(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt rev for list %s: %w", listID, err)
		}
		st.Rev = rev
	}
	if raw := fields["updated_at"]; raw != "" {
		st.UpdatedAt, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw := fields["items"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Items); err != nil {
			return nil, fmt.Errorf("corrupt items for list %s: %w", listID, err)
		}
		if st.Items == nil {
			st.Items = make(map[string]*model.TodoItem)
		}
	}
	return st, nil
}

// SeedListState writes a full L2 entry, used on list creation and on rebuild
// from the durable store.
func (s *Store) SeedListState(ctx context.Context, st *model.ListState) error {
	items, err := json.Marshal(st.Items)
	if err != nil {
		return err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.HSet(ctx, listKey(st.ListID),
		"rev", st.Rev.String(),
		"list_name", st.ListName,
		"owner_id", st.OwnerID,
		"items", items,
		"updated_at", st.UpdatedAt,
	).Err()
}

// DropListStates deletes the L2 entries for the given lists (manual flush).
func (s *Store) DropListStates(ctx context.Context, listIDs []string) error {
	if len(listIDs) == 0 {
		return nil
	}
	keys := make([]string, len(listIDs))
	for i, id := range listIDs {
		keys[i] = listKey(id)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.Del(ctx, keys...).Err()
}

// Clock reads the shared store's wall clock as a revision. This is the only
// clock allowed to mint revs; node-local clocks cannot order writes.
func (s *Store) Clock(ctx context.Context) (model.Rev, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return 0, err
	}
	return model.RevFromTime(t), nil
}

// Publish emits a bus message on the fan-out channel, used for list-level
// events that do not go through a mutation script.
func (s *Store) Publish(ctx context.Context, msg *event.BusMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.rdb.Publish(ctx, s.channel, payload).Err()
}

// Subscribe opens the fan-out subscription consumed by the pub/sub listener.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, s.channel)
}
