// Package pubsub runs the fan-out listener: one subscriber per process
// consuming the shared store's update channel. It is the only path by which
// clients learn of committed writes, local and remote alike, which keeps both
// origins on identical delivery code.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/event"
	"github.com/collabtodo/collab-engine/internal/metrics"
	"github.com/collabtodo/collab-engine/internal/model"
	"github.com/collabtodo/collab-engine/internal/state"
)

// Sender delivers one outbound event to a set of local sessions.
type Sender interface {
	Send(sessionIDs []string, eventName string, payload any)
}

// StateSource loads a list entry from the shared store when a delta arrives
// for a list with local subscribers but no local cache entry.
type StateSource interface {
	GetListState(ctx context.Context, listID string) (*model.ListState, error)
}

// BusSource opens the fan-out subscription.
type BusSource interface {
	Subscribe(ctx context.Context) *redis.PubSub
}

// Listener applies bus messages to the local cache and fans them out to the
// subscribed sessions of this node.
type Listener struct {
	local   *state.Manager
	states  StateSource
	bus     BusSource
	send    Sender
	met     *metrics.Metrics
	running atomic.Bool
}

func NewListener(local *state.Manager, states StateSource, bus BusSource, send Sender, met *metrics.Metrics) *Listener {
	return &Listener{local: local, states: states, bus: bus, send: send, met: met}
}

// Running reports whether the subscriber loop is live (readiness).
func (l *Listener) Running() bool { return l.running.Load() }

// Run consumes the subscription until ctx is cancelled. Handler failures are
// contained per message; only a closed subscription ends the loop.
func (l *Listener) Run(ctx context.Context) {
	sub := l.bus.Subscribe(ctx)
	defer sub.Close()

	ch := sub.Channel()
	l.running.Store(true)
	defer l.running.Store(false)
	log.Info().Msg("pubsub listener started")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				log.Warn().Msg("pubsub subscription closed")
				return
			}
			l.handle(ctx, []byte(msg.Payload))
		case <-ctx.Done():
			log.Info().Msg("pubsub listener stopping")
			return
		}
	}
}

// handle processes one bus message. Panics and decode failures are absorbed
// here so one bad message never stalls the loop.
func (l *Listener) handle(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.met.PubSubFailures.Inc()
			log.Error().Interface("panic", r).Msg("pubsub handler panicked")
		}
	}()

	var msg event.BusMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		l.met.PubSubFailures.Inc()
		log.Error().Err(err).Str("payload", string(raw)).Msg("malformed bus message")
		return
	}
	l.met.PubSubMessages.Inc()

	switch msg.Type {
	case event.BusItemAdded:
		l.itemDelta(ctx, &msg, event.ItemAdded)
	case event.BusItemUpdated:
		l.itemDelta(ctx, &msg, event.ItemUpdated)
	case event.BusItemDeleted:
		l.itemDeleted(ctx, &msg)
	case event.BusListUpdated:
		l.listUpdated(ctx, &msg)
	case event.BusListDeleted:
		l.listDeleted(&msg)
	case event.BusListShared:
		l.listShared(&msg)
	case event.BusListUnshare:
		l.listUnshared(&msg)
	default:
		l.met.PubSubFailures.Inc()
		log.Warn().Str("type", msg.Type).Msg("unknown bus message type")
	}
}

// warm makes sure the local cache holds the list when this node has
// subscribers for it. Deltas for lists nobody here watches are ignored.
func (l *Listener) warm(ctx context.Context, listID string) (sessions []string, cached bool) {
	sessions = l.local.SessionsForList(listID)
	cached = l.local.HasList(listID)
	if cached || len(sessions) == 0 {
		return sessions, cached
	}

	st, err := l.states.GetListState(ctx, listID)
	if err != nil || st == nil {
		log.Warn().Err(err).Str("list_id", listID).Msg("cannot seed cache for subscribed list")
		return sessions, false
	}
	l.local.PutList(st)
	return sessions, true
}

func (l *Listener) itemDelta(ctx context.Context, msg *event.BusMessage, name string) {
	if msg.Item == nil {
		l.met.PubSubFailures.Inc()
		log.Error().Str("type", msg.Type).Str("list_id", msg.ListID).Msg("bus message without item")
		return
	}

	rev := msg.RevValue()
	sessions, cached := l.warm(ctx, msg.ListID)
	if cached {
		l.local.ApplyItem(msg.ListID, msg.Item, rev)
	}
	if len(sessions) == 0 {
		return
	}
	l.send.Send(sessions, name, &event.ItemEventPayload{
		ListID: msg.ListID,
		Item:   msg.Item,
		Rev:    rev.String(),
	})
}

func (l *Listener) itemDeleted(ctx context.Context, msg *event.BusMessage) {
	rev := msg.RevValue()
	sessions, cached := l.warm(ctx, msg.ListID)
	if cached {
		l.local.ApplyDelete(msg.ListID, msg.ItemID, rev)
	}
	if len(sessions) == 0 {
		return
	}
	l.send.Send(sessions, event.ItemDeleted, &event.ItemDeletedPayload{
		ListID: msg.ListID,
		ItemID: msg.ItemID,
		Rev:    rev.String(),
	})
}

func (l *Listener) listUpdated(ctx context.Context, msg *event.BusMessage) {
	rev := msg.RevValue()
	sessions, cached := l.warm(ctx, msg.ListID)
	if cached {
		l.local.SetListName(msg.ListID, msg.ListName, rev)
	}
	if len(sessions) == 0 {
		return
	}
	l.send.Send(sessions, event.ListUpdated, &event.ListUpdatedPayload{
		ListID:   msg.ListID,
		ListName: msg.ListName,
		Rev:      rev.String(),
	})
}

func (l *Listener) listDeleted(msg *event.BusMessage) {
	l.local.Drop(msg.ListID)
	sessions := l.local.SessionsForList(msg.ListID)
	if len(sessions) == 0 {
		return
	}
	l.send.Send(sessions, event.ListDeleted, &event.ListDeletedPayload{
		ListID: msg.ListID,
		Rev:    msg.RevValue().String(),
	})
	for _, sid := range sessions {
		l.local.Unsubscribe(sid, msg.ListID)
	}
}

// listShared notifies the target user's local sessions. The message carries a
// full snapshot so a node that never saw the list can seed its cache before
// the target joins.
func (l *Listener) listShared(msg *event.BusMessage) {
	sessions := l.local.SessionsForUser(msg.UserID)
	if len(sessions) == 0 {
		return
	}
	if !l.local.HasList(msg.ListID) && msg.Snapshot != nil {
		rev, err := model.ParseRev(msg.Snapshot.Rev)
		if err == nil {
			items := make(map[string]*model.TodoItem, len(msg.Snapshot.Items))
			for id, it := range msg.Snapshot.Items {
				items[id] = it
			}
			l.local.PutList(&model.ListState{
				ListID:   msg.ListID,
				ListName: msg.Snapshot.ListName,
				Items:    items,
				Rev:      rev,
			})
		}
	}
	l.send.Send(sessions, event.ListSharedWithYou, &event.ListSharedWithYouPayload{
		ListID:  msg.ListID,
		Message: fmt.Sprintf("%s was shared with you", msg.ListName),
	})
}

func (l *Listener) listUnshared(msg *event.BusMessage) {
	sessions := l.local.SessionsForUser(msg.UserID)
	if len(sessions) == 0 {
		return
	}
	for _, sid := range sessions {
		l.local.Unsubscribe(sid, msg.ListID)
	}
	l.send.Send(sessions, event.ListUnshared, &event.ListUnsharedPayload{
		ListID: msg.ListID,
		UserID: msg.UserID,
	})
}
