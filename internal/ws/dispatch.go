package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/coordinator"
	"github.com/collabtodo/collab-engine/internal/event"
	"github.com/collabtodo/collab-engine/internal/model"
	"github.com/collabtodo/collab-engine/internal/permission"
)

// handleFrame routes one inbound frame. Events are processed one at a time
// per session; a panic or error inside a handler is mapped to an error frame
// and the session stays open.
func (srv *Server) handleFrame(s *Session, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session", s.ID).Msg("event handler panicked")
			srv.sendTo(s, event.Error, &event.ErrorPayload{Message: "internal error", Kind: event.KindInternal})
		}
	}()

	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		srv.sendTo(s, event.ValidationFailed, &event.ErrorPayload{
			Message: "malformed frame",
			Kind:    event.KindValidation,
		})
		return
	}
	srv.met.EventsReceived.WithLabelValues(env.Event).Inc()

	var err error
	switch env.Event {
	case event.Join:
		err = srv.handleJoin(s)
	case event.JoinList:
		err = srv.handleJoinList(s, env.Data)
	case event.CreateList:
		err = srv.handleCreateList(s, env.Data)
	case event.UpdateList:
		err = srv.handleUpdateList(s, env.Data)
	case event.DeleteList:
		err = srv.handleDeleteList(s, env.Data)
	case event.ShareList:
		err = srv.handleShareList(s, env.Data)
	case event.UnshareList:
		err = srv.handleUnshareList(s, env.Data)
	case event.AddItem:
		err = srv.handleAddItem(s, env.Data)
	case event.UpdateItem:
		err = srv.handleUpdateItem(s, env.Data)
	case event.DeleteItem:
		err = srv.handleDeleteItem(s, env.Data)
	default:
		err = &event.ValidationError{Fields: []string{"event: unknown name " + env.Event}}
	}
	if err != nil {
		srv.replyError(s, err)
	}
}

// replyError maps a handler error to the client-facing taxonomy. Revision
// conflicts additionally carry the authoritative snapshot so the client
// reconciles in one round trip.
func (srv *Server) replyError(s *Session, err error) {
	var verr *event.ValidationError
	var denied *permission.DeniedError
	var conflict *coordinator.ConflictError

	switch {
	case errors.As(err, &verr):
		srv.sendTo(s, event.ValidationFailed, &event.ErrorPayload{
			Message: "invalid payload",
			Kind:    event.KindValidation,
			Fields:  verr.Fields,
		})
	case errors.As(err, &denied):
		srv.sendTo(s, event.PermissionError, &event.ErrorPayload{
			Message: err.Error(),
			Kind:    event.KindPermission,
		})
	case errors.As(err, &conflict):
		if conflict.Snapshot != nil {
			srv.sendTo(s, event.ListSnapshot, conflict.Snapshot)
		}
		srv.sendTo(s, event.Error, &event.ErrorPayload{
			Message: err.Error(),
			Kind:    event.KindConflict,
		})
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, coordinator.ErrItemNotFound):
		srv.sendTo(s, event.Error, &event.ErrorPayload{
			Message: err.Error(),
			Kind:    event.KindNotFound,
		})
	case errors.Is(err, coordinator.ErrShareWithSelf), errors.Is(err, coordinator.ErrOwnerImmutable):
		srv.sendTo(s, event.Error, &event.ErrorPayload{
			Message: err.Error(),
			Kind:    event.KindValidation,
		})
	case errors.Is(err, context.DeadlineExceeded):
		srv.sendTo(s, event.Error, &event.ErrorPayload{
			Message: "temporary failure, retry",
			Kind:    event.KindTransient,
		})
	default:
		log.Error().Err(err).Str("session", s.ID).Str("user", s.UserID).Msg("event handler failed")
		srv.sendTo(s, event.Error, &event.ErrorPayload{
			Message: "internal error",
			Kind:    event.KindInternal,
		})
	}
}

// handleJoin bootstraps the session: snapshot and subscribe every list the
// user can see, creating the default list for first-time users. The snapshot
// is always delivered before the subscription so no delta outruns it.
func (srv *Server) handleJoin(s *Session) error {
	lists, err := srv.engine.EnsureUserLists(s.ctx, s.UserID)
	if err != nil {
		return err
	}
	for _, l := range lists {
		snap, err := srv.engine.Snapshot(s.ctx, s.UserID, l.ID)
		if err != nil {
			log.Warn().Err(err).Str("list_id", l.ID).Str("user", s.UserID).Msg("skipping list during join")
			continue
		}
		srv.sendTo(s, event.ListSnapshot, snap)
		srv.local.Subscribe(s.ID, l.ID)
	}
	return nil
}

func (srv *Server) handleJoinList(s *Session, data json.RawMessage) error {
	var p event.JoinListPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}
	snap, err := srv.engine.Snapshot(s.ctx, s.UserID, p.ListID)
	if err != nil {
		return err
	}
	srv.sendTo(s, event.ListSnapshot, snap)
	srv.local.Subscribe(s.ID, p.ListID)
	return nil
}

func (srv *Server) handleCreateList(s *Session, data json.RawMessage) error {
	var p event.CreateListPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}
	l, snap, err := srv.engine.CreateList(s.ctx, s.UserID, p.ListName)
	if err != nil {
		return err
	}
	srv.sendTo(s, event.ListCreated, snap)
	srv.local.Subscribe(s.ID, l.ID)
	return nil
}

func (srv *Server) handleUpdateList(s *Session, data json.RawMessage) error {
	var p event.UpdateListPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}
	// Subscribers, the requester included, hear about it via the bus.
	_, err := srv.engine.RenameList(s.ctx, s.UserID, p.ListID, p.ListName)
	return err
}

func (srv *Server) handleDeleteList(s *Session, data json.RawMessage) error {
	var p event.DeleteListPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}
	return srv.engine.DeleteList(s.ctx, s.UserID, p.ListID)
}

func (srv *Server) handleShareList(s *Session, data json.RawMessage) error {
	var p event.ShareListPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}
	if _, err := srv.engine.ShareList(s.ctx, s.UserID, p.ListID, p.UserID, model.Role(p.Role)); err != nil {
		return err
	}
	srv.sendTo(s, event.ListShareSuccess, &event.ListShareSuccessPayload{
		ListID:     p.ListID,
		SharedWith: p.UserID,
		Message:    fmt.Sprintf("list shared with %s as %s", p.UserID, p.Role),
	})
	return nil
}

func (srv *Server) handleUnshareList(s *Session, data json.RawMessage) error {
	var p event.UnshareListPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}
	if err := srv.engine.UnshareList(s.ctx, s.UserID, p.ListID, p.UserID); err != nil {
		return err
	}
	srv.sendTo(s, event.ListUnshared, &event.ListUnsharedPayload{ListID: p.ListID, UserID: p.UserID})
	return nil
}

func (srv *Server) handleAddItem(s *Session, data json.RawMessage) error {
	var p event.AddItemPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}
	item := &model.TodoItem{
		Name:        p.Name,
		Description: p.Description,
		Status:      model.Status(p.Status),
		Done:        p.Done,
		DueDate:     p.DueDate,
		MediaURL:    p.MediaURL,
	}
	// item_added reaches every subscriber, this session included, via the bus.
	_, _, err := srv.engine.AddItem(s.ctx, s.UserID, p.ListID, item)
	return err
}

func (srv *Server) handleUpdateItem(s *Session, data json.RawMessage) error {
	var p event.UpdateItemPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}

	var clientRev *model.Rev
	if p.Rev != nil {
		rev, err := model.ParseRev(*p.Rev)
		if err != nil {
			return &event.ValidationError{Fields: []string{"rev: not a decimal revision"}}
		}
		clientRev = &rev
	}

	_, _, err := srv.engine.UpdateItem(s.ctx, s.UserID, p.ListID, p.ItemID, p.Patch(), clientRev)
	return err
}

func (srv *Server) handleDeleteItem(s *Session, data json.RawMessage) error {
	var p event.DeleteItemPayload
	if err := event.Decode(data, &p); err != nil {
		return err
	}
	_, err := srv.engine.DeleteItem(s.ctx, s.UserID, p.ListID, p.ItemID)
	return err
}
