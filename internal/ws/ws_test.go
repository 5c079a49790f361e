package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/collabtodo/collab-engine/internal/auth"
	"github.com/collabtodo/collab-engine/internal/coordinator"
	"github.com/collabtodo/collab-engine/internal/event"
	"github.com/collabtodo/collab-engine/internal/metrics"
	"github.com/collabtodo/collab-engine/internal/model"
	"github.com/collabtodo/collab-engine/internal/permission"
	"github.com/collabtodo/collab-engine/internal/state"
)

const testSecret = "ws-test-secret"

// fakeEngine serves one list l1 owned by u1 at revision 10.
type fakeEngine struct {
	added   []model.TodoItem
	deleted []string
	renamed []string
}

func (f *fakeEngine) snapshot() *model.ListSnapshot {
	return &model.ListSnapshot{
		ListID:   "l1",
		ListName: "groceries",
		Items:    map[string]*model.TodoItem{"i1": {ID: "i1", ListID: "l1", Name: "milk", Status: model.StatusNotStarted}},
		Rev:      model.Rev(10).String(),
	}
}

func (f *fakeEngine) deny(userID, listID string, action permission.Action) error {
	if userID != "u1" {
		return &permission.DeniedError{UserID: userID, ListID: listID, Action: action}
	}
	return nil
}

func (f *fakeEngine) EnsureUserLists(_ context.Context, userID string) ([]model.TodoList, error) {
	return []model.TodoList{{ID: "l1", Name: "groceries", OwnerID: "u1"}}, nil
}

func (f *fakeEngine) Snapshot(_ context.Context, userID, listID string) (*model.ListSnapshot, error) {
	if err := f.deny(userID, listID, permission.ActionRead); err != nil {
		return nil, err
	}
	if listID != "l1" {
		return nil, coordinator.ErrNotFound
	}
	return f.snapshot(), nil
}

func (f *fakeEngine) CreateList(_ context.Context, userID, name string) (*model.TodoList, *model.ListSnapshot, error) {
	l := &model.TodoList{ID: "l-new", Name: name, OwnerID: userID}
	return l, &model.ListSnapshot{ListID: l.ID, ListName: name,
		Items: map[string]*model.TodoItem{}, Rev: model.Rev(20).String()}, nil
}

func (f *fakeEngine) RenameList(_ context.Context, userID, listID, name string) (model.Rev, error) {
	if err := f.deny(userID, listID, permission.ActionWrite); err != nil {
		return 0, err
	}
	f.renamed = append(f.renamed, listID+"="+name)
	return 11, nil
}

func (f *fakeEngine) DeleteList(_ context.Context, userID, listID string) error {
	return f.deny(userID, listID, permission.ActionDelete)
}

func (f *fakeEngine) ShareList(_ context.Context, userID, listID, target string, role model.Role) (*model.ListSnapshot, error) {
	if err := f.deny(userID, listID, permission.ActionShare); err != nil {
		return nil, err
	}
	if target == userID {
		return nil, coordinator.ErrShareWithSelf
	}
	return f.snapshot(), nil
}

func (f *fakeEngine) UnshareList(_ context.Context, userID, listID, target string) error {
	return f.deny(userID, listID, permission.ActionShare)
}

func (f *fakeEngine) AddItem(_ context.Context, userID, listID string, item *model.TodoItem) (*model.TodoItem, model.Rev, error) {
	if err := f.deny(userID, listID, permission.ActionWrite); err != nil {
		return nil, 0, err
	}
	it := *item
	it.ID = "i-new"
	f.added = append(f.added, it)
	return &it, 11, nil
}

func (f *fakeEngine) UpdateItem(_ context.Context, userID, listID, itemID string, patch model.ItemPatch, clientRev *model.Rev) (*model.TodoItem, model.Rev, error) {
	if err := f.deny(userID, listID, permission.ActionWrite); err != nil {
		return nil, 0, err
	}
	if clientRev != nil && *clientRev < 10 {
		return nil, 0, &coordinator.ConflictError{ClientRev: *clientRev, ServerRev: 10, Snapshot: f.snapshot()}
	}
	return &model.TodoItem{ID: itemID, ListID: listID}, 11, nil
}

func (f *fakeEngine) DeleteItem(_ context.Context, userID, listID, itemID string) (model.Rev, error) {
	if err := f.deny(userID, listID, permission.ActionWrite); err != nil {
		return 0, err
	}
	f.deleted = append(f.deleted, itemID)
	return 11, nil
}

type harness struct {
	engine *fakeEngine
	local  *state.Manager
	srv    *Server
	ts     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{engine: &fakeEngine{}, local: state.NewManager()}
	h.srv = NewServer(h.engine, h.local, auth.NewVerifier(testSecret, false), metrics.New(), []string{"*"})
	h.ts = httptest.NewServer(h.srv)
	t.Cleanup(func() {
		h.srv.Close()
		h.ts.Close()
	})
	return h
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).
		SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (h *harness) dial(t *testing.T, sub string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http")
	hdr := http.Header{"Authorization": []string{"Bearer " + token(t, sub)}}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return env.Event, env.Data
}

func sendFrame(t *testing.T, conn *websocket.Conn, name string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(&event.Envelope{Event: name, Data: data}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestConnectedGreeting(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")

	name, data := readFrame(t, conn)
	if name != event.Connected {
		t.Fatalf("first frame = %s, want connected", name)
	}
	var p event.ConnectedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "u1" || p.SessionID == "" {
		t.Errorf("payload = %+v", p)
	}
	if h.local.Stats().Connections != 1 {
		t.Errorf("registry connections = %d", h.local.Stats().Connections)
	}
}

func TestJoinListSnapshotThenFanOut(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")
	readFrame(t, conn) // connected

	sendFrame(t, conn, event.JoinList, &event.JoinListPayload{ListID: "l1"})

	name, data := readFrame(t, conn)
	if name != event.ListSnapshot {
		t.Fatalf("frame = %s, want list_snapshot", name)
	}
	var snap model.ListSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ListID != "l1" || len(snap.Items) != 1 || snap.Rev != "10.000000" {
		t.Errorf("snapshot = %+v", snap)
	}

	// The session is now subscribed; the pub/sub Sender path must reach it.
	var sessions []string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sessions = h.local.SessionsForList("l1"); len(sessions) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(sessions) != 1 {
		t.Fatal("session not subscribed after join_list")
	}
	h.srv.Send(sessions, event.ItemAdded, &event.ItemEventPayload{
		ListID: "l1",
		Item:   &model.TodoItem{ID: "i2", ListID: "l1", Name: "eggs"},
		Rev:    "11.000000",
	})

	name, data = readFrame(t, conn)
	if name != event.ItemAdded {
		t.Fatalf("frame = %s, want item_added", name)
	}
	var ev event.ItemEventPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Item.ID != "i2" || ev.Rev != "11.000000" {
		t.Errorf("payload = %+v", ev)
	}
}

func TestJoinBootstrap(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")
	readFrame(t, conn) // connected

	sendFrame(t, conn, event.Join, nil)

	name, data := readFrame(t, conn)
	if name != event.ListSnapshot {
		t.Fatalf("frame = %s, want list_snapshot", name)
	}
	var snap model.ListSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ListID != "l1" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestValidationErrorKeepsSession(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")
	readFrame(t, conn) // connected

	sendFrame(t, conn, event.JoinList, map[string]any{}) // missing list_id

	name, data := readFrame(t, conn)
	if name != event.ValidationFailed {
		t.Fatalf("frame = %s, want validation_error", name)
	}
	var p event.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Kind != event.KindValidation || len(p.Fields) == 0 {
		t.Errorf("payload = %+v", p)
	}

	// Session survives; next event still works.
	sendFrame(t, conn, event.JoinList, &event.JoinListPayload{ListID: "l1"})
	if name, _ := readFrame(t, conn); name != event.ListSnapshot {
		t.Errorf("frame after validation error = %s", name)
	}
}

func TestUnknownEvent(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")
	readFrame(t, conn) // connected

	sendFrame(t, conn, "time_travel", map[string]any{})
	if name, _ := readFrame(t, conn); name != event.ValidationFailed {
		t.Errorf("frame = %s, want validation_error", name)
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "intruder")
	readFrame(t, conn) // connected

	sendFrame(t, conn, event.AddItem, &event.AddItemPayload{ListID: "l1", Name: "spy"})

	name, data := readFrame(t, conn)
	if name != event.PermissionError {
		t.Fatalf("frame = %s, want permission_error", name)
	}
	var p event.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Kind != event.KindPermission {
		t.Errorf("kind = %s", p.Kind)
	}
	if len(h.engine.added) != 0 {
		t.Error("denied write reached the engine")
	}
}

func TestRevisionConflictSendsSnapshotThenError(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")
	readFrame(t, conn) // connected

	rev := "5.000000"
	sendFrame(t, conn, event.UpdateItem, &event.UpdateItemPayload{ListID: "l1", ItemID: "i1", Rev: &rev})

	name, data := readFrame(t, conn)
	if name != event.ListSnapshot {
		t.Fatalf("first frame = %s, want list_snapshot", name)
	}
	var snap model.ListSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Rev != "10.000000" {
		t.Errorf("snapshot rev = %s", snap.Rev)
	}

	name, data = readFrame(t, conn)
	if name != event.Error {
		t.Fatalf("second frame = %s, want error", name)
	}
	var p event.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Kind != event.KindConflict {
		t.Errorf("kind = %s", p.Kind)
	}
}

func TestShareListReplies(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")
	readFrame(t, conn) // connected

	sendFrame(t, conn, event.ShareList, &event.ShareListPayload{ListID: "l1", UserID: "u2", Role: "editor"})

	name, data := readFrame(t, conn)
	if name != event.ListShareSuccess {
		t.Fatalf("frame = %s, want list_share_success", name)
	}
	var p event.ListShareSuccessPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.ListID != "l1" || p.SharedWith != "u2" {
		t.Errorf("payload = %+v", p)
	}

	// Self-share surfaces as a validation-kind error.
	sendFrame(t, conn, event.ShareList, &event.ShareListPayload{ListID: "l1", UserID: "u1", Role: "editor"})
	name, data = readFrame(t, conn)
	if name != event.Error {
		t.Fatalf("frame = %s, want error", name)
	}
	var ep event.ErrorPayload
	if err := json.Unmarshal(data, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Kind != event.KindValidation {
		t.Errorf("kind = %s", ep.Kind)
	}
}

func TestSendAfterCloseSkipsSession(t *testing.T) {
	h := newHarness(t)
	connA := h.dial(t, "u1")
	connB := h.dial(t, "u2")
	readFrame(t, connA) // connected
	readFrame(t, connB) // connected

	h.srv.mu.Lock()
	var a, b *Session
	for _, s := range h.srv.sessions {
		if s.UserID == "u1" {
			a = s
		} else {
			b = s
		}
	}
	h.srv.mu.Unlock()
	if a == nil || b == nil {
		t.Fatal("sessions not registered")
	}

	// The fan-out collects its targets before a disconnects.
	ids := []string{a.ID, b.ID}
	a.close()

	// Queueing to the closed session is a no-op, never a panic.
	a.queue([]byte(`{"event":"noop"}`))

	h.srv.Send(ids, event.ItemAdded, &event.ItemEventPayload{
		ListID: "l1",
		Item:   &model.TodoItem{ID: "i9", ListID: "l1", Name: "bread"},
		Rev:    "12.000000",
	})

	// Sessions after the closed one still get the event.
	name, data := readFrame(t, connB)
	if name != event.ItemAdded {
		t.Fatalf("frame = %s, want item_added", name)
	}
	var ev event.ItemEventPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Item.ID != "i9" {
		t.Errorf("payload = %+v", ev)
	}
}

func TestDisconnectCleansRegistry(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")
	readFrame(t, conn) // connected
	sendFrame(t, conn, event.JoinList, &event.JoinListPayload{ListID: "l1"})
	readFrame(t, conn) // snapshot

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.local.Stats().Connections == 0 && len(h.local.SessionsForList("l1")) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry not cleaned: %+v subs=%v", h.local.Stats(), h.local.SessionsForList("l1"))
}
