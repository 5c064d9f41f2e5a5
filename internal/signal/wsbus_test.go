package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// relayStub upgrades one connection and lets the test drive both directions.
type relayStub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	userID string
	recv   []Envelope
}

func (r *relayStub) handler(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.userID = req.URL.Query().Get("user_id")
	r.mu.Unlock()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		r.mu.Lock()
		r.recv = append(r.recv, env)
		r.mu.Unlock()
	}
}

func (r *relayStub) send(t *testing.T, env Envelope) {
	t.Helper()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("relay write: %v", err)
	}
}

func (r *relayStub) received() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.recv...)
}

func dialStub(t *testing.T) (*WSBus, *relayStub) {
	t.Helper()
	stub := &relayStub{}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	bus, err := DialWS(context.Background(), wsURL, "alice")
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus, stub
}

func TestWSBusSendsEnvelopesWithIDs(t *testing.T) {
	bus, stub := dialStub(t)

	if err := bus.Send(&CallUser{FromID: "alice", ToID: "bob"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(stub.received()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := stub.received()
	if len(got) != 1 {
		t.Fatalf("relay received %d envelopes, want 1", len(got))
	}
	if got[0].Op != OpCallUser || got[0].ID == "" {
		t.Fatalf("bad envelope: %+v", got[0])
	}
	var payload CallUser
	if err := json.Unmarshal(got[0].Data, &payload); err != nil || payload.ToID != "bob" {
		t.Fatalf("bad payload: %s (%v)", got[0].Data, err)
	}
	if stub.userID != "alice" {
		t.Fatalf("user_id query = %q, want alice", stub.userID)
	}
}

func TestWSBusDeliversAndDeduplicates(t *testing.T) {
	bus, stub := dialStub(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	env := Envelope{
		ID:   "dup-1",
		Op:   OpIncomingCall,
		Data: json.RawMessage(`{"call_id":"c1","from_id":"bob"}`),
	}
	stub.send(t, env)
	stub.send(t, env) // relay redelivery
	stub.send(t, Envelope{
		ID:   "fresh-2",
		Op:   OpIncomingCall,
		Data: json.RawMessage(`{"call_id":"c2","from_id":"bob"}`),
	})

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("only %d events delivered", len(got))
		}
	}
	// Give the duplicate a chance to show up if dedup were broken.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected third event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	first := got[0].(*IncomingCall)
	second := got[1].(*IncomingCall)
	if first.CallID != "c1" || second.CallID != "c2" {
		t.Fatalf("wrong events: %+v, %+v", first, second)
	}
}

func TestWSBusDropsMalformedEnvelopes(t *testing.T) {
	bus, stub := dialStub(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	stub.send(t, Envelope{ID: "x1", Op: "no_such_op"})
	stub.send(t, Envelope{ID: "x2", Op: OpIncomingCall, Data: json.RawMessage(`{"from_id":"bob"}`)})
	stub.send(t, Envelope{ID: "x3", Op: OpIncomingCall, Data: json.RawMessage(`{"call_id":"c1","from_id":"bob"}`)})

	select {
	case ev := <-ch:
		in, ok := ev.(*IncomingCall)
		if !ok || in.CallID != "c1" {
			t.Fatalf("expected the one valid event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered")
	}
}

func TestWSBusSendAfterClose(t *testing.T) {
	bus, _ := dialStub(t)
	bus.Close()
	if err := bus.Send(&EndCall{ToID: "bob"}); err == nil {
		t.Fatal("Send after Close should fail")
	}
}
