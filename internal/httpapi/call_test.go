package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/resona-app/voicecall/internal/call"
	"github.com/resona-app/voicecall/internal/signal"
)

type stubBus struct {
	mu        sync.Mutex
	sent      []signal.Event
	listeners map[chan signal.Event]struct{}
}

func newStubBus() *stubBus {
	return &stubBus{listeners: make(map[chan signal.Event]struct{})}
}

func (b *stubBus) Send(ev signal.Event) error {
	b.mu.Lock()
	b.sent = append(b.sent, ev)
	b.mu.Unlock()
	return nil
}

func (b *stubBus) Subscribe() (chan signal.Event, func()) {
	ch := make(chan signal.Event, 16)
	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

func (b *stubBus) push(ev signal.Event) {
	b.mu.Lock()
	for ch := range b.listeners {
		ch <- ev
	}
	b.mu.Unlock()
}

type stubMic struct{}

func (stubMic) Populate(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }

func (stubMic) Acquire() (webrtc.TrackLocal, func(), error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "stubmic",
	)
	if err != nil {
		return nil, nil, err
	}
	return track, func() {}, nil
}

type stubICE struct{}

func (stubICE) Servers(context.Context) []webrtc.ICEServer { return nil }

func newTestServer(t *testing.T, debug bool) (*httptest.Server, *call.Engine, *stubBus) {
	t.Helper()
	bus := newStubBus()
	eng, err := call.New(call.Config{
		SelfID: "self",
		Bus:    bus,
		ICE:    stubICE{},
		Mic:    stubMic{},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	mux := http.NewServeMux()
	RegisterCall(mux, eng, debug)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, eng, bus
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartEndpoint(t *testing.T) {
	srv, eng, _ := newTestServer(t, false)

	resp := postJSON(t, srv.URL+"/api/call/start", `{"peer_id":"bob","peer_name":"Bob"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d", resp.StatusCode)
	}
	var snap call.Session
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != call.StatusCalling || snap.PeerID != "bob" {
		t.Fatalf("snapshot: %+v", snap)
	}

	// Second start while busy.
	resp = postJSON(t, srv.URL+"/api/call/start", `{"peer_id":"carol"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy start = %d, want 409", resp.StatusCode)
	}

	if err := eng.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
}

func TestStartRequiresPeerID(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	resp := postJSON(t, srv.URL+"/api/call/start", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAcceptWithoutRinging(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	resp := postJSON(t, srv.URL+"/api/call/accept", `{}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestToggleMuteWithoutCall(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	resp := postJSON(t, srv.URL+"/api/call/toggle-mute", `{}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestMediaWithoutCall(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	resp, err := http.Get(srv.URL + "/api/call/media")
	if err != nil {
		t.Fatalf("GET media: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStateStreamsSnapshots(t *testing.T) {
	srv, _, bus := newTestServer(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/state", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET state: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	readSnapshot := func() call.Session {
		t.Helper()
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var snap call.Session
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
				t.Fatalf("bad SSE payload %q: %v", line, err)
			}
			return snap
		}
		t.Fatalf("stream ended: %v", scanner.Err())
		return call.Session{}
	}

	if snap := readSnapshot(); snap.Status != call.StatusIdle {
		t.Fatalf("initial snapshot: %+v", snap)
	}

	bus.push(&signal.IncomingCall{CallID: "c1", FromID: "alice"})
	for {
		snap := readSnapshot()
		if snap.Status == call.StatusIncoming {
			if snap.PeerID != "alice" {
				t.Fatalf("snapshot: %+v", snap)
			}
			return
		}
	}
}

func TestDebugEndpointGated(t *testing.T) {
	srvOff, _, _ := newTestServer(t, false)
	resp, err := http.Get(srvOff.URL + "/api/call/debug")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("debug without flag = %d, want 404", resp.StatusCode)
	}

	srvOn, _, _ := newTestServer(t, true)
	resp, err = http.Get(srvOn.URL + "/api/call/debug")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("debug with flag = %d", resp.StatusCode)
	}
	var st call.EngineStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Session.Status != call.StatusIdle {
		t.Fatalf("status: %+v", st)
	}
}
