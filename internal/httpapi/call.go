// Package httpapi exposes the call engine to the local UI over a loopback
// HTTP server: JSON commands in, an SSE state stream and a WebSocket media
// stream out.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/resona-app/voicecall/internal/call"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The UI webview connects from localhost or file:// origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterCall registers the call API endpoints on mux.
func RegisterCall(mux *http.ServeMux, eng *call.Engine, debug bool) {
	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID    string `json:"peer_id"`
		PeerName  string `json:"peer_name"`
		PeerImage string `json:"peer_image"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		if err := eng.StartCall(r.Context(), req.PeerID, req.PeerName, req.PeerImage); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, eng.Session())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := eng.AcceptCall(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, eng.Session())
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := eng.DeclineCall(); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, eng.Session())
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := eng.EndCall(); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, eng.Session())
	})

	// POST /api/call/toggle-mute
	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		muted, err := eng.ToggleMute()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/minimize
	handlePost(mux, "/api/call/minimize", func(w http.ResponseWriter, r *http.Request, req struct {
		Minimized bool `json:"minimized"`
	}) {
		eng.SetMinimized(req.Minimized)
		writeJSON(w, eng.Session())
	})

	// GET /api/call/session — current snapshot for page loads.
	handleGet(mux, "/api/call/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.Session())
	})

	// GET /api/call/state — SSE stream of session snapshots. Each connection
	// gets its own subscription; unsubscribed on disconnect so the store
	// never accumulates stale listeners.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := eng.Subscribe()
		defer cancel()

		writeSSE(w, flusher, eng.Session())

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, flusher, snap)
			}
		}
	})

	// GET /api/call/media — WebSocket: live WebM stream of the remote audio.
	// The UI's MSE API feeds the binary messages to an <audio> element. First
	// message is the init segment; subsequent messages are clusters.
	handleGet(mux, "/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		ch, cancel, err := eng.SubscribeMedia()
		if err != nil {
			writeCallError(w, err)
			return
		}
		defer cancel()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("CALL: media WebSocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		// Drain incoming messages (ping/pong, close frames) without blocking.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})

	// GET /api/call/debug — engine internals for testing without a UI.
	if debug {
		handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, eng.Status())
		})
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, snap call.Session) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: session\ndata: %s\n\n", data)
	flusher.Flush()
}

// writeCallError maps engine sentinels to HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNotRinging), errors.Is(err, call.ErrNoActiveCall):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
