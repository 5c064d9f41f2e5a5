package signal

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/resona-app/voicecall/internal/util"
)

// dedupWindow is how many recent envelope ids are remembered. The relay
// redelivers on reconnect hiccups; a short window is enough because per-user
// traffic is a handful of events per call.
const dedupWindow = 256

// WSBus is the relay-backed Bus: one WebSocket connection to the Resona
// relay, identified by user id. Inbound envelopes are decoded, de-duplicated
// by envelope id and fanned out to subscribers; outbound events are wrapped
// in envelopes with fresh ids.
type WSBus struct {
	selfID string
	conn   *websocket.Conn

	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	seen *util.RingBuffer[string]

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the relay at relayURL (ws:// or wss://) as userID and
// starts the read pump.
func DialWS(ctx context.Context, relayURL, userID string) (*WSBus, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("signal: bad relay url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	b := &WSBus{
		selfID:    userID,
		conn:      conn,
		listeners: make(map[chan Event]struct{}),
		seen:      util.NewRingBuffer[string](dedupWindow),
		done:      make(chan struct{}),
	}
	go b.readPump()
	log.Printf("SIGNAL: connected to relay as %s", userID)
	return b, nil
}

// Send wraps ev in an envelope with a fresh id and writes it to the relay.
func (b *WSBus) Send(ev Event) error {
	env, err := Encode(ev)
	if err != nil {
		return err
	}
	env.ID = uuid.NewString()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	select {
	case <-b.done:
		return fmt.Errorf("signal: bus closed")
	default:
	}
	if err := b.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("signal: send %s: %w", ev.Kind(), err)
	}
	return nil
}

// Subscribe returns a channel of inbound events and a cancel function.
func (b *WSBus) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 64)

	b.listenerMu.Lock()
	b.listeners[ch] = struct{}{}
	b.listenerMu.Unlock()

	cancel := func() {
		b.listenerMu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close tears down the connection and all subscriptions.
func (b *WSBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		_ = b.conn.Close()

		b.listenerMu.Lock()
		for ch := range b.listeners {
			close(ch)
		}
		b.listeners = make(map[chan Event]struct{})
		b.listenerMu.Unlock()
	})
}

func (b *WSBus) readPump() {
	defer b.Close()
	for {
		var env Envelope
		if err := b.conn.ReadJSON(&env); err != nil {
			select {
			case <-b.done:
			default:
				log.Printf("SIGNAL: read: %v", err)
			}
			return
		}

		// At-least-once bus: drop redelivered envelopes.
		if env.ID != "" {
			if b.seen.Contains(env.ID) {
				continue
			}
			b.seen.Push(env.ID)
		}

		ev, err := Decode(env)
		if err != nil {
			log.Printf("SIGNAL: dropping envelope: %v", err)
			continue
		}

		b.listenerMu.RLock()
		for ch := range b.listeners {
			select {
			case ch <- ev:
			default: // subscriber too slow, drop rather than block the pump
			}
		}
		b.listenerMu.RUnlock()
	}
}
