package call

import (
	"sync"
	"time"
)

// Status is the session's position in the call lifecycle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCalling    Status = "calling"    // local outbound, awaiting peer
	StatusIncoming   Status = "incoming"   // remote inbound, awaiting local decision
	StatusConnecting Status = "connecting" // accepted either side, media not yet flowing
	StatusConnected  Status = "connected"  // audio flowing
)

// Session is the UI-facing snapshot of the current call. CallID and PeerID
// are non-empty exactly while Status != idle; ElapsedSeconds only advances
// while connected.
type Session struct {
	Status         Status `json:"status"`
	CallID         string `json:"call_id,omitempty"`
	PeerID         string `json:"peer_id,omitempty"`
	PeerName       string `json:"peer_name,omitempty"`
	PeerImage      string `json:"peer_image,omitempty"`
	Muted          bool   `json:"muted"`
	Minimized      bool   `json:"minimized"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// Store holds the session and fans out a fresh snapshot to subscribers on
// every change. The engine is the only writer apart from the UI's minimize
// toggle.
type Store struct {
	mu        sync.RWMutex
	s         Session
	listeners map[chan Session]struct{}
	tickStop  chan struct{}
}

// NewStore creates an idle store.
func NewStore() *Store {
	return &Store{
		s:         Session{Status: StatusIdle},
		listeners: make(map[chan Session]struct{}),
	}
}

// Snapshot returns a copy of the current session.
func (st *Store) Snapshot() Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Subscribe returns a channel receiving session snapshots and a cancel func.
func (st *Store) Subscribe() (chan Session, func()) {
	ch := make(chan Session, 16)
	st.mu.Lock()
	st.listeners[ch] = struct{}{}
	st.mu.Unlock()
	cancel := func() {
		st.mu.Lock()
		if _, ok := st.listeners[ch]; ok {
			delete(st.listeners, ch)
			close(ch)
		}
		st.mu.Unlock()
	}
	return ch, cancel
}

// SetMinimized flips the UI minimize flag. No effect while idle.
func (st *Store) SetMinimized(v bool) {
	st.update(func(s *Session) {
		if s.Status != StatusIdle {
			s.Minimized = v
		}
	})
}

// update applies fn under the lock and broadcasts the resulting snapshot.
func (st *Store) update(fn func(*Session)) Session {
	st.mu.Lock()
	fn(&st.s)
	snap := st.s
	for ch := range st.listeners {
		select {
		case ch <- snap:
		default: // slow subscriber, drop — it will catch up on the next change
		}
	}
	st.mu.Unlock()
	return snap
}

func (st *Store) status() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Status
}

// reset returns the session to idle, zeroing every field. Stops the elapsed
// ticker first. Safe to call repeatedly.
func (st *Store) reset() {
	st.stopTicker()
	st.update(func(s *Session) {
		*s = Session{Status: StatusIdle}
	})
}

// startTicker begins the 1-second elapsed counter. Called once on reaching
// connected; stopped by reset.
func (st *Store) startTicker() {
	st.mu.Lock()
	if st.tickStop != nil {
		st.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	st.tickStop = stop
	st.mu.Unlock()

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				st.tick()
			}
		}
	}()
}

// tick advances the elapsed counter by one second while connected.
func (st *Store) tick() {
	st.update(func(s *Session) {
		if s.Status == StatusConnected {
			s.ElapsedSeconds++
		}
	})
}

func (st *Store) stopTicker() {
	st.mu.Lock()
	if st.tickStop != nil {
		close(st.tickStop)
		st.tickStop = nil
	}
	st.mu.Unlock()
}
