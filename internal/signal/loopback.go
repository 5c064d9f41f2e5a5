package signal

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Loopback wires two in-process bus ends through a minimal relay that mimics
// the Resona server: it assigns call ids, translates lifecycle ops into their
// inbound counterparts and forwards negotiation events verbatim. Used by
// tests and the -loopback demo mode; never in production, where WSBus talks
// to the real relay.
func Loopback(idA, idB string) (Bus, Bus) {
	r := &loopRelay{}
	a := &loopEnd{id: idA, relay: r, listeners: make(map[chan Event]struct{})}
	b := &loopEnd{id: idB, relay: r, listeners: make(map[chan Event]struct{})}
	r.ends = [2]*loopEnd{a, b}
	return a, b
}

type loopCall struct {
	id      string
	caller  string
	ringing bool
}

type loopRelay struct {
	mu   sync.Mutex
	ends [2]*loopEnd
	call *loopCall
}

type loopEnd struct {
	id    string
	relay *loopRelay

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

func (e *loopEnd) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 64)
	e.listenerMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenerMu.Unlock()
	cancel := func() {
		e.listenerMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	}
	return ch, cancel
}

func (e *loopEnd) deliver(ev Event) {
	e.listenerMu.RLock()
	for ch := range e.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	e.listenerMu.RUnlock()
}

func (e *loopEnd) other() *loopEnd {
	if e.relay.ends[0] == e {
		return e.relay.ends[1]
	}
	return e.relay.ends[0]
}

func (e *loopEnd) Send(ev Event) error {
	r := e.relay
	other := e.other()

	switch ev := ev.(type) {
	case *CallUser:
		r.mu.Lock()
		if r.call != nil {
			r.mu.Unlock()
			// Busy: the relay bounces the attempt straight back.
			e.deliver(&CallDeclined{})
			return nil
		}
		call := &loopCall{id: uuid.NewString(), caller: e.id, ringing: true}
		r.call = call
		r.mu.Unlock()
		e.deliver(&OutgoingCall{CallID: call.id, ToID: ev.ToID})
		other.deliver(&IncomingCall{CallID: call.id, FromID: e.id})
		return nil

	case *AcceptCall:
		r.mu.Lock()
		if r.call == nil || !r.call.ringing || r.call.caller == e.id {
			r.mu.Unlock()
			return fmt.Errorf("signal: no ringing call to accept")
		}
		r.call.ringing = false
		r.mu.Unlock()
		other.deliver(&CallAccepted{})
		return nil

	case *DeclineCall:
		r.mu.Lock()
		r.call = nil
		r.mu.Unlock()
		other.deliver(&CallDeclined{})
		return nil

	case *EndCall:
		r.mu.Lock()
		r.call = nil
		r.mu.Unlock()
		other.deliver(&CallEnded{})
		return nil

	case *Offer:
		fwd := *ev
		fwd.ToID = ""
		other.deliver(&fwd)
		return nil

	case *Answer:
		fwd := *ev
		fwd.ToID = ""
		other.deliver(&fwd)
		return nil

	case *Candidate:
		fwd := *ev
		fwd.ToID = ""
		other.deliver(&fwd)
		return nil
	}
	return fmt.Errorf("signal: loopback cannot route %s", ev.Kind())
}
