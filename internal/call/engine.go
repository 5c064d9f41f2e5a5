// Package call implements the peer-to-peer voice call engine: session
// lifecycle, WebRTC offer/answer negotiation with glare rollback, ICE
// candidate buffering, the connect deadline, and deterministic teardown.
//
// Concurrency model: every public method and every inbound event handler
// runs under one mutex, and the engine keeps an epoch counter that is bumped
// each time a call begins or ends. Asynchronous continuations (timers, pion
// callbacks) capture the epoch at arm time, re-acquire the lock, and bail
// out if the epoch moved on. A callback for a dead call can therefore never
// touch the resources of a newer one.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/resona-app/voicecall/internal/ice"
	"github.com/resona-app/voicecall/internal/signal"
)

// DefaultConnectTimeout bounds how long a call may sit in calling or
// connecting before it is torn down.
const DefaultConnectTimeout = 30 * time.Second

var (
	// ErrBusy is returned by StartCall while another call is in progress.
	ErrBusy = errors.New("call: another call is in progress")
	// ErrNotRinging is returned by AcceptCall and DeclineCall when no
	// incoming call is waiting.
	ErrNotRinging = errors.New("call: no incoming call to answer")
	// ErrNoActiveCall is returned by operations that need a live call.
	ErrNoActiveCall = errors.New("call: no active call")
)

// ServerSource yields the ICE server configuration for a new peer
// connection. *ice.Provider is the production implementation.
type ServerSource interface {
	Servers(ctx context.Context) []webrtc.ICEServer
}

// fallbackSource serves the static public servers when no provider is wired.
type fallbackSource struct{}

func (fallbackSource) Servers(context.Context) []webrtc.ICEServer { return ice.Fallback() }

// Config assembles an Engine. Bus, SelfID and Mic are required.
type Config struct {
	SelfID         string
	Bus            signal.Bus
	ICE            ServerSource
	Mic            Microphone
	Ringer         Ringer
	ConnectTimeout time.Duration
	Logger         logging.LeveledLogger
}

// Engine is the call state machine. One instance per signed-in user.
type Engine struct {
	sig    signal.Bus
	ice    ServerSource
	mic    Microphone
	ringer Ringer
	store  *Store
	log    logging.LeveledLogger
	selfID string

	connectTimeout time.Duration

	mu         sync.Mutex
	epoch      uint64
	pc         *webrtc.PeerConnection
	sender     *webrtc.RTPSender
	localTrack webrtc.TrackLocal
	micStop    func()
	pending    *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	deadline   *time.Timer
	sink       *audioSink

	evCancel  func()
	closeOnce sync.Once
	done      chan struct{}
}

// New builds the engine and starts its event dispatch loop.
func New(cfg Config) (*Engine, error) {
	if cfg.Bus == nil || cfg.SelfID == "" || cfg.Mic == nil {
		return nil, errors.New("call: config needs Bus, SelfID and Mic")
	}
	if cfg.Ringer == nil {
		cfg.Ringer = NopRinger{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefaultLoggerFactory().NewLogger("call")
	}

	e := &Engine{
		sig:            cfg.Bus,
		ice:            cfg.ICE,
		mic:            cfg.Mic,
		ringer:         cfg.Ringer,
		store:          NewStore(),
		log:            cfg.Logger,
		selfID:         cfg.SelfID,
		connectTimeout: cfg.ConnectTimeout,
		done:           make(chan struct{}),
	}
	if e.ice == nil {
		e.ice = fallbackSource{}
	}

	ch, cancel := cfg.Bus.Subscribe()
	e.evCancel = cancel
	go e.dispatchLoop(ch)
	return e, nil
}

// Close ends any active call (notifying the peer) and stops the dispatch
// loop. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.cleanupLocked(true)
		e.mu.Unlock()
		e.evCancel()
		close(e.done)
	})
	return nil
}

// Session returns the current UI snapshot.
func (e *Engine) Session() Session { return e.store.Snapshot() }

// Subscribe streams session snapshots on every change.
func (e *Engine) Subscribe() (chan Session, func()) { return e.store.Subscribe() }

// SetMinimized flips the call overlay's minimize flag.
func (e *Engine) SetMinimized(v bool) { e.store.SetMinimized(v) }

// EngineStatus is the debug view of the engine's internals.
type EngineStatus struct {
	Session            Session    `json:"session"`
	Epoch              uint64     `json:"epoch"`
	SignalingState     string     `json:"signaling_state,omitempty"`
	ConnectionState    string     `json:"connection_state,omitempty"`
	BufferedCandidates int        `json:"buffered_candidates"`
	PendingOffer       bool       `json:"pending_offer"`
	Sink               *SinkStats `json:"sink,omitempty"`
}

// Status reports the internals for the debug endpoint.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := EngineStatus{
		Session:            e.store.Snapshot(),
		Epoch:              e.epoch,
		BufferedCandidates: len(e.candidates),
		PendingOffer:       e.pending != nil,
	}
	if e.pc != nil {
		st.SignalingState = e.pc.SignalingState().String()
		st.ConnectionState = e.pc.ConnectionState().String()
	}
	if e.sink != nil {
		s := e.sink.stats()
		st.Sink = &s
	}
	return st
}

// SubscribeMedia streams the remote audio as WebM binary messages. Fails
// until a call has a peer connection.
func (e *Engine) SubscribeMedia() (<-chan []byte, func(), error) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		return nil, nil, ErrNoActiveCall
	}
	ch, cancel := sink.subscribe()
	return ch, cancel, nil
}

// ─── Outbound operations ─────────────────────────────────────────────────────

// StartCall rings peerID and begins negotiation as the offerer. The ICE
// configuration is resolved first (bounded by the provider's wait), then the
// whole setup runs atomically against inbound events.
func (e *Engine) StartCall(ctx context.Context, peerID, peerName, peerImage string) error {
	if peerID == "" || peerID == e.selfID {
		return fmt.Errorf("call: invalid peer id %q", peerID)
	}
	servers := e.ice.Servers(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.status() != StatusIdle {
		return ErrBusy
	}
	e.epoch++
	ep := e.epoch
	e.store.update(func(s *Session) {
		s.Status = StatusCalling
		s.PeerID = peerID
		s.PeerName = peerName
		s.PeerImage = peerImage
	})
	e.armDeadlineLocked(ep)
	e.ringer.Ringback()
	e.log.Infof("calling %s", peerID)

	if err := e.sig.Send(&signal.CallUser{FromID: e.selfID, ToID: peerID}); err != nil {
		e.cleanupLocked(false)
		return fmt.Errorf("call: signal %s: %w", peerID, err)
	}

	if err := e.setupPeerLocked(ep, servers); err != nil {
		e.cleanupLocked(true)
		return err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		e.cleanupLocked(true)
		return fmt.Errorf("call: create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		e.cleanupLocked(true)
		return fmt.Errorf("call: set local offer: %w", err)
	}
	snap := e.store.Snapshot()
	if err := e.sig.Send(&signal.Offer{ToID: peerID, Offer: *e.pc.LocalDescription(), CallID: snap.CallID}); err != nil {
		e.cleanupLocked(true)
		return fmt.Errorf("call: send offer: %w", err)
	}
	return nil
}

// AcceptCall answers the ringing incoming call.
func (e *Engine) AcceptCall(ctx context.Context) error {
	servers := e.ice.Servers(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.status() != StatusIncoming {
		return ErrNotRinging
	}
	ep := e.epoch
	snap := e.store.update(func(s *Session) { s.Status = StatusConnecting })
	e.armDeadlineLocked(ep)
	e.ringer.Stop()
	e.log.Infof("accepting call %s from %s", snap.CallID, snap.PeerID)

	if err := e.sig.Send(&signal.AcceptCall{CallID: snap.CallID, ToID: snap.PeerID, FromID: e.selfID}); err != nil {
		e.cleanupLocked(false)
		return fmt.Errorf("call: accept %s: %w", snap.CallID, err)
	}

	if err := e.setupPeerLocked(ep, servers); err != nil {
		e.cleanupLocked(true)
		return err
	}

	// The caller's offer usually arrived while we were still ringing.
	if e.pending != nil {
		if err := e.applyRemoteOfferLocked(); err != nil {
			e.cleanupLocked(true)
			return err
		}
	}
	return nil
}

// DeclineCall rejects the ringing incoming call.
func (e *Engine) DeclineCall() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.status() != StatusIncoming {
		return ErrNotRinging
	}
	snap := e.store.Snapshot()
	e.log.Infof("declining call %s from %s", snap.CallID, snap.PeerID)
	err := e.sig.Send(&signal.DeclineCall{CallID: snap.CallID, ToID: snap.PeerID, FromID: e.selfID})
	e.cleanupLocked(false)
	if err != nil {
		return fmt.Errorf("call: decline %s: %w", snap.CallID, err)
	}
	return nil
}

// EndCall hangs up. A no-op while idle, so repeated hangups are safe.
func (e *Engine) EndCall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store.status() == StatusIdle {
		return nil
	}
	e.cleanupLocked(true)
	return nil
}

// ToggleMute swaps the outbound track for silence and back. No
// renegotiation; the sender keeps its slot in the SDP. Returns the new
// muted state.
func (e *Engine) ToggleMute() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sender == nil {
		return false, ErrNoActiveCall
	}
	muted := e.store.Snapshot().Muted
	if muted {
		if err := e.sender.ReplaceTrack(e.localTrack); err != nil {
			return true, fmt.Errorf("call: unmute: %w", err)
		}
	} else {
		if err := e.sender.ReplaceTrack(nil); err != nil {
			return false, fmt.Errorf("call: mute: %w", err)
		}
	}
	e.store.update(func(s *Session) { s.Muted = !muted })
	return !muted, nil
}

// ─── Peer connection setup ───────────────────────────────────────────────────

// setupPeerLocked builds the peer connection, wires its callbacks to the
// current epoch, opens the microphone and attaches the outbound track.
func (e *Engine) setupPeerLocked(ep uint64, servers []webrtc.ICEServer) error {
	pc, err := newPeerConnection(e.mic, servers)
	if err != nil {
		return fmt.Errorf("call: peer connection: %w", err)
	}
	e.pc = pc
	e.sink = newAudioSink(e.store.Snapshot().PeerID)
	sink := e.sink

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.onLocalCandidate(ep, c.ToJSON())
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go sink.consume(tr)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		go e.onConnectionState(ep, s)
	})

	track, stop, err := e.mic.Acquire()
	if err != nil {
		return fmt.Errorf("call: open microphone: %w", err)
	}
	e.localTrack = track
	e.micStop = stop

	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("call: attach track: %w", err)
	}
	e.sender = sender
	go sink.readSenderReports(sender)
	return nil
}

// applyRemoteOfferLocked consumes the buffered remote offer: rolls back our
// own offer if both sides offered at once, applies the remote one, drains
// buffered candidates and answers.
func (e *Engine) applyRemoteOfferLocked() error {
	sd := *e.pending
	e.pending = nil

	if e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		e.log.Infof("offer glare, rolling back local offer")
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := e.pc.SetLocalDescription(rollback); err != nil {
			return fmt.Errorf("call: rollback: %w", err)
		}
	}
	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("call: set remote offer: %w", err)
	}
	e.drainCandidatesLocked()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("call: create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("call: set local answer: %w", err)
	}
	snap := e.store.Snapshot()
	if err := e.sig.Send(&signal.Answer{ToID: snap.PeerID, Answer: *e.pc.LocalDescription(), CallID: snap.CallID}); err != nil {
		return fmt.Errorf("call: send answer: %w", err)
	}
	return nil
}

func (e *Engine) drainCandidatesLocked() {
	for _, c := range e.candidates {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.log.Warnf("buffered candidate rejected: %v", err)
		}
	}
	e.candidates = nil
}

// ─── Inbound event handling ──────────────────────────────────────────────────

func (e *Engine) dispatchLoop(ch chan signal.Event) {
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev signal.Event) {
	switch ev := ev.(type) {
	case *signal.OutgoingCall:
		e.handleOutgoingCall(ev)
	case *signal.IncomingCall:
		e.handleIncomingCall(ev)
	case *signal.CallAccepted:
		e.handleAccepted()
	case *signal.CallDeclined, *signal.CallMissed, *signal.CallCancelled, *signal.CallEnded:
		e.handleRemoteEnd(ev.Kind())
	case *signal.Offer:
		e.handleOffer(ev)
	case *signal.Answer:
		e.handleAnswer(ev)
	case *signal.Candidate:
		e.handleCandidate(ev)
	default:
		// Anything outside the vocabulary leaves the session untouched.
		e.log.Debugf("ignoring event %s", ev.Kind())
	}
}

// handleOutgoingCall records the relay-assigned call id for our ring.
func (e *Engine) handleOutgoingCall(ev *signal.OutgoingCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store.status() != StatusCalling {
		return
	}
	e.store.update(func(s *Session) {
		if s.CallID == "" {
			s.CallID = ev.CallID
		}
	})
	e.log.Debugf("call %s ringing %s", ev.CallID, ev.ToID)
}

// handleIncomingCall rings locally, or bounces a busy decline when a call is
// already in progress. The active session is never disturbed.
func (e *Engine) handleIncomingCall(ev *signal.IncomingCall) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.status() != StatusIdle {
		e.log.Infof("busy, declining call %s from %s", ev.CallID, ev.FromID)
		if err := e.sig.Send(&signal.DeclineCall{CallID: ev.CallID, ToID: ev.FromID, FromID: e.selfID}); err != nil {
			e.log.Warnf("busy decline failed: %v", err)
		}
		return
	}

	e.epoch++
	e.store.update(func(s *Session) {
		s.Status = StatusIncoming
		s.CallID = ev.CallID
		s.PeerID = ev.FromID
		s.PeerName = ev.FromName
		s.PeerImage = ev.FromImage
	})
	e.ringer.Ringtone()
	e.log.Infof("incoming call %s from %s", ev.CallID, ev.FromID)
}

// handleAccepted moves an outbound ring to connecting. If a remote offer
// arrived in the meantime (both sides dialled at once) it is applied now,
// rolling back our own.
func (e *Engine) handleAccepted() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.status() != StatusCalling {
		e.log.Debugf("stale call_accepted, ignoring")
		return
	}
	e.store.update(func(s *Session) { s.Status = StatusConnecting })
	e.armDeadlineLocked(e.epoch)
	e.ringer.Stop()

	if e.pending != nil && e.pc != nil {
		if err := e.applyRemoteOfferLocked(); err != nil {
			e.log.Warnf("applying buffered offer: %v", err)
			e.cleanupLocked(true)
		}
	}
}

// handleRemoteEnd tears down on any remote termination. No end_call goes
// back; the other side already knows.
func (e *Engine) handleRemoteEnd(op signal.Op) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store.status() == StatusIdle {
		return
	}
	e.log.Infof("call ended remotely (%s)", op)
	e.cleanupLocked(false)
}

// handleOffer buffers or applies a remote SDP offer.
//
// While ringing (either direction) there is no accepted call yet, so the
// offer waits: the callee applies it in AcceptCall, the caller in
// handleAccepted after rolling back its own. Offers for an already
// negotiated connection are dropped.
func (e *Engine) handleOffer(ev *signal.Offer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := e.store.status()
	if status == StatusIdle {
		e.log.Debugf("offer with no call in progress, dropping")
		return
	}
	if e.otherCallLocked(ev.CallID) {
		e.log.Debugf("offer for dead call %s, dropping", ev.CallID)
		return
	}
	if e.pc != nil && e.pc.RemoteDescription() != nil {
		e.log.Debugf("offer after negotiation settled, dropping")
		return
	}
	e.pending = &ev.Offer

	if status == StatusConnecting && e.pc != nil {
		if err := e.applyRemoteOfferLocked(); err != nil {
			e.log.Warnf("applying offer: %v", err)
			e.cleanupLocked(true)
		}
	}
}

// handleAnswer completes our offer. Anything arriving outside the
// have-local-offer state is a leftover from a previous round and ignored.
func (e *Engine) handleAnswer(ev *signal.Answer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.otherCallLocked(ev.CallID) {
		e.log.Debugf("answer for dead call %s, dropping", ev.CallID)
		return
	}
	if e.pc == nil || e.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		e.log.Debugf("stale answer, ignoring")
		return
	}
	if err := e.pc.SetRemoteDescription(ev.Answer); err != nil {
		e.log.Warnf("setting remote answer: %v", err)
		e.cleanupLocked(true)
		return
	}
	e.drainCandidatesLocked()
}

// handleCandidate applies a trickled candidate, or buffers it until the
// remote description lands.
func (e *Engine) handleCandidate(ev *signal.Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.status() == StatusIdle {
		return
	}
	if e.otherCallLocked(ev.CallID) {
		e.log.Debugf("candidate for dead call %s, dropping", ev.CallID)
		return
	}
	if e.pc != nil && e.pc.RemoteDescription() != nil {
		if err := e.pc.AddICECandidate(ev.Candidate); err != nil {
			e.log.Warnf("candidate rejected: %v", err)
		}
		return
	}
	e.candidates = append(e.candidates, ev.Candidate)
}

// otherCallLocked reports whether a negotiation event is tagged for a call
// other than the session's. Either id being unknown means no verdict; a
// non-empty mismatch is an event from a dead call leaking into a new one.
func (e *Engine) otherCallLocked(callID string) bool {
	if callID == "" {
		return false
	}
	cur := e.store.Snapshot().CallID
	return cur != "" && callID != cur
}

// ─── Async continuations ─────────────────────────────────────────────────────

func (e *Engine) onLocalCandidate(ep uint64, c webrtc.ICECandidateInit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != ep {
		return
	}
	snap := e.store.Snapshot()
	if snap.PeerID == "" {
		return
	}
	if err := e.sig.Send(&signal.Candidate{ToID: snap.PeerID, Candidate: c, CallID: snap.CallID}); err != nil {
		e.log.Warnf("sending candidate: %v", err)
	}
}

func (e *Engine) onConnectionState(ep uint64, s webrtc.PeerConnectionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != ep {
		return
	}
	e.log.Debugf("connection state %s", s)

	switch s {
	case webrtc.PeerConnectionStateConnected:
		e.stopDeadlineLocked()
		e.ringer.Stop()
		e.store.update(func(sess *Session) { sess.Status = StatusConnected })
		e.store.startTicker()
		e.log.Infof("call connected")
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		e.log.Infof("transport %s, ending call", s)
		e.cleanupLocked(false)
	}
}

// armDeadlineLocked (re)starts the connect deadline for the given epoch.
func (e *Engine) armDeadlineLocked(ep uint64) {
	e.stopDeadlineLocked()
	e.deadline = time.AfterFunc(e.connectTimeout, func() { e.onDeadline(ep) })
}

func (e *Engine) stopDeadlineLocked() {
	if e.deadline != nil {
		e.deadline.Stop()
		e.deadline = nil
	}
}

func (e *Engine) onDeadline(ep uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != ep {
		return
	}
	switch e.store.status() {
	case StatusCalling, StatusConnecting:
		e.log.Infof("call did not connect within %s, giving up", e.connectTimeout)
		e.cleanupLocked(true)
	}
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// cleanupLocked is the single teardown funnel. It bumps the epoch so every
// in-flight continuation for this call turns into a no-op, releases the
// peer connection, microphone and sink, resets the session and, when notify
// is set, tells the peer we hung up. Calling it again is harmless.
func (e *Engine) cleanupLocked(notify bool) {
	snap := e.store.Snapshot()
	if snap.Status == StatusIdle && e.pc == nil {
		return
	}
	e.epoch++

	e.stopDeadlineLocked()
	e.ringer.Stop()

	pc := e.pc
	micStop := e.micStop
	sink := e.sink
	e.pc = nil
	e.sender = nil
	e.localTrack = nil
	e.micStop = nil
	e.sink = nil
	e.pending = nil
	e.candidates = nil

	e.store.reset()

	// Without a relay-assigned call id the peer has nothing to correlate
	// the hangup with, so notify only when both ids are known.
	if notify && snap.PeerID != "" && snap.CallID != "" {
		if err := e.sig.Send(&signal.EndCall{ToID: snap.PeerID, CallID: snap.CallID}); err != nil {
			e.log.Warnf("notifying hangup: %v", err)
		}
	}

	if pc != nil {
		if err := pc.Close(); err != nil {
			e.log.Warnf("closing peer connection: %v", err)
		}
	}
	if micStop != nil {
		micStop()
	}
	if sink != nil {
		sink.close()
	}
	e.log.Infof("call %s cleaned up", snap.CallID)
}
