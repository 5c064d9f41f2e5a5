package call

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ErrNoMicrophone is returned by Acquire when no capture device is available
// on this platform or the device cannot be opened.
var ErrNoMicrophone = errors.New("call: no microphone available")

// Microphone captures the local audio track. Implementations own the device
// handle; the engine caches the acquired track so repeated acquisition within
// one session is idempotent.
type Microphone interface {
	// Populate registers the capture codecs on the media engine before the
	// peer connection is built.
	Populate(*webrtc.MediaEngine) error
	// Acquire opens the capture device and returns the outbound audio track
	// plus a stop function releasing the device.
	Acquire() (webrtc.TrackLocal, func(), error)
}

// Ringer plays call-progress sounds. Playback itself is a platform/UI
// concern; the engine only drives the transitions.
type Ringer interface {
	Ringback() // caller side, while the remote end is ringing
	Ringtone() // callee side, while the local user decides
	Stop()
}

// NopRinger is the default silent Ringer.
type NopRinger struct{}

func (NopRinger) Ringback() {}
func (NopRinger) Ringtone() {}
func (NopRinger) Stop()     {}

// newPeerConnection builds the audio peer connection: codecs registered by
// the microphone source, default interceptors, and generous ICE timeouts so
// a brief relay/NAT hiccup does not immediately terminate the call (the
// default 5 s disconnectedTimeout is far too short for relay paths).
func newPeerConnection(mic Microphone, servers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mic.Populate(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}
