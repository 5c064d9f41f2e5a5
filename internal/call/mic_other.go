//go:build !linux

package call

import "github.com/pion/webrtc/v4"

// Native capture via pion/mediadevices needs platform drivers (malgo on
// Linux). Elsewhere the engine still negotiates — default codecs, no local
// track — and Acquire reports the missing device so the call is aborted the
// same way a denied permission is.
type unsupportedMic struct{}

// SystemMicrophone returns the capture source for this platform.
func SystemMicrophone(string) Microphone { return unsupportedMic{} }

func (unsupportedMic) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (unsupportedMic) Acquire() (webrtc.TrackLocal, func(), error) {
	return nil, nil, ErrNoMicrophone
}
