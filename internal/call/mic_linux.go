//go:build linux

package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// systemMic captures the microphone via pion/mediadevices (malgo on Linux).
// Mono 48 kHz Opus; echo cancellation and noise suppression are left to the
// platform audio stack, mediadevices exposes no knobs for them.
type systemMic struct {
	mu        sync.Mutex
	preferred string
	selector  *mediadevices.CodecSelector
}

// SystemMicrophone returns the native capture source. preferred, when
// non-empty, pins the device id to open.
func SystemMicrophone(preferred string) Microphone {
	return &systemMic{preferred: preferred}
}

// SetPreferred changes the device opened by the next Acquire. Applies to the
// next call, never to one in flight.
func (m *systemMic) SetPreferred(id string) {
	m.mu.Lock()
	m.preferred = id
	m.mu.Unlock()
}

func (m *systemMic) Populate(me *webrtc.MediaEngine) error {
	opusParams, err := opus.NewParams()
	if err != nil {
		return fmt.Errorf("opus params: %w", err)
	}
	m.mu.Lock()
	m.selector = mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)
	selector := m.selector
	m.mu.Unlock()
	selector.Populate(me)
	return nil
}

func (m *systemMic) Acquire() (webrtc.TrackLocal, func(), error) {
	m.mu.Lock()
	selector := m.selector
	preferred := m.preferred
	m.mu.Unlock()
	if selector == nil {
		return nil, nil, fmt.Errorf("call: microphone codecs not registered")
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			if preferred != "" {
				c.DeviceID = prop.String(preferred)
			}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoMicrophone, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, nil, ErrNoMicrophone
	}

	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Printf("CALL: local audio track ended: %v", err)
		}
	})
	stop := func() {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
	}
	return track, stop, nil
}
