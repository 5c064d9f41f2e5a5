package call

// sink.go — renders the remote audio track as a live audio-only WebM stream.
//
// No external muxer: pure Go EBML encoding. The first message delivered to a
// subscriber is the init segment (EBML header + Segment start + Info +
// Tracks), followed by clusters of Opus SimpleBlocks. The UI feeds these
// binary messages to an <audio> element via MSE, which is how playback works
// without a second peer connection in the webview.

import (
	"bytes"
	"encoding/binary"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// clusterSpanMs is how much audio a single cluster carries before it is
// flushed to subscribers. Small enough for live playback latency, large
// enough to keep per-message overhead down.
const clusterSpanMs = 200

// ─── EBML encoding helpers ───────────────────────────────────────────────────

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize is the 8-byte unknown-size marker used for the streaming
// Segment element whose length is not known at write time.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes an EBML element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the codec private data (OpusHead) for mono 48 kHz Opus.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels = 1
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain
	0x00, // channel mapping family
}

// webmAudioInit returns the audio-only WebM initialisation segment: EBML
// header + Segment (unknown size) + Info + one Opus track.
func webmAudioInit() []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("resona")),
		ebmlElem(idWrtApp, []byte("resona")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	freqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(freqBytes, math.Float32bits(48000.0))
	audioBody := ebmlConcat(
		ebmlElem(idSampFreq, freqBytes),
		ebmlElem(idChannels, ebmlUint(1)),
	)
	audioEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(2)), // 2 = audio
		ebmlElem(idCodecID, []byte("A_OPUS")),
		ebmlElem(idCodecPrv, opusHead),
		ebmlElem(idAudio, audioBody),
	)
	buf.Write(ebmlElem(idTracks, ebmlElem(idTrackEntry, audioEntry)))
	return buf.Bytes()
}

// webmSimpleBlock encodes a single audio SimpleBlock (track 1, keyframe —
// every Opus frame is independently decodable).
func webmSimpleBlock(relMs int16, data []byte) []byte {
	content := make([]byte, 1+2+1+len(data))
	content[0] = 0x81 // track 1 as vint
	binary.BigEndian.PutUint16(content[1:], uint16(relMs))
	content[3] = 0x80 // keyframe flag
	copy(content[4:], data)
	return ebmlElem(idSimpleBlock, content)
}

// ─── SinkStats ───────────────────────────────────────────────────────────────

// SinkStats is a point-in-time view of the inbound audio path.
type SinkStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	// From the peer's RTCP receiver reports about our outbound track.
	RemoteLost   uint32 `json:"remote_lost"`
	RemoteJitter uint32 `json:"remote_jitter"`
}

// ─── audioSink ───────────────────────────────────────────────────────────────

// audioSink is the single playback sink for one call: it consumes the remote
// Opus track and broadcasts a live WebM stream to subscribers. Created
// lazily on the first remote track, reused for the call's duration, torn
// down by cleanup.
type audioSink struct {
	callID  string
	initSeg []byte

	mu             sync.Mutex
	closed         bool
	baseMs         int64
	baseSet        bool
	clusterStartMs int64
	clusterOpen    bool
	blocks         bytes.Buffer
	subs           map[chan []byte]struct{}

	packets uint64 // atomics
	bytes   uint64
	lost    uint32
	jitter  uint32
}

func newAudioSink(callID string) *audioSink {
	return &audioSink{
		callID:  callID,
		initSeg: webmAudioInit(),
		subs:    make(map[chan []byte]struct{}),
	}
}

// subscribe returns a channel of WebM binary messages and a cancel func. The
// init segment is delivered first so MSE can start from any point.
func (sk *audioSink) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	sk.mu.Lock()
	if !sk.closed {
		select {
		case ch <- sk.initSeg:
		default:
		}
		sk.subs[ch] = struct{}{}
	} else {
		close(ch)
	}
	n := len(sk.subs)
	sk.mu.Unlock()
	log.Printf("CALL [%s]: audio subscriber added (total=%d)", sk.callID, n)
	return ch, func() {
		sk.mu.Lock()
		if _, ok := sk.subs[ch]; ok {
			delete(sk.subs, ch)
			close(ch)
		}
		sk.mu.Unlock()
	}
}

// consume reads the remote track until it ends. Runs on its own goroutine.
func (sk *audioSink) consume(track *webrtc.TrackRemote) {
	log.Printf("CALL [%s]: remote audio track %s (%s)", sk.callID, track.ID(), track.Codec().MimeType)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		atomic.AddUint64(&sk.packets, 1)
		atomic.AddUint64(&sk.bytes, uint64(len(pkt.Payload)))
		sk.handleFrame(pkt)
	}
}

// handleFrame appends one Opus frame, flushing a cluster every clusterSpanMs.
func (sk *audioSink) handleFrame(pkt *rtp.Packet) {
	data := pkt.Payload
	if len(data) == 0 {
		return
	}
	// Opus RTP clock is 48 kHz; 48 ticks per millisecond.
	timecodeMs := int64(pkt.Timestamp) / 48
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.closed {
		return
	}

	// Normalize so the first frame is t=0ms; RTP timestamps start at a
	// random value and MSE silently discards far-future timecodes.
	if !sk.baseSet {
		sk.baseMs = timecodeMs
		sk.baseSet = true
	}
	tsMs := timecodeMs - sk.baseMs

	if sk.clusterOpen && tsMs-sk.clusterStartMs >= clusterSpanMs {
		sk.flushLocked()
	}
	if !sk.clusterOpen {
		sk.clusterStartMs = tsMs
		sk.clusterOpen = true
		sk.blocks.Reset()
	}

	rel := tsMs - sk.clusterStartMs
	if rel < 0 || rel > 32767 {
		return // out-of-window frame (clock jump), skip rather than corrupt the cluster
	}
	sk.blocks.Write(webmSimpleBlock(int16(rel), data))
}

// flushLocked broadcasts the accumulated cluster. Must hold sk.mu.
func (sk *audioSink) flushLocked() {
	if !sk.clusterOpen || sk.blocks.Len() == 0 {
		sk.clusterOpen = false
		return
	}
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(sk.clusterStartMs)))
	cluster := ebmlElem(idCluster, ebmlConcat(tcElem, sk.blocks.Bytes()))
	sk.clusterOpen = false
	sk.blocks.Reset()
	for ch := range sk.subs {
		select {
		case ch <- cluster:
		default: // subscriber too slow — drop, don't block the media path
		}
	}
}

// readSenderReports drains RTCP from the outbound sender, recording what the
// peer reports about our track. Also keeps the interceptor chain fed.
func (sk *audioSink) readSenderReports(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			rr, ok := p.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rep := range rr.Reports {
				atomic.StoreUint32(&sk.lost, rep.TotalLost)
				atomic.StoreUint32(&sk.jitter, rep.Jitter)
			}
		}
	}
}

func (sk *audioSink) stats() SinkStats {
	return SinkStats{
		Packets:      atomic.LoadUint64(&sk.packets),
		Bytes:        atomic.LoadUint64(&sk.bytes),
		RemoteLost:   atomic.LoadUint32(&sk.lost),
		RemoteJitter: atomic.LoadUint32(&sk.jitter),
	}
}

// close flushes nothing and drops every subscriber. Idempotent.
func (sk *audioSink) close() {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return
	}
	sk.closed = true
	for ch := range sk.subs {
		close(ch)
	}
	sk.subs = make(map[chan []byte]struct{})
	sk.mu.Unlock()
}
