// Package packet turns encoded audio frames into outbound [AudioData]
// packets: it buffers per-frame blobs until a packet is due, applies the
// legacy per-frame header framing for CELT, resolves the voice target
// (including the whisper-release case), and attaches positional data.
//
// The concrete on-wire byte framing below AudioData belongs to the
// transport; this package only fills the AudioData contract.
package packet

import (
	"sync"

	"github.com/vokalis/vokalis/internal/codec"
)

// MaxUDPPacketSize bounds a full outbound datagram payload.
const MaxUDPPacketSize = 1024

// ServerLoopbackTarget is the reserved target ID that asks the server to
// reflect the stream back to its sender.
const ServerLoopbackTarget = 31

// AudioData is the assembled packet handed to the outbound sink, the local
// loop buffer, and the recorder.
type AudioData struct {
	// TargetOrContext identifies the whisper target, the normal channel, or
	// the reserved server loopback.
	TargetOrContext int32

	// Codec identifies the payload encoding.
	Codec codec.ID

	// FrameNumber is the stream position of the packet's first frame.
	FrameNumber uint64

	// IsLastFrame marks the end of an utterance.
	IsLastFrame bool

	// ContainsPositional is true when Position carries plugin data.
	ContainsPositional bool

	// Position is the speaker's in-game coordinates.
	Position [3]float32

	// Payload is the codec bitstream: a single Opus packet, or a chain of
	// legacy header-prefixed CELT frames.
	Payload []byte
}

// PositionProvider fetches positional data from the plugin layer.
// Implementations return ok=false when no data is available this frame.
type PositionProvider interface {
	FetchPosition() (pos [3]float32, ok bool)
}

// Recorder optionally receives every assembled packet.
type Recorder interface {
	AddFrame(AudioData)
}

// FlushContext is the per-flush configuration snapshot.
type FlushContext struct {
	// Terminator marks this flush as ending the utterance.
	Terminator bool

	// TargetID is the voice target captured at frame entry.
	TargetID int32

	// ServerLoopback overrides the target with [ServerLoopbackTarget].
	ServerLoopback bool

	// FrameNumber is the global frame counter after the buffered frames.
	FrameNumber uint64

	// TransmitPosition enables positional data lookup.
	TransmitPosition bool

	// Position provides plugin positional data; may be nil.
	Position PositionProvider
}

// Assembler buffers encoded frames between flushes. Confined to the encoder
// goroutine.
type Assembler struct {
	frames   [][]byte
	buffered int
	codec    codec.ID

	prevTarget int32
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Append adds one encoded blob representing frameCount 10 ms frames.
// Opus blobs carry a whole packet's frames; legacy blobs carry one each.
func (a *Assembler) Append(blob []byte, frameCount int, id codec.ID) {
	a.frames = append(a.frames, blob)
	a.buffered += frameCount
	a.codec = id
}

// Buffered returns the number of frames accumulated since the last flush.
func (a *Assembler) Buffered() int {
	return a.buffered
}

// Drop discards the buffered batch after a transient encode failure so the
// frame sequence stays consistent.
func (a *Assembler) Drop() {
	a.frames = nil
	a.buffered = 0
}

// SetPrevTarget records the target in effect before a whisper key release;
// the next terminator flush uses and clears it.
func (a *Assembler) SetPrevTarget(target int32) {
	a.prevTarget = target
}

// ShouldFlush reports whether the buffer is due: a terminator always
// flushes, otherwise a full packet does.
func (a *Assembler) ShouldFlush(terminator bool, framesPerPacket int) bool {
	return terminator || a.buffered >= framesPerPacket
}

// Flush assembles the buffered frames into one AudioData and resets the
// buffer. ok is false when there was nothing to flush.
func (a *Assembler) Flush(fc FlushContext) (AudioData, bool) {
	if len(a.frames) == 0 {
		return AudioData{}, false
	}

	data := AudioData{
		TargetOrContext: fc.TargetID,
		Codec:           a.codec,
		IsLastFrame:     fc.Terminator,
		FrameNumber:     fc.FrameNumber - uint64(a.buffered),
	}

	if fc.Terminator && a.prevTarget > 0 {
		// A whisper key release resets the live target before its last
		// frame flushes; the remembered target routes that final packet.
		data.TargetOrContext = a.prevTarget
		a.prevTarget = 0
	}
	if fc.ServerLoopback {
		data.TargetOrContext = ServerLoopbackTarget
	}

	if fc.TransmitPosition && fc.Position != nil {
		if pos, ok := fc.Position.FetchPosition(); ok {
			data.Position = pos
			data.ContainsPositional = true
		}
	}

	if a.codec == codec.Opus {
		// Opus mode carries exactly one encoded frame per packet.
		data.Payload = a.frames[0]
	} else {
		data.Payload = concatLegacy(a.frames, fc.Terminator)
	}

	a.frames = nil
	a.buffered = 0
	return data, true
}

// concatLegacy chains legacy frames with a one-byte header each: length in
// the low 7 bits, top bit set while more frames follow. A terminator
// appends an empty trailing frame as the end-of-utterance marker.
func concatLegacy(frames [][]byte, terminator bool) []byte {
	if terminator {
		frames = append(frames, nil)
	}

	out := make([]byte, 0, MaxUDPPacketSize)
	for i, f := range frames {
		head := byte(len(f))
		if i < len(frames)-1 {
			head |= 0x80
		}
		out = append(out, head)
		out = append(out, f...)
	}
	return out
}

// ParseLegacy splits a legacy payload back into its ordered frame list.
// It is the inverse of the legacy framing applied by [Assembler.Flush].
func ParseLegacy(payload []byte) [][]byte {
	var frames [][]byte
	for len(payload) > 0 {
		head := payload[0]
		length := int(head & 0x7f)
		payload = payload[1:]
		if length > len(payload) {
			break
		}
		frames = append(frames, payload[:length])
		payload = payload[length:]
		if head&0x80 == 0 {
			break
		}
	}
	return frames
}

// LoopBuffer queues assembled packets for in-process playback in local
// loopback mode. Safe for concurrent use: the encoder goroutine appends,
// the output side drains.
type LoopBuffer struct {
	mu     sync.Mutex
	frames []AudioData
	max    int
}

// NewLoopBuffer creates a loop buffer retaining at most max packets; older
// packets are dropped first.
func NewLoopBuffer(max int) *LoopBuffer {
	if max <= 0 {
		max = 64
	}
	return &LoopBuffer{max: max}
}

// AddFrame appends a packet, evicting the oldest when full.
func (l *LoopBuffer) AddFrame(data AudioData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) >= l.max {
		l.frames = l.frames[1:]
	}
	l.frames = append(l.frames, data)
}

// Pop removes and returns the oldest packet.
func (l *LoopBuffer) Pop() (AudioData, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return AudioData{}, false
	}
	data := l.frames[0]
	l.frames = l.frames[1:]
	return data, true
}

// Len returns the number of queued packets.
func (l *LoopBuffer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}
