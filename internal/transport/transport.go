// Package transport delivers assembled audio packets to the server. The
// pipeline's sink boundary is non-blocking by contract: Send enqueues and
// returns; a sink that cannot keep up drops packets rather than stalling the
// encoder goroutine.
//
// The byte framing applied here sits below the AudioData contract and is
// owned by this package.
package transport

import (
	"encoding/binary"
	"math"

	"github.com/vokalis/vokalis/internal/packet"
)

// Sink receives assembled packets. Implementations must not block in Send.
type Sink interface {
	// Send enqueues one packet for delivery. It reports false when the
	// packet was dropped (queue full or transport gone).
	Send(data packet.AudioData) bool

	// Close releases the transport.
	Close() error
}

// Discard is the sink used while disconnected: every packet is dropped
// silently at the boundary.
type Discard struct{}

func (Discard) Send(packet.AudioData) bool { return false }
func (Discard) Close() error               { return nil }

// Flag bits in the packet header.
const (
	flagLastFrame  = 1 << 0
	flagPositional = 1 << 1
)

// Marshal encodes an AudioData into the transport's wire framing:
//
//	codec      uint8
//	flags      uint8
//	target     int32 (LE)
//	frame no.  uint64 (LE)
//	position   3 × float32 (LE), present when flagPositional set
//	payload    rest
func Marshal(data packet.AudioData) []byte {
	size := 1 + 1 + 4 + 8 + len(data.Payload)
	if data.ContainsPositional {
		size += 12
	}
	out := make([]byte, 0, size)

	var flags byte
	if data.IsLastFrame {
		flags |= flagLastFrame
	}
	if data.ContainsPositional {
		flags |= flagPositional
	}

	out = append(out, byte(data.Codec), flags)
	out = binary.LittleEndian.AppendUint32(out, uint32(data.TargetOrContext))
	out = binary.LittleEndian.AppendUint64(out, data.FrameNumber)
	if data.ContainsPositional {
		for _, v := range data.Position {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return append(out, data.Payload...)
}
