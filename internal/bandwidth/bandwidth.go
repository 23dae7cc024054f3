// Package bandwidth models the network cost of the outgoing voice stream and
// solves for a (bitrate, frames-per-packet) pair that fits under a server
// cap. Packing more 10 ms frames into each packet amortises the per-packet
// header overhead, so the adapter prefers growing the packet before cutting
// audio quality.
package bandwidth

// Unlimited disables the cap.
const Unlimited = -1

// BitrateFloor is the lowest bitrate the adapter will configure.
const BitrateFloor = 8000

// Overhead captures the per-packet framing cost drivers.
type Overhead struct {
	// TransmitPosition adds the positional-data payload.
	TransmitPosition bool

	// TCPMode adds the TCP tunnelling overhead.
	TCPMode bool
}

// Params is a packetisation configuration.
type Params struct {
	// Bitrate is the codec bitrate in bits per second.
	Bitrate int

	// FramesPerPacket is the number of 10 ms frames bundled per packet.
	FramesPerPacket int

	// AllowLowDelay permits the Opus restricted low-delay application at
	// high bitrates.
	AllowLowDelay bool
}

// Network returns the total network cost in bits per second of sending
// bitrate-encoded audio at frames frames per packet: IP+UDP+crypto headers,
// the packet preamble, sequence varint, per-frame headers, and optional
// position/TCP overhead, times the packet rate, plus the payload bitrate.
func Network(bitrate, frames int, o Overhead) int {
	overhead := 20 + 8 + 4 + 1 + 2 + frames
	if o.TransmitPosition {
		overhead += 12
	}
	if o.TCPMode {
		overhead += 12
	}
	// 100 packets/s at one frame per packet, in bits: 800/frames.
	return overhead*(800/frames) + bitrate
}

// Adjust solves for a configuration within cap bits per second, starting
// from the requested parameters. Frames per packet grows first (bounded by
// how tight the cap is), then the bitrate steps down in 1000 bps decrements
// until the configuration fits or hits [BitrateFloor].
func Adjust(cap int, requested Params, o Overhead) Params {
	p := requested

	if cap != Unlimited && Network(p.Bitrate, p.FramesPerPacket, o) > cap {
		// The bumps cascade: a 40 kbps cap takes one frame per packet
		// through 2 to 4.
		if p.FramesPerPacket == 1 && cap <= 64000 {
			p.FramesPerPacket = 2
		}
		if p.FramesPerPacket <= 2 && cap <= 48000 {
			p.FramesPerPacket = 4
		}
		if p.FramesPerPacket <= 4 && cap <= 32000 {
			p.FramesPerPacket = 4
		}
		if Network(p.Bitrate, p.FramesPerPacket, o) > cap {
			for p.Bitrate > BitrateFloor && Network(p.Bitrate, p.FramesPerPacket, o) > cap {
				p.Bitrate -= 1000
			}
		}
	}

	if p.Bitrate <= BitrateFloor {
		p.Bitrate = BitrateFloor
	}
	return p
}
