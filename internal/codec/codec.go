// Package codec selects and drives the audio encoders of the capture
// pipeline. Opus is the primary codec; the two legacy CELT bitstream
// generations remain supported for servers that have not advertised Opus.
//
// Selection is a pure function of the server advertisement, the loopback
// mode, and whether an utterance is in progress — the codec never changes
// mid-utterance. Switching codecs destroys the old encoder state and raises
// the encoder reset latch.
package codec

// ID identifies a codec on the wire.
type ID int

const (
	// None means no codec could be selected; the pipeline emits nothing.
	None ID = iota

	// Opus is the primary codec.
	Opus

	// CeltAlpha is the first-generation legacy CELT bitstream.
	CeltAlpha

	// CeltBeta is the second-generation legacy CELT bitstream.
	CeltBeta
)

// Legacy CELT bitstream version identifiers as advertised by servers.
const (
	BitstreamAlpha int32 = -2147483637 // 0x8000000b
	BitstreamBeta  int32 = -2147483632 // 0x80000010
)

// String returns the codec's short name.
func (id ID) String() string {
	switch id {
	case Opus:
		return "opus"
	case CeltAlpha:
		return "celt-alpha"
	case CeltBeta:
		return "celt-beta"
	default:
		return "none"
	}
}

// IsCelt reports whether the codec is one of the legacy CELT generations.
func (id ID) IsCelt() bool {
	return id == CeltAlpha || id == CeltBeta
}

// Advertisement is the server's codec capability snapshot.
type Advertisement struct {
	// Opus is true when the server accepts Opus from every client.
	Opus bool

	// Alpha and Beta are the CELT bitstream versions the server negotiated.
	Alpha int32
	Beta  int32

	// PreferAlpha selects which CELT generation the server prefers.
	PreferAlpha bool

	// Connected is false before a session exists; without a session the
	// newest supported codec is used (local loopback).
	Connected bool
}

// Select returns the codec to use for the next frame. current and
// inUtterance implement codec stability: while the previous frame was voiced
// the current codec is kept unconditionally.
func Select(current ID, inUtterance bool, adv Advertisement, localLoopback bool) ID {
	if inUtterance {
		return current
	}

	if adv.Opus || localLoopback || !adv.Connected {
		return Opus
	}

	// Pick the CELT generation matching the server's preferred bitstream,
	// falling back to the other generation.
	preferred, fallback := adv.Alpha, adv.Beta
	preferredID, fallbackID := CeltAlpha, CeltBeta
	if !adv.PreferAlpha {
		preferred, fallback = adv.Beta, adv.Alpha
		preferredID, fallbackID = CeltBeta, CeltAlpha
	}
	if preferred == BitstreamAlpha || preferred == BitstreamBeta {
		return preferredID
	}
	if fallback == BitstreamAlpha || fallback == BitstreamBeta {
		return fallbackID
	}
	return None
}

// Encoder is one live codec instance. Implementations are confined to the
// encoder goroutine.
type Encoder interface {
	// Codec identifies the encoder's wire codec.
	Codec() ID

	// Encode compresses pcm (a whole number of 10 ms frames) at the given
	// bitrate in bits per second. A result of length zero is a transient
	// failure: the caller logs, drops the buffered batch, and continues.
	Encode(pcm []int16, bitrate int) ([]byte, error)

	// Reset clears the codec state; called at each utterance start and
	// after a codec switch.
	Reset()
}

// New creates an encoder for the selected codec. quality is the configured
// bitrate used to pick the Opus application mode at creation time.
func New(id ID, quality int, allowLowDelay bool) (Encoder, error) {
	switch id {
	case Opus:
		return newOpusEncoder(quality, allowLowDelay)
	case CeltAlpha, CeltBeta:
		return newCeltEncoder(id)
	default:
		return nil, nil
	}
}
