package codec

import (
	"fmt"

	"github.com/thesyncim/gopus/celt"

	"github.com/vokalis/vokalis/pkg/audio"
)

// maxCeltFramePayload is the largest legacy frame the one-byte header can
// describe: the length field is 7 bits.
const maxCeltFramePayload = 127

// celtEncoder wraps a standalone CELT encoder for one of the legacy
// bitstream generations. Legacy packets carry one encoded blob per 10 ms
// frame, so Encode always processes exactly [audio.FrameSize] samples.
type celtEncoder struct {
	id  ID
	enc *celt.Encoder
	buf []float64
}

func newCeltEncoder(id ID) (*celtEncoder, error) {
	enc := celt.NewEncoder(1)
	enc.SetVBR(true)
	return &celtEncoder{
		id:  id,
		enc: enc,
		buf: make([]float64, audio.FrameSize),
	}, nil
}

func (c *celtEncoder) Codec() ID {
	return c.id
}

func (c *celtEncoder) Encode(pcm []int16, bitrate int) ([]byte, error) {
	if len(pcm) != audio.FrameSize {
		return nil, fmt.Errorf("codec: celt encodes single frames, got %d samples", len(pcm))
	}

	for i, s := range pcm {
		c.buf[i] = float64(s) / 32768
	}

	c.enc.SetBitrate(bitrate)
	data, err := c.enc.EncodeFrame(c.buf, audio.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("codec: celt encode: %w", err)
	}

	// Per-frame payloads are capped by the legacy header's 7-bit length and
	// the configured rate. Oversize output is a transient failure.
	limit := bitrate / 800
	if limit > maxCeltFramePayload {
		limit = maxCeltFramePayload
	}
	if len(data) > limit {
		return nil, fmt.Errorf("codec: celt frame %d bytes exceeds cap %d", len(data), limit)
	}
	return data, nil
}

func (c *celtEncoder) Reset() {
	c.enc.Reset()
}
