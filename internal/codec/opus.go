package codec

import (
	"fmt"
	"log/slog"

	"layeh.com/gopus"

	"github.com/vokalis/vokalis/pkg/audio"
)

// maxOpusPayload bounds a single encoded Opus packet; it matches the
// transport's maximum datagram payload.
const maxOpusPayload = 1024

// opusEncoder wraps a gopus Opus encoder configured for the pipeline:
// mono, 48 kHz, CBR, application mode chosen from the configured bitrate.
type opusEncoder struct {
	enc *gopus.Encoder
}

// newOpusEncoder creates the Opus encoder. The application mode trades
// quality against algorithmic delay: restricted low-delay is only worth its
// quality cost at high bitrates, and VoIP tuning only helps at low ones.
func newOpusEncoder(quality int, allowLowDelay bool) (*opusEncoder, error) {
	var app gopus.Application
	switch {
	case allowLowDelay && quality >= 64000:
		app = gopus.RestrictedLowdelay
		slog.Info("codec: opus encoder set for low delay")
	case quality >= 32000:
		app = gopus.Audio
		slog.Info("codec: opus encoder set for high quality speech")
	default:
		app = gopus.Voip
		slog.Info("codec: opus encoder set for low quality speech")
	}

	enc, err := gopus.NewEncoder(audio.SampleRate, 1, app)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	enc.SetVbr(false) // CBR keeps the bandwidth model honest
	return &opusEncoder{enc: enc}, nil
}

func (o *opusEncoder) Codec() ID {
	return Opus
}

// Encode compresses one packet's worth of samples. The bitrate is applied
// before every encode so bandwidth adaptation takes effect immediately.
func (o *opusEncoder) Encode(pcm []int16, bitrate int) ([]byte, error) {
	o.enc.SetBitrate(bitrate)
	data, err := o.enc.Encode(pcm, len(pcm), maxOpusPayload)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return data, nil
}

func (o *opusEncoder) Reset() {
	o.enc.ResetState()
}
