// Package dsp implements the per-frame signal processing chain of the
// capture pipeline: acoustic echo cancellation, noise suppression, and a
// preprocessor providing AGC, voice-activity probability, denoising, and
// dereverberation.
//
// Everything here is pure Go over the pipeline's frame types. The echo
// canceller is a Normalized Least Mean Squares (NLMS) adaptive filter; the
// preprocessor tracks a noise-floor estimate to derive speech probability
// and drive suppression, and runs a dB-domain AGC with separate attack and
// release rates.
package dsp

import "github.com/vokalis/vokalis/pkg/audio"

// nlmsStep is the NLMS adaptation step size mu (0 < mu < 2). Conservative:
// converges within a few hundred frames and stays stable on speech.
const nlmsStep = 0.1

// EchoCanceller removes the speaker-loopback signal from captured mic frames.
//
// One adaptive filter per speaker channel models the playback→room→mic path;
// the summed filter outputs are subtracted from the mic signal. Filter length
// and channel count are fixed at creation; the pipeline recreates the
// canceller whenever the processor reset latch fires.
//
// Confined to the encoder goroutine; not safe for concurrent use.
type EchoCanceller struct {
	frameSize int
	channels  int
	taps      int

	weights [][]float64 // per channel, length taps
	history [][]float64 // per channel far-end ring, length taps+frameSize
}

// NewEchoCanceller creates an NLMS canceller with the given filter length in
// samples. channels > 1 selects multi-channel mode: speaker frames are
// interleaved and each channel keeps its own filter.
func NewEchoCanceller(frameSize, taps, channels int) *EchoCanceller {
	if channels < 1 {
		channels = 1
	}
	e := &EchoCanceller{
		frameSize: frameSize,
		channels:  channels,
		taps:      taps,
		weights:   make([][]float64, channels),
		history:   make([][]float64, channels),
	}
	for c := range e.weights {
		e.weights[c] = make([]float64, taps)
		e.history[c] = make([]float64, taps+frameSize)
	}
	return e
}

// Cancel subtracts the estimated echo of speaker from mic and writes the
// cleaned signal to out. speaker must hold frameSize×channels interleaved
// samples; mic and out are frameSize mono samples. out may alias mic.
func (e *EchoCanceller) Cancel(mic, speaker, out audio.Frame) {
	// Shift the new far-end frame into each channel's history.
	for c := 0; c < e.channels; c++ {
		h := e.history[c]
		copy(h, h[e.frameSize:])
		base := len(h) - e.frameSize
		for i := 0; i < e.frameSize; i++ {
			h[base+i] = float64(speaker[i*e.channels+c]) / 32768
		}
	}

	for n := 0; n < e.frameSize; n++ {
		d := float64(mic[n]) / 32768

		// Echo estimate: sum of per-channel filter outputs.
		var y float64
		var energy float64
		for c := 0; c < e.channels; c++ {
			h := e.history[c]
			w := e.weights[c]
			// history index of the current far-end sample
			pos := e.taps + n
			for k := 0; k < e.taps; k++ {
				x := h[pos-k]
				y += w[k] * x
				energy += x * x
			}
		}

		err := d - y
		out[n] = clampSample(err * 32768)

		// NLMS update, normalised by the far-end energy in the window.
		if energy > 1e-6 {
			g := nlmsStep * err / energy
			for c := 0; c < e.channels; c++ {
				h := e.history[c]
				w := e.weights[c]
				pos := e.taps + n
				for k := 0; k < e.taps; k++ {
					w[k] += g * h[pos-k]
				}
			}
		}
	}
}

func clampSample(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
