// Package resample retimes capture streams to the pipeline's internal sample
// rate. It wraps the pure-Go polyphase resampler from
// github.com/tphakala/go-audio-resampler with a frame-oriented interface:
// callers push device-rate float PCM in and receive however many retimed
// samples the filter has ready, accumulating them into fixed-size frames
// upstream.
//
// Two modes are supported: mono (microphone, and echo when the canceller runs
// single-channel) and interleaved multi-channel (echo reference with
// per-channel streams preserved for the multi-channel canceller). When input
// and output rates match the stage is a pass-through and performs no work.
package resample

import (
	"fmt"

	resampler "github.com/tphakala/go-audio-resampler"
)

// Stage converts PCM from a device rate to a target rate. The zero value is
// not usable; use [New]. A Stage is confined to a single capture goroutine.
type Stage struct {
	inRate  int
	outRate int

	// one engine per channel; nil when pass-through
	engines []*resampler.EngineFloat32

	// scratch buffers for de-interleaving
	split [][]float32
}

// New creates a resampler stage. channels must be ≥ 1; values above 1 select
// interleaved multi-channel mode. Speech-grade quality is used: the pipeline
// favours latency over stopband attenuation.
func New(inRate, outRate, channels int) (*Stage, error) {
	if channels < 1 {
		return nil, fmt.Errorf("resample: invalid channel count %d", channels)
	}
	s := &Stage{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return s, nil
	}

	s.engines = make([]*resampler.EngineFloat32, channels)
	s.split = make([][]float32, channels)
	for i := range s.engines {
		eng, err := resampler.NewEngineFloat32(inRate, outRate, resampler.QualityLow)
		if err != nil {
			return nil, fmt.Errorf("resample: create engine %d→%d Hz: %w", inRate, outRate, err)
		}
		s.engines[i] = eng
	}
	return s, nil
}

// Passthrough reports whether the stage performs no rate conversion.
func (s *Stage) Passthrough() bool {
	return s.engines == nil
}

// Channels returns the number of interleaved channels the stage expects.
func (s *Stage) Channels() int {
	if s.engines == nil {
		return 1
	}
	return len(s.engines)
}

// Process pushes interleaved input samples and returns the retimed samples
// available so far, interleaved the same way. The output length varies call
// to call (polyphase filters carry latency); callers accumulate into frames.
// In pass-through mode the input slice is returned as-is.
func (s *Stage) Process(in []float32) ([]float32, error) {
	if s.engines == nil {
		return in, nil
	}

	channels := len(s.engines)
	if channels == 1 {
		out, err := s.engines[0].Process(in)
		if err != nil {
			return nil, fmt.Errorf("resample: %w", err)
		}
		return out, nil
	}

	if len(in)%channels != 0 {
		return nil, fmt.Errorf("resample: input length %d not a multiple of %d channels", len(in), channels)
	}

	// De-interleave, process each channel, re-interleave truncating to the
	// shortest channel so groups stay aligned.
	n := len(in) / channels
	outs := make([][]float32, channels)
	minOut := -1
	for c := 0; c < channels; c++ {
		if cap(s.split[c]) < n {
			s.split[c] = make([]float32, n)
		}
		ch := s.split[c][:n]
		for i := 0; i < n; i++ {
			ch[i] = in[i*channels+c]
		}
		out, err := s.engines[c].Process(ch)
		if err != nil {
			return nil, fmt.Errorf("resample: channel %d: %w", c, err)
		}
		outs[c] = out
		if minOut < 0 || len(out) < minOut {
			minOut = len(out)
		}
	}

	merged := make([]float32, minOut*channels)
	for c := 0; c < channels; c++ {
		for i := 0; i < minOut; i++ {
			merged[i*channels+c] = outs[c][i]
		}
	}
	return merged, nil
}
