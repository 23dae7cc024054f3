package dsp

// Denoiser is an optional neural noise-suppression backend run between echo
// cancellation and the preprocessor. Implementations operate in the float
// domain on whole frames; the pipeline clamps back to 16-bit on return.
//
// Backends are typically cgo bindings (RNNoise) compiled in behind a build
// tag and injected via a pipeline option. When no backend is installed, or
// the installed backend cannot handle the pipeline's frame geometry, the
// pipeline downgrades the noise-cancel mode to the built-in suppressor and
// logs the downgrade.
type Denoiser interface {
	// SampleRate returns the only sample rate the backend supports.
	SampleRate() int

	// FrameSize returns the number of samples the backend processes per call.
	FrameSize() int

	// Denoise processes one frame in place. Samples are full-scale 16-bit
	// values carried in floats, not normalised to [-1, 1].
	Denoise(frame []float32)
}

// DenoiserUsable reports whether d can run inside a pipeline with the given
// frame geometry.
func DenoiserUsable(d Denoiser, frameSize, sampleRate int) bool {
	return d != nil && d.FrameSize() == frameSize && d.SampleRate() == sampleRate
}
