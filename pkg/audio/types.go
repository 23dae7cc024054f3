// Package audio defines the frame model and PCM primitives shared by the
// Vokalis capture pipeline.
//
// All DSP and encoding in the pipeline operates on fixed-length mono frames:
// 10 ms of 16-bit PCM at [SampleRate] ([FrameSize] samples). Device-native
// input (arbitrary rate, channel count, sample format, channel mask) is
// normalised into this model by the channel mixer in this package and the
// resampler stage in pkg/audio/resample.
package audio

const (
	// SampleRate is the pipeline's internal sample rate in Hz. Every frame
	// that reaches the DSP chain or an encoder is at this rate.
	SampleRate = 48000

	// FrameSize is the number of samples in one 10 ms mono frame.
	FrameSize = SampleRate / 100

	// AllChannels is the channel mask meaning "every channel contributes".
	AllChannels uint64 = ^uint64(0)
)

// SampleFormat identifies the in-memory encoding of device PCM samples.
type SampleFormat int

const (
	// SampleFloat32 is 32-bit IEEE float PCM in [-1, 1].
	SampleFloat32 SampleFormat = iota

	// SampleInt16 is little-endian signed 16-bit PCM.
	SampleInt16
)

// Bytes returns the size of a single sample in bytes.
func (f SampleFormat) Bytes() int {
	if f == SampleFloat32 {
		return 4
	}
	return 2
}

// String returns the human-readable name of the sample format.
func (f SampleFormat) String() string {
	switch f {
	case SampleFloat32:
		return "float32"
	case SampleInt16:
		return "int16"
	default:
		return "unknown"
	}
}

// Frame is one block of mono 16-bit PCM at [SampleRate]. Mic frames are
// always [FrameSize] samples long. Speaker (echo reference) frames are
// FrameSize samples, or FrameSize × channels when the echo canceller runs in
// multi-channel mode.
//
// Frames are owned by value as they move through the pipeline: the mixer
// creates them, the resynchronizer queue holds mic frames until paired, and
// the encoder stage consumes them.
type Frame []int16

// Chunk pairs a microphone frame with its acoustically matching speaker
// frame. Speaker is nil when echo cancellation is disabled or the chunk was
// produced by the mic-only path.
type Chunk struct {
	Mic     Frame
	Speaker Frame
}

// HasSpeaker reports whether the chunk carries an echo reference frame.
func (c Chunk) HasSpeaker() bool {
	return c.Speaker != nil
}

// FloatsToFrame converts float PCM in [-1, 1] to a 16-bit frame, scaling by
// 32768 and clamping to the int16 range.
func FloatsToFrame(src []float32) Frame {
	out := make(Frame, len(src))
	for i, v := range src {
		s := v * 32768
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[i] = int16(s)
	}
	return out
}

// FrameToFloats converts a 16-bit frame to float PCM scaled to [-1, 1).
func FrameToFloats(src Frame) []float32 {
	out := make([]float32, len(src))
	for i, s := range src {
		out[i] = float32(s) / 32768
	}
	return out
}
