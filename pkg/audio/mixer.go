package audio

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// MixerFunc appends nsamp mono float samples to dst by mixing one
// device-native PCM buffer down to a single channel. src holds nsamp
// interleaved sample groups of channels samples each; mask selects which
// channels contribute (ignored by the specialised all-channel variants).
//
// Mixing is a uniform-weight average over the contributing channels. Int16
// input is scaled by 1/32768 so the output is always in [-1, 1].
type MixerFunc func(dst []float32, src []byte, nsamp, channels int, mask uint64)

// ChooseMixer selects the mixing routine for a device stream. A mask other
// than [AllChannels] always takes the generic masked path; otherwise mono and
// stereo get specialised variants and everything else the generic N-channel
// average.
func ChooseMixer(channels int, format SampleFormat, mask uint64) MixerFunc {
	if mask != AllChannels {
		if format == SampleFloat32 {
			return mixFloatMask
		}
		return mixInt16Mask
	}

	switch format {
	case SampleFloat32:
		switch channels {
		case 1:
			return mixFloatMono
		case 2:
			return mixFloatStereo
		default:
			return mixFloatN
		}
	default:
		switch channels {
		case 1:
			return mixInt16Mono
		case 2:
			return mixInt16Stereo
		default:
			return mixInt16N
		}
	}
}

// SampleGroupSize returns the byte size of one interleaved sample group
// (one sample per channel) for the given stream layout.
func SampleGroupSize(channels int, format SampleFormat) int {
	return channels * format.Bytes()
}

func floatAt(src []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
}

func int16At(src []byte, i int) float32 {
	return float32(int16(binary.LittleEndian.Uint16(src[i*2:])))
}

func mixFloatMono(dst []float32, src []byte, nsamp, _ int, _ uint64) {
	for i := 0; i < nsamp; i++ {
		dst[i] = floatAt(src, i)
	}
}

func mixFloatStereo(dst []float32, src []byte, nsamp, _ int, _ uint64) {
	for i := 0; i < nsamp; i++ {
		dst[i] = (floatAt(src, i*2) + floatAt(src, i*2+1)) * 0.5
	}
}

func mixFloatN(dst []float32, src []byte, nsamp, channels int, _ uint64) {
	m := 1.0 / float32(channels)
	for i := 0; i < nsamp; i++ {
		var v float32
		for j := 0; j < channels; j++ {
			v += floatAt(src, i*channels+j)
		}
		dst[i] = v * m
	}
}

func mixInt16Mono(dst []float32, src []byte, nsamp, _ int, _ uint64) {
	const m = 1.0 / 32768.0
	for i := 0; i < nsamp; i++ {
		dst[i] = int16At(src, i) * m
	}
}

func mixInt16Stereo(dst []float32, src []byte, nsamp, _ int, _ uint64) {
	const m = 1.0 / (32768.0 * 2)
	for i := 0; i < nsamp; i++ {
		dst[i] = (int16At(src, i*2) + int16At(src, i*2+1)) * m
	}
}

func mixInt16N(dst []float32, src []byte, nsamp, channels int, _ uint64) {
	m := 1.0 / (32768.0 * float32(channels))
	for i := 0; i < nsamp; i++ {
		var v float32
		for j := 0; j < channels; j++ {
			v += int16At(src, i*channels+j)
		}
		dst[i] = v * m
	}
}

// maskIndices expands a channel mask into the list of contributing channel
// indices below channels.
func maskIndices(channels int, mask uint64) []int {
	idx := make([]int, 0, bits.OnesCount64(mask))
	for j := 0; j < channels; j++ {
		if mask&(1<<uint(j)) != 0 {
			idx = append(idx, j)
		}
	}
	return idx
}

func mixFloatMask(dst []float32, src []byte, nsamp, channels int, mask uint64) {
	idx := maskIndices(channels, mask)
	if len(idx) == 0 {
		for i := 0; i < nsamp; i++ {
			dst[i] = 0
		}
		return
	}
	m := 1.0 / float32(len(idx))
	for i := 0; i < nsamp; i++ {
		var v float32
		for _, j := range idx {
			v += floatAt(src, i*channels+j)
		}
		dst[i] = v * m
	}
}

func mixInt16Mask(dst []float32, src []byte, nsamp, channels int, mask uint64) {
	idx := maskIndices(channels, mask)
	if len(idx) == 0 {
		for i := 0; i < nsamp; i++ {
			dst[i] = 0
		}
		return
	}
	m := 1.0 / (32768.0 * float32(len(idx)))
	for i := 0; i < nsamp; i++ {
		var v float32
		for _, j := range idx {
			v += int16At(src, i*channels+j)
		}
		dst[i] = v * m
	}
}
