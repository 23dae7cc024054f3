// Package cue loads the short feedback samples the voice gate can request:
// the transmit on/off cues and the talking-while-muted cue. Samples are WAV
// files normalised at load time to the pipeline's mono 48 kHz PCM so the
// playback collaborator can mix them directly.
package cue

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"

	"github.com/vokalis/vokalis/pkg/audio"
)

// Player is the playback collaborator cue samples are handed to. The output
// pipeline implements it; a nil player silently drops cues.
type Player interface {
	// PlaySample mixes the sample into the local output. It must not block.
	PlaySample(pcm []int16)
}

// Library holds the decoded cue samples. Zero-value fields mean "no cue
// configured"; playing a missing cue is a no-op.
type Library struct {
	On   []int16
	Off  []int16
	Mute []int16
}

// Load reads the configured cue files. Empty paths are skipped. A file that
// cannot be read or decoded fails the whole load; cues are configuration, not
// runtime input.
func Load(onPath, offPath, mutePath string) (*Library, error) {
	lib := &Library{}
	for _, c := range []struct {
		path string
		dst  *[]int16
	}{
		{onPath, &lib.On},
		{offPath, &lib.Off},
		{mutePath, &lib.Mute},
	} {
		if c.path == "" {
			continue
		}
		pcm, err := LoadSample(c.path)
		if err != nil {
			return nil, err
		}
		*c.dst = pcm
	}
	return lib, nil
}

// LoadSample decodes a WAV file into mono 16-bit PCM at the pipeline sample
// rate. Stereo sources are downmixed; other rates are linearly resampled
// (cue samples are short UI sounds, not programme audio).
func LoadSample(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cue: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("cue: decode %s: %w", path, err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("cue: %s: empty or invalid WAV", path)
	}

	pcm := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		pcm[i] = int16(s)
	}

	if buf.Format.NumChannels == 2 {
		pcm = audio.StereoToMono(pcm)
	} else if buf.Format.NumChannels != 1 {
		return nil, fmt.Errorf("cue: %s: unsupported channel count %d", path, buf.Format.NumChannels)
	}

	return audio.ResampleMono16(pcm, buf.Format.SampleRate, audio.SampleRate), nil
}
