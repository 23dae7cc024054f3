package dsp

import (
	"math"

	"github.com/vokalis/vokalis/pkg/audio"
)

// PreprocessConfig fixes the preprocessor's behaviour for one processor
// generation. Any change requires tearing the preprocessor down and creating
// a new one (the pipeline's reset latch handles this).
type PreprocessConfig struct {
	// AGCTarget is the desired post-gain signal level in 16-bit units.
	AGCTarget float64

	// AGCMaxGainDB caps the gain the AGC may apply.
	AGCMaxGainDB float64

	// AGCDecrementDB is the maximum downward gain change in dB per second
	// (negative).
	AGCDecrementDB float64

	// Denoise enables noise suppression.
	Denoise bool

	// NoiseSuppressDB is the suppression floor in dB (negative).
	NoiseSuppressDB float64

	// Dereverb enables late-tail damping.
	Dereverb bool
}

// DefaultAGCTarget matches the fixed AGC target the pipeline configures.
const DefaultAGCTarget = 30000

// AGCMaxGainDB derives the gain cap from the configured minimum loudness:
// quiet sources may be boosted up to the level of the AGC target.
func AGCMaxGainDB(minLoudness int) float64 {
	if minLoudness < 1 {
		minLoudness = 1
	}
	return math.Floor(20 * math.Log10(DefaultAGCTarget/float64(minLoudness)))
}

// Result carries the per-frame preprocessor outputs the voice gate consumes.
type Result struct {
	// SpeechProb is the voice-activity probability in [0, 1].
	SpeechProb float32

	// AGCGainDB is the gain currently applied by the AGC.
	AGCGainDB float32
}

// Preprocessor runs AGC, VAD probability estimation, noise suppression, and
// dereverberation over mic frames, in place. Confined to the encoder
// goroutine.
type Preprocessor struct {
	frameSize  int
	sampleRate int
	cfg        PreprocessConfig

	// noise-floor estimate, RMS in 16-bit units
	noiseFloor float64

	// envelope follower for dereverb tail detection
	envelope float64

	// AGC state
	gainDB      float64
	incrementDB float64 // max upward dB per second; 0 while gated off

	// denoise gain smoothing
	suppressGain float64

	suppressDB float64 // current suppression strength (may differ from cfg)
}

// NewPreprocessor creates a preprocessor for the given frame geometry.
func NewPreprocessor(frameSize, sampleRate int, cfg PreprocessConfig) *Preprocessor {
	if cfg.AGCTarget == 0 {
		cfg.AGCTarget = DefaultAGCTarget
	}
	if cfg.AGCDecrementDB == 0 {
		cfg.AGCDecrementDB = -60
	}
	return &Preprocessor{
		frameSize:    frameSize,
		sampleRate:   sampleRate,
		cfg:          cfg,
		noiseFloor:   100, // start near a quiet room floor, adapts quickly
		suppressGain: 1,
		suppressDB:   cfg.NoiseSuppressDB,
	}
}

// SetAGCIncrement sets the maximum upward gain change in dB per second.
// The pipeline sets 0 while transmission is gated off so silence never ramps
// the gain, and 12 while transmitting.
func (p *Preprocessor) SetAGCIncrement(db float64) {
	p.incrementDB = db
}

// SetNoiseSuppress adjusts the suppression strength for subsequent frames.
func (p *Preprocessor) SetNoiseSuppress(db float64) {
	p.suppressDB = db
}

// GainDB returns the gain currently applied by the AGC.
func (p *Preprocessor) GainDB() float64 {
	return p.gainDB
}

// Run processes one frame in place and returns the frame's speech
// probability and the AGC gain that was applied.
func (p *Preprocessor) Run(frame audio.Frame) Result {
	rms := frameRMS(frame)

	// Track the noise floor: fall fast when the signal drops below the
	// estimate, creep up slowly otherwise so speech does not pull it up.
	if rms < p.noiseFloor {
		p.noiseFloor = 0.9*p.noiseFloor + 0.1*rms
	} else {
		p.noiseFloor *= 1.008
	}
	if p.noiseFloor < 1 {
		p.noiseFloor = 1
	}

	snrDB := 20 * math.Log10((rms+1)/p.noiseFloor)
	prob := 1 / (1 + math.Exp(-(snrDB-6)/3))

	if p.cfg.Denoise {
		p.denoise(frame, prob)
	}
	if p.cfg.Dereverb {
		p.dereverb(frame, rms)
	}

	p.agc(frame, frameRMS(frame))

	return Result{
		SpeechProb: float32(prob),
		AGCGainDB:  float32(p.gainDB),
	}
}

// denoise attenuates low-probability frames toward the suppression floor,
// smoothing the gain between frames to avoid zipper noise.
func (p *Preprocessor) denoise(frame audio.Frame, prob float64) {
	floor := math.Pow(10, p.suppressDB/20)
	target := floor + (1-floor)*prob
	p.suppressGain = 0.7*p.suppressGain + 0.3*target
	for i, s := range frame {
		frame[i] = clampSample(float64(s) * p.suppressGain)
	}
}

// dereverb damps the decaying tail after a loud passage: while the signal
// sits well below the tracked envelope it is mostly reverberant energy.
func (p *Preprocessor) dereverb(frame audio.Frame, rms float64) {
	if rms > p.envelope {
		p.envelope = rms
	} else {
		p.envelope *= 0.97
	}
	if p.envelope > 1 && rms < 0.3*p.envelope {
		for i, s := range frame {
			frame[i] = int16(float64(s) * 0.85)
		}
	}
}

// agc moves the applied gain toward the level needed to reach the target,
// bounded per frame by the configured increment/decrement rates, then
// applies it.
func (p *Preprocessor) agc(frame audio.Frame, rms float64) {
	if rms >= 1 {
		needDB := 20 * math.Log10(p.cfg.AGCTarget/rms)
		// per-frame limits: rates are per second, frames are 10 ms
		up := p.incrementDB / 100
		down := p.cfg.AGCDecrementDB / 100

		delta := needDB - p.gainDB
		if delta > up {
			delta = up
		} else if delta < down {
			delta = down
		}
		p.gainDB += delta
		if p.gainDB > p.cfg.AGCMaxGainDB {
			p.gainDB = p.cfg.AGCMaxGainDB
		} else if p.gainDB < 0 {
			p.gainDB = 0
		}
	}

	if p.gainDB != 0 {
		g := math.Pow(10, p.gainDB/20)
		for i, s := range frame {
			frame[i] = clampSample(float64(s) * g)
		}
	}
}

// frameRMS returns the root-mean-square level of a frame in 16-bit units.
func frameRMS(frame audio.Frame) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	if len(frame) == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// PeakDB returns the frame level in dBFS relative to 16-bit full scale,
// floored at -96 dB. Exposed for the pipeline's level meters and the voice
// gate's amplitude mode.
func PeakDB(frame audio.Frame) float64 {
	rms := frameRMS(frame)
	db := 20 * math.Log10((rms+1)/32768)
	if db < -96 {
		return -96
	}
	return db
}
