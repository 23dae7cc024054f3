package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, for callers
// that run without a config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxBandwidth == 0 {
		cfg.Server.MaxBandwidth = -1
	}

	a := &cfg.Audio
	if a.Quality == 0 {
		a.Quality = 40000
	}
	if a.FramesPerPacket == 0 {
		a.FramesPerPacket = 2
	}
	if a.TransmitMode == "" {
		a.TransmitMode = TransmitVAD
	}
	if a.VADSource == "" {
		a.VADSource = VADSignalToNoise
	}
	if a.VADMin == 0 {
		a.VADMin = 0.45
	}
	if a.VADMax == 0 {
		a.VADMax = 0.75
	}
	if a.VoiceHold == 0 {
		a.VoiceHold = 20
	}
	if a.NoiseCancel == "" {
		a.NoiseCancel = NoiseCancelSpeex
	}
	if a.NoiseSuppress == 0 {
		a.NoiseSuppress = -30
	}
	if a.MinLoudness == 0 {
		a.MinLoudness = 1000
	}
	if a.IdleTime == 0 {
		a.IdleTime = 5 * time.Minute
	}
	if a.IdleAction == "" {
		a.IdleAction = IdleNothing
	}
	if a.Loopback == "" {
		a.Loopback = LoopNone
	}
	if a.DoublePushWindow == 0 {
		a.DoublePushWindow = 0 // disabled unless configured
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxBandwidth != -1 && cfg.Server.MaxBandwidth < 8000 {
		errs = append(errs, fmt.Errorf("server.max_bandwidth %d is below the 8000 bps floor (use -1 for unlimited)", cfg.Server.MaxBandwidth))
	}

	a := cfg.Audio
	if !a.TransmitMode.IsValid() {
		errs = append(errs, fmt.Errorf("audio.transmit_mode %q is invalid; valid values: continuous, vad, push-to-talk", a.TransmitMode))
	}
	if !a.VADSource.IsValid() {
		errs = append(errs, fmt.Errorf("audio.vad_source %q is invalid; valid values: amplitude, signal-to-noise", a.VADSource))
	}
	if !a.NoiseCancel.IsValid() {
		errs = append(errs, fmt.Errorf("audio.noise_cancel %q is invalid; valid values: off, speex, rnn, both", a.NoiseCancel))
	}
	if !a.IdleAction.IsValid() {
		errs = append(errs, fmt.Errorf("audio.idle_action %q is invalid; valid values: nothing, mute, deafen", a.IdleAction))
	}
	if !a.Loopback.IsValid() {
		errs = append(errs, fmt.Errorf("audio.loopback %q is invalid; valid values: none, local, server", a.Loopback))
	}
	if a.Quality < 8000 {
		errs = append(errs, fmt.Errorf("audio.quality %d is below the 8000 bps floor", a.Quality))
	}
	if a.FramesPerPacket < 1 || a.FramesPerPacket > 8 {
		errs = append(errs, fmt.Errorf("audio.frames_per_packet %d out of range [1, 8]", a.FramesPerPacket))
	}
	if a.VADMin < 0 || a.VADMin > 1 || a.VADMax < 0 || a.VADMax > 1 {
		errs = append(errs, fmt.Errorf("audio.vad_min/vad_max must be in [0, 1]"))
	}
	if a.VADMin > a.VADMax {
		errs = append(errs, fmt.Errorf("audio.vad_min %v exceeds audio.vad_max %v", a.VADMin, a.VADMax))
	}
	if a.NoiseSuppress > 0 {
		errs = append(errs, fmt.Errorf("audio.noise_suppress %d must be ≤ 0 dB", a.NoiseSuppress))
	}
	if a.MinLoudness < 1 {
		errs = append(errs, fmt.Errorf("audio.min_loudness %d must be ≥ 1", a.MinLoudness))
	}

	return errors.Join(errs...)
}
