// Package config provides the configuration schema, loader, and runtime
// snapshot store for the Vokalis voice client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TransmitMode selects how the voice gate decides to transmit.
type TransmitMode string

const (
	TransmitContinuous TransmitMode = "continuous"
	TransmitVAD        TransmitMode = "vad"
	TransmitPushToTalk TransmitMode = "push-to-talk"
)

// IsValid reports whether m is a recognised transmit mode.
func (m TransmitMode) IsValid() bool {
	switch m {
	case TransmitContinuous, TransmitVAD, TransmitPushToTalk:
		return true
	}
	return false
}

// VADSource selects the level measure for voice-activity detection.
type VADSource string

const (
	VADAmplitude     VADSource = "amplitude"
	VADSignalToNoise VADSource = "signal-to-noise"
)

// IsValid reports whether s is a recognised VAD source.
func (s VADSource) IsValid() bool {
	return s == VADAmplitude || s == VADSignalToNoise
}

// LoopMode routes assembled packets.
type LoopMode string

const (
	// LoopNone sends packets to the server normally.
	LoopNone LoopMode = "none"

	// LoopLocal short-circuits packets into the in-process loop buffer.
	LoopLocal LoopMode = "local"

	// LoopServer asks the server to reflect packets back.
	LoopServer LoopMode = "server"
)

// IsValid reports whether m is a recognised loopback mode.
func (m LoopMode) IsValid() bool {
	switch m {
	case LoopNone, LoopLocal, LoopServer:
		return true
	}
	return false
}

// NoiseCancelMode selects the denoising stages.
type NoiseCancelMode string

const (
	NoiseCancelOff   NoiseCancelMode = "off"
	NoiseCancelSpeex NoiseCancelMode = "speex"
	NoiseCancelRNN   NoiseCancelMode = "rnn"
	NoiseCancelBoth  NoiseCancelMode = "both"
)

// IsValid reports whether m is a recognised noise-cancel mode.
func (m NoiseCancelMode) IsValid() bool {
	switch m {
	case NoiseCancelOff, NoiseCancelSpeex, NoiseCancelRNN, NoiseCancelBoth:
		return true
	}
	return false
}

// IdleAction is what happens after the configured idle time of silence.
type IdleAction string

const (
	IdleNothing IdleAction = "nothing"
	IdleMute    IdleAction = "mute"
	IdleDeafen  IdleAction = "deafen"
)

// IsValid reports whether a is a recognised idle action.
func (a IdleAction) IsValid() bool {
	switch a {
	case IdleNothing, IdleMute, IdleDeafen:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file with [Load].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
}

// ServerConfig holds connection and logging settings.
type ServerConfig struct {
	// URL is the outbound voice websocket endpoint. Empty means no
	// transport: packets are dropped at the sink boundary.
	URL string `yaml:"url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TCPMode accounts for TCP tunnelling overhead in the bandwidth model.
	TCPMode bool `yaml:"tcp_mode"`

	// MaxBandwidth caps the outgoing stream in bits per second; -1 means
	// unlimited.
	MaxBandwidth int `yaml:"max_bandwidth"`
}

// AudioConfig holds the capture pipeline settings.
type AudioConfig struct {
	// Quality is the requested codec bitrate in bits per second.
	Quality int `yaml:"quality"`

	// FramesPerPacket bundles this many 10 ms frames per packet.
	FramesPerPacket int `yaml:"frames_per_packet"`

	// AllowLowDelay permits the Opus restricted low-delay mode at high
	// bitrates.
	AllowLowDelay bool `yaml:"allow_low_delay"`

	// TransmitMode selects continuous, VAD, or push-to-talk gating.
	TransmitMode TransmitMode `yaml:"transmit_mode"`

	// VADSource selects the gate's level measure.
	VADSource VADSource `yaml:"vad_source"`

	// VADMin and VADMax are the gate hysteresis thresholds in [0, 1].
	VADMin float32 `yaml:"vad_min"`
	VADMax float32 `yaml:"vad_max"`

	// VoiceHold keeps transmission open this many frames past speech end.
	VoiceHold int `yaml:"voice_hold"`

	// DoublePushWindow is the double-tap window for locking PTT open.
	DoublePushWindow time.Duration `yaml:"double_push_window"`

	// NoiseCancel selects the denoiser stages.
	NoiseCancel NoiseCancelMode `yaml:"noise_cancel"`

	// NoiseSuppress is the suppression strength in dB (negative).
	NoiseSuppress int `yaml:"noise_suppress"`

	// MinLoudness bounds the AGC's maximum gain: quieter sources are not
	// boosted past the AGC target over this level.
	MinLoudness int `yaml:"min_loudness"`

	// EchoCancel enables acoustic echo cancellation; MultiChannelEcho keeps
	// per-channel speaker streams for the canceller.
	EchoCancel       bool `yaml:"echo_cancel"`
	MultiChannelEcho bool `yaml:"multi_channel_echo"`

	// ChannelMask selects which mic channels contribute; 0 means all.
	ChannelMask uint64 `yaml:"channel_mask"`

	// IdleTime is how long silence lasts before IdleAction runs.
	IdleTime time.Duration `yaml:"idle_time"`

	// IdleAction runs after IdleTime of silence.
	IdleAction IdleAction `yaml:"idle_action"`

	// UndoIdleAction reverts the idle action when activity resumes.
	UndoIdleAction bool `yaml:"undo_idle_action"`

	// TransmitPosition attaches plugin positional data to packets.
	TransmitPosition bool `yaml:"transmit_position"`

	// Loopback routes packets locally or via the server for testing.
	Loopback LoopMode `yaml:"loopback"`

	// TxAudioCue plays the on/off cues on transmit edges; TxMuteCue plays
	// the mute cue when talking muted.
	TxAudioCue bool `yaml:"tx_audio_cue"`
	TxMuteCue  bool `yaml:"tx_mute_cue"`

	// Cue sample paths (WAV).
	CueOnPath   string `yaml:"cue_on_path"`
	CueOffPath  string `yaml:"cue_off_path"`
	CueMutePath string `yaml:"cue_mute_path"`
}
