package config

import (
	"sync"
	"time"
)

// Snapshot is the flat, tear-free view of configuration and session state
// the pipeline reads once at each frame entry. Fields mirror [Config] plus
// the runtime state a UI or server session mutates between frames.
type Snapshot struct {
	// static audio configuration
	Quality          int
	FramesPerPacket  int
	AllowLowDelay    bool
	TransmitMode     TransmitMode
	VADSource        VADSource
	VADMin           float32
	VADMax           float32
	VoiceHold        int
	DoublePushWindow time.Duration
	NoiseCancel      NoiseCancelMode
	NoiseSuppress    int
	MinLoudness      int
	EchoCancel       bool
	MultiChannelEcho bool
	ChannelMask      uint64
	IdleTime         time.Duration
	IdleAction       IdleAction
	UndoIdleAction   bool
	TransmitPosition bool
	Loopback         LoopMode
	TxAudioCue       bool
	TxMuteCue        bool
	TCPMode          bool
	MaxBandwidth     int

	// session state
	Mute        bool
	Deaf        bool
	Suppressed  bool
	PushToMute  bool
	PTTHeld     bool
	WhisperHeld bool
	LastPTTUp   time.Time

	// TargetID is the live voice target; PrevTargetID remembers the target
	// before the last whisper release.
	TargetID     int32
	PrevTargetID int32

	// server codec advertisement
	ServerOpus  bool
	CodecAlpha  int32
	CodecBeta   int32
	PreferAlpha bool
	Connected   bool
}

// Store holds the current snapshot and hands out copies. Writers (UI,
// server messages) use [Store.Update]; the pipeline calls [Store.Snapshot]
// once per frame.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStore builds a store seeded from a loaded configuration.
func NewStore(cfg *Config) *Store {
	a := cfg.Audio
	mask := a.ChannelMask
	if mask == 0 {
		mask = ^uint64(0)
	}
	return &Store{snap: Snapshot{
		Quality:          a.Quality,
		FramesPerPacket:  a.FramesPerPacket,
		AllowLowDelay:    a.AllowLowDelay,
		TransmitMode:     a.TransmitMode,
		VADSource:        a.VADSource,
		VADMin:           a.VADMin,
		VADMax:           a.VADMax,
		VoiceHold:        a.VoiceHold,
		DoublePushWindow: a.DoublePushWindow,
		NoiseCancel:      a.NoiseCancel,
		NoiseSuppress:    a.NoiseSuppress,
		MinLoudness:      a.MinLoudness,
		EchoCancel:       a.EchoCancel,
		MultiChannelEcho: a.MultiChannelEcho,
		ChannelMask:      mask,
		IdleTime:         a.IdleTime,
		IdleAction:       a.IdleAction,
		UndoIdleAction:   a.UndoIdleAction,
		TransmitPosition: a.TransmitPosition,
		Loopback:         a.Loopback,
		TxAudioCue:       a.TxAudioCue,
		TxMuteCue:        a.TxMuteCue,
		TCPMode:          cfg.Server.TCPMode,
		MaxBandwidth:     cfg.Server.MaxBandwidth,
	}}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Update applies fn to the state under the write lock.
func (s *Store) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

// SetTarget changes the live voice target, remembering the previous value
// for the whisper-release flush.
func (s *Store) SetTarget(target int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.TargetID != target {
		s.snap.PrevTargetID = s.snap.TargetID
		s.snap.TargetID = target
	}
}
