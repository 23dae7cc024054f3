// Package gate implements the per-frame transmit decision for the capture
// pipeline: voice-activity hysteresis with a hold window, push-to-talk with a
// double-push window, mute/suppress overrides, and idle detection.
//
// The gate owns no audio and calls no collaborator directly. Side effects —
// transmit cues, the mute cue, idle mute/deafen actions and their undo — are
// emitted as [Event] values through a callback, per frame, so the owning
// layer decides what a cue or an idle action means. The talk state for the
// UI is returned in each [Decision].
package gate

import "time"

// MuteCueDelay is the minimum interval between mute-cue events while the
// user keeps talking muted.
const MuteCueDelay = 5 * time.Second

// silentFramesForCounterReset is the run of non-speech frames after which the
// pipeline's global frame counter restarts.
const silentFramesForCounterReset = 500

// TransmitMode selects how the gate decides to open.
type TransmitMode int

const (
	// TransmitContinuous keeps the gate open unconditionally.
	TransmitContinuous TransmitMode = iota

	// TransmitVAD opens the gate on voice activity with hysteresis.
	TransmitVAD

	// TransmitPushToTalk opens the gate while the talk key is held.
	TransmitPushToTalk
)

// Activity tracks idle detection.
type Activity int

const (
	ActivityActive Activity = iota
	ActivityIdle
	ActivityReturnedFromIdle
)

// IdleAction is what happens when the user has been silent for the idle time.
type IdleAction int

const (
	IdleNothing IdleAction = iota
	IdleMute
	IdleDeafen
)

// TalkState is the UI-facing talking indicator.
type TalkState int

const (
	TalkPassive TalkState = iota
	TalkTalking
	TalkWhispering
)

// Event is a side effect requested by the gate.
type Event int

const (
	// EventCueOn / EventCueOff mark the transmit edges.
	EventCueOn Event = iota
	EventCueOff

	// EventCueMute fires (rate-limited) while the user talks muted.
	EventCueMute

	// EventIdleMute / EventIdleDeafen request the configured idle action.
	EventIdleMute
	EventIdleDeafen

	// EventUndoIdleMute / EventUndoIdleDeafen undo the idle action after
	// activity resumes.
	EventUndoIdleMute
	EventUndoIdleDeafen
)

// Params is the configuration snapshot the gate reads once per frame.
type Params struct {
	Mode TransmitMode

	// VADMin and VADMax are the hysteresis thresholds in [0, 1].
	VADMin float32
	VADMax float32

	// VoiceHold keeps the gate open for this many frames after speech ends.
	VoiceHold int

	// PTTHeld is true while the push-to-talk key is down.
	PTTHeld bool

	// DoublePushHeld is true while a double-push lock keeps the gate open.
	DoublePushHeld bool

	// WhisperHeld is true while a whisper/shout key action is active; it
	// forces the gate open regardless of mode.
	WhisperHeld bool

	// Mute, Suppressed, PushToMute and a negative target all force the gate
	// closed.
	Mute       bool
	Suppressed bool
	PushToMute bool
	Deaf       bool

	// TargetID is the current voice target (negative disables transmit,
	// positive means whisper/shout).
	TargetID int32

	// LocalLoopback disables the server-side mute/suppress override.
	LocalLoopback bool

	IdleTime       time.Duration
	IdleAction     IdleAction
	UndoIdleAction bool

	// AudioCue and MuteCue enable the corresponding events.
	AudioCue bool
	MuteCue  bool
}

// Decision is the gate's output for one frame.
type Decision struct {
	// Transmit is the frame's final gate decision.
	Transmit bool

	// Started is true on the closed→open edge: the encoder must reset.
	Started bool

	// Terminator is true on the open→closed edge: this frame ends the
	// utterance and flushes the packet assembler.
	Terminator bool

	// TalkingWhileMuted is true when speech was detected but an override
	// forced the gate closed.
	TalkingWhileMuted bool

	// ResetFrameCounter is true when silence has lasted long enough that
	// the pipeline's global frame counter restarts.
	ResetFrameCounter bool

	// Talk is the UI-facing talk state for this frame.
	Talk TalkState
}

// Gate holds the decision state across frames. Confined to the encoder
// goroutine.
type Gate struct {
	previousVoice bool
	holdFrames    int
	silentFrames  int

	activity    Activity
	idleSince   time.Time
	lastMuteCue time.Time
}

// New returns a gate in the active state, with the idle clock starting at
// now.
func New(now time.Time) *Gate {
	return &Gate{activity: ActivityActive, idleSince: now}
}

// Transmitting reports whether the previous frame was transmitted.
func (g *Gate) Transmitting() bool {
	return g.previousVoice
}

// Activity returns the current idle-detection state.
func (g *Gate) Activity() Activity {
	return g.activity
}

// Update runs the gate for one frame. level is the VAD level in [0, 1]
// (speech probability or scaled clean-mic dB — the caller computes it per
// its configured source). emit receives zero or more events; it must not be
// nil.
func (g *Gate) Update(level float32, p Params, now time.Time, emit func(Event)) Decision {
	var d Decision

	// Hysteresis over the level.
	isSpeech := level > p.VADMax || (g.previousVoice && level > p.VADMin)

	if !isSpeech {
		// Hold the gate open past the end of speech; it never opens the
		// gate from cold silence.
		if g.previousVoice {
			g.holdFrames++
			if g.holdFrames < p.VoiceHold {
				isSpeech = true
			}
		}
	} else {
		g.holdFrames = 0
	}

	// Transmit-mode overrides.
	switch p.Mode {
	case TransmitContinuous:
		isSpeech = true
	case TransmitPushToTalk:
		isSpeech = p.PTTHeld || p.DoublePushHeld
	}
	isSpeech = isSpeech || p.WhisperHeld

	// Mute/suppress/negative-target overrides force the gate closed but
	// remember that the user was talking.
	muted := p.Mute || (!p.LocalLoopback && p.Suppressed) || p.PushToMute || p.TargetID < 0
	if muted && isSpeech {
		d.TalkingWhileMuted = true
		isSpeech = false
	}

	if isSpeech {
		g.silentFrames = 0
	} else {
		g.silentFrames++
		if g.silentFrames > silentFramesForCounterReset {
			d.ResetFrameCounter = true
		}
	}

	// Talk state for the UI.
	switch {
	case !isSpeech:
		d.Talk = TalkPassive
	case p.TargetID == 0:
		d.Talk = TalkTalking
	default:
		d.Talk = TalkWhispering
	}

	// Transmit cues on the edges; mute cue rate-limited while talking muted.
	if p.AudioCue {
		if isSpeech && !g.previousVoice {
			emit(EventCueOn)
		} else if !isSpeech && g.previousVoice {
			emit(EventCueOff)
		}
	}
	if p.MuteCue && d.TalkingWhileMuted && !p.PushToMute && !p.Deaf {
		if g.lastMuteCue.IsZero() || now.Sub(g.lastMuteCue) > MuteCueDelay {
			g.lastMuteCue = now
			emit(EventCueMute)
		}
	}

	// Idle detection runs only through fully inactive frames. Speech that an
	// override forced closed still counts as activity — that is exactly the
	// case the undo-idle action exists for.
	active := isSpeech || d.TalkingWhileMuted
	if !active && !g.previousVoice {
		if p.IdleTime > 0 && now.Sub(g.idleSince) > p.IdleTime {
			g.activity = ActivityIdle
			g.idleSince = now
			switch p.IdleAction {
			case IdleDeafen:
				if !p.Deaf {
					emit(EventIdleDeafen)
				}
			case IdleMute:
				if !p.Mute {
					emit(EventIdleMute)
				}
			}
		}
		if g.activity == ActivityReturnedFromIdle {
			g.activity = ActivityActive
			if p.IdleAction != IdleNothing && p.UndoIdleAction {
				switch {
				case p.IdleAction == IdleDeafen && p.Deaf:
					emit(EventUndoIdleDeafen)
				case p.IdleAction == IdleMute && p.Mute:
					emit(EventUndoIdleMute)
				}
			}
		}
	} else {
		g.idleSince = now
		if g.activity == ActivityIdle {
			g.activity = ActivityReturnedFromIdle
		}
	}

	d.Transmit = isSpeech
	d.Started = isSpeech && !g.previousVoice
	d.Terminator = !isSpeech && g.previousVoice
	g.previousVoice = isSpeech
	return d
}
