package gate_test

import (
	"testing"
	"time"

	"github.com/vokalis/vokalis/internal/gate"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func collect(events *[]gate.Event) func(gate.Event) {
	return func(e gate.Event) { *events = append(*events, e) }
}

func vadParams() gate.Params {
	return gate.Params{
		Mode:      gate.TransmitVAD,
		VADMin:    0.3,
		VADMax:    0.6,
		VoiceHold: 5,
	}
}

func discard(gate.Event) {}

func TestHysteresisHoldsBetweenThresholds(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()

	// Cross vad_max: transmission starts.
	d := g.Update(0.7, p, t0, discard)
	if !d.Transmit || !d.Started {
		t.Fatalf("crossing VADMax: got %+v, want transmit start", d)
	}

	// Dip between min and max: stays on.
	for i := 0; i < 20; i++ {
		d = g.Update(0.45, p, t0, discard)
		if !d.Transmit {
			t.Fatalf("frame %d between thresholds: transmission dropped", i)
		}
	}
}

func TestVoiceHoldPersistsExactly(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()

	g.Update(0.7, p, t0, discard)

	// Below vad_min: hold keeps the gate open for VoiceHold-1 more frames
	// (the hold counter starts at this first silent frame), then the gate
	// closes with a terminator.
	for i := 1; i < p.VoiceHold; i++ {
		d := g.Update(0.1, p, t0, discard)
		if !d.Transmit {
			t.Fatalf("hold frame %d: transmission dropped early", i)
		}
	}
	d := g.Update(0.1, p, t0, discard)
	if d.Transmit {
		t.Fatal("transmission persisted past voice hold")
	}
	if !d.Terminator {
		t.Fatal("missing terminator on hold expiry")
	}
}

func TestContinuousModeAlwaysTransmits(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()
	p.Mode = gate.TransmitContinuous

	if d := g.Update(0, p, t0, discard); !d.Transmit {
		t.Fatal("continuous mode did not transmit on silence")
	}
}

func TestPushToTalk(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()
	p.Mode = gate.TransmitPushToTalk

	if d := g.Update(0.9, p, t0, discard); d.Transmit {
		t.Fatal("PTT transmitted without key held")
	}

	p.PTTHeld = true
	if d := g.Update(0, p, t0, discard); !d.Transmit {
		t.Fatal("PTT did not transmit with key held")
	}

	// Double-push lock keeps the gate open after release.
	p.PTTHeld = false
	p.DoublePushHeld = true
	if d := g.Update(0, p, t0, discard); !d.Transmit {
		t.Fatal("double-push lock did not keep gate open")
	}

	p.DoublePushHeld = false
	d := g.Update(0, p, t0, discard)
	if d.Transmit || !d.Terminator {
		t.Fatalf("PTT release: got %+v, want terminator", d)
	}
}

func TestMuteForcesGateClosedButFlagsTalking(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()
	p.Mute = true
	p.MuteCue = true

	var events []gate.Event
	d := g.Update(0.9, p, t0, collect(&events))
	if d.Transmit {
		t.Fatal("muted gate transmitted")
	}
	if !d.TalkingWhileMuted {
		t.Fatal("talking-while-muted not flagged")
	}
	if len(events) != 1 || events[0] != gate.EventCueMute {
		t.Fatalf("events %v, want one mute cue", events)
	}

	// Within the delay window no further mute cue fires.
	events = nil
	g.Update(0.9, p, t0.Add(time.Second), collect(&events))
	if len(events) != 0 {
		t.Fatalf("mute cue re-fired within delay: %v", events)
	}

	// After the delay it fires again.
	g.Update(0.9, p, t0.Add(gate.MuteCueDelay+time.Second), collect(&events))
	if len(events) != 1 || events[0] != gate.EventCueMute {
		t.Fatalf("events %v, want mute cue after delay", events)
	}
}

func TestNegativeTargetDisablesTransmit(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()
	p.TargetID = -1

	if d := g.Update(0.9, p, t0, discard); d.Transmit {
		t.Fatal("negative target transmitted")
	}
}

func TestTransmitCueEdges(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()
	p.AudioCue = true
	p.VoiceHold = 1

	var events []gate.Event
	g.Update(0.9, p, t0, collect(&events))
	g.Update(0.9, p, t0, collect(&events))
	g.Update(0.0, p, t0, collect(&events))

	want := []gate.Event{gate.EventCueOn, gate.EventCueOff}
	if len(events) != len(want) {
		t.Fatalf("events %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events %v, want %v", events, want)
		}
	}
}

func TestIdleDetectionAndUndo(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()
	p.VoiceHold = 1
	p.IdleTime = 10 * time.Second
	p.IdleAction = gate.IdleMute
	p.UndoIdleAction = true

	var events []gate.Event

	// Silence past the idle time triggers the idle action.
	g.Update(0, p, t0.Add(time.Second), collect(&events))
	g.Update(0, p, t0.Add(11*time.Second), collect(&events))
	if g.Activity() != gate.ActivityIdle {
		t.Fatalf("activity %v, want idle", g.Activity())
	}
	if len(events) != 1 || events[0] != gate.EventIdleMute {
		t.Fatalf("events %v, want idle mute", events)
	}

	// The idle action muted us; speech while muted marks the return.
	p.Mute = true
	events = nil
	g.Update(0.9, p, t0.Add(12*time.Second), collect(&events))
	if g.Activity() != gate.ActivityReturnedFromIdle {
		t.Fatalf("activity %v, want returned-from-idle", g.Activity())
	}

	// The next silent frame completes the return and undoes the action.
	g.Update(0, p, t0.Add(13*time.Second), collect(&events))
	if g.Activity() != gate.ActivityActive {
		t.Fatalf("activity %v, want active", g.Activity())
	}
	found := false
	for _, e := range events {
		if e == gate.EventUndoIdleMute {
			found = true
		}
	}
	if !found {
		t.Fatalf("events %v, want undo-idle-mute", events)
	}
}

func TestFrameCounterResetAfterLongSilence(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()
	p.VoiceHold = 0

	var reset bool
	for i := 0; i < 502; i++ {
		if g.Update(0, p, t0, discard).ResetFrameCounter {
			reset = true
			break
		}
	}
	if !reset {
		t.Fatal("frame counter never reset over 502 silent frames")
	}
}

func TestWhisperTalkState(t *testing.T) {
	g := gate.New(t0)
	p := vadParams()
	p.TargetID = 5

	d := g.Update(0.9, p, t0, discard)
	if d.Talk != gate.TalkWhispering {
		t.Fatalf("talk state %v, want whispering", d.Talk)
	}
}
