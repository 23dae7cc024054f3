// Package resync pairs microphone frames with their acoustically matching
// speaker-loopback frames for echo cancellation.
//
// Mic capture and speaker loopback run on independent device callbacks whose
// cadences drift against each other. The resynchronizer absorbs that jitter
// with a small elastic queue of mic frames and an eight-state machine that
// keeps a nominal two-frame echo lag: each speaker frame is paired with the
// mic frame captured roughly two frames earlier, which is when its sound
// actually re-entered the microphone. Overflow drops the oldest mic frame;
// underflow drops the incoming speaker frame.
package resync

import (
	"sync"

	"github.com/vokalis/vokalis/pkg/audio"
)

// NominalLag is the steady-state number of queued mic frames a speaker frame
// is paired against.
const NominalLag = 2

// state tracks the queue-fill progression. The letter suffixes distinguish
// states with equal queue depth reached by different event orders: s4a/s4b
// decide whether the next mic frame grows the queue or overflows it, and
// s1a/s1b whether the next speaker frame underflows or pairs.
type state uint8

const (
	s0 state = iota
	s1a
	s1b
	s2
	s3
	s4a
	s4b
	s5
)

// Resync is the mic/speaker pairing queue. It is the only structure in the
// pipeline shared by both capture goroutines; one mutex guards the state and
// the queue, held only for O(1) operations.
type Resync struct {
	mu    sync.Mutex
	state state
	queue []audio.Frame
}

// New returns an empty resynchronizer in its initial state.
func New() *Resync {
	return &Resync{}
}

// AddMic enqueues a mic frame, taking ownership of it. It reports whether the
// oldest queued frame had to be dropped to stay inside the lag window
// (overflow).
func (r *Resync) AddMic(mic audio.Frame) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = append(r.queue, mic)
	switch r.state {
	case s0:
		r.state = s1a
	case s1a, s1b:
		r.state = s2
	case s2:
		r.state = s3
	case s3:
		r.state = s4a
	case s4a:
		r.state = s5
	case s4b, s5:
		dropped = true
	}
	if dropped {
		r.queue[0] = nil
		r.queue = r.queue[1:]
	}
	return dropped
}

// AddSpeaker offers a speaker frame. When a queued mic frame is available the
// pair is returned with ok=true and both frames leave the resynchronizer's
// ownership. ok=false means the speaker frame arrived before any mic frame
// (underflow) and was discarded.
func (r *Resync) AddSpeaker(speaker audio.Frame) (chunk audio.Chunk, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case s0, s1a:
		return audio.Chunk{}, false
	case s1b:
		r.state = s0
	case s2:
		r.state = s1b
	case s3:
		r.state = s2
	case s4a, s4b:
		r.state = s3
	case s5:
		r.state = s4b
	}

	chunk = audio.Chunk{Mic: r.queue[0], Speaker: speaker}
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return chunk, true
}

// Reset discards all queued frames and returns to the initial state. Called
// when the audio processor is rebuilt.
func (r *Resync) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s0
	r.queue = nil
}

// Depth returns the current number of queued mic frames.
func (r *Resync) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
