package resync_test

import (
	"sync"
	"testing"

	"github.com/vokalis/vokalis/internal/resync"
	"github.com/vokalis/vokalis/pkg/audio"
)

// frame returns a distinguishable one-sample frame.
func frame(id int16) audio.Frame {
	return audio.Frame{id}
}

func TestUnderflowDropsSpeakerFrames(t *testing.T) {
	r := resync.New()

	for i := 0; i < 2; i++ {
		if _, ok := r.AddSpeaker(frame(int16(i))); ok {
			t.Fatalf("speaker frame %d paired with no mic queued", i)
		}
	}
	if d := r.Depth(); d != 0 {
		t.Fatalf("queue depth after underflow: got %d, want 0", d)
	}

	// State must be back at the start: one mic then one speaker still
	// underflows (nominal lag not yet built up).
	r.AddMic(frame(10))
	if _, ok := r.AddSpeaker(frame(11)); ok {
		t.Fatal("paired at lag 1; nominal lag is 2")
	}
}

func TestOverflowDropsOldestMic(t *testing.T) {
	r := resync.New()

	var drops int
	for i := 0; i < 6; i++ {
		if r.AddMic(frame(int16(i))) {
			drops++
		}
	}
	if drops != 1 {
		t.Fatalf("got %d drops for 6 consecutive mic frames, want 1", drops)
	}
	if d := r.Depth(); d != 5 {
		t.Fatalf("queue depth after overflow: got %d, want 5", d)
	}

	// Frame 0 was dropped; pairing resumes in FIFO order from frame 1.
	chunk, ok := r.AddSpeaker(frame(100))
	if !ok {
		t.Fatal("expected pair after overflow")
	}
	if chunk.Mic[0] != 1 {
		t.Errorf("paired mic frame %d, want 1 (oldest retained)", chunk.Mic[0])
	}
	if chunk.Speaker[0] != 100 {
		t.Errorf("paired speaker frame %d, want 100", chunk.Speaker[0])
	}
}

func TestQueueDepthNeverExceedsFive(t *testing.T) {
	r := resync.New()
	for i := 0; i < 100; i++ {
		r.AddMic(frame(int16(i)))
		if d := r.Depth(); d > 5 {
			t.Fatalf("queue depth %d exceeds bound after %d mic frames", d, i+1)
		}
	}
}

func TestNominalFlowPairsFIFO(t *testing.T) {
	r := resync.New()

	// Build up the nominal two-frame lag, then alternate.
	r.AddMic(frame(0))
	r.AddMic(frame(1))

	for i := 2; i < 10; i++ {
		r.AddMic(frame(int16(i)))
		chunk, ok := r.AddSpeaker(frame(int16(100 + i)))
		if !ok {
			t.Fatalf("no pair at step %d", i)
		}
		if got, want := chunk.Mic[0], int16(i-2); got != want {
			t.Errorf("step %d: paired mic %d, want %d (lag 2)", i, got, want)
		}
		if d := r.Depth(); d != 2 {
			t.Errorf("step %d: depth %d, want 2", i, d)
		}
	}
}

func TestResetReturnsToInitialState(t *testing.T) {
	r := resync.New()
	r.AddMic(frame(1))
	r.AddMic(frame(2))
	r.Reset()

	if d := r.Depth(); d != 0 {
		t.Fatalf("depth after reset: got %d, want 0", d)
	}
	if _, ok := r.AddSpeaker(frame(3)); ok {
		t.Fatal("speaker paired immediately after reset")
	}
}

func TestConcurrentProducers(t *testing.T) {
	r := resync.New()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.AddMic(frame(int16(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.AddSpeaker(frame(int16(i)))
		}
	}()
	wg.Wait()

	if d := r.Depth(); d > 5 {
		t.Fatalf("queue depth %d exceeds bound under concurrency", d)
	}
}
