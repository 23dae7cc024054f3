package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/vokalis/vokalis/internal/codec"
	"github.com/vokalis/vokalis/internal/config"
	"github.com/vokalis/vokalis/internal/gate"
	"github.com/vokalis/vokalis/internal/packet"
	"github.com/vokalis/vokalis/pkg/audio"
)

// stubEncoder records encode calls and returns deterministic payloads.
type stubEncoder struct {
	id      codec.ID
	calls   [][]int16
	resets  int
	failing bool
}

func (s *stubEncoder) Codec() codec.ID { return s.id }

func (s *stubEncoder) Encode(pcm []int16, bitrate int) ([]byte, error) {
	if s.failing {
		return nil, fmt.Errorf("stub encode failure")
	}
	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	s.calls = append(s.calls, cp)
	return []byte{byte(len(s.calls)), byte(len(pcm) / audio.FrameSize)}, nil
}

func (s *stubEncoder) Reset() { s.resets++ }

// captureSink collects every packet the pipeline emits.
type captureSink struct {
	packets []packet.AudioData
}

func (c *captureSink) Send(data packet.AudioData) bool {
	c.packets = append(c.packets, data)
	return true
}

func (c *captureSink) Close() error { return nil }

// testClock advances 10 ms per frame under test control.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPipeline(t *testing.T, mutate func(*config.Snapshot)) (*Pipeline, *captureSink, *stubEncoder, *config.Store, *testClock) {
	t.Helper()

	cfg := config.Default()
	cfg.Audio.TransmitMode = config.TransmitPushToTalk
	cfg.Audio.FramesPerPacket = 2
	store := config.NewStore(cfg)
	if mutate != nil {
		store.Update(mutate)
	}

	sink := &captureSink{}
	enc := &stubEncoder{}
	clock := &testClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}

	p, err := New(store,
		DeviceSpec{Rate: audio.SampleRate, Channels: 1, Format: audio.SampleInt16},
		DeviceSpec{},
		WithSink(sink),
		WithClock(clock.now),
		WithEncoderFactory(func(id codec.ID, quality int, lowDelay bool) (codec.Encoder, error) {
			enc.id = id
			return enc, nil
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.running.Store(true)
	return p, sink, enc, store, clock
}

// feedFrames pushes n mic frames straight into the encoder path.
func feedFrames(p *Pipeline, clock *testClock, n int, amplitude int16) {
	for i := 0; i < n; i++ {
		frame := make(audio.Frame, audio.FrameSize)
		for j := range frame {
			frame[j] = amplitude
		}
		p.encodeChunk(audio.Chunk{Mic: frame})
		clock.advance(10 * time.Millisecond)
	}
}

func TestSilentInputEmitsNothing(t *testing.T) {
	p, sink, enc, _, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.TransmitMode = config.TransmitVAD
		s.VoiceHold = 20
		s.IdleTime = 3 * time.Second
		s.IdleAction = config.IdleMute
	})

	feedFrames(p, clock, 500, 0)

	if len(sink.packets) != 0 {
		t.Fatalf("%d packets emitted for silence", len(sink.packets))
	}
	if len(enc.calls) != 0 {
		t.Fatalf("encoder invoked %d times for silence", len(enc.calls))
	}
	if p.Bitrate() != 0 {
		t.Fatalf("bitrate %d for silence", p.Bitrate())
	}
	if p.gate.Activity() != gate.ActivityIdle {
		t.Fatalf("activity %v after 5 s of silence with 3 s idle time", p.gate.Activity())
	}
	select {
	case e := <-p.Events():
		if e != gate.EventIdleMute {
			t.Fatalf("event %v, want idle mute", e)
		}
	default:
		t.Fatal("no idle event emitted")
	}
}

func TestUtteranceOpusPacketsAndFrameNumbers(t *testing.T) {
	p, sink, _, store, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.PTTHeld = true
	})

	// 100 voiced frames at two frames per packet → 50 packets.
	feedFrames(p, clock, 100, 4000)
	if len(sink.packets) != 50 {
		t.Fatalf("%d packets for 100 frames at fpp=2, want 50", len(sink.packets))
	}
	for i, pkt := range sink.packets {
		if pkt.IsLastFrame {
			t.Fatalf("packet %d marked last mid-utterance", i)
		}
		if want := uint64(i * 2); pkt.FrameNumber != want {
			t.Fatalf("packet %d frame number %d, want %d", i, pkt.FrameNumber, want)
		}
	}

	// Release PTT: the terminator frame flushes one final packet.
	store.Update(func(s *config.Snapshot) { s.PTTHeld = false })
	feedFrames(p, clock, 1, 4000)

	if len(sink.packets) != 51 {
		t.Fatalf("%d packets after release, want 51", len(sink.packets))
	}
	last := sink.packets[50]
	if !last.IsLastFrame {
		t.Fatal("final packet not marked last")
	}
	if last.FrameNumber != 100 {
		t.Fatalf("final frame number %d, want 100", last.FrameNumber)
	}
}

func TestTerminatorPadsOpusTail(t *testing.T) {
	p, sink, enc, store, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.PTTHeld = true
	})

	// Two voiced frames make one full packet; the terminator frame then
	// stands alone and must be padded to a full packet.
	feedFrames(p, clock, 2, 4000)
	store.Update(func(s *config.Snapshot) { s.PTTHeld = false })
	feedFrames(p, clock, 1, 4000)

	if len(sink.packets) != 2 {
		t.Fatalf("%d packets, want 2", len(sink.packets))
	}

	// The final encode call covers exactly FramesPerPacket frames with a
	// zero tail.
	lastCall := enc.calls[len(enc.calls)-1]
	if len(lastCall) != 2*audio.FrameSize {
		t.Fatalf("final encode %d samples, want %d", len(lastCall), 2*audio.FrameSize)
	}
	for i := audio.FrameSize; i < len(lastCall); i++ {
		if lastCall[i] != 0 {
			t.Fatalf("padding sample %d = %d, want 0", i, lastCall[i])
		}
	}

	// Padded frames count toward the global counter: the terminator packet
	// spans frames 2..3.
	if got := sink.packets[1].FrameNumber; got != 2 {
		t.Fatalf("terminator packet frame number %d, want 2", got)
	}
}

func TestEncodeFailureDropsBatchKeepsSequence(t *testing.T) {
	p, sink, enc, _, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.PTTHeld = true
	})

	feedFrames(p, clock, 2, 4000) // packet 1, frames 0..1
	enc.failing = true
	feedFrames(p, clock, 2, 4000) // lost
	enc.failing = false
	feedFrames(p, clock, 2, 4000) // packet 2, frames 4..5

	if len(sink.packets) != 2 {
		t.Fatalf("%d packets, want 2 (failed batch dropped)", len(sink.packets))
	}
	if got := sink.packets[1].FrameNumber; got != 4 {
		t.Fatalf("post-failure frame number %d, want 4", got)
	}
}

func TestWhisperReleaseTarget(t *testing.T) {
	p, sink, _, store, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.PTTHeld = true
	})
	store.SetTarget(5)

	feedFrames(p, clock, 3, 4000)
	store.SetTarget(0)
	store.Update(func(s *config.Snapshot) { s.PTTHeld = false })
	feedFrames(p, clock, 1, 4000)

	last := sink.packets[len(sink.packets)-1]
	if !last.IsLastFrame {
		t.Fatal("expected terminator packet")
	}
	if last.TargetOrContext != 5 {
		t.Fatalf("terminator target %d, want 5 via prev target", last.TargetOrContext)
	}
	if store.Snapshot().PrevTargetID != 0 {
		t.Fatal("prev target not cleared after the whisper flush")
	}
}

func TestCodecStableDuringUtterance(t *testing.T) {
	p, _, _, store, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.PTTHeld = true
		s.Connected = true
		s.ServerOpus = true
	})

	feedFrames(p, clock, 2, 4000)
	if p.currentCodec != codec.Opus {
		t.Fatalf("codec %v, want opus", p.currentCodec)
	}

	// The server stops advertising Opus mid-utterance: no switch.
	store.Update(func(s *config.Snapshot) {
		s.ServerOpus = false
		s.CodecAlpha = codec.BitstreamAlpha
		s.PreferAlpha = true
	})
	feedFrames(p, clock, 2, 4000)
	if p.currentCodec != codec.Opus {
		t.Fatalf("codec switched to %v mid-utterance", p.currentCodec)
	}

	// After the utterance ends the next one re-selects.
	store.Update(func(s *config.Snapshot) { s.PTTHeld = false })
	feedFrames(p, clock, 1, 4000)
	store.Update(func(s *config.Snapshot) { s.PTTHeld = true })
	feedFrames(p, clock, 1, 4000)
	if p.currentCodec != codec.CeltAlpha {
		t.Fatalf("codec %v after re-selection, want celt-alpha", p.currentCodec)
	}
}

func TestLocalLoopbackRoutesToLoopBuffer(t *testing.T) {
	p, sink, _, _, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.PTTHeld = true
		s.Loopback = config.LoopLocal
	})

	feedFrames(p, clock, 2, 4000)

	if len(sink.packets) != 0 {
		t.Fatalf("%d packets reached the sink in local loopback", len(sink.packets))
	}
	if p.LoopBuffer().Len() != 1 {
		t.Fatalf("loop buffer has %d packets, want 1", p.LoopBuffer().Len())
	}
}

func TestServerLoopbackTarget(t *testing.T) {
	p, sink, _, _, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.PTTHeld = true
		s.Loopback = config.LoopServer
	})

	feedFrames(p, clock, 2, 4000)
	if len(sink.packets) != 1 {
		t.Fatalf("%d packets, want 1", len(sink.packets))
	}
	if sink.packets[0].TargetOrContext != packet.ServerLoopbackTarget {
		t.Fatalf("target %d, want server loopback", sink.packets[0].TargetOrContext)
	}
}

func TestAddMicAssemblesFramesFromPartialWrites(t *testing.T) {
	p, _, _, _, _ := newTestPipeline(t, nil)

	// 48 kHz mono int16 device: three writes of 160 samples make one frame.
	buf := make([]byte, 160*2)
	for i := 0; i < 3; i++ {
		p.AddMic(buf, 160)
	}

	select {
	case chunk := <-p.chunks:
		if len(chunk.Mic) != audio.FrameSize {
			t.Fatalf("frame length %d, want %d", len(chunk.Mic), audio.FrameSize)
		}
		if chunk.HasSpeaker() {
			t.Fatal("mic-only path produced a speaker frame")
		}
	default:
		t.Fatal("no chunk produced after a full frame of samples")
	}
}

func TestEchoPathPairsThroughResync(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.EchoCancel = true
	store := config.NewStore(cfg)
	store.Update(func(s *config.Snapshot) { s.PTTHeld = true })

	p, err := New(store,
		DeviceSpec{Rate: audio.SampleRate, Channels: 1, Format: audio.SampleInt16},
		DeviceSpec{Rate: audio.SampleRate, Channels: 2, Format: audio.SampleInt16},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	micFrame := make([]byte, audio.FrameSize*2)
	echoFrame := make([]byte, audio.FrameSize*2*2) // stereo

	// Mic frames queue in the resynchronizer rather than going straight to
	// the encoder.
	p.AddMic(micFrame, audio.FrameSize)
	p.AddMic(micFrame, audio.FrameSize)
	p.AddMic(micFrame, audio.FrameSize)
	if got := p.rs.Depth(); got != 3 {
		t.Fatalf("resync depth %d, want 3", got)
	}
	select {
	case <-p.chunks:
		t.Fatal("chunk emitted without a speaker frame")
	default:
	}

	// A speaker frame pairs with the oldest mic frame.
	p.AddEcho(echoFrame, audio.FrameSize)
	select {
	case chunk := <-p.chunks:
		if !chunk.HasSpeaker() {
			t.Fatal("paired chunk missing speaker frame")
		}
		if len(chunk.Speaker) != audio.FrameSize {
			t.Fatalf("speaker frame length %d, want %d (downmixed)", len(chunk.Speaker), audio.FrameSize)
		}
	default:
		t.Fatal("no paired chunk after speaker frame")
	}
	if got := p.rs.Depth(); got != 2 {
		t.Fatalf("resync depth %d after pairing, want 2", got)
	}
}

func TestUnderflowSpeakerDropped(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.EchoCancel = true
	store := config.NewStore(cfg)

	p, err := New(store,
		DeviceSpec{Rate: audio.SampleRate, Channels: 1, Format: audio.SampleInt16},
		DeviceSpec{Rate: audio.SampleRate, Channels: 1, Format: audio.SampleInt16},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	echoFrame := make([]byte, audio.FrameSize*2)
	p.AddEcho(echoFrame, audio.FrameSize)
	p.AddEcho(echoFrame, audio.FrameSize)

	select {
	case <-p.chunks:
		t.Fatal("chunk emitted on speaker underflow")
	default:
	}
	if got := p.rs.Depth(); got != 0 {
		t.Fatalf("resync depth %d after underflow, want 0", got)
	}
}

func TestResetLatchRebuildsProcessor(t *testing.T) {
	p, _, _, store, clock := newTestPipeline(t, func(s *config.Snapshot) {
		s.PTTHeld = true
	})

	feedFrames(p, clock, 1, 4000)
	before := p.pre

	// Changing a processor-affecting setting rebuilds the DSP stack at the
	// next frame.
	store.Update(func(s *config.Snapshot) { s.MinLoudness = 2000 })
	feedFrames(p, clock, 1, 4000)
	if p.pre == before {
		t.Fatal("preprocessor not rebuilt after config change")
	}

	// Explicit latch raise does the same.
	before = p.pre
	p.ResetProcessor()
	feedFrames(p, clock, 1, 4000)
	if p.pre == before {
		t.Fatal("preprocessor not rebuilt after explicit reset")
	}
}
