// Package pipeline owns the capture-to-packet path of the Vokalis client.
//
// Device callbacks push raw PCM into [Pipeline.AddMic] and
// [Pipeline.AddEcho] from their own goroutines. Those entry points mix the
// input down to mono float, retime it to 48 kHz, cut it into 10 ms frames,
// and — when echo cancellation is active — pair mic and speaker frames
// through the resynchronizer. Paired chunks cross a single channel to the
// encoder goroutine, which owns all DSP, gate, codec, and assembler state:
// echo cancellation, denoising, the preprocessor, the transmit decision,
// encoding, and packet delivery.
//
// Configuration is snapshotted once per frame from the [config.Store]. A
// change to any processor-affecting setting raises the reset latch; the DSP
// stack is torn down and rebuilt at the next frame boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/vokalis/vokalis/internal/codec"
	"github.com/vokalis/vokalis/internal/config"
	"github.com/vokalis/vokalis/internal/cue"
	"github.com/vokalis/vokalis/internal/dsp"
	"github.com/vokalis/vokalis/internal/gate"
	"github.com/vokalis/vokalis/internal/observe"
	"github.com/vokalis/vokalis/internal/packet"
	"github.com/vokalis/vokalis/internal/resync"
	"github.com/vokalis/vokalis/internal/transport"
	"github.com/vokalis/vokalis/pkg/audio"
	"github.com/vokalis/vokalis/pkg/audio/resample"
)

// chunkQueueDepth bounds the frames waiting on the encoder goroutine;
// beyond it the capture path drops rather than blocks.
const chunkQueueDepth = 16

// DeviceSpec describes one capture stream as the device layer delivers it.
type DeviceSpec struct {
	// Rate is the device sample rate in Hz.
	Rate int

	// Channels is the interleaved channel count; 0 disables the stream
	// (echo only).
	Channels int

	// Format is the in-memory sample encoding.
	Format audio.SampleFormat
}

// EncoderFactory creates codec encoders; replaced in tests.
type EncoderFactory func(id codec.ID, quality int, allowLowDelay bool) (codec.Encoder, error)

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithLogger sets the pipeline's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics instance; defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSink sets the outbound packet sink; defaults to [transport.Discard].
func WithSink(s transport.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithRecorder attaches an optional voice recorder that receives every
// assembled packet.
func WithRecorder(r packet.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithCues attaches the cue sample library and the playback collaborator.
func WithCues(lib *cue.Library, player cue.Player) Option {
	return func(p *Pipeline) {
		p.cues = lib
		p.cuePlayer = player
	}
}

// WithPositionProvider attaches the plugin positional-data source.
func WithPositionProvider(pp packet.PositionProvider) Option {
	return func(p *Pipeline) { p.position = pp }
}

// WithDenoiser installs an RNN denoise backend.
func WithDenoiser(d dsp.Denoiser) Option {
	return func(p *Pipeline) { p.denoiser = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithEncoderFactory overrides codec encoder creation for tests.
func WithEncoderFactory(f EncoderFactory) Option {
	return func(p *Pipeline) { p.newEncoder = f }
}

// WithDebugDumps attaches raw/processed PCM taps. Any writer may be nil.
func WithDebugDumps(mic, speaker, processed io.Writer) Option {
	return func(p *Pipeline) {
		p.dumpMic, p.dumpSpeaker, p.dumpProcessed = mic, speaker, processed
	}
}

// Levels is a snapshot of the pipeline's signal meters in dBFS (except
// SpeechProb).
type Levels struct {
	PeakMic      float64
	PeakSpeaker  float64
	PeakSignal   float64
	PeakCleanMic float64
	SpeechProb   float64
}

// Pipeline is one live capture pipeline. Construct with [New], drive with
// [Pipeline.Run], and feed from device callbacks. A pipeline is not
// reusable: to reconfigure devices, cancel Run, wait for it to return, and
// build a new one.
type Pipeline struct {
	id      string
	logger  *slog.Logger
	metrics *observe.Metrics
	store   *config.Store

	micSpec  DeviceSpec
	echoSpec DeviceSpec

	// capture-side state (confined to the respective device goroutine)
	micMixer   audio.MixerFunc
	echoMixer  audio.MixerFunc
	micMask    uint64
	echoMulti  bool
	micBuf     []float32
	micFilled  int
	echoBuf    []float32
	echoFilled int
	micStage   *resample.Stage
	echoStage  *resample.Stage
	micFIFO    []float32
	echoFIFO   []float32

	// echoFrameLen is the speaker frame length after retiming: FrameSize, or
	// FrameSize×channels in multi-channel mode.
	echoFrameLen int

	rs     *resync.Resync
	chunks chan audio.Chunk

	running atomic.Bool

	// encoder-goroutine state
	resetProcessor atomic.Bool
	procKey        procKey
	pre            *dsp.Preprocessor
	echoCanceller  *dsp.EchoCanceller
	denoiser       dsp.Denoiser
	noiseMode      config.NoiseCancelMode

	gate       *gate.Gate
	events     chan gate.Event
	cues       *cue.Library
	cuePlayer  cue.Player
	talk       atomic.Int32
	transmitOn atomic.Bool

	newEncoder   EncoderFactory
	currentCodec codec.ID
	encoder      codec.Encoder
	resetEncoder bool
	opusBuf      []int16

	asm       *packet.Assembler
	loop      *packet.LoopBuffer
	sink      transport.Sink
	recorder  packet.Recorder
	position  packet.PositionProvider
	frameCtr  uint64
	bitrate   atomic.Int64
	levelBits [5]atomic.Uint64

	dumpMic       io.Writer
	dumpSpeaker   io.Writer
	dumpProcessed io.Writer

	now func() time.Time
}

// procKey is the subset of configuration whose change forces a DSP rebuild.
type procKey struct {
	noiseCancel   config.NoiseCancelMode
	noiseSuppress int
	minLoudness   int
	echoCancel    bool
	multiChannel  bool
}

func keyOf(s config.Snapshot) procKey {
	return procKey{
		noiseCancel:   s.NoiseCancel,
		noiseSuppress: s.NoiseSuppress,
		minLoudness:   s.MinLoudness,
		echoCancel:    s.EchoCancel,
		multiChannel:  s.MultiChannelEcho,
	}
}

// New builds a pipeline for the given device streams. echoSpec.Channels == 0
// disables the echo path regardless of configuration.
func New(store *config.Store, micSpec, echoSpec DeviceSpec, opts ...Option) (*Pipeline, error) {
	if micSpec.Rate <= 0 || micSpec.Channels <= 0 {
		return nil, fmt.Errorf("pipeline: invalid mic spec %+v", micSpec)
	}

	snap := store.Snapshot()
	p := &Pipeline{
		id:         uuid.NewString(),
		logger:     slog.Default(),
		store:      store,
		micSpec:    micSpec,
		echoSpec:   echoSpec,
		rs:         resync.New(),
		chunks:     make(chan audio.Chunk, chunkQueueDepth),
		events:     make(chan gate.Event, 16),
		asm:        packet.NewAssembler(),
		loop:       packet.NewLoopBuffer(0),
		sink:       transport.Discard{},
		newEncoder: codec.New,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.logger = p.logger.With("pipeline", p.id[:8])
	p.gate = gate.New(p.now())

	p.micMask = snap.ChannelMask
	p.micMixer = audio.ChooseMixer(micSpec.Channels, micSpec.Format, p.micMask)

	micLen := audio.FrameSize * micSpec.Rate / audio.SampleRate
	p.micBuf = make([]float32, micLen)
	var err error
	if p.micStage, err = resample.New(micSpec.Rate, audio.SampleRate, 1); err != nil {
		return nil, err
	}

	if p.echoEnabled(snap) {
		p.echoMulti = snap.MultiChannelEcho
		// No channel mask setting exists for the echo reference; all
		// channels contribute.
		p.echoMixer = audio.ChooseMixer(echoSpec.Channels, echoSpec.Format, audio.AllChannels)
		echoLen := audio.FrameSize * echoSpec.Rate / audio.SampleRate
		stageChannels := 1
		p.echoFrameLen = audio.FrameSize
		if p.echoMulti {
			stageChannels = echoSpec.Channels
			echoLen *= echoSpec.Channels
			p.echoFrameLen = audio.FrameSize * echoSpec.Channels
		}
		p.echoBuf = make([]float32, echoLen)
		if p.echoStage, err = resample.New(echoSpec.Rate, audio.SampleRate, stageChannels); err != nil {
			return nil, err
		}
	}

	p.resetProcessor.Store(true)

	p.logger.Info("pipeline: initialized mixer",
		"mic_channels", micSpec.Channels, "mic_rate", micSpec.Rate, "mic_format", micSpec.Format.String(),
		"echo_channels", echoSpec.Channels, "echo_rate", echoSpec.Rate,
	)
	if p.micMask != audio.AllChannels {
		p.logger.Info("pipeline: using mic channel mask", "mask", fmt.Sprintf("%#x", p.micMask))
	}
	return p, nil
}

func (p *Pipeline) echoEnabled(snap config.Snapshot) bool {
	return p.echoSpec.Channels > 0 && snap.EchoCancel
}

// Run drives the encoder goroutine until ctx is cancelled. It owns every
// piece of DSP, codec, and assembler state; callers must not invoke Run
// twice.
func (p *Pipeline) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	p.metrics.ActivePipelines.Add(ctx, 1)
	defer p.metrics.ActivePipelines.Add(context.Background(), -1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case chunk := <-p.chunks:
				p.encodeChunk(chunk)
			}
		}
	})

	err := g.Wait()
	p.teardown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// teardown releases codec and DSP state after the encoder loop exits.
func (p *Pipeline) teardown() {
	p.encoder = nil
	p.currentCodec = codec.None
	p.pre = nil
	p.echoCanceller = nil
	p.rs.Reset()
	if err := p.sink.Close(); err != nil {
		p.logger.Warn("pipeline: sink close failed", "err", err)
	}
	p.logger.Info("pipeline: stopped")
}

// Events exposes gate side effects (idle actions, undo requests) to the UI
// layer. The channel is never closed; drop-oldest semantics apply when the
// consumer lags.
func (p *Pipeline) Events() <-chan gate.Event {
	return p.events
}

// LoopBuffer returns the local-loopback packet queue.
func (p *Pipeline) LoopBuffer() *packet.LoopBuffer {
	return p.loop
}

// ResetProcessor raises the reset latch; the DSP stack is rebuilt before the
// next frame is processed.
func (p *Pipeline) ResetProcessor() {
	p.resetProcessor.Store(true)
}

// Transmitting reports whether the previous frame passed the voice gate.
func (p *Pipeline) Transmitting() bool {
	return p.transmitOn.Load()
}

// TalkState returns the UI-facing talk indicator for the last frame.
func (p *Pipeline) TalkState() gate.TalkState {
	return gate.TalkState(p.talk.Load())
}

// Bitrate returns the instantaneous encoded bitrate in bits per second.
func (p *Pipeline) Bitrate() int {
	return int(p.bitrate.Load())
}

// Levels returns the current signal meters.
func (p *Pipeline) Levels() Levels {
	return Levels{
		PeakMic:      math.Float64frombits(p.levelBits[0].Load()),
		PeakSpeaker:  math.Float64frombits(p.levelBits[1].Load()),
		PeakSignal:   math.Float64frombits(p.levelBits[2].Load()),
		PeakCleanMic: math.Float64frombits(p.levelBits[3].Load()),
		SpeechProb:   math.Float64frombits(p.levelBits[4].Load()),
	}
}

func (p *Pipeline) setLevel(i int, v float64) {
	p.levelBits[i].Store(math.Float64bits(v))
}

// AddMic accepts nsamp interleaved sample groups of device PCM from the mic
// capture callback. Safe to call from a dedicated capture goroutine.
func (p *Pipeline) AddMic(buf []byte, nsamp int) {
	group := audio.SampleGroupSize(p.micSpec.Channels, p.micSpec.Format)
	snap := p.store.Snapshot()
	echo := p.echoEnabled(snap)

	for nsamp > 0 {
		left := min(nsamp, len(p.micBuf)-p.micFilled)
		p.micMixer(p.micBuf[p.micFilled:p.micFilled+left], buf, left, p.micSpec.Channels, p.micMask)
		p.micFilled += left
		nsamp -= left
		buf = buf[left*group:]

		if p.micFilled < len(p.micBuf) {
			continue
		}
		p.micFilled = 0

		out, err := p.micStage.Process(p.micBuf)
		if err != nil {
			p.logger.Warn("pipeline: mic resample failed", "err", err)
			continue
		}
		p.micFIFO = append(p.micFIFO, out...)

		for len(p.micFIFO) >= audio.FrameSize {
			frame := audio.FloatsToFrame(p.micFIFO[:audio.FrameSize])
			p.micFIFO = p.micFIFO[audio.FrameSize:]
			p.metrics.FramesCaptured.Add(observe.Ctx(), 1, withAttr(observe.AttrSourceMic))

			if echo {
				if p.rs.AddMic(frame) {
					p.metrics.ResyncDrops.Add(observe.Ctx(), 1, withAttr(observe.AttrKindOverflow))
				}
			} else {
				p.enqueue(audio.Chunk{Mic: frame})
			}
		}
	}
}

// AddEcho accepts nsamp interleaved sample groups of speaker-loopback PCM.
// Safe to call from a dedicated capture goroutine.
func (p *Pipeline) AddEcho(buf []byte, nsamp int) {
	snap := p.store.Snapshot()
	if !p.echoEnabled(snap) {
		return
	}
	group := audio.SampleGroupSize(p.echoSpec.Channels, p.echoSpec.Format)
	perGroup := 1
	if p.echoMulti {
		perGroup = p.echoSpec.Channels
	}

	for nsamp > 0 {
		left := min(nsamp, (len(p.echoBuf)-p.echoFilled)/perGroup)
		if p.echoMulti {
			fillInterleaved(p.echoBuf[p.echoFilled:], buf, left*p.echoSpec.Channels, p.echoSpec.Format)
		} else {
			p.echoMixer(p.echoBuf[p.echoFilled:p.echoFilled+left], buf, left, p.echoSpec.Channels, audio.AllChannels)
		}
		p.echoFilled += left * perGroup
		nsamp -= left
		buf = buf[left*group:]

		if p.echoFilled < len(p.echoBuf) {
			continue
		}
		p.echoFilled = 0

		out, err := p.echoStage.Process(p.echoBuf)
		if err != nil {
			p.logger.Warn("pipeline: echo resample failed", "err", err)
			continue
		}
		p.echoFIFO = append(p.echoFIFO, out...)

		for len(p.echoFIFO) >= p.echoFrameLen {
			frame := audio.FloatsToFrame(p.echoFIFO[:p.echoFrameLen])
			p.echoFIFO = p.echoFIFO[p.echoFrameLen:]
			p.metrics.FramesCaptured.Add(observe.Ctx(), 1, withAttr(observe.AttrSourceEcho))

			chunk, ok := p.rs.AddSpeaker(frame)
			if !ok {
				p.metrics.ResyncDrops.Add(observe.Ctx(), 1, withAttr(observe.AttrKindUnderflow))
				continue
			}
			p.enqueue(chunk)
		}
	}
}

// enqueue hands a chunk to the encoder goroutine without ever blocking the
// capture path.
func (p *Pipeline) enqueue(chunk audio.Chunk) {
	select {
	case p.chunks <- chunk:
	default:
		p.logger.Debug("pipeline: encoder backlog, dropping chunk")
	}
}

// fillInterleaved copies samples channel-for-channel (no mixing) into the
// float buffer, converting int16 to [-1, 1] floats when needed. Treating the
// interleaved stream as one wide mono stream keeps the per-sample conversion
// in the mixer.
func fillInterleaved(dst []float32, src []byte, samples int, format audio.SampleFormat) {
	mix := audio.ChooseMixer(1, format, audio.AllChannels)
	mix(dst[:samples], src, samples, 1, audio.AllChannels)
}

// withAttr adapts a single attribute for the metric record calls.
func withAttr(kv attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv)
}
