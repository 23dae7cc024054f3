// Command vokalis runs the voice capture pipeline against a WAV file or a
// generated test tone, transmitting packets to the configured endpoint (or
// looping them back locally).
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"golang.org/x/sync/errgroup"

	"github.com/vokalis/vokalis/internal/bandwidth"
	"github.com/vokalis/vokalis/internal/config"
	"github.com/vokalis/vokalis/internal/cue"
	"github.com/vokalis/vokalis/internal/observe"
	"github.com/vokalis/vokalis/internal/pipeline"
	"github.com/vokalis/vokalis/internal/transport"
	"github.com/vokalis/vokalis/pkg/audio"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	inputPath := flag.String("input", "", "WAV file to feed as microphone input (empty: 440 Hz test tone)")
	duration := flag.Duration("duration", 0, "stop after this long (0: run until interrupted)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vokalis: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vokalis starting",
		"config", *configPath,
		"server", cfg.Server.URL,
		"quality", cfg.Audio.Quality,
		"frames_per_packet", cfg.Audio.FramesPerPacket,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown failed", "err", err)
		}
	}()

	// ── Bandwidth + config store ──────────────────────────────────────────────
	store := config.NewStore(cfg)
	applyBandwidthCap(store, cfg)

	// ── Transport ─────────────────────────────────────────────────────────────
	var sink transport.Sink = transport.Discard{}
	if cfg.Server.URL != "" && cfg.Audio.Loopback != config.LoopLocal {
		ws, err := transport.DialWebSocket(ctx, cfg.Server.URL)
		if err != nil {
			slog.Error("failed to connect transport", "err", err)
			return 1
		}
		sink = ws
		store.Update(func(s *config.Snapshot) { s.Connected = true })
	}

	// ── Cues ──────────────────────────────────────────────────────────────────
	cues, err := cue.Load(cfg.Audio.CueOnPath, cfg.Audio.CueOffPath, cfg.Audio.CueMutePath)
	if err != nil {
		slog.Error("failed to load cue samples", "err", err)
		return 1
	}

	// ── Input source ──────────────────────────────────────────────────────────
	source, spec, err := openInput(*inputPath)
	if err != nil {
		slog.Error("failed to open input", "err", err)
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	p, err := pipeline.New(store, spec, pipeline.DeviceSpec{},
		pipeline.WithLogger(logger),
		pipeline.WithSink(sink),
		pipeline.WithCues(cues, nil),
	)
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	slog.Info("pipeline ready — press Ctrl+C to stop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error { return feed(ctx, p, source, spec) })
	g.Go(func() error { return reportLevels(ctx, p) })
	g.Go(func() error { return drainEvents(ctx, p) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("pipeline failed", "err", err)
		return 1
	}
	slog.Info("vokalis stopped")
	return 0
}

// loadConfig loads the file at path, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && path == "config.yaml" {
		slog.Info("no config file found, using defaults")
		return config.Default(), nil
	}
	return nil, err
}

func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// applyBandwidthCap runs the bandwidth adapter against the configured cap
// and stores the adjusted parameters.
func applyBandwidthCap(store *config.Store, cfg *config.Config) {
	snap := store.Snapshot()
	adjusted := bandwidth.Adjust(snap.MaxBandwidth, bandwidth.Params{
		Bitrate:         snap.Quality,
		FramesPerPacket: snap.FramesPerPacket,
		AllowLowDelay:   snap.AllowLowDelay,
	}, bandwidth.Overhead{
		TransmitPosition: snap.TransmitPosition,
		TCPMode:          snap.TCPMode,
	})
	if adjusted.Bitrate != snap.Quality || adjusted.FramesPerPacket != snap.FramesPerPacket {
		slog.Info("bandwidth cap adjusted audio settings",
			"cap", cfg.Server.MaxBandwidth,
			"quality", adjusted.Bitrate,
			"frames_per_packet", adjusted.FramesPerPacket,
		)
	}
	store.Update(func(s *config.Snapshot) {
		s.Quality = adjusted.Bitrate
		s.FramesPerPacket = adjusted.FramesPerPacket
		s.AllowLowDelay = adjusted.AllowLowDelay
	})
}

// input delivers 10 ms blocks of device PCM.
type input interface {
	// next returns the little-endian int16 bytes for one 10 ms block.
	next() []byte
}

// openInput builds the mic source: a WAV file looped forever, or a test
// tone.
func openInput(path string) (input, pipeline.DeviceSpec, error) {
	if path == "" {
		spec := pipeline.DeviceSpec{Rate: audio.SampleRate, Channels: 1, Format: audio.SampleInt16}
		return &toneInput{}, spec, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, pipeline.DeviceSpec{}, fmt.Errorf("open input %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, pipeline.DeviceSpec{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return newWavInput(buf)
}

// toneInput generates a 440 Hz tone at -12 dBFS.
type toneInput struct {
	phase float64
}

func (t *toneInput) next() []byte {
	const amplitude = 8192
	out := make([]byte, audio.FrameSize*2)
	for i := 0; i < audio.FrameSize; i++ {
		s := int16(amplitude * math.Sin(t.phase))
		t.phase += 2 * math.Pi * 440 / audio.SampleRate
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// wavInput loops a decoded WAV file in device-native blocks.
type wavInput struct {
	pcm      []byte
	blockLen int
	pos      int
}

func newWavInput(buf *goaudio.IntBuffer) (input, pipeline.DeviceSpec, error) {
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, pipeline.DeviceSpec{}, errors.New("empty or invalid WAV input")
	}
	spec := pipeline.DeviceSpec{
		Rate:     buf.Format.SampleRate,
		Channels: buf.Format.NumChannels,
		Format:   audio.SampleInt16,
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	// one 10 ms block of interleaved sample groups
	blockLen := spec.Rate / 100 * spec.Channels * 2
	if blockLen == 0 || len(pcm) < blockLen {
		return nil, pipeline.DeviceSpec{}, errors.New("WAV input shorter than one frame")
	}
	return &wavInput{pcm: pcm, blockLen: blockLen}, spec, nil
}

func (w *wavInput) next() []byte {
	if w.pos+w.blockLen > len(w.pcm) {
		w.pos = 0
	}
	out := w.pcm[w.pos : w.pos+w.blockLen]
	w.pos += w.blockLen
	return out
}

// feed pushes one 10 ms block into the pipeline every 10 ms, emulating a
// device capture callback.
func feed(ctx context.Context, p *pipeline.Pipeline, src input, spec pipeline.DeviceSpec) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	samplesPerBlock := spec.Rate / 100
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.AddMic(src.next(), samplesPerBlock)
		}
	}
}

// reportLevels logs the signal meters once per second.
func reportLevels(ctx context.Context, p *pipeline.Pipeline) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			lv := p.Levels()
			slog.Debug("levels",
				"peak_mic", fmt.Sprintf("%.1f", lv.PeakMic),
				"peak_signal", fmt.Sprintf("%.1f", lv.PeakSignal),
				"speech_prob", fmt.Sprintf("%.2f", lv.SpeechProb),
				"bitrate", p.Bitrate(),
				"transmitting", p.Transmitting(),
			)
		}
	}
}

// drainEvents surfaces gate policy events; a real client would route these
// to its mute/deafen controls.
func drainEvents(ctx context.Context, p *pipeline.Pipeline) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-p.Events():
			slog.Info("gate event", "event", int(e))
		}
	}
}
