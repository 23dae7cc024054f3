package pipeline

import (
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vokalis/vokalis/internal/codec"
	"github.com/vokalis/vokalis/internal/config"
	"github.com/vokalis/vokalis/internal/dsp"
	"github.com/vokalis/vokalis/internal/gate"
	"github.com/vokalis/vokalis/internal/observe"
	"github.com/vokalis/vokalis/internal/packet"
	"github.com/vokalis/vokalis/internal/resync"
	"github.com/vokalis/vokalis/pkg/audio"
)

func attrCodec(id codec.ID) attribute.KeyValue {
	return attribute.String("codec", id.String())
}

func attrDest(dest string) attribute.KeyValue {
	return attribute.String("dest", dest)
}

// agcIncrementTransmit is the AGC ramp rate while transmitting; while gated
// off the increment is zero so silence never pumps the gain.
const agcIncrementTransmit = 12

// encodeChunk runs one paired (or mic-only) chunk through the DSP chain,
// the voice gate, the selected codec, and the packet assembler. It is the
// encoder goroutine's sole entry point and the only place that goroutine
// reads configuration: one snapshot per frame.
func (p *Pipeline) encodeChunk(chunk audio.Chunk) {
	if !p.running.Load() {
		return
	}
	snap := p.store.Snapshot()
	now := p.now()
	start := now

	p.frameCtr++
	prevVoice := p.gate.Transmitting()

	p.setLevel(0, dsp.PeakDB(chunk.Mic))
	if chunk.HasSpeaker() {
		p.setLevel(1, dsp.PeakDB(chunk.Speaker))
	} else {
		p.setLevel(1, 0)
	}

	p.rebuildProcessorIfNeeded(snap)

	gain := p.pre.GainDB()
	if p.noiseMode == config.NoiseCancelSpeex || p.noiseMode == config.NoiseCancelBoth {
		// The AGC lifts the noise floor along with the voice: deepen the
		// suppression level by the gain the AGC is currently adding.
		p.pre.SetNoiseSuppress(float64(snap.NoiseSuppress) - gain)
	}

	if p.dumpMic != nil {
		p.dumpMic.Write(audio.FrameToBytes(chunk.Mic))
	}
	if p.dumpSpeaker != nil && chunk.HasSpeaker() {
		p.dumpSpeaker.Write(audio.FrameToBytes(chunk.Speaker))
	}

	source := chunk.Mic
	if p.echoCanceller != nil && chunk.HasSpeaker() {
		clean := make(audio.Frame, audio.FrameSize)
		p.echoCanceller.Cancel(chunk.Mic, chunk.Speaker, clean)
		source = clean
	}

	if p.noiseMode == config.NoiseCancelRNN || p.noiseMode == config.NoiseCancelBoth {
		p.runDenoiser(source)
	}

	res := p.pre.Run(source)

	peakSignal := dsp.PeakDB(source)
	peakClean := peakSignal - float64(res.AGCGainDB)
	if peakClean < -96 {
		peakClean = -96
	}
	p.setLevel(2, peakSignal)
	p.setLevel(3, peakClean)
	p.setLevel(4, float64(res.SpeechProb))

	if p.dumpProcessed != nil {
		p.dumpProcessed.Write(audio.FrameToBytes(source))
	}

	var level float32
	if snap.VADSource == config.VADSignalToNoise {
		level = res.SpeechProb
	} else {
		level = 1 + float32(peakClean)/96
	}

	d := p.gate.Update(level, p.gateParams(snap, now), now, p.emitGateEvent)
	p.transmitOn.Store(d.Transmit)
	p.talk.Store(int32(d.Talk))
	if d.ResetFrameCounter {
		p.frameCtr = 0
	}

	if !d.Transmit && !d.Terminator {
		p.bitrate.Store(0)
		p.pre.SetAGCIncrement(0)
		return
	}
	p.pre.SetAGCIncrement(agcIncrementTransmit)

	if d.Started {
		p.resetEncoder = true
	}

	if !p.selectCodec(snap, prevVoice) {
		return
	}

	p.encodeFrame(source, snap, d)

	if !d.Transmit {
		p.bitrate.Store(0)
	}
	p.metrics.FramesEncoded.Add(observe.Ctx(), 1)
	p.metrics.EncodeDuration.Record(observe.Ctx(), p.now().Sub(start).Seconds())
}

// rebuildProcessorIfNeeded consumes the reset latch (explicit resets plus
// configuration changes) and recreates the preprocessor, echo canceller, and
// resynchronizer as one unit.
func (p *Pipeline) rebuildProcessorIfNeeded(snap config.Snapshot) {
	key := keyOf(snap)
	if p.pre != nil && !p.resetProcessor.Load() && key == p.procKey {
		return
	}
	p.resetProcessor.Store(false)
	p.procKey = key

	p.noiseMode = p.selectNoiseCancel(snap)
	p.pre = dsp.NewPreprocessor(audio.FrameSize, audio.SampleRate, dsp.PreprocessConfig{
		AGCTarget:       dsp.DefaultAGCTarget,
		AGCMaxGainDB:    dsp.AGCMaxGainDB(snap.MinLoudness),
		AGCDecrementDB:  -60,
		Denoise:         p.noiseMode == config.NoiseCancelSpeex || p.noiseMode == config.NoiseCancelBoth,
		NoiseSuppressDB: float64(snap.NoiseSuppress),
		Dereverb:        true,
	})
	p.rs.Reset()

	if p.echoEnabled(snap) {
		channels := 1
		if p.echoMulti {
			channels = p.echoSpec.Channels
		}
		filterLen := audio.FrameSize * (10 + resync.NominalLag)
		p.echoCanceller = dsp.NewEchoCanceller(audio.FrameSize, filterLen, channels)
		p.logger.Info("pipeline: echo canceller active", "channels", channels, "filter_len", filterLen)
	} else {
		p.echoCanceller = nil
	}

	p.resetEncoder = true
}

// selectNoiseCancel validates the configured mode against the installed
// denoiser, downgrading RNN modes to the built-in suppressor when the
// backend is missing or has the wrong frame geometry.
func (p *Pipeline) selectNoiseCancel(snap config.Snapshot) config.NoiseCancelMode {
	mode := snap.NoiseCancel
	if mode == config.NoiseCancelRNN || mode == config.NoiseCancelBoth {
		if !dsp.DenoiserUsable(p.denoiser, audio.FrameSize, audio.SampleRate) {
			p.logger.Warn("pipeline: RNN denoise unavailable, falling back to built-in suppressor")
			mode = config.NoiseCancelSpeex
		}
	}
	switch mode {
	case config.NoiseCancelOff:
		p.logger.Info("pipeline: noise canceller disabled")
	case config.NoiseCancelSpeex:
		p.logger.Info("pipeline: using built-in noise suppressor")
	case config.NoiseCancelRNN:
		p.logger.Info("pipeline: using RNN denoiser")
	case config.NoiseCancelBoth:
		p.logger.Info("pipeline: using RNN denoiser and built-in suppressor")
	}
	return mode
}

// runDenoiser feeds the frame through the RNN backend in the float domain,
// clamping back to 16-bit on return.
func (p *Pipeline) runDenoiser(frame audio.Frame) {
	buf := make([]float32, len(frame))
	for i, s := range frame {
		buf[i] = float32(s)
	}
	p.denoiser.Denoise(buf)
	for i, v := range buf {
		switch {
		case v > 32767:
			frame[i] = 32767
		case v < -32768:
			frame[i] = -32768
		default:
			frame[i] = int16(v)
		}
	}
}

// gateParams maps the config snapshot into the gate's per-frame view.
func (p *Pipeline) gateParams(snap config.Snapshot, now time.Time) gate.Params {
	doublePush := snap.DoublePushWindow > 0 && !snap.LastPTTUp.IsZero() &&
		now.Sub(snap.LastPTTUp) < snap.DoublePushWindow

	return gate.Params{
		Mode:           transmitMode(snap.TransmitMode),
		VADMin:         snap.VADMin,
		VADMax:         snap.VADMax,
		VoiceHold:      snap.VoiceHold,
		PTTHeld:        snap.PTTHeld,
		DoublePushHeld: doublePush,
		WhisperHeld:    snap.WhisperHeld,
		Mute:           snap.Mute,
		Deaf:           snap.Deaf,
		Suppressed:     snap.Suppressed,
		PushToMute:     snap.PushToMute,
		TargetID:       snap.TargetID,
		LocalLoopback:  snap.Loopback == config.LoopLocal,
		IdleTime:       snap.IdleTime,
		IdleAction:     idleAction(snap.IdleAction),
		UndoIdleAction: snap.UndoIdleAction,
		AudioCue:       snap.TxAudioCue,
		MuteCue:        snap.TxMuteCue,
	}
}

func transmitMode(m config.TransmitMode) gate.TransmitMode {
	switch m {
	case config.TransmitContinuous:
		return gate.TransmitContinuous
	case config.TransmitPushToTalk:
		return gate.TransmitPushToTalk
	default:
		return gate.TransmitVAD
	}
}

func idleAction(a config.IdleAction) gate.IdleAction {
	switch a {
	case config.IdleMute:
		return gate.IdleMute
	case config.IdleDeafen:
		return gate.IdleDeafen
	default:
		return gate.IdleNothing
	}
}

// emitGateEvent plays cue samples directly and forwards idle-policy events
// to the UI channel.
func (p *Pipeline) emitGateEvent(e gate.Event) {
	switch e {
	case gate.EventCueOn, gate.EventCueOff, gate.EventCueMute:
		p.playCue(p.cueSample(e))
	default:
		select {
		case p.events <- e:
		default:
			// drop-oldest: pull one stale event and retry once
			select {
			case <-p.events:
			default:
			}
			select {
			case p.events <- e:
			default:
			}
		}
	}
}

func (p *Pipeline) cueSample(e gate.Event) []int16 {
	if p.cues == nil {
		return nil
	}
	switch e {
	case gate.EventCueOn:
		return p.cues.On
	case gate.EventCueOff:
		return p.cues.Off
	case gate.EventCueMute:
		return p.cues.Mute
	default:
		return nil
	}
}

func (p *Pipeline) playCue(pcm []int16) {
	if p.cuePlayer == nil || len(pcm) == 0 {
		return
	}
	p.cuePlayer.PlaySample(pcm)
}

// selectCodec applies the selection rules and swaps encoders on change.
// Returns false when no codec is usable; the gate state has already been
// maintained by then.
func (p *Pipeline) selectCodec(snap config.Snapshot, inUtterance bool) bool {
	adv := codec.Advertisement{
		Opus:        snap.ServerOpus,
		Alpha:       snap.CodecAlpha,
		Beta:        snap.CodecBeta,
		PreferAlpha: snap.PreferAlpha,
		Connected:   snap.Connected,
	}
	id := codec.Select(p.currentCodec, inUtterance, adv, snap.Loopback == config.LoopLocal)

	if id != p.currentCodec {
		p.asm.Drop()
		p.opusBuf = p.opusBuf[:0]
		p.encoder = nil
		p.resetEncoder = true

		if id != codec.None {
			enc, err := p.newEncoder(id, snap.Quality, snap.AllowLowDelay)
			if err != nil {
				p.logger.Error("pipeline: encoder create failed", "codec", id.String(), "err", err)
				id = codec.None
			} else {
				p.encoder = enc
				p.logger.Info("pipeline: codec selected", "codec", id.String())
			}
		}
		p.currentCodec = id
	}
	return p.currentCodec != codec.None && p.encoder != nil
}

// encodeFrame compresses the processed frame and drives the assembler.
func (p *Pipeline) encodeFrame(source audio.Frame, snap config.Snapshot, d gate.Decision) {
	if p.currentCodec.IsCelt() {
		p.encodeCelt(source, snap, d)
		return
	}
	p.encodeOpus(source, snap, d)
}

func (p *Pipeline) encodeCelt(source audio.Frame, snap config.Snapshot, d gate.Decision) {
	if p.resetEncoder {
		p.encoder.Reset()
		p.resetEncoder = false
	}

	data, err := p.encoder.Encode(source, snap.Quality)
	if err != nil || len(data) == 0 {
		p.bitrate.Store(0)
		p.metrics.EncodeFailures.Add(observe.Ctx(), 1)
		p.asm.Drop()
		p.logger.Warn("pipeline: celt encode failed", "err", err)
		return
	}
	p.asm.Append(data, 1, p.currentCodec)
	p.bitrate.Store(int64(len(data) * 100 * 8))

	p.flushCheck(snap, d)
}

func (p *Pipeline) encodeOpus(source audio.Frame, snap config.Snapshot, d gate.Decision) {
	p.opusBuf = append(p.opusBuf, source...)
	buffered := len(p.opusBuf) / audio.FrameSize

	if d.Transmit && buffered < snap.FramesPerPacket {
		return
	}

	if buffered < snap.FramesPerPacket {
		// Stuff the tail to a full packet so the per-packet frame count
		// stays constant across the stream; padded frames advance the
		// global counter to keep stream time continuous.
		missing := snap.FramesPerPacket - buffered
		p.opusBuf = append(p.opusBuf, make([]int16, missing*audio.FrameSize)...)
		buffered += missing
		p.frameCtr += uint64(missing)
	}

	if p.resetEncoder {
		p.encoder.Reset()
		p.resetEncoder = false
	}

	data, err := p.encoder.Encode(p.opusBuf, snap.Quality)
	p.opusBuf = p.opusBuf[:0]
	if err != nil || len(data) == 0 {
		// The buffered frames are lost; dropping them keeps the sequence
		// counter consistent for the next flush.
		p.bitrate.Store(0)
		p.metrics.EncodeFailures.Add(observe.Ctx(), 1)
		p.logger.Warn("pipeline: opus encode failed", "frames", buffered, "err", err)
		return
	}

	p.asm.Append(data, buffered, codec.Opus)
	p.bitrate.Store(int64(len(data) * 100 * 8 / buffered))

	p.flushCheck(snap, d)
}

// flushCheck emits a packet when one is due and routes it to the loop
// buffer, the sink, and the recorder.
func (p *Pipeline) flushCheck(snap config.Snapshot, d gate.Decision) {
	if !p.asm.ShouldFlush(d.Terminator, snap.FramesPerPacket) {
		return
	}

	p.asm.SetPrevTarget(snap.PrevTargetID)
	data, ok := p.asm.Flush(packet.FlushContext{
		Terminator:       d.Terminator,
		TargetID:         snap.TargetID,
		ServerLoopback:   snap.Loopback == config.LoopServer,
		FrameNumber:      p.frameCtr,
		TransmitPosition: snap.TransmitPosition,
		Position:         p.position,
	})
	if !ok {
		return
	}
	if d.Terminator && snap.PrevTargetID > 0 {
		p.store.Update(func(s *config.Snapshot) { s.PrevTargetID = 0 })
	}

	if p.recorder != nil {
		p.recorder.AddFrame(data)
	}

	dest := "sink"
	if snap.Loopback == config.LoopLocal {
		p.loop.AddFrame(data)
		dest = "loop"
	} else if !p.sink.Send(data) {
		p.metrics.SinkDrops.Add(observe.Ctx(), 1)
		return
	}
	p.metrics.PacketsSent.Add(observe.Ctx(), 1, withAttr(attrCodec(data.Codec)), withAttr(attrDest(dest)))
}
