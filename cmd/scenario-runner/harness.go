// Package main drives the six end-to-end scenarios against the real
// compositor, decoder, and sink-feeder stack using the testutil fakes
// for the external collaborators (codec engines, re-encoders, and the
// sink append targets) that are out of scope per §1. Structurally
// modeled on the teacher's E2E runner (NewRunner/runTestWithInfo/
// PrintSummary), rewritten for in-process scenario replay rather than
// a driven HTTP client.
package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/king-prawns/tiled-player/internal/codec"
	"github.com/king-prawns/tiled-player/internal/compositor"
	"github.com/king-prawns/tiled-player/internal/decode"
	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/sinkfeed"
	"github.com/king-prawns/tiled-player/internal/testutil"
)

// Harness wires one Compositor plus its decoders, re-encoders, muxers,
// and sink fakes, bypassing the Segment Producer/Demultiplexer so a
// scenario can feed decoded-domain events directly and assert on the
// composited/buffered/event outcome without a real HTTP/ISOBMFF round
// trip (those are covered by producer/demux's own package tests).
type Harness struct {
	logger *slog.Logger

	videoEngines map[media.SourceId]*testutil.FakeVideoEngine
	audioEngines map[media.SourceId]*testutil.FakeAudioEngine
	videoDecoders map[media.SourceId]*decode.VideoDecoder
	audioDecoders map[media.SourceId]*decode.AudioDecoder

	videoSink *testutil.FakeSink
	audioSink *testutil.FakeSink
	feeder    *sinkfeed.Feeder
	muxVideo  *sinkfeed.Muxer
	muxAudio  *sinkfeed.Muxer
	videoEnc  *testutil.FakeVideoEncoder
	audioEnc  *testutil.FakeAudioEncoder

	geom *media.PipGeometry
	comp *compositor.Compositor

	Errors        []*media.PipelineError
	ActiveChanges []media.SourceId
	BufferUpdates []BufferUpdate
}

// BufferUpdate mirrors one BufferUpdate host event (§6).
type BufferUpdate struct {
	VideoRanges []sinkfeed.Range
	AudioRanges []sinkfeed.Range
}

// NewHarness constructs one session's worth of fakes and wires them
// the same way pipeline.Pipeline.Load does (decoders -> compositor ->
// re-encoders -> muxers -> feeder -> sink), minus the producer/demux
// layer.
func NewHarness(videoSupportedA, videoSupportedB, audioSupportedA, audioSupportedB bool) *Harness {
	h := &Harness{
		logger:       slog.Default(),
		videoEngines: map[media.SourceId]*testutil.FakeVideoEngine{},
		audioEngines: map[media.SourceId]*testutil.FakeAudioEngine{},
		videoDecoders: map[media.SourceId]*decode.VideoDecoder{},
		audioDecoders: map[media.SourceId]*decode.AudioDecoder{},
		videoSink: testutil.NewFakeSink(),
		audioSink: testutil.NewFakeSink(),
		geom:      &media.PipGeometry{X: 20, Y: 20, W: 160, H: 120},
	}

	h.videoEngines[media.SourceA] = testutil.NewFakeVideoEngine(videoSupportedA, 64, 48)
	h.videoEngines[media.SourceB] = testutil.NewFakeVideoEngine(videoSupportedB, 64, 48)
	h.audioEngines[media.SourceA] = testutil.NewFakeAudioEngine(audioSupportedA, compositor.AudioGrainMicrosDefault)
	h.audioEngines[media.SourceB] = testutil.NewFakeAudioEngine(audioSupportedB, compositor.AudioGrainMicrosDefault)

	onErr := func(err *media.PipelineError) { h.Errors = append(h.Errors, err) }

	h.videoDecoders[media.SourceA] = decode.NewVideoDecoder(media.SourceA, h.videoEngines[media.SourceA], decode.Config{}, onErr, h.logger)
	h.videoDecoders[media.SourceB] = decode.NewVideoDecoder(media.SourceB, h.videoEngines[media.SourceB], decode.Config{}, onErr, h.logger)
	h.audioDecoders[media.SourceA] = decode.NewAudioDecoder(media.SourceA, h.audioEngines[media.SourceA], decode.Config{}, h.logger)
	h.audioDecoders[media.SourceB] = decode.NewAudioDecoder(media.SourceB, h.audioEngines[media.SourceB], decode.Config{}, h.logger)

	h.feeder = sinkfeed.New(sinkfeed.DefaultConfig(), h.videoSink, h.audioSink, func(videoRanges, audioRanges []sinkfeed.Range) {
		h.BufferUpdates = append(h.BufferUpdates, BufferUpdate{VideoRanges: videoRanges, AudioRanges: audioRanges})
	}, onErr, h.logger)
	h.muxVideo = sinkfeed.NewMuxer(media.TrackVideo, codec.VideoVP8.String(), h.feeder.Enqueue)
	h.muxAudio = sinkfeed.NewMuxer(media.TrackAudio, codec.AudioOpus.String(), h.feeder.Enqueue)

	h.videoEnc = testutil.NewFakeVideoEncoder(func(c media.EncodedChunk) { _ = h.muxVideo.Submit(c) })
	h.audioEnc = testutil.NewFakeAudioEncoder(func(c media.EncodedChunk) { _ = h.muxAudio.Submit(c) })

	onActive := func(source media.SourceId) { h.ActiveChanges = append(h.ActiveChanges, source) }

	cfg := compositor.DefaultConfig()
	h.comp = compositor.New(
		cfg,
		h.videoDecoders[media.SourceA], h.videoDecoders[media.SourceB],
		h.audioDecoders[media.SourceA], h.audioDecoders[media.SourceB],
		h.geom,
		h.videoEnc, h.audioEnc,
		&harnessSink{audio: h.audioSink},
		h.muxAudio.Reset,
		onActive,
		onErr,
		h.logger,
	)

	return h
}

// harnessSink adapts the audio FakeSink's seconds-based surface to the
// compositor's microsecond Sink contract, matching pipeline's own
// compositorSink adapter.
type harnessSink struct {
	audio *testutil.FakeSink
}

func (s *harnessSink) CurrentTimeUs() int64 { return int64(s.audio.CurrentTimeS() * 1_000_000) }
func (s *harnessSink) AudioUpdating() bool  { return s.audio.Updating() }
func (s *harnessSink) RemoveAudioRange(fromUs, toUs int64) error {
	fromS := float64(fromUs) / 1_000_000
	if toUs < 0 {
		return s.audio.Remove(fromS, -1)
	}
	return s.audio.Remove(fromS, float64(toUs)/1_000_000)
}

// Configure readies both sources' decoders for the given source's
// tracks. Video configure errors are returned; an unsupported audio
// codec is recorded via onErr (matching pipeline.surfaceConfigureError)
// and otherwise swallowed, since it tears down only that track.
func (h *Harness) Configure(ctx context.Context, source media.SourceId) error {
	if err := h.videoDecoders[source].Configure(ctx, []byte{0x01}); err != nil {
		return err
	}
	if err := h.audioDecoders[source].Configure(ctx, []byte{0x12, 0x10}); err != nil {
		h.Errors = append(h.Errors, media.NewPipelineError(media.CodecUnsupported, source, media.TrackAudio, err))
	}
	return nil
}

// FeedVideo submits n video units spaced periodUs apart starting at
// startPTS, then waits briefly for the decoder's async pump to deliver
// them into its queue.
func (h *Harness) FeedVideo(source media.SourceId, n int, startPTS, periodUs int64) {
	for i := 0; i < n; i++ {
		_ = h.videoDecoders[source].Feed(media.EncodedUnit{
			Track: media.TrackVideo, IsKeyframe: i == 0,
			PTSMicros: startPTS + int64(i)*periodUs, DurationUs: periodUs,
		})
	}
	h.waitForQueue(func() int { return h.videoDecoders[source].QueueLen() }, n)
}

// FeedAudio mirrors FeedVideo for the audio track.
func (h *Harness) FeedAudio(source media.SourceId, n int, startPTS, periodUs int64) {
	for i := 0; i < n; i++ {
		_ = h.audioDecoders[source].Feed(media.EncodedUnit{
			Track: media.TrackAudio, PTSMicros: startPTS + int64(i)*periodUs, DurationUs: periodUs,
		})
	}
	h.waitForQueue(func() int { return h.audioDecoders[source].QueueLen() }, n)
}

// waitForQueue polls until the decoder's async pump has drained at
// least `want` frames into its queue, or gives up after a short bound.
func (h *Harness) waitForQueue(depth func() int, want int) {
	deadline := time.Now().Add(2 * time.Second)
	for depth() < want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// CloseVideo signals end-of-stream for one source's video engine.
func (h *Harness) CloseVideo(source media.SourceId) {
	_ = h.videoEngines[source].Close()
	deadline := time.Now().Add(time.Second)
	for !h.videoDecoders[source].EOF() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// Tick runs exactly one compositor tick.
func (h *Harness) Tick() (done bool, err error) { return h.comp.Tick() }

// SetActive runs the switch protocol.
func (h *Harness) SetActive(source media.SourceId) error { return h.comp.SetActive(source) }

// Active reports the compositor's current active-audio source.
func (h *Harness) Active() media.SourceId { return h.comp.Active() }

// LastEmittedPTSUs exposes the post-switch PTS cursor.
func (h *Harness) LastEmittedPTSUs() int64 { return h.comp.LastEmittedPTSUs() }

// VideoEncoder exposes the fake video re-encoder for scenarios that
// need to script its queue depth (EncoderSaturation, §9 scenario 3).
func (h *Harness) VideoEncoder() *testutil.FakeVideoEncoder { return h.videoEnc }

// VideoSink and AudioSink expose the fakes for buffered-range
// assertions.
func (h *Harness) VideoSink() *testutil.FakeSink { return h.videoSink }
func (h *Harness) AudioSink() *testutil.FakeSink { return h.audioSink }

