// Package testutil provides fakes for the external collaborators the
// core treats as out of scope (§1): codec engines, re-encoders, and
// sink append targets, plus builders for synthetic manifests. Used by
// package-level tests across compositor/pipeline/demux/sinkfeed and by
// cmd/scenario-runner.
package testutil

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/producer"
	"github.com/king-prawns/tiled-player/internal/sinkfeed"
)

// FakeFrameHandle is a CloneableHandle/ImageHandle backed by a small
// solid-color image, so compositor draw tests can exercise PiP
// blitting without a real GPU surface.
type FakeFrameHandle struct {
	mu       sync.Mutex
	released int
	img      image.Image
}

// NewFakeFrameHandle returns a handle wrapping a uniform-color image of
// the given size.
func NewFakeFrameHandle(w, h int, c uint8) *FakeFrameHandle {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = c
	}
	return &FakeFrameHandle{img: img}
}

// Release implements media.FrameHandle.
func (h *FakeFrameHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
}

// ReleaseCount reports how many times Release was called, for
// leak/double-release assertions.
func (h *FakeFrameHandle) ReleaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Image implements media.ImageHandle.
func (h *FakeFrameHandle) Image() image.Image { return h.img }

// Clone implements media.CloneableHandle by sharing the same backing
// image (immutable once built) behind an independent release counter.
func (h *FakeFrameHandle) Clone() media.FrameHandle {
	return &FakeFrameHandle{img: h.img}
}

// FakeVideoEngine is a decode.VideoEngine that echoes every fed unit
// back as a decoded frame carrying the same PTS, synchronously on
// Feed. Deterministic and ordering-preserving, which is what the
// compositor tick tests need; it is not a realistic decode latency
// model.
type FakeVideoEngine struct {
	mu            sync.Mutex
	configured    bool
	closed        bool
	out           chan *media.RawVideoFrame
	supported     bool
	frameW, frameH int
}

// NewFakeVideoEngine constructs an engine that reports configs of the
// given support as decodable, producing frameW x frameH gray frames.
func NewFakeVideoEngine(supported bool, frameW, frameH int) *FakeVideoEngine {
	return &FakeVideoEngine{
		out:       make(chan *media.RawVideoFrame, 64),
		supported: supported,
		frameW:    frameW,
		frameH:    frameH,
	}
}

func (e *FakeVideoEngine) IsConfigSupported(_ context.Context, _ []byte) (bool, error) {
	return e.supported, nil
}

func (e *FakeVideoEngine) Configure(_ []byte) error {
	if !e.supported {
		return media.ErrUnsupportedCodec
	}
	e.mu.Lock()
	e.configured = true
	e.mu.Unlock()
	return nil
}

func (e *FakeVideoEngine) Feed(unit media.EncodedUnit) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("engine closed")
	}
	handle := NewFakeFrameHandle(e.frameW, e.frameH, uint8(unit.PTSMicros%255))
	e.out <- media.NewRawVideoFrame(handle, unit.PTSMicros)
	return nil
}

func (e *FakeVideoEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.out)
	}
	return nil
}

func (e *FakeVideoEngine) VideoOutput() <-chan *media.RawVideoFrame { return e.out }

// FakeAudioEngine mirrors FakeVideoEngine for audio.
type FakeAudioEngine struct {
	mu         sync.Mutex
	closed     bool
	out        chan *media.RawAudioFrame
	supported  bool
	grainUs    int64
}

// NewFakeAudioEngine constructs an engine decoding into grainUs-long
// PCM grains.
func NewFakeAudioEngine(supported bool, grainUs int64) *FakeAudioEngine {
	return &FakeAudioEngine{out: make(chan *media.RawAudioFrame, 64), supported: supported, grainUs: grainUs}
}

func (e *FakeAudioEngine) IsConfigSupported(_ context.Context, _ []byte) (bool, error) {
	return e.supported, nil
}

func (e *FakeAudioEngine) Configure(_ []byte) error {
	if !e.supported {
		return media.ErrUnsupportedCodec
	}
	return nil
}

func (e *FakeAudioEngine) Feed(unit media.EncodedUnit) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("engine closed")
	}
	handle := NewFakeFrameHandle(1, 1, 0)
	e.out <- media.NewRawAudioFrame(handle, unit.PTSMicros, e.grainUs)
	return nil
}

func (e *FakeAudioEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.out)
	}
	return nil
}

func (e *FakeAudioEngine) AudioOutput() <-chan *media.RawAudioFrame { return e.out }

// FakeVideoEncoder is a compositor.VideoEncoder that emits every
// submitted frame as an EncodedChunk and exposes an artificially
// settable queue depth, so tests can drive the EncoderSaturation drop
// policy deterministically (§9 scenario 3).
type FakeVideoEncoder struct {
	mu      sync.Mutex
	emit    func(media.EncodedChunk)
	depth   int
	MaxDepth int
}

// NewFakeVideoEncoder returns an encoder that calls emit for every
// accepted frame.
func NewFakeVideoEncoder(emit func(media.EncodedChunk)) *FakeVideoEncoder {
	return &FakeVideoEncoder{emit: emit, MaxDepth: 1 << 30}
}

func (e *FakeVideoEncoder) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depth
}

// SetQueueDepth lets a scenario inject an artificial backlog ahead of
// a Submit call.
func (e *FakeVideoEncoder) SetQueueDepth(d int) {
	e.mu.Lock()
	e.depth = d
	e.mu.Unlock()
}

func (e *FakeVideoEncoder) Submit(frame *media.RawVideoFrame, forceKeyframe bool) error {
	e.mu.Lock()
	depth := e.depth
	e.mu.Unlock()
	if depth >= e.MaxDepth {
		return media.NewPipelineError(media.EncoderSaturation, media.SourceA, media.TrackVideo, fmt.Errorf("queue depth %d", depth))
	}
	e.emit(media.EncodedChunk{Track: media.TrackVideo, IsKeyframe: forceKeyframe, PTSMicros: frame.PTSMicros, Bytes: []byte{0}})
	return frame.Release()
}

// FakeAudioEncoder mirrors FakeVideoEncoder for audio; it never drops.
type FakeAudioEncoder struct {
	emit func(media.EncodedChunk)
}

// NewFakeAudioEncoder returns an encoder that calls emit for every
// accepted frame.
func NewFakeAudioEncoder(emit func(media.EncodedChunk)) *FakeAudioEncoder {
	return &FakeAudioEncoder{emit: emit}
}

func (e *FakeAudioEncoder) Submit(frame *media.RawAudioFrame) error {
	e.emit(media.EncodedChunk{Track: media.TrackAudio, PTSMicros: frame.PTSMicros, Bytes: []byte{0}})
	return frame.Release()
}

// FakeSink is a sinkfeed.AppendTarget backed by an in-memory list of
// buffered ranges, modeling MSE's SourceBuffer closely enough to drive
// the feeder's look-ahead/trim/autoplay logic in tests.
type FakeSink struct {
	mu           sync.Mutex
	ranges       []sinkfeed.Range
	currentTimeS float64
	updating     bool
	played       bool
	paused       bool
	RejectNext   int // Append calls to reject with SinkRejected before succeeding
	Appended     [][]byte
}

// NewFakeSink returns an empty sink parked at t=0, paused (matching a
// freshly loaded MSE element before autoplay or a user gesture).
func NewFakeSink() *FakeSink { return &FakeSink{paused: true} }

func (s *FakeSink) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RejectNext > 0 {
		s.RejectNext--
		return media.NewPipelineError(media.SinkRejected, media.SourceA, media.TrackVideo, fmt.Errorf("sink busy"))
	}
	s.Appended = append(s.Appended, data)
	// Each append extends (or starts) the trailing buffered range by a
	// nominal 1-second grain; callers that need exact ranges should
	// call AppendRange instead.
	start := 0.0
	if n := len(s.ranges); n > 0 {
		start = s.ranges[n-1].EndS
	}
	s.appendRangeLocked(start, start+1.0)
	return nil
}

// AppendRange is a test-only helper for asserting exact buffered
// ranges rather than the nominal 1s-per-Append model.
func (s *FakeSink) AppendRange(startS, endS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendRangeLocked(startS, endS)
}

func (s *FakeSink) appendRangeLocked(startS, endS float64) {
	if n := len(s.ranges); n > 0 && s.ranges[n-1].EndS >= startS {
		if endS > s.ranges[n-1].EndS {
			s.ranges[n-1].EndS = endS
		}
		return
	}
	s.ranges = append(s.ranges, sinkfeed.Range{StartS: startS, EndS: endS})
}

// Remove implements sinkfeed.AppendTarget. endS may be -1 meaning "to
// the end of the buffered range", matching RemoveAudioRange's contract.
func (s *FakeSink) Remove(startS, endS float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.ranges[:0]
	for _, r := range s.ranges {
		covered := endS < 0 || endS >= r.EndS
		switch {
		case (endS >= 0 && endS <= r.StartS) || startS >= r.EndS:
			out = append(out, r)
		case startS <= r.StartS && covered:
			// fully covered, drop
		case startS <= r.StartS:
			out = append(out, sinkfeed.Range{StartS: endS, EndS: r.EndS})
		case covered:
			out = append(out, sinkfeed.Range{StartS: r.StartS, EndS: startS})
		default:
			out = append(out, sinkfeed.Range{StartS: r.StartS, EndS: startS}, sinkfeed.Range{StartS: endS, EndS: r.EndS})
		}
	}
	s.ranges = out
	return nil
}

func (s *FakeSink) Buffered() []sinkfeed.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkfeed.Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

func (s *FakeSink) Updating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updating
}

// SetUpdating lets a scenario simulate a slow/busy sink.
func (s *FakeSink) SetUpdating(u bool) {
	s.mu.Lock()
	s.updating = u
	s.mu.Unlock()
}

func (s *FakeSink) CurrentTimeS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTimeS
}

// SetCurrentTimeS lets a scenario drive the simulated playhead.
func (s *FakeSink) SetCurrentTimeS(t float64) {
	s.mu.Lock()
	s.currentTimeS = t
	s.mu.Unlock()
}

func (s *FakeSink) Play() error {
	s.mu.Lock()
	s.played = true
	s.paused = false
	s.mu.Unlock()
	return nil
}

// Played reports whether Play was ever called.
func (s *FakeSink) Played() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

// Paused implements sinkfeed.AppendTarget.
func (s *FakeSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPaused lets a scenario drive the simulated pause state directly
// (e.g. simulating a host-side pause after autoplay).
func (s *FakeSink) SetPaused(p bool) {
	s.mu.Lock()
	s.paused = p
	s.mu.Unlock()
}

// BuildManifest constructs a synthetic producer.ManifestDescriptor
// with n fixed-duration segments, useful wherever a test needs a
// manifest shape without fetching real fMP4 fixtures over HTTP.
func BuildManifest(baseURL string, n int, segDurationUs int64, audioCodec string) producer.ManifestDescriptor {
	m := producer.ManifestDescriptor{
		VideoInitURL:     baseURL + "/video-init.mp4",
		AudioInitURL:     baseURL + "/audio-init.mp4",
		AudioCodecFourCC: audioCodec,
	}
	for i := 0; i < n; i++ {
		pts := int64(i) * segDurationUs
		m.VideoSegments = append(m.VideoSegments, producer.SegmentDescriptor{
			URL: fmt.Sprintf("%s/video-%d.m4s", baseURL, i), PTSMicros: pts, DurationUs: segDurationUs,
		})
		m.AudioSegments = append(m.AudioSegments, producer.SegmentDescriptor{
			URL: fmt.Sprintf("%s/audio-%d.m4s", baseURL, i), PTSMicros: pts, DurationUs: segDurationUs,
		})
	}
	return m
}
