// Package compositor implements the Compositor & Re-encoder (§4.4): a
// single-threaded, cooperative 30 fps driver that dequeues one raw
// frame per source, composites them into a picture-in-picture frame,
// drives video/audio re-encoding, and owns the audio switch-over
// protocol.
package compositor

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/observability"
)

// FramePeriodDefault is the target tick cadence: 30 fps (§6).
const FramePeriodDefault = 33_333 * time.Microsecond

// SleepEarlyDefault is the suspend duration when the tick fires ahead
// of schedule (§4.4).
const SleepEarlyDefault = 5 * time.Millisecond

// SleepIdleDefault is the suspend duration when both decoder queues
// are empty but at least one source is not yet EOF.
const SleepIdleDefault = 10 * time.Millisecond

// KeyframeIntervalDefault forces a video keyframe every 150 frames (5s
// at 30 fps), per §4.4.
const KeyframeIntervalDefault = 150

// AudioGrainMicrosDefault is the fixed 20 ms audio grid (§6).
const AudioGrainMicrosDefault = 20_000

// SwitchOffsetMicrosDefault is the 100 ms offset applied at the start
// of a switch-over (§4.4).
const SwitchOffsetMicrosDefault = 100_000

// PlaceholderHoldDefault bounds how long the last-drawn frame is held
// for a source that missed a tick before falling back to the
// absent-source compositing rule (supplemented feature, §9 scenario 4).
const PlaceholderHoldDefault = time.Second

// VideoSource is the subset of a decode.VideoDecoder the compositor
// needs: dequeue at most one frame per tick, and know when the source
// has no more frames coming.
type VideoSource interface {
	Dequeue() (*media.RawVideoFrame, bool)
	EOF() bool
}

// AudioSource mirrors VideoSource for the audio track.
type AudioSource interface {
	Dequeue() (*media.RawAudioFrame, bool)
	EOF() bool
}

// VideoEncoder is the re-encoder's video output stage: VP8, 640×480
// default, 2 Mbps, 30 fps (§4.4). Queue depth is exposed so the
// compositor can apply the EncoderSaturation drop policy itself
// rather than have it hidden inside the engine.
type VideoEncoder interface {
	QueueDepth() int
	Submit(frame *media.RawVideoFrame, forceKeyframe bool) error
}

// AudioEncoder is the re-encoder's audio output stage: Opus, 48 kHz,
// stereo, 128 kbps, 20 ms frames (§4.4).
type AudioEncoder interface {
	Submit(frame *media.RawAudioFrame) error
}

// Sink is the subset of the downstream playback sink the switch
// protocol needs (§4.4, §6). RemoveAudioRange's toUs may be -1 to mean
// "to the end of the buffered range".
type Sink interface {
	CurrentTimeUs() int64
	AudioUpdating() bool
	RemoveAudioRange(fromUs, toUs int64) error
}

// Clock abstracts the host-provided monotonic clock (§5) so ticks can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// systemClock is the default Clock backed by the real wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time   { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config configures tick cadence and encoder parameters.
type Config struct {
	CanvasWidth      int
	CanvasHeight     int
	FramePeriod      time.Duration
	SleepEarly       time.Duration
	SleepIdle        time.Duration
	KeyframeInterval int
	AudioGrainMicros int64
	SwitchOffsetUs   int64
	RingCapacity     int
	PlaceholderHold  time.Duration
}

// DefaultConfig returns the spec-exact defaults.
func DefaultConfig() Config {
	return Config{
		CanvasWidth:      640,
		CanvasHeight:     480,
		FramePeriod:      FramePeriodDefault,
		SleepEarly:       SleepEarlyDefault,
		SleepIdle:        SleepIdleDefault,
		KeyframeInterval: KeyframeIntervalDefault,
		AudioGrainMicros: AudioGrainMicrosDefault,
		SwitchOffsetUs:   SwitchOffsetMicrosDefault,
		RingCapacity:     media.RingCapacityDefault,
		PlaceholderHold:  PlaceholderHoldDefault,
	}
}

// OnActiveSourceChangedFunc is invoked once per successful switch,
// before the removal/re-basing work begins (§4.4).
type OnActiveSourceChangedFunc func(newSource media.SourceId)

// OnErrorFunc is invoked for EncoderSaturation and other compositor-
// detected failures.
type OnErrorFunc func(err *media.PipelineError)

// sourcePair bundles the per-source video/audio decoders and ring.
type sourcePair struct {
	video VideoSource
	audio AudioSource
	ring  *media.AudioRing

	lastDrawn     image.Image
	lastDrawnTime time.Time
}

// Compositor drives the 30 fps tick loop described in §4.4. It is the
// root of the pipeline's owned struct tree (§9): it holds the
// decoders (which hold demuxers, which are fed by producers) but
// never references back up toward them.
type Compositor struct {
	cfg    Config
	logger *slog.Logger

	sources map[media.SourceId]*sourcePair
	geom    *media.PipGeometry
	swapped bool

	videoEncoder VideoEncoder
	audioEncoder AudioEncoder
	sink         Sink
	clock        Clock

	active             *media.ActiveAudio
	recreateAudioMuxer func()

	onActiveChanged OnActiveSourceChangedFunc
	onError         OnErrorFunc

	canvas     *image.RGBA
	frameIndex int64
	tickCount  int
}

// New constructs a Compositor. recreateAudioMuxer is called on every
// switch, after the audio range removal, per §4.4's "recreate the
// audio muxer from scratch" step; the pipeline wires it to Reset on
// the audio sinkfeed.Muxer.
func New(
	cfg Config,
	videoA, videoB VideoSource,
	audioA, audioB AudioSource,
	geom *media.PipGeometry,
	videoEncoder VideoEncoder,
	audioEncoder AudioEncoder,
	sink Sink,
	recreateAudioMuxer func(),
	onActiveChanged OnActiveSourceChangedFunc,
	onError OnErrorFunc,
	logger *slog.Logger,
) *Compositor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FramePeriod <= 0 {
		cfg = DefaultConfig()
	}
	if geom == nil {
		geom = &media.PipGeometry{X: 20, Y: 20, W: 160, H: 120}
	}

	return &Compositor{
		cfg:    cfg,
		logger: observability.WithComponent(logger, "compositor"),
		sources: map[media.SourceId]*sourcePair{
			media.SourceA: {video: videoA, audio: audioA, ring: media.NewAudioRing(cfg.RingCapacity)},
			media.SourceB: {video: videoB, audio: audioB, ring: media.NewAudioRing(cfg.RingCapacity)},
		},
		geom:               geom,
		videoEncoder:        videoEncoder,
		audioEncoder:        audioEncoder,
		sink:                sink,
		clock:               systemClock{},
		active:              media.NewActiveAudio(media.SourceA),
		recreateAudioMuxer:  recreateAudioMuxer,
		onActiveChanged:     onActiveChanged,
		onError:             onError,
		canvas:              image.NewRGBA(image.Rect(0, 0, cfg.CanvasWidth, cfg.CanvasHeight)),
	}
}

// SetClock overrides the clock, for deterministic tests.
func (c *Compositor) SetClock(clock Clock) { c.clock = clock }

// SetSwapped flips the background/PiP assignment. Per §2/§9, swap also
// drives audio-source switching; callers combine this with SetActive.
func (c *Compositor) SetSwapped(swapped bool) { c.swapped = swapped }

// Run drives the tick loop until ctx is canceled or both sources
// reach EOF with empty queues (§4.4 step 3). Suspends via Sleep at the
// early/idle points described in §4.4; never busy-loops.
func (c *Compositor) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.FramePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := c.clock.Now()
		done, err := c.Tick()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		elapsed := c.clock.Now().Sub(start)
		if elapsed < c.cfg.SleepEarly {
			c.clock.Sleep(c.cfg.SleepEarly)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick executes one tick procedure (§4.4 steps 1-5). Returns done=true
// once both sources are EOF with empty queues and nothing left to
// draw, at which point the compositor should terminate.
func (c *Compositor) Tick() (done bool, err error) {
	c.tickCount++

	c.drainAudio(media.SourceA)
	c.drainAudio(media.SourceB)

	videoA, okA := c.sources[media.SourceA].video.Dequeue()
	videoB, okB := c.sources[media.SourceB].video.Dequeue()

	if !okA && !okB {
		if c.sourcesExhausted(media.SourceA) && c.sourcesExhausted(media.SourceB) {
			return true, nil
		}
		c.clock.Sleep(c.cfg.SleepIdle)
		return false, nil
	}

	c.composite(videoA, okA, videoB, okB)

	if videoA != nil {
		if relErr := videoA.Release(); relErr != nil {
			c.logger.Warn("video frame release", slog.Any("error", relErr))
		}
	}
	if videoB != nil {
		if relErr := videoB.Release(); relErr != nil {
			c.logger.Warn("video frame release", slog.Any("error", relErr))
		}
	}

	c.submitComposite()
	return false, nil
}

func (c *Compositor) sourcesExhausted(id media.SourceId) bool {
	pair := c.sources[id]
	return pair.video.EOF()
}

// drainAudio implements tick step 1: clone every newly decoded audio
// frame into the source's ring (evicting beyond 60s), submit to the
// re-encoder if this is the active source, then release the original.
func (c *Compositor) drainAudio(id media.SourceId) {
	pair := c.sources[id]
	for {
		frame, ok := pair.audio.Dequeue()
		if !ok {
			return
		}

		clone, err := frame.Clone()
		if err != nil {
			c.logger.Warn("audio frame not cloneable", slog.Any("error", err))
			if relErr := frame.Release(); relErr != nil {
				c.logger.Warn("audio frame release", slog.Any("error", relErr))
			}
			continue
		}
		if err := pair.ring.Push(clone); err != nil {
			c.logger.Warn("audio ring push", slog.Any("error", err))
		}

		if id == c.active.Current {
			if err := c.audioEncoder.Submit(frame); err != nil {
				c.logger.Warn("audio re-encode submit", slog.Any("error", err))
			}
		}

		if relErr := frame.Release(); relErr != nil {
			c.logger.Warn("audio frame release", slog.Any("error", relErr))
		}
	}
}

// composite implements tick step 4: draw background full-canvas, PiP
// inset, frame border, and resize-handle affordance. When one source
// is absent, draws the other source full-canvas per §9 scenario 4's
// documented design choice, after a short last-good-frame hold
// (supplemented feature, §SPEC_FULL).
func (c *Compositor) composite(videoA *media.RawVideoFrame, okA bool, videoB *media.RawVideoFrame, okB bool) {
	bgID, pipID := media.Swapped(c.swapped)

	bgImg, bgPresent := c.frameImage(bgID, bgID == media.SourceA, videoA, okA, videoB, okB)
	pipImg, pipPresent := c.frameImage(pipID, pipID == media.SourceA, videoA, okA, videoB, okB)

	draw.Draw(c.canvas, c.canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	switch {
	case bgPresent:
		xdraw.NearestNeighbor.Scale(c.canvas, c.canvas.Bounds(), bgImg, bgImg.Bounds(), draw.Over, nil)
		if pipPresent {
			c.drawPipInset(pipImg)
		}
	case pipPresent:
		// Background source absent: draw the PiP source full-canvas and
		// skip the PiP draw, per §9 scenario 4's documented choice.
		xdraw.NearestNeighbor.Scale(c.canvas, c.canvas.Bounds(), pipImg, pipImg.Bounds(), draw.Over, nil)
	}
}

// frameImage resolves the image to draw for one logical slot (A or
// B), falling back to a brief last-drawn hold when that source
// produced no frame this tick.
func (c *Compositor) frameImage(id media.SourceId, isA bool, videoA *media.RawVideoFrame, okA bool, videoB *media.RawVideoFrame, okB bool) (image.Image, bool) {
	pair := c.sources[id]
	var frame *media.RawVideoFrame
	var ok bool
	if isA {
		frame, ok = videoA, okA
	} else {
		frame, ok = videoB, okB
	}

	if ok && frame != nil {
		if ih, isImg := frame.Handle.(media.ImageHandle); isImg {
			img := ih.Image()
			pair.lastDrawn = img
			pair.lastDrawnTime = c.clock.Now()
			return img, true
		}
	}

	if pair.lastDrawn != nil && c.clock.Now().Sub(pair.lastDrawnTime) <= c.cfg.PlaceholderHold {
		return pair.lastDrawn, true
	}
	return nil, false
}

// drawPipInset draws the 2px border, the scaled PiP image, and the
// resize-handle affordance at the current geometry (§4.4 step 4).
// PipGeometry is read once here, at the top of this draw step, per
// the shared-resource policy in §5.
func (c *Compositor) drawPipInset(pipImg image.Image) {
	geom := *c.geom // single read; tearing across fields is acceptable (§5, §9)

	border := image.Rect(geom.X-1, geom.Y-1, geom.X+geom.W+1, geom.Y+geom.H+1)
	white := image.NewUniform(color.White)
	drawRectOutline(c.canvas, border, white, 2)

	dst := image.Rect(geom.X, geom.Y, geom.X+geom.W, geom.Y+geom.H)
	xdraw.BiLinear.Scale(c.canvas, dst, pipImg, pipImg.Bounds(), draw.Over, nil)

	const handleSize = 15
	handle := image.Rect(geom.X+geom.W-handleSize, geom.Y+geom.H-handleSize, geom.X+geom.W, geom.Y+geom.H)
	semiWhite := image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 160})
	draw.Draw(c.canvas, handle, semiWhite, image.Point{}, draw.Over)
}

// drawRectOutline strokes a rectangle outline of the given thickness.
func drawRectOutline(dst draw.Image, r image.Rectangle, src image.Image, thickness int) {
	top := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness)
	bottom := image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y)
	left := image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y)
	right := image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y)
	for _, seg := range []image.Rectangle{top, bottom, left, right} {
		draw.Draw(dst, seg, src, image.Point{}, draw.Over)
	}
}

// submitComposite implements tick step 5: wrap the canvas into a
// RawVideoFrame with a tick-derived pts and submit to the video
// encoder, applying the §4.4/§7 EncoderSaturation drop policy and the
// 150-frame keyframe force.
func (c *Compositor) submitComposite() {
	if c.videoEncoder.QueueDepth() > 10 {
		c.logger.Warn("video encoder saturated, dropping composite frame",
			slog.Int("frame_index", int(c.frameIndex)))
		if c.onError != nil {
			c.onError(media.NewPipelineError(media.EncoderSaturation, media.SourceA, media.TrackVideo, fmt.Errorf("encoder queue depth exceeds 10")))
		}
		return
	}

	pts := c.frameIndex * 1_000_000 / 30
	forceKeyframe := c.frameIndex%int64(c.cfg.KeyframeInterval) == 0

	snapshot := image.NewRGBA(c.canvas.Bounds())
	draw.Draw(snapshot, snapshot.Bounds(), c.canvas, image.Point{}, draw.Src)
	frame := media.NewRawVideoFrame(canvasHandle{img: snapshot}, pts)

	if err := c.videoEncoder.Submit(frame, forceKeyframe); err != nil {
		c.logger.Warn("video encoder submit", slog.Any("error", err))
	}
	c.frameIndex++
}

// canvasHandle wraps a composited canvas snapshot as a FrameHandle so
// it can flow through the same RawVideoFrame release discipline as
// decoder-sourced frames, even though it owns no external resource.
type canvasHandle struct{ img image.Image }

func (canvasHandle) Release()           {}
func (h canvasHandle) Image() image.Image { return h.img }

// Active reports the currently selected audio source.
func (c *Compositor) Active() media.SourceId { return c.active.Current }

// SetActive runs the audio switch protocol (§4.4, critical path).
// No-op if new equals the current active source, which makes
// SetActive idempotent as required by the §8 switch-idempotence
// property.
func (c *Compositor) SetActive(newSource media.SourceId) error {
	if newSource == c.active.Current {
		return nil
	}

	if c.onActiveChanged != nil {
		c.onActiveChanged(newSource)
	}

	tNow := c.sink.CurrentTimeUs()

	// The "updating" race (§9 Open Question): this implementation skips
	// the removal when the sink is mid-append rather than deferring via
	// updateend, accepting the documented gap in that edge case in
	// exchange for not holding switch state across ticks.
	if !c.sink.AudioUpdating() {
		if err := c.sink.RemoveAudioRange(tNow+c.cfg.SwitchOffsetUs, -1); err != nil {
			c.logger.Warn("audio range removal during switch", slog.Any("error", err))
		}
	}

	// Recreating the muxer from scratch is the only way to splice two
	// independent Opus streams without the sink rejecting backward
	// timestamps (§4.4 rationale).
	if c.recreateAudioMuxer != nil {
		c.recreateAudioMuxer()
	}

	c.active.Current = newSource
	c.active.LastEmittedPTSUs = tNow + c.cfg.SwitchOffsetUs

	startIdx := c.sources[newSource].ring.StartIndexForTime(tNow, c.cfg.AudioGrainMicros)
	if startIdx >= 0 {
		entries, err := c.sources[newSource].ring.DrainFrom(startIdx)
		if err != nil {
			return fmt.Errorf("draining new active ring: %w", err)
		}
		for _, entry := range entries {
			entry.PTSMicros = c.active.LastEmittedPTSUs
			if err := c.audioEncoder.Submit(entry); err != nil {
				c.logger.Warn("audio re-encode submit during switch", slog.Any("error", err))
			}
			c.active.LastEmittedPTSUs += c.cfg.AudioGrainMicros
			if relErr := entry.Release(); relErr != nil {
				c.logger.Warn("switch entry release", slog.Any("error", relErr))
			}
		}
	}

	// Drain and release all remaining entries from both rings (§4.4).
	if err := c.sources[media.SourceA].ring.DrainAndRelease(); err != nil {
		return fmt.Errorf("draining ring A: %w", err)
	}
	if err := c.sources[media.SourceB].ring.DrainAndRelease(); err != nil {
		return fmt.Errorf("draining ring B: %w", err)
	}

	return nil
}

// LastEmittedPTSUs exposes the active-audio PTS cursor, for the §8
// switch-atomicity property test.
func (c *Compositor) LastEmittedPTSUs() int64 { return c.active.LastEmittedPTSUs }
