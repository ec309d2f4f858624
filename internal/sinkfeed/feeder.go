package sinkfeed

import (
	"log/slog"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/observability"
)

// LookaheadSecondsDefault bounds how far ahead of the playhead the
// feeder will buffer before deferring appends (§3, §6).
const LookaheadSecondsDefault = 30.0

// TrimBehindSecondsDefault bounds the sliding window kept behind the
// playhead (§3, §6).
const TrimBehindSecondsDefault = 10.0

// AutoPlayThresholdSecondsDefault is the buffered-ahead threshold that
// triggers the one-shot autoplay request (§4.5).
const AutoPlayThresholdSecondsDefault = 0.5

// MaxSinkRejections is the number of consecutive rejected appends (the
// first attempt plus its retries) after which the append is surfaced
// as fatal (§7).
const MaxSinkRejections = 3

// Range mirrors one buffered interval on the sink, in seconds.
type Range struct {
	StartS float64
	EndS   float64
}

// AppendTarget is one of the sink's two append targets (video or
// audio), modeled on Media Source Extensions' SourceBuffer (§6).
type AppendTarget interface {
	Append(data []byte) error
	Remove(startS, endS float64) error
	Buffered() []Range
	Updating() bool
	CurrentTimeS() float64
	Play() error
	Paused() bool
}

// Config configures the feeder's look-ahead/trim/autoplay behavior.
type Config struct {
	LookaheadSeconds         float64
	TrimBehindSeconds        float64
	AutoPlayThresholdSeconds float64
}

// DefaultConfig returns the spec-exact defaults.
func DefaultConfig() Config {
	return Config{
		LookaheadSeconds:         LookaheadSecondsDefault,
		TrimBehindSeconds:        TrimBehindSecondsDefault,
		AutoPlayThresholdSeconds: AutoPlayThresholdSecondsDefault,
	}
}

// OnBufferUpdateFunc mirrors the host event stream's BufferUpdate,
// emitted after every successful append (§6).
type OnBufferUpdateFunc func(videoRanges, audioRanges []Range)

// OnErrorFunc is invoked when a SinkRejected append exhausts its
// retries (§7).
type OnErrorFunc func(err *media.PipelineError)

// trackFeeder holds the per-track pending queue and rejection count.
type trackFeeder struct {
	target   AppendTarget
	pending  [][]byte
	rejected int
}

// Feeder serializes ContainerChunk appends into the downstream sink,
// honoring its updating flag, a look-ahead cap, and a sliding-window
// trim behind the playhead (§4.5).
type Feeder struct {
	cfg    Config
	logger *slog.Logger

	video *trackFeeder
	audio *trackFeeder

	onBufferUpdate OnBufferUpdateFunc
	onError        OnErrorFunc

	autoPlayRequested bool
}

// New constructs a Feeder bound to the sink's two append targets.
func New(cfg Config, videoTarget, audioTarget AppendTarget, onBufferUpdate OnBufferUpdateFunc, onError OnErrorFunc, logger *slog.Logger) *Feeder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LookaheadSeconds <= 0 {
		cfg.LookaheadSeconds = LookaheadSecondsDefault
	}
	if cfg.TrimBehindSeconds <= 0 {
		cfg.TrimBehindSeconds = TrimBehindSecondsDefault
	}
	if cfg.AutoPlayThresholdSeconds <= 0 {
		cfg.AutoPlayThresholdSeconds = AutoPlayThresholdSecondsDefault
	}
	return &Feeder{
		cfg:            cfg,
		logger:         observability.WithComponent(logger, "sinkfeed"),
		video:          &trackFeeder{target: videoTarget},
		audio:          &trackFeeder{target: audioTarget},
		onBufferUpdate: onBufferUpdate,
		onError:        onError,
	}
}

// Enqueue queues one container chunk for its track and attempts an
// immediate append, per §4.5 ("on each new chunk arrival").
func (f *Feeder) Enqueue(chunk media.ContainerChunk) {
	tf := f.trackFeeder(chunk.Track)
	tf.pending = append(tf.pending, chunk.Bytes)
	f.tryAppend(chunk.Track)
}

// OnUpdateEnd must be called by the host binding whenever the sink's
// updateend event fires for the given track. It drives the next
// append, the sliding-window trim, and (for video) the one-shot
// autoplay request.
func (f *Feeder) OnUpdateEnd(track media.Track) {
	f.tryAppend(track)
	f.trim(track)
	if track == media.TrackVideo {
		f.maybeAutoPlay()
	}
	f.emitBufferUpdate()
}

func (f *Feeder) trackFeeder(track media.Track) *trackFeeder {
	if track == media.TrackVideo {
		return f.video
	}
	return f.audio
}

// tryAppend pops and submits one pending chunk if the sink is not
// updating, the queue is non-empty, and the look-ahead cap allows it
// (§4.5).
func (f *Feeder) tryAppend(track media.Track) {
	tf := f.trackFeeder(track)
	if tf.target.Updating() {
		return
	}
	if len(tf.pending) == 0 {
		return
	}
	if f.bufferedAhead(tf) > f.cfg.LookaheadSeconds {
		return
	}

	chunk := tf.pending[0]
	if err := tf.target.Append(chunk); err != nil {
		tf.rejected++
		f.logger.Warn("sink rejected append",
			slog.String("track", track.String()),
			slog.Int("consecutive_rejections", tf.rejected),
		)
		if tf.rejected >= MaxSinkRejections {
			if f.onError != nil {
				f.onError(media.NewPipelineError(media.SinkRejected, media.SourceA, track, err))
			}
			tf.pending = tf.pending[1:] // drop after surfacing fatal; no further retry
		}
		return
	}

	tf.pending = tf.pending[1:]
	tf.rejected = 0
}

// bufferedAhead reports how far the buffered range extends past the
// current playhead, in seconds.
func (f *Feeder) bufferedAhead(tf *trackFeeder) float64 {
	ranges := tf.target.Buffered()
	if len(ranges) == 0 {
		return 0
	}
	end := ranges[len(ranges)-1].EndS
	now := tf.target.CurrentTimeS()
	if end <= now {
		return 0
	}
	return end - now
}

// trim issues a sliding-window remove behind the playhead on every
// updateend, per §4.5.
func (f *Feeder) trim(track media.Track) {
	tf := f.trackFeeder(track)
	now := tf.target.CurrentTimeS()
	threshold := now - f.cfg.TrimBehindSeconds
	if threshold <= 0 {
		return
	}

	ranges := tf.target.Buffered()
	if len(ranges) == 0 || ranges[0].StartS >= threshold {
		return
	}
	if err := tf.target.Remove(0, threshold); err != nil {
		f.logger.Warn("sliding window trim", slog.String("track", track.String()), slog.Any("error", err))
	}
}

// maybeAutoPlay requests playback once, the first time the video
// buffer extends past the autoplay threshold while the sink is
// paused (§4.5). A denial is logged and not retried.
func (f *Feeder) maybeAutoPlay() {
	if f.autoPlayRequested {
		return
	}
	if !f.video.target.Paused() {
		return
	}
	ranges := f.video.target.Buffered()
	if len(ranges) == 0 || ranges[0].EndS <= f.cfg.AutoPlayThresholdSeconds {
		return
	}
	f.autoPlayRequested = true
	if err := f.video.target.Play(); err != nil {
		f.logger.Info("autoplay request denied by host policy", slog.Any("error", err))
	}
}

func (f *Feeder) emitBufferUpdate() {
	if f.onBufferUpdate == nil {
		return
	}
	f.onBufferUpdate(f.video.target.Buffered(), f.audio.target.Buffered())
}

// PendingDepth reports queue occupancy per track, for Stats() (§SPEC_FULL
// supplemented feature 1).
func (f *Feeder) PendingDepth(track media.Track) int {
	return len(f.trackFeeder(track).pending)
}
