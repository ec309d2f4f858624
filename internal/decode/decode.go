// Package decode implements the Decoder Pair (§4.3): a thin
// configure/feed/output wrapper around an external codec engine (the
// engines themselves are out of scope per §1), responsible only for
// the bounded output queue and release discipline the core owns.
package decode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/observability"
)

// VideoQueueDepthDefault is the default in-flight bound for the video
// decoder's output queue (§4.3).
const VideoQueueDepthDefault = 10

// AudioQueueDepthDefault is the default in-flight bound for the audio
// decoder's output queue.
const AudioQueueDepthDefault = 10

// Engine is the external codec engine contract: configure once, feed
// encoded units, and deliver raw frames asynchronously on the output
// channel of VideoEngine or AudioEngine.
// Implementations wrap a real hardware/software decoder; this package
// only orchestrates queueing and release discipline around it.
type Engine interface {
	// IsConfigSupported reports whether the engine can be configured
	// for the given codec-specific configuration bytes. Modeled on the
	// async isConfigSupported suspension point of §5.
	IsConfigSupported(ctx context.Context, configBytes []byte) (bool, error)
	// Configure prepares the engine to decode the given track.
	Configure(configBytes []byte) error
	// Feed submits one encoded access unit for decode. Output arrives
	// asynchronously on the engine's output channel: video engines
	// deliver *media.RawVideoFrame via VideoOutput, audio engines
	// deliver *media.RawAudioFrame via AudioOutput.
	Feed(unit media.EncodedUnit) error
	// Close shuts the engine down and closes its output channel.
	Close() error
}

// VideoEngine decodes encoded video units into RawVideoFrames.
type VideoEngine interface {
	Engine
	VideoOutput() <-chan *media.RawVideoFrame
}

// AudioEngine decodes encoded audio units into RawAudioFrames.
type AudioEngine interface {
	Engine
	AudioOutput() <-chan *media.RawAudioFrame
}

// Config configures a Decoder's queue depth.
type Config struct {
	QueueDepth int
}

// VideoDecoder configures a VideoEngine and exposes its output through
// a bounded queue owned by this package rather than the engine, so the
// pipeline can apply consistent back-pressure regardless of engine
// implementation.
type VideoDecoder struct {
	source  media.SourceId
	engine  VideoEngine
	cfg     Config
	onErr   func(*media.PipelineError)
	logger  *slog.Logger
	queue   chan *media.RawVideoFrame
	done    chan struct{}
	eof     bool
}

// NewVideoDecoder constructs a VideoDecoder for one source.
func NewVideoDecoder(source media.SourceId, engine VideoEngine, cfg Config, onErr func(*media.PipelineError), logger *slog.Logger) *VideoDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = VideoQueueDepthDefault
	}
	return &VideoDecoder{
		source: source,
		engine: engine,
		cfg:    cfg,
		onErr:  onErr,
		logger: observability.WithComponent(logger, "decode"),
		queue:  make(chan *media.RawVideoFrame, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
}

// Configure readies the engine for the track's codec configuration.
// Per §7, an unsupported video codec is fatal for the load.
func (d *VideoDecoder) Configure(ctx context.Context, configBytes []byte) error {
	supported, err := d.engine.IsConfigSupported(ctx, configBytes)
	if err != nil {
		return fmt.Errorf("checking video codec support: %w", err)
	}
	if !supported {
		return media.NewPipelineError(media.CodecUnsupported, d.source, media.TrackVideo, media.ErrUnsupportedCodec)
	}
	if err := d.engine.Configure(configBytes); err != nil {
		return media.NewPipelineError(media.CodecUnsupported, d.source, media.TrackVideo, err)
	}
	go d.pump()
	return nil
}

// Feed submits one encoded video unit. Back-pressure is applied at the
// encoder input (§4.3), not here; the decoder queue naturally drains
// as the compositor consumes frames, so Feed never blocks the caller
// beyond the engine's own acceptance.
func (d *VideoDecoder) Feed(unit media.EncodedUnit) error {
	return d.engine.Feed(unit)
}

// pump copies decoded frames from the engine into the bounded queue
// owned by this package, until the engine's output channel closes.
func (d *VideoDecoder) pump() {
	defer close(d.done)
	for frame := range d.engine.VideoOutput() {
		d.queue <- frame
	}
	d.eof = true
	close(d.queue)
}

// Dequeue returns the next decoded frame and whether one was
// available. A false ok with EOF() true means the source has no more
// frames to come.
func (d *VideoDecoder) Dequeue() (*media.RawVideoFrame, bool) {
	select {
	case f, ok := <-d.queue:
		return f, ok
	default:
		return nil, false
	}
}

// EOF reports whether this decoder has drained its engine's output.
func (d *VideoDecoder) EOF() bool {
	return d.eof
}

// QueueLen reports current queue occupancy, for Stats() introspection.
func (d *VideoDecoder) QueueLen() int {
	return len(d.queue)
}

// Close releases the engine and any frames still queued, per the
// ownership rule that every delivered RawVideoFrame must be released
// on every shutdown path including abnormal termination. Blocks until
// pump has drained the engine's output and closed the queue, so no
// frame the engine hands off after Close begins is ever leaked.
func (d *VideoDecoder) Close() error {
	err := d.engine.Close()
	for f := range d.queue {
		if relErr := f.Release(); relErr != nil {
			d.logger.Warn("frame release on decoder close", slog.Any("error", relErr))
		}
	}
	return err
}

// AudioDecoder mirrors VideoDecoder for the audio track. A separate
// type (rather than a generic) because the spec's back-pressure and
// failure policy differ per track (§4.3, §7): unsupported audio tears
// down only that source's audio pipeline.
type AudioDecoder struct {
	source media.SourceId
	engine AudioEngine
	cfg    Config
	logger *slog.Logger
	queue  chan *media.RawAudioFrame
	done   chan struct{}
	eof    bool
}

// NewAudioDecoder constructs an AudioDecoder for one source.
func NewAudioDecoder(source media.SourceId, engine AudioEngine, cfg Config, logger *slog.Logger) *AudioDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = AudioQueueDepthDefault
	}
	return &AudioDecoder{
		source: source,
		engine: engine,
		cfg:    cfg,
		logger: observability.WithComponent(logger, "decode"),
		queue:  make(chan *media.RawAudioFrame, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
}

// Configure readies the engine. Per §7, an unsupported audio codec
// tears down only this source's audio pipeline; the caller is
// responsible for not treating the returned error as fatal to video.
func (d *AudioDecoder) Configure(ctx context.Context, configBytes []byte) error {
	supported, err := d.engine.IsConfigSupported(ctx, configBytes)
	if err != nil {
		return fmt.Errorf("checking audio codec support: %w", err)
	}
	if !supported {
		return media.NewPipelineError(media.CodecUnsupported, d.source, media.TrackAudio, media.ErrUnsupportedCodec)
	}
	if err := d.engine.Configure(configBytes); err != nil {
		return media.NewPipelineError(media.CodecUnsupported, d.source, media.TrackAudio, err)
	}
	go d.pump()
	return nil
}

// Feed submits one encoded audio unit.
func (d *AudioDecoder) Feed(unit media.EncodedUnit) error {
	return d.engine.Feed(unit)
}

func (d *AudioDecoder) pump() {
	defer close(d.done)
	for frame := range d.engine.AudioOutput() {
		d.queue <- frame
	}
	d.eof = true
	close(d.queue)
}

// Dequeue returns the next decoded frame and whether one was available.
func (d *AudioDecoder) Dequeue() (*media.RawAudioFrame, bool) {
	select {
	case f, ok := <-d.queue:
		return f, ok
	default:
		return nil, false
	}
}

// EOF reports whether this decoder has drained its engine's output.
func (d *AudioDecoder) EOF() bool {
	return d.eof
}

// QueueLen reports current queue occupancy, for Stats() introspection.
func (d *AudioDecoder) QueueLen() int {
	return len(d.queue)
}

// Close releases the engine and any frames still queued. Blocks until
// pump has drained the engine's output and closed the queue, mirroring
// VideoDecoder.Close's shutdown guarantee.
func (d *AudioDecoder) Close() error {
	err := d.engine.Close()
	for f := range d.queue {
		if relErr := f.Release(); relErr != nil {
			d.logger.Warn("frame release on decoder close", slog.Any("error", relErr))
		}
	}
	return err
}
