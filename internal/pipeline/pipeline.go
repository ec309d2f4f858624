// Package pipeline owns the top-level struct tree rooted at the
// Compositor (§9): it wires two Segment Producers, four Demultiplexers,
// two Decoder Pairs (four decoders), the Compositor & Re-encoder, two streaming
// muxers, and the Muxer & Sink Feeder into one playback session, and
// exposes the public Load/Destroy control surface a host binds to.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/king-prawns/tiled-player/internal/codec"
	"github.com/king-prawns/tiled-player/internal/compositor"
	"github.com/king-prawns/tiled-player/internal/decode"
	"github.com/king-prawns/tiled-player/internal/demux"
	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/observability"
	"github.com/king-prawns/tiled-player/internal/producer"
	"github.com/king-prawns/tiled-player/internal/sinkfeed"
)

// VideoEncoderFactory constructs the external video re-encoder for one
// Load call, wiring its asynchronous chunk output to emit. The engine
// itself is out of scope per §1; this package only owns the boundary
// between the compositor's Submit calls and the streaming muxer.
type VideoEncoderFactory func(emit func(media.EncodedChunk)) compositor.VideoEncoder

// AudioEncoderFactory mirrors VideoEncoderFactory for the audio
// re-encoder.
type AudioEncoderFactory func(emit func(media.EncodedChunk)) compositor.AudioEncoder

// LoadParams bundles every external collaborator one Load call needs:
// per-source manifests and decode engines, the re-encoder factories,
// and the downstream sink's two append targets.
type LoadParams struct {
	ManifestA producer.ManifestDescriptor
	ManifestB producer.ManifestDescriptor

	VideoEngineA decode.VideoEngine
	VideoEngineB decode.VideoEngine
	AudioEngineA decode.AudioEngine
	AudioEngineB decode.AudioEngine

	VideoEncoder VideoEncoderFactory
	AudioEncoder AudioEncoderFactory

	VideoSink sinkfeed.AppendTarget
	AudioSink sinkfeed.AppendTarget

	Geometry *media.PipGeometry
	Swapped  bool
}

// OnErrorFunc surfaces a PipelineError to the host (the control
// surface's SSE stream), per §7.
type OnErrorFunc func(err *media.PipelineError)

// OnActiveSourceChangedFunc mirrors the host event stream's
// ActiveSourceChanged event (§4.4).
type OnActiveSourceChangedFunc func(newSource media.SourceId)

// OnBufferUpdateFunc mirrors the host event stream's BufferUpdate
// event (§4.5).
type OnBufferUpdateFunc func(videoRanges, audioRanges []sinkfeed.Range)

// Stats is a point-in-time introspection snapshot, shaped for a
// /metrics-style JSON surface (§SPEC_FULL supplemented feature 1).
type Stats struct {
	SessionID        string          `json:"session_id"`
	ActiveSource     string          `json:"active_source"`
	Degraded         map[string]bool `json:"degraded"`
	VideoQueueDepth  map[string]int  `json:"video_queue_depth"`
	AudioQueueDepth  map[string]int  `json:"audio_queue_depth"`
	PendingVideo     int             `json:"pending_video_chunks"`
	PendingAudio     int             `json:"pending_audio_chunks"`
	LastEmittedPTSUs int64           `json:"last_emitted_pts_us"`
}

// Pipeline owns the full struct tree for one playback session. Not
// safe for concurrent Load/Destroy calls from more than one goroutine;
// SetActive/SetSwapped/SetGeometry/Stats are safe to call from the
// control surface's HTTP handlers concurrently with a loaded session.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	onError         OnErrorFunc
	onActiveChanged OnActiveSourceChangedFunc
	onBufferUpdate  OnBufferUpdateFunc

	mu            sync.Mutex
	loaded        bool
	sessionID     string
	producers     map[media.SourceId]*producer.Producer
	videoDecoders map[media.SourceId]*decode.VideoDecoder
	audioDecoders map[media.SourceId]*decode.AudioDecoder
	demuxers      map[media.SourceId]map[media.Track]*demux.Demuxer
	compositorRef *compositor.Compositor
	muxVideo      *sinkfeed.Muxer
	muxAudio      *sinkfeed.Muxer
	feeder        *sinkfeed.Feeder
	geometry      *media.PipGeometry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs an unloaded Pipeline; call Load to wire and start a
// playback session.
func New(cfg Config, onError OnErrorFunc, onActiveChanged OnActiveSourceChangedFunc, onBufferUpdate OnBufferUpdateFunc, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:             cfg,
		logger:          observability.WithComponent(logger, "pipeline"),
		onError:         onError,
		onActiveChanged: onActiveChanged,
		onBufferUpdate:  onBufferUpdate,
	}
}

// Load wires the full struct tree for one session, starts both
// producers on the errgroup's context and runs the compositor's tick
// loop as the errgroup's task, so that Destroy's cancel or the
// compositor finishing stops all three (§9's abort propagation).
// Producers report failures through onError and do not cancel the
// session. Load on an already-loaded Pipeline returns an error; call
// Destroy first.
func (p *Pipeline) Load(ctx context.Context, params LoadParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return fmt.Errorf("pipeline: already loaded, call Destroy first")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(p.ctx)
	p.group = group

	p.sessionID = ulid.Make().String()
	p.logger.Info("session loaded", slog.String("session_id", p.sessionID))

	p.geometry = params.Geometry
	if p.geometry == nil {
		p.geometry = &media.PipGeometry{X: 20, Y: 20, W: 160, H: 120}
	}

	p.videoDecoders = map[media.SourceId]*decode.VideoDecoder{
		media.SourceA: decode.NewVideoDecoder(media.SourceA, params.VideoEngineA, p.cfg.DecodeVideo, p.onError, p.logger),
		media.SourceB: decode.NewVideoDecoder(media.SourceB, params.VideoEngineB, p.cfg.DecodeVideo, p.onError, p.logger),
	}
	p.audioDecoders = map[media.SourceId]*decode.AudioDecoder{
		media.SourceA: decode.NewAudioDecoder(media.SourceA, params.AudioEngineA, p.cfg.DecodeAudio, p.logger),
		media.SourceB: decode.NewAudioDecoder(media.SourceB, params.AudioEngineB, p.cfg.DecodeAudio, p.logger),
	}

	p.demuxers = map[media.SourceId]map[media.Track]*demux.Demuxer{
		media.SourceA: p.newTrackDemuxers(media.SourceA),
		media.SourceB: p.newTrackDemuxers(media.SourceB),
	}

	p.producers = map[media.SourceId]*producer.Producer{
		media.SourceA: producer.New(media.SourceA, params.ManifestA, p.cfg.Producer, p.onSegment(media.SourceA), p.onError, p.logger),
		media.SourceB: producer.New(media.SourceB, params.ManifestB, p.cfg.Producer, p.onSegment(media.SourceB), p.onError, p.logger),
	}

	p.feeder = sinkfeed.New(p.cfg.Feeder, params.VideoSink, params.AudioSink, p.emitBufferUpdate, p.onError, p.logger)
	p.muxVideo = sinkfeed.NewMuxer(media.TrackVideo, codec.VideoVP8.String(), p.feeder.Enqueue)
	p.muxAudio = sinkfeed.NewMuxer(media.TrackAudio, codec.AudioOpus.String(), p.feeder.Enqueue)

	videoEncoder := params.VideoEncoder(func(chunk media.EncodedChunk) {
		if err := p.muxVideo.Submit(chunk); err != nil {
			p.logger.Warn("video mux submit", slog.Any("error", err))
		}
	})
	audioEncoder := params.AudioEncoder(func(chunk media.EncodedChunk) {
		if err := p.muxAudio.Submit(chunk); err != nil {
			p.logger.Warn("audio mux submit", slog.Any("error", err))
		}
	})

	sinkAdapter := &compositorSink{audio: params.AudioSink}

	p.compositorRef = compositor.New(
		p.cfg.Compositor,
		p.videoDecoders[media.SourceA], p.videoDecoders[media.SourceB],
		p.audioDecoders[media.SourceA], p.audioDecoders[media.SourceB],
		p.geometry,
		videoEncoder, audioEncoder,
		sinkAdapter,
		func() { p.muxAudio.Reset() },
		p.onActiveChanged,
		p.onError,
		p.logger,
	)
	p.compositorRef.SetSwapped(params.Swapped)

	p.producers[media.SourceA].Start(gctx)
	p.producers[media.SourceB].Start(gctx)

	group.Go(func() error {
		err := p.compositorRef.Run(gctx)
		// The compositor reaching its terminal (both-EOF) condition ends
		// the session; cancel so the producers unwind too.
		p.cancel()
		return err
	})

	p.loaded = true
	return nil
}

// Destroy tears down a loaded session: cancels the shared context,
// waits for the compositor's tick loop to return, stops both
// producers, and releases any frames still held by the decoders. Safe
// to call on an unloaded Pipeline (no-op).
func (p *Pipeline) Destroy() error {
	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return nil
	}
	p.loaded = false
	cancel := p.cancel
	group := p.group
	producers := p.producers
	videoDecoders := p.videoDecoders
	audioDecoders := p.audioDecoders
	p.mu.Unlock()

	cancel()
	err := group.Wait()

	for _, prod := range producers {
		prod.Stop()
	}
	for _, d := range videoDecoders {
		if closeErr := d.Close(); closeErr != nil {
			p.logger.Warn("video decoder close", slog.Any("error", closeErr))
		}
	}
	for _, d := range audioDecoders {
		if closeErr := d.Close(); closeErr != nil {
			p.logger.Warn("audio decoder close", slog.Any("error", closeErr))
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SetActive runs the audio switch protocol on the loaded session's
// compositor (§4.4). Returns an error if no session is loaded.
func (p *Pipeline) SetActive(source media.SourceId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return fmt.Errorf("pipeline: not loaded")
	}
	return p.compositorRef.SetActive(source)
}

// SetSwapped flips the background/PiP source assignment (§2, §9).
func (p *Pipeline) SetSwapped(swapped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		p.compositorRef.SetSwapped(swapped)
	}
}

// SetGeometry updates the PiP inset rectangle in place. The compositor
// holds the same pointer and reads it once per tick (§5 shared-
// resource policy), so this is safe to call from a concurrent HTTP
// handler without additional synchronization beyond the struct copy.
func (p *Pipeline) SetGeometry(g media.PipGeometry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.geometry != nil {
		*p.geometry = g
	}
}

// Stats returns a point-in-time introspection snapshot of the loaded
// session, or the zero value if nothing is loaded.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return Stats{}
	}
	return Stats{
		SessionID:    p.sessionID,
		ActiveSource: p.compositorRef.Active().String(),
		Degraded: map[string]bool{
			media.SourceA.String(): p.producers[media.SourceA].Degraded(),
			media.SourceB.String(): p.producers[media.SourceB].Degraded(),
		},
		VideoQueueDepth: map[string]int{
			media.SourceA.String(): p.videoDecoders[media.SourceA].QueueLen(),
			media.SourceB.String(): p.videoDecoders[media.SourceB].QueueLen(),
		},
		AudioQueueDepth: map[string]int{
			media.SourceA.String(): p.audioDecoders[media.SourceA].QueueLen(),
			media.SourceB.String(): p.audioDecoders[media.SourceB].QueueLen(),
		},
		PendingVideo:     p.feeder.PendingDepth(media.TrackVideo),
		PendingAudio:     p.feeder.PendingDepth(media.TrackAudio),
		LastEmittedPTSUs: p.compositorRef.LastEmittedPTSUs(),
	}
}

// newTrackDemuxers constructs one source's video and audio demuxers,
// wiring on_ready to the matching decoder's Configure and on_samples to
// Feed, per §4.2's hand-off to the Decoder Pair.
func (p *Pipeline) newTrackDemuxers(source media.SourceId) map[media.Track]*demux.Demuxer {
	videoDecoder := p.videoDecoders[source]
	audioDecoder := p.audioDecoders[source]

	videoDemux := demux.New(source, media.TrackVideo, p.cfg.Demux,
		func(params demux.TrackParams) {
			if err := videoDecoder.Configure(p.ctx, params.ConfigBytes); err != nil {
				p.surfaceConfigureError(err, source, media.TrackVideo)
			}
		},
		func(units []media.EncodedUnit) {
			for _, unit := range units {
				if err := videoDecoder.Feed(unit); err != nil {
					p.logger.Warn("video decoder feed", slog.Any("error", err))
				}
			}
		},
		p.onError, p.logger,
	)

	audioDemux := demux.New(source, media.TrackAudio, p.cfg.Demux,
		func(params demux.TrackParams) {
			if err := audioDecoder.Configure(p.ctx, params.ConfigBytes); err != nil {
				p.surfaceConfigureError(err, source, media.TrackAudio)
			}
		},
		func(units []media.EncodedUnit) {
			for _, unit := range units {
				if err := audioDecoder.Feed(unit); err != nil {
					p.logger.Warn("audio decoder feed", slog.Any("error", err))
				}
			}
		},
		p.onError, p.logger,
	)

	return map[media.Track]*demux.Demuxer{media.TrackVideo: videoDemux, media.TrackAudio: audioDemux}
}

// surfaceConfigureError normalizes a decoder Configure failure into a
// PipelineError before handing it to onError: Configure already
// returns a *media.PipelineError for CodecUnsupported, but a transport
// failure from IsConfigSupported arrives as a plain wrapped error.
func (p *Pipeline) surfaceConfigureError(err error, source media.SourceId, track media.Track) {
	var pe *media.PipelineError
	if errors.As(err, &pe) {
		if p.onError != nil {
			p.onError(pe)
		}
		return
	}
	if p.onError != nil {
		p.onError(media.NewPipelineError(media.CodecUnsupported, source, track, err))
	}
}

// onSegment builds the producer callback for one source: hand the
// fetched segment to the matching track's demuxer, then immediately
// acknowledge consumption to free the producer's bounded ready-queue
// slot, per §4.1/§4.2's single-threaded cooperative hand-off.
func (p *Pipeline) onSegment(source media.SourceId) producer.OnSegmentFunc {
	return func(record media.SegmentRecord) {
		p.demuxers[source][record.Track].Append(record)
		p.producers[source].Ack(record.Track)
	}
}

func (p *Pipeline) emitBufferUpdate(videoRanges, audioRanges []sinkfeed.Range) {
	if p.onBufferUpdate != nil {
		p.onBufferUpdate(videoRanges, audioRanges)
	}
}

// compositorSink adapts the audio AppendTarget's seconds-based surface
// to the compositor's microsecond-based Sink contract (§4.4, §6).
type compositorSink struct {
	audio sinkfeed.AppendTarget
}

func (s *compositorSink) CurrentTimeUs() int64 {
	return int64(s.audio.CurrentTimeS() * 1_000_000)
}

func (s *compositorSink) AudioUpdating() bool {
	return s.audio.Updating()
}

// RemoveAudioRange translates toUs=-1 ("to the end of the buffered
// range") into the AppendTarget's own to-end convention.
func (s *compositorSink) RemoveAudioRange(fromUs, toUs int64) error {
	fromS := float64(fromUs) / 1_000_000
	if toUs < 0 {
		return s.audio.Remove(fromS, -1)
	}
	return s.audio.Remove(fromS, float64(toUs)/1_000_000)
}
