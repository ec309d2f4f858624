// Package producer implements the Segment Producer (§4.1): one fetch
// loop per source that turns a manifest descriptor into an ordered
// stream of SegmentRecords, honoring a bounded ready-queue and a
// retry-once-then-degrade network failure policy.
package producer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/observability"
	"github.com/king-prawns/tiled-player/pkg/httpclient"
)

// SegmentDescriptor names one fetchable media segment in its declared
// timescale.
type SegmentDescriptor struct {
	URL        string
	PTSMicros  int64
	DurationUs int64
}

// ManifestDescriptor is the upstream manifest contract (§6): init URLs
// plus ordered media segment lists for both tracks of one source.
type ManifestDescriptor struct {
	VideoInitURL     string
	AudioInitURL     string
	VideoSegments    []SegmentDescriptor
	AudioSegments    []SegmentDescriptor
	AudioCodecFourCC string
}

// MaxQueueDefault is the default bounded ready-queue depth per track
// (§4.1, §6: segment prefetch 4).
const MaxQueueDefault = 4

// TickIntervalDefault is the default producer tick period.
const TickIntervalDefault = 100 * time.Millisecond

// OnSegmentFunc is invoked once per arrived SegmentRecord, in emission
// order, on the pipeline's single logical task.
type OnSegmentFunc func(record media.SegmentRecord)

// OnErrorFunc is invoked when a PipelineError is raised; for
// NetworkFailure this fires only after the single immediate retry has
// also failed.
type OnErrorFunc func(err *media.PipelineError)

// Config configures a Producer instance. BreakerThreshold and
// BreakerCooldown size the circuit breaker guarding HTTPClient
// (§SPEC_FULL supplemented feature: degraded-source circuit breaking);
// they are ignored if HTTPClient is supplied pre-built.
type Config struct {
	MaxQueue         int
	TickInterval     time.Duration
	HTTPClient       *httpclient.Client
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the spec-exact defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueue:         MaxQueueDefault,
		TickInterval:     TickIntervalDefault,
		BreakerThreshold: httpclient.DefaultCircuitThreshold,
		BreakerCooldown:  httpclient.DefaultCircuitTimeout,
	}
}

// Producer drives one source's segment fetch loop. Not safe for
// concurrent use from more than one goroutine; the single-threaded
// cooperative scheduling model means all callbacks and tick
// processing happen on the pipeline's one logical task.
type Producer struct {
	source   media.SourceId
	manifest ManifestDescriptor
	cfg      Config
	onSeg    OnSegmentFunc
	onErr    OnErrorFunc
	logger   *slog.Logger

	mu       sync.Mutex
	queued   map[media.Track]int
	videoIdx int
	audioIdx int
	initDone map[media.Track]bool
	degraded bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Producer for one source.
func New(source media.SourceId, manifest ManifestDescriptor, cfg Config, onSeg OnSegmentFunc, onErr OnErrorFunc, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = MaxQueueDefault
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = TickIntervalDefault
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = httpclient.DefaultCircuitThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = httpclient.DefaultCircuitTimeout
	}
	if cfg.HTTPClient == nil {
		// Routed through the shared ClientFactory/CircuitBreakerManager
		// (rather than constructing a breaker directly) so every source's
		// producer shares the manager's per-service breaker registry and
		// can be retuned at runtime via UpdateServiceConfig.
		serviceName := "producer_" + source.String()
		httpclient.DefaultManager.UpdateServiceConfig(serviceName, httpclient.CircuitBreakerProfileConfig{
			FailureThreshold: cfg.BreakerThreshold,
			ResetTimeout:     cfg.BreakerCooldown,
			HalfOpenMax:      httpclient.DefaultCircuitHalfOpenMax,
		})
		cfg.HTTPClient = httpclient.DefaultFactory.CreateClientForService(serviceName)
	}

	return &Producer{
		source:   source,
		manifest: manifest,
		cfg:      cfg,
		onSeg:    onSeg,
		onErr:    onErr,
		logger:   observability.WithComponent(logger, "producer"),
		queued:   map[media.Track]int{media.TrackVideo: 0, media.TrackAudio: 0},
		initDone: map[media.Track]bool{media.TrackVideo: false, media.TrackAudio: false},
	}
}

// Start begins the fetch loop in a background goroutine. The loop runs
// until the context is canceled or Stop is called.
func (p *Producer) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run()
}

// Stop aborts in-flight fetches and halts the tick loop. Idempotent.
func (p *Producer) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// Destroy is an alias for Stop, matching the §4.1 contract naming.
func (p *Producer) Destroy() {
	p.Stop()
}

func (p *Producer) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	// Init segments always precede media segments of the same track.
	p.fetchInit(media.TrackVideo, p.manifest.VideoInitURL)
	if p.ctx.Err() != nil {
		return
	}
	p.fetchInit(media.TrackAudio, p.manifest.AudioInitURL)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.ctx.Err() != nil {
				return
			}
			p.tick()
			if p.videoIdx >= len(p.manifest.VideoSegments) && p.audioIdx >= len(p.manifest.AudioSegments) {
				return
			}
		}
	}
}

// tick advances both tracks by at most one segment each, respecting
// back-pressure: if a track's ready-queue is already at MaxQueue, the
// next fetch for that track is not scheduled this tick.
func (p *Producer) tick() {
	p.maybeFetchNext(media.TrackVideo)
	p.maybeFetchNext(media.TrackAudio)
}

func (p *Producer) maybeFetchNext(track media.Track) {
	p.mu.Lock()
	if p.queued[track] >= p.cfg.MaxQueue {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	segs, idx := p.segmentsAndIndex(track)
	if idx >= len(segs) {
		return
	}
	desc := segs[idx]
	p.advanceIndex(track)

	p.fetchMedia(track, desc)
}

func (p *Producer) segmentsAndIndex(track media.Track) ([]SegmentDescriptor, int) {
	if track == media.TrackVideo {
		return p.manifest.VideoSegments, p.videoIdx
	}
	return p.manifest.AudioSegments, p.audioIdx
}

func (p *Producer) advanceIndex(track media.Track) {
	if track == media.TrackVideo {
		p.videoIdx++
	} else {
		p.audioIdx++
	}
}

func (p *Producer) fetchInit(track media.Track, url string) {
	if url == "" {
		return
	}
	bytes, ok := p.fetchWithRetry(track, url)
	if !ok {
		return
	}
	p.emit(media.SegmentRecord{Kind: media.SegmentInit, Track: track, Bytes: bytes})
	p.initDone[track] = true
}

func (p *Producer) fetchMedia(track media.Track, desc SegmentDescriptor) {
	bytes, ok := p.fetchWithRetry(track, desc.URL)
	if !ok {
		return
	}
	p.emit(media.SegmentRecord{
		Kind:       media.SegmentMedia,
		Track:      track,
		Bytes:      bytes,
		PTSMicros:  desc.PTSMicros,
		DurationUs: desc.DurationUs,
	})
}

// fetchWithRetry performs the fetch, retrying exactly once immediately
// on transport failure before surfacing NetworkFailure. If the
// context was already canceled (abort signal raised), failures are
// dropped silently rather than surfaced.
func (p *Producer) fetchWithRetry(track media.Track, url string) ([]byte, bool) {
	bytes, err := p.doFetch(url)
	if err == nil {
		return bytes, true
	}
	if p.ctx.Err() != nil {
		return nil, false
	}

	bytes, err = p.doFetch(url)
	if err == nil {
		return bytes, true
	}
	if p.ctx.Err() != nil {
		return nil, false
	}

	p.mu.Lock()
	p.degraded = true
	p.mu.Unlock()

	p.logger.Warn("segment fetch failed after retry",
		slog.String("url", url),
		slog.String("source", p.source.String()),
		slog.Any("error", err),
	)
	if p.onErr != nil {
		p.onErr(media.NewPipelineError(media.NetworkFailure, p.source, track, fmt.Errorf("fetching %s: %w", url, err)))
	}
	return nil, false
}

func (p *Producer) doFetch(url string) ([]byte, error) {
	resp, err := p.cfg.HTTPClient.Get(p.ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, readErr
		}
	}
	return buf, nil
}

// emit invokes the on_segment callback and tracks queue occupancy for
// back-pressure. The queue count is decremented by the consumer
// (Demultiplexer) acknowledging consumption via Ack.
func (p *Producer) emit(record media.SegmentRecord) {
	if record.Kind == media.SegmentMedia {
		p.mu.Lock()
		p.queued[record.Track]++
		p.mu.Unlock()
	}
	if p.onSeg != nil {
		p.onSeg(record)
	}
}

// Ack tells the producer that one queued record for track has been
// consumed downstream, freeing one slot in the bounded ready-queue.
func (p *Producer) Ack(track media.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued[track] > 0 {
		p.queued[track]--
	}
}

// Degraded reports whether this source's pipeline has been marked
// degraded after an unrecoverable network failure, or its circuit
// breaker has tripped open on repeated transport failures.
func (p *Producer) Degraded() bool {
	p.mu.Lock()
	degraded := p.degraded
	p.mu.Unlock()
	return degraded || p.cfg.HTTPClient.CircuitState() == httpclient.CircuitOpen
}
