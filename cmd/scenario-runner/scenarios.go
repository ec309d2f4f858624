package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/producer"
	"github.com/king-prawns/tiled-player/internal/testutil"
)

// scenarioColdStart drives §8 scenario 1: both sources loaded, fed a
// run of video+audio frames, composited and re-encoded until the
// encoder has emitted output and the sink has accumulated buffered
// range, with no pipeline errors along the way.
func scenarioColdStart(ctx context.Context) error {
	h := NewHarness(true, true, true, true)

	if err := h.Configure(ctx, media.SourceA); err != nil {
		return fmt.Errorf("configure A: %w", err)
	}
	if err := h.Configure(ctx, media.SourceB); err != nil {
		return fmt.Errorf("configure B: %w", err)
	}

	// Fed in one shot rather than streamed across segments: n must stay
	// within the decoder's default 10-deep output queue (decode.Config{}
	// in NewHarness), since FeedVideo/FeedAudio wait for the queue to
	// reach n before returning.
	const frames = 8
	const periodUs = int64(33_333)
	h.FeedVideo(media.SourceA, frames, 0, periodUs)
	h.FeedAudio(media.SourceA, frames, 0, periodUs)
	h.FeedVideo(media.SourceB, frames, 0, periodUs)
	h.FeedAudio(media.SourceB, frames, 0, periodUs)

	for i := 0; i < frames; i++ {
		if _, err := h.Tick(); err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
	}

	if len(h.Errors) != 0 {
		return fmt.Errorf("unexpected pipeline errors: %v", h.Errors)
	}
	if len(h.BufferUpdates) == 0 {
		return fmt.Errorf("expected at least one BufferUpdate")
	}
	ranges := h.VideoSink().Buffered()
	if len(ranges) == 0 || ranges[len(ranges)-1].EndS <= 0 {
		return fmt.Errorf("expected non-empty composited video buffer, got %v", ranges)
	}
	return nil
}

// scenarioSwapAt3s drives §8 scenario 2: set_active(B) with the sink
// parked at current_time=3.00s. Expects exactly one ActiveSourceChanged{B}
// and the next audio PTS re-based to 3 100 000us (current_time plus the
// 100ms switch offset, independent of ring occupancy); ring-B is
// consumed from the 20ms grid index SetActive derives internally via
// AudioRing.StartIndexForTime.
func scenarioSwapAt3s(ctx context.Context) error {
	h := NewHarness(true, true, true, true)
	if err := h.Configure(ctx, media.SourceA); err != nil {
		return err
	}
	if err := h.Configure(ctx, media.SourceB); err != nil {
		return err
	}

	// Streamed in batches of at most the decoder's 10-deep output queue,
	// ticking between batches to drain each one into the audio ring
	// before the next arrives.
	const periodUs = int64(20_000) // matches the audio grain
	const total = 15
	const batch = 5
	for fed := 0; fed < total; fed += batch {
		h.FeedAudio(media.SourceA, batch, int64(fed)*periodUs, periodUs)
		h.FeedAudio(media.SourceB, batch, int64(fed)*periodUs, periodUs)
		h.FeedVideo(media.SourceA, batch, int64(fed)*periodUs, periodUs)
		h.FeedVideo(media.SourceB, batch, int64(fed)*periodUs, periodUs)
		for i := 0; i < batch; i++ {
			if _, err := h.Tick(); err != nil {
				return fmt.Errorf("pre-swap tick %d: %w", fed+i, err)
			}
		}
	}

	h.AudioSink().SetCurrentTimeS(3.00)

	if err := h.SetActive(media.SourceB); err != nil {
		return fmt.Errorf("SetActive(B): %w", err)
	}

	if len(h.ActiveChanges) != 1 || h.ActiveChanges[0] != media.SourceB {
		return fmt.Errorf("expected exactly one ActiveSourceChanged{B}, got %v", h.ActiveChanges)
	}
	if h.Active() != media.SourceB {
		return fmt.Errorf("expected active source B, got %s", h.Active())
	}
	const wantPTS = int64(3_100_000)
	if h.LastEmittedPTSUs() < wantPTS {
		return fmt.Errorf("expected last emitted PTS >= %d, got %d", wantPTS, h.LastEmittedPTSUs())
	}

	// Idempotence: re-issuing the same active source must not fire a
	// second ActiveSourceChanged (§8 switch-idempotence property).
	if err := h.SetActive(media.SourceB); err != nil {
		return fmt.Errorf("idempotent SetActive(B): %w", err)
	}
	if len(h.ActiveChanges) != 1 {
		return fmt.Errorf("expected SetActive to be idempotent, got %d changes", len(h.ActiveChanges))
	}
	return nil
}

// scenarioEncoderSaturation drives §8 scenario 3: 15 back-to-back
// composited frames while the video encoder's queue depth reports 11
// for the final 4 — exactly 4 drops, and frame_index only advances for
// the 11 encoded frames.
func scenarioEncoderSaturation(ctx context.Context) error {
	h := NewHarness(true, true, true, true)
	if err := h.Configure(ctx, media.SourceA); err != nil {
		return err
	}
	if err := h.Configure(ctx, media.SourceB); err != nil {
		return err
	}

	// Fed in two batches (8 then 7) to stay within the decoder's 10-deep
	// output queue; the saturation schedule below is indexed by the
	// cumulative tick count, not the batch boundary.
	const n = 15
	const firstBatch = 8
	h.FeedVideo(media.SourceA, firstBatch, 0, 33_333)

	enc := h.VideoEncoder()
	tick := 0
	for ; tick < firstBatch; tick++ {
		enc.SetQueueDepth(0)
		if _, err := h.Tick(); err != nil {
			return fmt.Errorf("tick %d: %w", tick, err)
		}
	}
	h.FeedVideo(media.SourceA, n-firstBatch, int64(firstBatch)*33_333, 33_333)
	for ; tick < n; tick++ {
		if tick < 11 {
			enc.SetQueueDepth(0)
		} else {
			enc.SetQueueDepth(11)
		}
		if _, err := h.Tick(); err != nil {
			return fmt.Errorf("tick %d: %w", tick, err)
		}
	}

	dropped := 0
	for _, e := range h.Errors {
		if e.Kind == media.EncoderSaturation {
			dropped++
		}
	}
	if dropped != 4 {
		return fmt.Errorf("expected exactly 4 dropped frames, got %d (errors=%v)", dropped, h.Errors)
	}
	return nil
}

// scenarioOneStreamEndsEarly drives §8 scenario 4: A EOFs early, B
// continues; the compositor must keep drawing (B full-canvas, per the
// documented background-absent design choice) until B also EOFs, then
// report done.
func scenarioOneStreamEndsEarly(ctx context.Context) error {
	h := NewHarness(true, true, true, true)
	if err := h.Configure(ctx, media.SourceA); err != nil {
		return err
	}
	if err := h.Configure(ctx, media.SourceB); err != nil {
		return err
	}

	h.FeedVideo(media.SourceA, 5, 0, 33_333)
	h.FeedVideo(media.SourceB, 10, 0, 33_333)
	h.CloseVideo(media.SourceA)

	done := false
	for i := 0; i < 200 && !done; i++ {
		var err error
		done, err = h.Tick()
		if err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
		if i == 6 {
			h.CloseVideo(media.SourceB)
		}
	}
	if !done {
		return fmt.Errorf("compositor never reached done after both sources EOF")
	}
	return nil
}

// scenarioAbortMidFetch drives §8 scenario 5 directly against the
// Segment Producer (bypassing Harness, which has no fetch layer):
// destroy() while segment 3's fetch is in flight. Expects no further
// segments emitted once Destroy returns, and no panic unwinding the
// in-flight request.
func scenarioAbortMidFetch(ctx context.Context) error {
	fetchStarted := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every fetch before the third video segment completes at once;
		// that one stalls until the request is aborted.
		if r.URL.Path != "/video-2.m4s" {
			_, _ = w.Write([]byte{0})
			return
		}
		select {
		case fetchStarted <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(5 * time.Second):
		}
		_, _ = w.Write([]byte{0})
	}))
	defer srv.Close()

	manifest := testutil.BuildManifest(srv.URL, 10, 2_000_000, "mp4a.40.2")

	var mu sync.Mutex
	segCount := 0
	onSeg := func(media.SegmentRecord) {
		mu.Lock()
		segCount++
		mu.Unlock()
	}
	onErr := func(*media.PipelineError) {}

	p := producer.New(media.SourceA, manifest, producer.DefaultConfig(), onSeg, onErr, nil)
	p.Start(ctx)

	select {
	case <-fetchStarted:
	case <-time.After(2 * time.Second):
		p.Destroy()
		return fmt.Errorf("fetch never started")
	}

	p.Destroy() // aborts the in-flight fetch; blocks until the run loop exits, no panic expected

	mu.Lock()
	countAtAbort := segCount
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if segCount != countAtAbort {
		return fmt.Errorf("segment emitted after Destroy: %d -> %d", countAtAbort, segCount)
	}
	return nil
}

// scenarioUnsupportedAudio drives §8 scenario 6: B declares a codec
// the host decoder rejects. A's audio keeps playing; B's audio
// pipeline is torn down but switching active to B still fires
// ActiveSourceChanged, leaving the audio buffer empty after clearing.
func scenarioUnsupportedAudio(ctx context.Context) error {
	h := NewHarness(true, true, true, false) // B's audio unsupported
	if err := h.Configure(ctx, media.SourceA); err != nil {
		return fmt.Errorf("configure A: %w", err)
	}
	if err := h.Configure(ctx, media.SourceB); err != nil {
		return fmt.Errorf("configure B: %w", err)
	}

	foundUnsupported := false
	for _, e := range h.Errors {
		if e.Kind == media.CodecUnsupported && e.Source == media.SourceB && e.Track == media.TrackAudio {
			foundUnsupported = true
		}
	}
	if !foundUnsupported {
		return fmt.Errorf("expected CodecUnsupported for B's audio track, got %v", h.Errors)
	}

	h.FeedVideo(media.SourceA, 5, 0, 33_333)
	h.FeedAudio(media.SourceA, 5, 0, 33_333)
	for i := 0; i < 5; i++ {
		if _, err := h.Tick(); err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
	}

	if err := h.SetActive(media.SourceB); err != nil {
		return fmt.Errorf("SetActive(B): %w", err)
	}
	found := false
	for _, s := range h.ActiveChanges {
		if s == media.SourceB {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("expected ActiveSourceChanged{B} despite B's torn-down audio")
	}
	return nil
}
