package sinkfeed

import (
	"errors"
	"testing"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	updating    bool
	appended    [][]byte
	buffered    []Range
	currentTime float64
	appendErr   error
	playCalls   int
	playErr     error
	removed     [][2]float64
	playing     bool
}

func (t *fakeTarget) Append(data []byte) error {
	if t.appendErr != nil {
		return t.appendErr
	}
	t.appended = append(t.appended, data)
	return nil
}
func (t *fakeTarget) Remove(startS, endS float64) error {
	t.removed = append(t.removed, [2]float64{startS, endS})
	return nil
}
func (t *fakeTarget) Buffered() []Range     { return t.buffered }
func (t *fakeTarget) Updating() bool        { return t.updating }
func (t *fakeTarget) CurrentTimeS() float64 { return t.currentTime }
func (t *fakeTarget) Play() error {
	t.playCalls++
	if t.playErr == nil {
		t.playing = true
	}
	return t.playErr
}

// Paused defaults to true (zero value, matching a freshly loaded sink
// before Play succeeds), so tests that never touch it keep exercising
// the autoplay precondition.
func (t *fakeTarget) Paused() bool { return !t.playing }

func TestFeeder_SkipsAppendWhileUpdating(t *testing.T) {
	video := &fakeTarget{updating: true}
	audio := &fakeTarget{}
	f := New(DefaultConfig(), video, audio, nil, nil, nil)

	f.Enqueue(media.ContainerChunk{Track: media.TrackVideo, Bytes: []byte("chunk")})

	assert.Empty(t, video.appended)
	assert.Equal(t, 1, f.PendingDepth(media.TrackVideo))
}

func TestFeeder_AppendsWhenIdle(t *testing.T) {
	video := &fakeTarget{}
	audio := &fakeTarget{}
	f := New(DefaultConfig(), video, audio, nil, nil, nil)

	f.Enqueue(media.ContainerChunk{Track: media.TrackVideo, Bytes: []byte("chunk")})

	require.Len(t, video.appended, 1)
	assert.Equal(t, 0, f.PendingDepth(media.TrackVideo))
}

func TestFeeder_LookaheadCapDefersAppend(t *testing.T) {
	video := &fakeTarget{buffered: []Range{{StartS: 0, EndS: 40}}, currentTime: 0}
	audio := &fakeTarget{}
	f := New(DefaultConfig(), video, audio, nil, nil, nil)

	f.Enqueue(media.ContainerChunk{Track: media.TrackVideo, Bytes: []byte("chunk")})

	assert.Empty(t, video.appended, "buffered 40s ahead of a 0 playhead exceeds the 30s lookahead cap")
}

func TestFeeder_TrimOnUpdateEnd(t *testing.T) {
	video := &fakeTarget{buffered: []Range{{StartS: 0, EndS: 15}}, currentTime: 12}
	audio := &fakeTarget{}
	f := New(DefaultConfig(), video, audio, nil, nil, nil)

	f.OnUpdateEnd(media.TrackVideo)

	require.Len(t, video.removed, 1)
	assert.Equal(t, 0.0, video.removed[0][0])
	assert.InDelta(t, 2.0, video.removed[0][1], 0.001)
}

func TestFeeder_AutoPlayOnceOnVideoUpdateEnd(t *testing.T) {
	video := &fakeTarget{buffered: []Range{{StartS: 0, EndS: 1.0}}}
	audio := &fakeTarget{}
	f := New(DefaultConfig(), video, audio, nil, nil, nil)

	f.OnUpdateEnd(media.TrackVideo)
	f.OnUpdateEnd(media.TrackVideo)

	assert.Equal(t, 1, video.playCalls, "autoplay requested exactly once")
}

func TestFeeder_SinkRejectedSurfacesFatalAfterThreeRejections(t *testing.T) {
	video := &fakeTarget{appendErr: errors.New("boom")}
	audio := &fakeTarget{}
	var gotErr *media.PipelineError
	f := New(DefaultConfig(), video, audio, nil, func(err *media.PipelineError) { gotErr = err }, nil)

	f.Enqueue(media.ContainerChunk{Track: media.TrackVideo, Bytes: []byte("chunk")})
	f.OnUpdateEnd(media.TrackVideo) // 2nd attempt, still rejected
	f.OnUpdateEnd(media.TrackVideo) // 3rd attempt: consecutive-rejection threshold hit

	require.NotNil(t, gotErr)
	assert.Equal(t, media.SinkRejected, gotErr.Kind)
}
