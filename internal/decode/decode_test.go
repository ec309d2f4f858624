package decode

import (
	"context"
	"testing"
	"time"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ released int }

func (h *fakeHandle) Release() { h.released++ }

type fakeVideoEngine struct {
	supported bool
	out       chan *media.RawVideoFrame
	closed    bool
}

func newFakeVideoEngine(supported bool) *fakeVideoEngine {
	return &fakeVideoEngine{supported: supported, out: make(chan *media.RawVideoFrame, 16)}
}

func (e *fakeVideoEngine) IsConfigSupported(context.Context, []byte) (bool, error) { return e.supported, nil }
func (e *fakeVideoEngine) Configure([]byte) error                                  { return nil }
func (e *fakeVideoEngine) Feed(media.EncodedUnit) error                            { return nil }
func (e *fakeVideoEngine) VideoOutput() <-chan *media.RawVideoFrame                { return e.out }
func (e *fakeVideoEngine) Close() error {
	if !e.closed {
		e.closed = true
		close(e.out)
	}
	return nil
}

func TestVideoDecoder_ConfigureUnsupportedIsFatal(t *testing.T) {
	engine := newFakeVideoEngine(false)
	d := NewVideoDecoder(media.SourceA, engine, Config{}, nil, nil)

	err := d.Configure(context.Background(), nil)
	require.Error(t, err)
	var pe *media.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, media.CodecUnsupported, pe.Kind)
}

func TestVideoDecoder_DequeueAndClose(t *testing.T) {
	engine := newFakeVideoEngine(true)
	d := NewVideoDecoder(media.SourceA, engine, Config{QueueDepth: 2}, nil, nil)

	require.NoError(t, d.Configure(context.Background(), nil))

	h1, h2 := &fakeHandle{}, &fakeHandle{}
	engine.out <- media.NewRawVideoFrame(h1, 0)
	engine.out <- media.NewRawVideoFrame(h2, 33333)
	engine.Close()

	require.Eventually(t, func() bool {
		return d.QueueLen() == 2
	}, time.Second, time.Millisecond)

	frame, ok := d.Dequeue()
	require.True(t, ok)
	require.NoError(t, frame.Release())
	assert.Equal(t, 1, h1.released)

	// Close releases the remaining queued frame exactly once.
	require.NoError(t, d.Close())
	assert.Equal(t, 1, h2.released)
}
