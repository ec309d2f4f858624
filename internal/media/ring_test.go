package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushN(t *testing.T, ring *AudioRing, n int, startPTS int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		frame := NewRawAudioFrame(&fakeHandle{}, startPTS+int64(i)*20000, 20000)
		require.NoError(t, ring.Push(frame))
	}
}

func TestAudioRing_BoundedAtCapacity(t *testing.T) {
	ring := NewAudioRing(4)
	pushN(t, ring, 6, 0)
	assert.Equal(t, 4, ring.Len())
	assert.Equal(t, int64(40000), ring.At(0).PTSMicros, "oldest two entries should have been evicted")
}

func TestAudioRing_DefaultCapacity(t *testing.T) {
	ring := NewAudioRing(0)
	assert.Equal(t, RingCapacityDefault, ring.Capacity())
}

func TestAudioRing_StartIndexForTime(t *testing.T) {
	ring := NewAudioRing(RingCapacityDefault)
	pushN(t, ring, 200, 0)

	// t_now = 3.0s, grain = 20ms -> index 150.
	idx := ring.StartIndexForTime(3_000_000, 20_000)
	assert.Equal(t, 150, idx)

	// Clamped to len-1 when computed index exceeds occupancy.
	idx = ring.StartIndexForTime(10_000_000, 20_000)
	assert.Equal(t, 199, idx)
}

func TestAudioRing_DrainFromReleasesPrefix(t *testing.T) {
	ring := NewAudioRing(10)
	handles := make([]*fakeHandle, 5)
	for i := 0; i < 5; i++ {
		h := &fakeHandle{}
		handles[i] = h
		require.NoError(t, ring.Push(NewRawAudioFrame(h, int64(i)*20000, 20000)))
	}

	remaining, err := ring.DrainFrom(2)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
	assert.Equal(t, 1, handles[0].released)
	assert.Equal(t, 1, handles[1].released)
	assert.Equal(t, 0, handles[2].released)
	assert.Equal(t, 0, ring.Len(), "ring is emptied by DrainFrom")
}

func TestAudioRing_DrainAndRelease(t *testing.T) {
	ring := NewAudioRing(10)
	pushN(t, ring, 3, 0)
	require.NoError(t, ring.DrainAndRelease())
	assert.Equal(t, 0, ring.Len())
}
