package media

// RingCapacityDefault is the default maximum number of entries retained
// per source: 60 s of audio at a 20 ms grain.
const RingCapacityDefault = 3000

// AudioRing is a bounded FIFO of raw audio frames kept per source for
// seamless switch-over (§3, §4.4). Entries are released on eviction,
// on switch consumption, or on shutdown — never silently dropped.
type AudioRing struct {
	capacity int
	entries  []*RawAudioFrame
}

// NewAudioRing constructs a ring with the given capacity. A capacity
// of 0 or less falls back to RingCapacityDefault.
func NewAudioRing(capacity int) *AudioRing {
	if capacity <= 0 {
		capacity = RingCapacityDefault
	}
	return &AudioRing{capacity: capacity, entries: make([]*RawAudioFrame, 0, capacity)}
}

// Len reports the current occupancy.
func (r *AudioRing) Len() int {
	return len(r.entries)
}

// Capacity reports the configured maximum occupancy.
func (r *AudioRing) Capacity() int {
	return r.capacity
}

// Push appends a frame, evicting and releasing the oldest entry first
// if the ring is already at capacity. The caller is expected to pass
// an already-cloned frame; the ingress original is released by the
// caller immediately after Push returns, per the compositor tick
// procedure.
func (r *AudioRing) Push(frame *RawAudioFrame) error {
	if len(r.entries) >= r.capacity {
		oldest := r.entries[0]
		r.entries = r.entries[1:]
		if err := oldest.Release(); err != nil {
			return err
		}
	}
	r.entries = append(r.entries, frame)
	return nil
}

// At returns the entry at index idx without removing it. idx is not
// bounds-checked beyond a nil result for out-of-range access; callers
// clamp the index themselves per the switch protocol's formula.
func (r *AudioRing) At(idx int) *RawAudioFrame {
	if idx < 0 || idx >= len(r.entries) {
		return nil
	}
	return r.entries[idx]
}

// StartIndexForTime computes the switch-protocol starting index:
// floor(tNowMicros / grainMicros) clamped to [0, len-1]. Returns -1 if
// the ring is empty.
func (r *AudioRing) StartIndexForTime(tNowMicros, grainMicros int64) int {
	if len(r.entries) == 0 {
		return -1
	}
	if grainMicros <= 0 {
		return 0
	}
	idx := int(tNowMicros / grainMicros)
	if idx < 0 {
		idx = 0
	}
	if idx > len(r.entries)-1 {
		idx = len(r.entries) - 1
	}
	return idx
}

// DrainFrom releases every entry in [0, startIdx) and returns the
// entries from startIdx onward in order, clearing the ring. Used by
// the switch protocol to consume the new active source's ring from
// its computed start index while discarding everything before it.
func (r *AudioRing) DrainFrom(startIdx int) ([]*RawAudioFrame, error) {
	if startIdx < 0 {
		startIdx = 0
	}
	if startIdx > len(r.entries) {
		startIdx = len(r.entries)
	}
	for _, f := range r.entries[:startIdx] {
		if err := f.Release(); err != nil {
			return nil, err
		}
	}
	remaining := r.entries[startIdx:]
	r.entries = r.entries[:0]
	return remaining, nil
}

// DrainAndRelease releases every entry in the ring and empties it.
// Used on switch completion (both rings are fully drained after
// consumption) and on shutdown.
func (r *AudioRing) DrainAndRelease() error {
	for _, f := range r.entries {
		if err := f.Release(); err != nil {
			return err
		}
	}
	r.entries = r.entries[:0]
	return nil
}

// ActiveAudio tracks which source is currently selected for audio
// output and the last PTS emitted to the muxer. Mutated only by the
// switch protocol and the re-encoder's audio feed step, never read
// concurrently from another goroutine under the single-threaded
// cooperative scheduling model.
type ActiveAudio struct {
	Current          SourceId
	LastEmittedPTSUs int64
}

// NewActiveAudio constructs ActiveAudio starting on the given source.
func NewActiveAudio(initial SourceId) *ActiveAudio {
	return &ActiveAudio{Current: initial}
}
