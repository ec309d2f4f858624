// Package media defines the shared data model for the dual-stream
// picture-in-picture pipeline: source identity, segment and sample
// records, raw decoded frames, and the reference-counted ownership
// discipline that governs their release.
package media

import "fmt"

// SourceId identifies one of the two concurrent source pipelines.
type SourceId int

const (
	// SourceA is the first source, background by default.
	SourceA SourceId = iota
	// SourceB is the second source, PiP by default.
	SourceB
)

// String implements fmt.Stringer.
func (s SourceId) String() string {
	switch s {
	case SourceA:
		return "A"
	case SourceB:
		return "B"
	default:
		return fmt.Sprintf("SourceId(%d)", int(s))
	}
}

// Other returns the source that is not s. Only meaningful for the two
// defined sources; panics is avoided by falling back to SourceA.
func (s SourceId) Other() SourceId {
	if s == SourceA {
		return SourceB
	}
	return SourceA
}

// Track distinguishes the media kind carried by a segment, sample, or
// frame. Modeled as a tagged enum rather than a heterogenous map, per
// the dynamic-dispatch design note: the video/audio distinction is
// pervasive and every consumer branches on it explicitly.
type Track int

const (
	// TrackVideo carries video data.
	TrackVideo Track = iota
	// TrackAudio carries audio data.
	TrackAudio
)

// String implements fmt.Stringer.
func (t Track) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return fmt.Sprintf("Track(%d)", int(t))
	}
}

// SegmentKind distinguishes initialization segments (codec/container
// setup, no samples) from media segments (sample data).
type SegmentKind int

const (
	// SegmentInit is a container initialization segment.
	SegmentInit SegmentKind = iota
	// SegmentMedia is an ordinary media segment carrying samples.
	SegmentMedia
)

// String implements fmt.Stringer.
func (k SegmentKind) String() string {
	switch k {
	case SegmentInit:
		return "init"
	case SegmentMedia:
		return "media"
	default:
		return fmt.Sprintf("SegmentKind(%d)", int(k))
	}
}

// SegmentRecord is one fetched byte range from the Segment Producer.
// Created by the producer, consumed by the Demultiplexer, and dropped
// after the bytes have been appended to the demuxer's running stream.
type SegmentRecord struct {
	Kind       SegmentKind
	Track      Track
	Bytes      []byte
	PTSMicros  int64
	DurationUs int64
}

// EncodedUnit is one access unit produced by the Demultiplexer and fed
// to the matching decoder. Its lifetime ends once the decoder has
// accepted it for decode.
type EncodedUnit struct {
	Track       Track
	IsKeyframe  bool
	PTSMicros   int64
	DurationUs  int64
	Bytes       []byte
}

// PipGeometry is the picture-in-picture inset rectangle, expressed in
// canvas pixel coordinates. It is mutated by the external input
// handler and read once per compositor tick; field-level writes are
// permitted because no invariant spans two fields (§5 shared-resource
// policy), so tearing within one frame is acceptable.
type PipGeometry struct {
	X int
	Y int
	W int
	H int
}

// Swapped returns the background/PiP source assignment for a given
// swapped flag: swapped=false means A is background, B is PiP.
func Swapped(swapped bool) (background, pip SourceId) {
	if swapped {
		return SourceB, SourceA
	}
	return SourceA, SourceB
}
