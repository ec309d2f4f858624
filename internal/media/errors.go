package media

import (
	"errors"
	"fmt"
)

// Sentinel errors used throughout the pipeline, matching the style of
// plain errors.New values plus fmt.Errorf wrapping rather than a
// hierarchy of custom types for every failure.
var (
	// ErrDoubleRelease is returned when a frame's Release method is
	// called more than once.
	ErrDoubleRelease = errors.New("media: frame already released")
	// ErrNotCloneable is returned when Clone is called on a frame whose
	// handle does not support duplication.
	ErrNotCloneable = errors.New("media: frame handle is not cloneable")
	// ErrRingEmpty is returned when a caller asks the audio ring for an
	// entry while it holds none.
	ErrRingEmpty = errors.New("media: audio ring is empty")
	// ErrUnsupportedCodec is returned when a demuxer or decoder cannot
	// recognize or configure for a track's codec.
	ErrUnsupportedCodec = errors.New("media: unsupported codec")
	// ErrMalformedSegment is returned when a demuxer cannot make sense of
	// a segment's box tree or sample table (§7 DemuxMalformed).
	ErrMalformedSegment = errors.New("media: malformed segment")
)

// ErrorKind classifies a PipelineError per the error-handling design:
// each kind has a single detection site and a fixed recovery policy.
type ErrorKind int

const (
	// NetworkFailure is detected by the Segment Producer: retry once
	// immediately, then surface and mark the source degraded.
	NetworkFailure ErrorKind = iota
	// DemuxMalformed is detected by the Demultiplexer: tear down the
	// affected track only.
	DemuxMalformed
	// CodecUnsupported is detected at decoder configure time: fatal for
	// video, audio-pipeline-only for audio.
	CodecUnsupported
	// EncoderSaturation is detected at the video encoder's input: drop
	// the current frame.
	EncoderSaturation
	// SinkRejected is detected on the append path: retry after the next
	// updateend, fatal after three consecutive rejections.
	SinkRejected
	// MuxerOutOfOrder should never be reachable by design; if observed,
	// the muxer is recreated and playback resumes.
	MuxerOutOfOrder
	// Aborted is raised anywhere as part of a silent unwind to teardown.
	Aborted
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case NetworkFailure:
		return "NetworkFailure"
	case DemuxMalformed:
		return "DemuxMalformed"
	case CodecUnsupported:
		return "CodecUnsupported"
	case EncoderSaturation:
		return "EncoderSaturation"
	case SinkRejected:
		return "SinkRejected"
	case MuxerOutOfOrder:
		return "MuxerOutOfOrder"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// PipelineError is the typed failure carried through the host event
// channel as a terminal Error(kind, message) event, or logged and
// absorbed according to the kind's recovery policy.
type PipelineError struct {
	Kind   ErrorKind
	Source SourceId
	Track  Track
	Err    error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (source=%s track=%s): %v", e.Kind, e.Source, e.Track, e.Err)
	}
	return fmt.Sprintf("%s (source=%s track=%s)", e.Kind, e.Source, e.Track)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError constructs a PipelineError with a wrapped cause.
func NewPipelineError(kind ErrorKind, source SourceId, track Track, err error) *PipelineError {
	return &PipelineError{Kind: kind, Source: source, Track: track, Err: err}
}
