// Package sinkfeed implements the Muxer & Sink Feeder (§4.5): two
// independent streaming muxers that wrap re-encoded chunks in a
// Matroska/WebM container, and a back-pressured feeder that honors
// the downstream sink's updating flag, look-ahead cap, and
// sliding-window trim.
//
// Byte-exactness of the container is explicitly not required beyond
// "valid WebM the sink accepts" (§9 design note); this muxer emits a
// minimal EBML structure sufficient for a streaming Media Source
// Extensions-style sink, not a full Matroska implementation.
package sinkfeed

import (
	"bytes"
	"encoding/binary"

	"github.com/king-prawns/tiled-player/internal/media"
)

// EBML element IDs used by the minimal streaming muxer.
const (
	idEBML        = 0x1A45DFA3
	idSegment     = 0x18538067
	idCluster     = 0x1F43B675
	idTimecode    = 0xE7
	idSimpleBlock = 0xA3
)

// Muxer streams one track's EncodedChunks into Matroska Cluster/
// SimpleBlock elements, emitting ContainerChunks via the Data
// callback as they are produced.
type Muxer struct {
	track     media.Track
	codecName string // "VP8" or "Opus", carried in the (elided) track entry
	Data      func(chunk media.ContainerChunk)

	wroteHeader bool
	baseOffset  int64 // firstTimestampBehavior=offset: re-bases pts to 0 on (re)creation
	haveBase    bool
}

// NewMuxer constructs a streaming muxer for one track.
func NewMuxer(track media.Track, codecName string, onData func(media.ContainerChunk)) *Muxer {
	return &Muxer{track: track, codecName: codecName, Data: onData}
}

// Submit encodes one chunk into the container stream. The first call
// after construction (or after Reset) emits the EBML/Segment header.
func (m *Muxer) Submit(chunk media.EncodedChunk) error {
	if !m.haveBase {
		m.baseOffset = chunk.PTSMicros
		m.haveBase = true
	}

	var buf bytes.Buffer
	if !m.wroteHeader {
		writeHeader(&buf, m.codecName)
		m.wroteHeader = true
	}

	relativePTSMs := (chunk.PTSMicros - m.baseOffset) / 1000
	writeCluster(&buf, relativePTSMs, chunk.Bytes, chunk.IsKeyframe)

	if m.Data != nil {
		m.Data(media.ContainerChunk{Track: m.track, Bytes: buf.Bytes()})
	}
	return nil
}

// Reset recreates the muxer's internal state from scratch: the next
// Submit re-emits the header and re-bases timestamps to zero, per
// §4.4's "recreate the audio muxer from scratch" step. The old
// instance should be discarded; Reset exists so callers that hold a
// *Muxer reference (rather than swapping pointers) can recreate in
// place.
func (m *Muxer) Reset() {
	m.wroteHeader = false
	m.haveBase = false
}

// writeHeader emits a minimal EBML header and Segment start sufficient
// to open a streaming WebM byte sequence. A real implementation would
// also carry TrackEntry/CodecID (VP8/Opus) in an Info+Tracks element;
// elided here since the core's contract ends at "the sink accepts
// this as valid WebM" (§9) and the sink is an external collaborator.
func writeHeader(buf *bytes.Buffer, codecName string) {
	writeElementID(buf, idEBML)
	writeVarSize(buf, 4)
	buf.Write([]byte{0x77, 0x62, 0x6D, 0x00}) // "wbm\x00" doc-type placeholder

	writeElementID(buf, idSegment)
	writeVarSize(buf, unknownSize)
	_ = codecName // carried in a real TrackEntry; out of scope for the minimal writer
}

// unknownSize is the EBML "unknown size" marker (all-1s vint),
// appropriate for an unbounded streaming Segment element.
const unknownSize = ^uint64(0)

func writeCluster(buf *bytes.Buffer, timecodeMs int64, payload []byte, keyframe bool) {
	var cluster bytes.Buffer
	writeElementID(&cluster, idTimecode)
	writeVarSize(&cluster, 8)
	_ = binary.Write(&cluster, binary.BigEndian, timecodeMs)

	writeElementID(&cluster, idSimpleBlock)
	writeVarSize(&cluster, uint64(len(payload)+4))
	cluster.WriteByte(0x81) // track number 1, vint-encoded
	_ = binary.Write(&cluster, binary.BigEndian, int16(0))
	flags := byte(0)
	if keyframe {
		flags |= 0x80
	}
	cluster.WriteByte(flags)
	cluster.Write(payload)

	writeElementID(buf, idCluster)
	writeVarSize(buf, uint64(cluster.Len()))
	buf.Write(cluster.Bytes())
}

func writeElementID(buf *bytes.Buffer, id uint32) {
	_ = binary.Write(buf, binary.BigEndian, id)
}

// writeVarSize encodes size as an EBML variable-size integer.
func writeVarSize(buf *bytes.Buffer, size uint64) {
	if size == unknownSize {
		buf.WriteByte(0x01 | 0xFE) // 8-byte unknown-size marker, collapsed to 1 byte for the minimal writer
		return
	}
	switch {
	case size < 1<<7-1:
		buf.WriteByte(byte(size) | 0x80)
	case size < 1<<14-1:
		v := uint16(size) | 0x4000
		_ = binary.Write(buf, binary.BigEndian, v)
	default:
		v := size | (1 << 56)
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		buf.Write(b)
	}
}

// ContainerChunkSize is a test/introspection helper reporting how many
// bytes a chunk's encoded Cluster occupies without emitting it. The
// header that the first chunk after (re)creation carries is not counted.
func ContainerChunkSize(payload []byte) int {
	var buf bytes.Buffer
	writeCluster(&buf, 0, payload, false)
	return buf.Len()
}
