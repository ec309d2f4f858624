package media

import (
	"image"
	"sync/atomic"
)

// FrameHandle is the opaque payload carried by a raw decoded frame. In
// a real deployment this wraps a GPU-backed image or PCM buffer handle
// owned by the codec engine; the core treats it as opaque and only
// manages its release discipline.
type FrameHandle interface {
	// Release returns the underlying resource to the codec engine. It
	// must be safe to call at most once per handle; callers are
	// responsible for the single-release invariant, enforced here via
	// RawVideoFrame/RawAudioFrame's own released guard.
	Release()
}

// released tracks the single-release invariant for a frame and is
// embedded in both raw frame types. Instrumented with an atomic
// counter so property tests can assert "released exactly once" rather
// than merely "released at least once".
type released struct {
	count atomic.Int32
}

// markReleased returns true the first time it is called on a given
// frame, and false on every subsequent call, so callers can detect a
// double-release attempt instead of silently double-freeing.
func (r *released) markReleased() bool {
	return r.count.Add(1) == 1
}

// ReleaseCount reports how many times Release has been invoked. A
// well-behaved pipeline run should produce exactly 1 for every frame
// that was ever delivered from a decoder queue.
func (r *released) ReleaseCount() int32 {
	return r.count.Load()
}

// RawVideoFrame is a decoded video frame backed by a GPU/image handle.
// Ownership transfers from the decoder output queue, to the
// compositor's draw step, to exactly one Release call. Double-release
// and leaks are both bugs; ErrDoubleRelease is returned (not panicked)
// so callers can log and continue per the Aborted error policy.
type RawVideoFrame struct {
	Handle    FrameHandle
	PTSMicros int64

	released
}

// NewRawVideoFrame wraps a handle delivered by the video decoder.
func NewRawVideoFrame(handle FrameHandle, ptsMicros int64) *RawVideoFrame {
	return &RawVideoFrame{Handle: handle, PTSMicros: ptsMicros}
}

// Release returns the frame's handle to the decoder exactly once. A
// second call returns ErrDoubleRelease without touching the handle
// again.
func (f *RawVideoFrame) Release() error {
	if !f.markReleased() {
		return ErrDoubleRelease
	}
	if f.Handle != nil {
		f.Handle.Release()
	}
	return nil
}

// RawAudioFrame is a decoded planar PCM frame. Clonable only via
// Clone, which the audio ring uses to retain a copy while releasing
// the original ingress frame immediately (§5 shared-resource policy).
type RawAudioFrame struct {
	Handle     FrameHandle
	PTSMicros  int64
	DurationUs int64

	released
}

// NewRawAudioFrame wraps a handle delivered by the audio decoder.
func NewRawAudioFrame(handle FrameHandle, ptsMicros, durationUs int64) *RawAudioFrame {
	return &RawAudioFrame{Handle: handle, PTSMicros: ptsMicros, DurationUs: durationUs}
}

// Release returns the frame's handle exactly once.
func (f *RawAudioFrame) Release() error {
	if !f.markReleased() {
		return ErrDoubleRelease
	}
	if f.Handle != nil {
		f.Handle.Release()
	}
	return nil
}

// Clone produces an explicit duplicate of the frame with its own
// independent release lifecycle, backed by a fresh handle obtained
// from the original. CloneableHandle is required to support this;
// callers that pass a FrameHandle which does not implement it get
// ErrNotCloneable.
func (f *RawAudioFrame) Clone() (*RawAudioFrame, error) {
	cloneable, ok := f.Handle.(CloneableHandle)
	if !ok {
		return nil, ErrNotCloneable
	}
	return NewRawAudioFrame(cloneable.Clone(), f.PTSMicros, f.DurationUs), nil
}

// CloneableHandle is implemented by audio frame handles that support
// explicit duplication, as required by the AudioRing ingress path.
type CloneableHandle interface {
	FrameHandle
	Clone() FrameHandle
}

// ImageHandle is implemented by video frame handles that expose their
// pixel data for compositing. A real deployment backs this with a
// GPU-resident surface readable through a mapped view; here it models
// the CPU-visible escape hatch the compositor's draw step needs.
type ImageHandle interface {
	FrameHandle
	Image() image.Image
}

// EncodedChunk is one access unit produced by the re-encoder and
// consumed by the muxer. Owned outright; no release discipline beyond
// normal garbage collection since it is a plain byte buffer, not a
// codec-owned handle.
type EncodedChunk struct {
	Track      Track
	IsKeyframe bool
	PTSMicros  int64
	Bytes      []byte
}

// ContainerChunk is one muxer output buffer, ready for the feeder to
// append to the downstream sink.
type ContainerChunk struct {
	Track Track
	Bytes []byte
}
