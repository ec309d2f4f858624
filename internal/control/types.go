package control

import (
	"github.com/king-prawns/tiled-player/internal/decode"
	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/pipeline"
	"github.com/king-prawns/tiled-player/internal/producer"
	"github.com/king-prawns/tiled-player/internal/sinkfeed"
)

// EngineFactory supplies the per-session external collaborators that
// are out of scope for this core (§1): codec engines, the re-encoders,
// and the two sink append targets. A host binding (e.g. a WASM bridge
// into browser WebCodecs/MSE) implements this once per process; the
// HTTP Load operation only carries manifest descriptors and layout.
type EngineFactory interface {
	VideoEngine(source media.SourceId) decode.VideoEngine
	AudioEngine(source media.SourceId) decode.AudioEngine
	VideoEncoder() pipeline.VideoEncoderFactory
	AudioEncoder() pipeline.AudioEncoderFactory
	VideoSink() sinkfeed.AppendTarget
	AudioSink() sinkfeed.AppendTarget
}

// SegmentDescriptorBody is the wire shape of producer.SegmentDescriptor.
type SegmentDescriptorBody struct {
	URL        string `json:"url"`
	PTSMicros  int64  `json:"pts_us"`
	DurationUs int64  `json:"duration_us"`
}

// ManifestBody is the wire shape of producer.ManifestDescriptor (§6).
type ManifestBody struct {
	VideoInitURL     string                  `json:"video_init_url"`
	AudioInitURL     string                  `json:"audio_init_url"`
	VideoSegments    []SegmentDescriptorBody `json:"video_segments"`
	AudioSegments    []SegmentDescriptorBody `json:"audio_segments"`
	AudioCodecFourCC string                  `json:"audio_codec_fourcc"`
}

func (m ManifestBody) toDescriptor() producer.ManifestDescriptor {
	desc := producer.ManifestDescriptor{
		VideoInitURL:     m.VideoInitURL,
		AudioInitURL:     m.AudioInitURL,
		AudioCodecFourCC: m.AudioCodecFourCC,
	}
	for _, s := range m.VideoSegments {
		desc.VideoSegments = append(desc.VideoSegments, producer.SegmentDescriptor{
			URL: s.URL, PTSMicros: s.PTSMicros, DurationUs: s.DurationUs,
		})
	}
	for _, s := range m.AudioSegments {
		desc.AudioSegments = append(desc.AudioSegments, producer.SegmentDescriptor{
			URL: s.URL, PTSMicros: s.PTSMicros, DurationUs: s.DurationUs,
		})
	}
	return desc
}

// GeometryBody is the wire shape of media.PipGeometry.
type GeometryBody struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// LoadRequestBody is the body of the load operation (§6 "load(url_A,
// url_B)" generalized to full manifest descriptors plus layout).
type LoadRequestBody struct {
	ManifestA ManifestBody  `json:"manifest_a"`
	ManifestB ManifestBody  `json:"manifest_b"`
	Geometry  *GeometryBody `json:"geometry,omitempty"`
	Swapped   bool          `json:"swapped"`
}

// LoadInput is the huma input for the load operation.
type LoadInput struct {
	Body LoadRequestBody
}

// LoadOutput is the huma output for the load operation.
type LoadOutput struct {
	Body struct {
		Loaded bool `json:"loaded"`
	}
}

// DestroyOutput is the huma output for the destroy operation.
type DestroyOutput struct {
	Body struct {
		Destroyed bool `json:"destroyed"`
	}
}

// SetActiveInputBody selects the active audio source (§4.4).
type SetActiveInputBody struct {
	Source string `json:"source" enum:"A,B" doc:"Active audio source"`
}

// SetActiveInput is the huma input for the set_active operation.
type SetActiveInput struct {
	Body SetActiveInputBody
}

// SetSwappedInputBody flips the background/PiP assignment (§2, §9).
type SetSwappedInputBody struct {
	Swapped bool `json:"swapped"`
}

// SetSwappedInput is the huma input for the swap operation.
type SetSwappedInput struct {
	Body SetSwappedInputBody
}

// SetGeometryInput is the huma input for the PiP geometry operation.
type SetGeometryInput struct {
	Body GeometryBody
}

// OKOutput is a bare acknowledgement for the swap/geometry operations.
type OKOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

// RangeBody is the wire shape of sinkfeed.Range.
type RangeBody struct {
	StartS float64 `json:"start_s"`
	EndS   float64 `json:"end_s"`
}

func rangesBody(ranges []sinkfeed.Range) []RangeBody {
	out := make([]RangeBody, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, RangeBody{StartS: r.StartS, EndS: r.EndS})
	}
	return out
}

// StatsOutput is the huma output for the stats operation, mirroring
// pipeline.Stats (SPEC_FULL supplemented feature 1).
type StatsOutput struct {
	Body pipeline.Stats
}

// HealthzOutput reports basic liveness (SPEC_FULL supplemented feature 5).
type HealthzOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// bufferUpdateEventBody is the JSON payload of a BufferUpdate event (§6).
type bufferUpdateEventBody struct {
	VideoRanges []RangeBody `json:"video_ranges"`
	AudioRanges []RangeBody `json:"audio_ranges"`
}

// activeSourceChangedEventBody is the JSON payload of an
// ActiveSourceChanged event (§6).
type activeSourceChangedEventBody struct {
	Source string `json:"source"`
}

// timeUpdateEventBody is the JSON payload of a TimeUpdate event (§6).
type timeUpdateEventBody struct {
	CurrentTimeS float64 `json:"current_time_s"`
}

// errorEventBody is the JSON payload of a terminal Error event (§7).
type errorEventBody struct {
	Kind    string `json:"kind"`
	Source  string `json:"source"`
	Track   string `json:"track"`
	Message string `json:"message"`
}
