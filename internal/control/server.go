package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/king-prawns/tiled-player/internal/media"
	"github.com/king-prawns/tiled-player/internal/observability"
	"github.com/king-prawns/tiled-player/internal/pipeline"
	"github.com/king-prawns/tiled-player/internal/sinkfeed"
)

// heartbeatIntervalDefault matches the teacher's progress SSE handler.
const heartbeatIntervalDefault = 30 * time.Second

// Handler wires one Pipeline to the HTTP control surface: huma
// operations for load/destroy/set_active/swap/geometry/stats/healthz,
// plus a raw chi handler for the SSE host event stream. Modeled on
// ProgressHandler's Register/RegisterSSE split, since huma does not
// support streaming responses natively.
type Handler struct {
	pipeline  *pipeline.Pipeline
	factory   EngineFactory
	hub       *EventHub
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewHandler constructs a control Handler bound to one Pipeline and
// its EngineFactory. The hub is wired to the pipeline's onError/
// onActiveChanged/onBufferUpdate callbacks by the caller at
// pipeline.New time; see NewPipelineAndHandler for the common case.
func NewHandler(p *pipeline.Pipeline, factory EngineFactory, hub *EventHub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pipeline:  p,
		factory:   factory,
		hub:       hub,
		logger:    observability.WithComponent(logger, "control"),
		heartbeat: heartbeatIntervalDefault,
	}
}

// NewPipelineAndHandler constructs a Pipeline whose error/active-
// source/buffer-update callbacks publish to a fresh EventHub, and the
// Handler that serves it. This is the wiring cmd/tiledplayer's serve
// command uses.
func NewPipelineAndHandler(cfg pipeline.Config, factory EngineFactory, logger *slog.Logger) (*pipeline.Pipeline, *Handler) {
	hub := NewEventHub()
	h := NewHandler(nil, factory, hub, logger)

	onError := func(err *media.PipelineError) {
		hub.Publish(Event{Type: "Error", Data: errorEventBody{
			Kind:    err.Kind.String(),
			Source:  err.Source.String(),
			Track:   err.Track.String(),
			Message: err.Error(),
		}})
	}
	onActiveChanged := func(source media.SourceId) {
		hub.Publish(Event{Type: "ActiveSourceChanged", Data: activeSourceChangedEventBody{Source: source.String()}})
	}

	p := pipeline.New(cfg, onError, onActiveChanged, h.onBufferUpdate, logger)
	h.pipeline = p
	return p, h
}

// onBufferUpdate satisfies pipeline.OnBufferUpdateFunc; defined as a
// method so it can close over the hub.
func (h *Handler) onBufferUpdate(videoRanges, audioRanges []sinkfeed.Range) {
	h.hub.Publish(Event{Type: "BufferUpdate", Data: bufferUpdateEventBody{
		VideoRanges: rangesBody(videoRanges),
		AudioRanges: rangesBody(audioRanges),
	}})
}

// PublishTimeUpdate republishes the sink's native timeupdate event
// (§6) through the SSE stream. The host binding calls this directly
// whenever its underlying media element fires timeupdate; this core
// has no other way to observe it since AppendTarget does not expose
// the event.
func (h *Handler) PublishTimeUpdate(currentTimeS float64) {
	h.hub.Publish(Event{Type: "TimeUpdate", Data: timeUpdateEventBody{CurrentTimeS: currentTimeS}})
}

// Register registers the REST operations with the huma API.
func (h *Handler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "load",
		Method:      "POST",
		Path:        "/api/v1/session/load",
		Summary:     "Load a dual-stream session",
		Description: "Idempotent; rejects if a session is already loaded (§6).",
		Tags:        []string{"Session"},
	}, h.Load)

	huma.Register(api, huma.Operation{
		OperationID: "destroy",
		Method:      "POST",
		Path:        "/api/v1/session/destroy",
		Summary:     "Tear down the loaded session",
		Description: "Idempotent teardown (§6).",
		Tags:        []string{"Session"},
	}, h.Destroy)

	huma.Register(api, huma.Operation{
		OperationID: "setActive",
		Method:      "POST",
		Path:        "/api/v1/session/active",
		Summary:     "Switch the active audio source",
		Description: "Runs the §4.4 audio switch protocol.",
		Tags:        []string{"Session"},
	}, h.SetActive)

	huma.Register(api, huma.Operation{
		OperationID: "setSwapped",
		Method:      "POST",
		Path:        "/api/v1/session/swap",
		Summary:     "Flip the background/PiP assignment",
		Tags:        []string{"Session"},
	}, h.SetSwapped)

	huma.Register(api, huma.Operation{
		OperationID: "setGeometry",
		Method:      "PUT",
		Path:        "/api/v1/session/geometry",
		Summary:     "Update the PiP inset rectangle",
		Tags:        []string{"Session"},
	}, h.SetGeometry)

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      "GET",
		Path:        "/api/v1/session/stats",
		Summary:     "Point-in-time pipeline statistics",
		Description: "Queue depths, degraded sources, feeder backlog (SPEC_FULL supplemented feature 1).",
		Tags:        []string{"Session"},
	}, h.Stats)

	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      "GET",
		Path:        "/healthz",
		Summary:     "Liveness probe",
		Tags:        []string{"Ops"},
	}, h.Healthz)
}

// RegisterSSE registers the SSE endpoint on a chi router. Separate
// from Register because huma doesn't support streaming natively,
// mirroring ProgressHandler.RegisterSSE.
func (h *Handler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/session/events", h.handleSSEEvents)
}

// Load wires and starts a new session (§6). The manifest bodies are
// translated into producer.ManifestDescriptor; the decode engines,
// re-encoders, and sink append targets come from the EngineFactory
// bound at server construction, since those are external collaborators
// per §1.
func (h *Handler) Load(ctx context.Context, input *LoadInput) (*LoadOutput, error) {
	if h.factory == nil {
		return nil, huma.Error501NotImplemented("no engine factory configured; this build only hosts the control surface, not the codec engines (§1 external collaborators)")
	}

	var geometry *media.PipGeometry
	if input.Body.Geometry != nil {
		geometry = &media.PipGeometry{
			X: input.Body.Geometry.X, Y: input.Body.Geometry.Y,
			W: input.Body.Geometry.W, H: input.Body.Geometry.H,
		}
	}

	params := pipeline.LoadParams{
		ManifestA: input.Body.ManifestA.toDescriptor(),
		ManifestB: input.Body.ManifestB.toDescriptor(),

		VideoEngineA: h.factory.VideoEngine(media.SourceA),
		VideoEngineB: h.factory.VideoEngine(media.SourceB),
		AudioEngineA: h.factory.AudioEngine(media.SourceA),
		AudioEngineB: h.factory.AudioEngine(media.SourceB),

		VideoEncoder: h.factory.VideoEncoder(),
		AudioEncoder: h.factory.AudioEncoder(),

		VideoSink: h.factory.VideoSink(),
		AudioSink: h.factory.AudioSink(),

		Geometry: geometry,
		Swapped:  input.Body.Swapped,
	}

	if err := h.pipeline.Load(ctx, params); err != nil {
		return nil, huma.Error409Conflict(err.Error())
	}

	out := &LoadOutput{}
	out.Body.Loaded = true
	return out, nil
}

// Destroy tears down the loaded session (§6).
func (h *Handler) Destroy(ctx context.Context, _ *struct{}) (*DestroyOutput, error) {
	if err := h.pipeline.Destroy(); err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}
	out := &DestroyOutput{}
	out.Body.Destroyed = true
	return out, nil
}

// SetActive switches the active audio source (§4.4).
func (h *Handler) SetActive(ctx context.Context, input *SetActiveInput) (*OKOutput, error) {
	source := media.SourceA
	if input.Body.Source == "B" {
		source = media.SourceB
	}
	if err := h.pipeline.SetActive(source); err != nil {
		return nil, huma.Error409Conflict(err.Error())
	}
	out := &OKOutput{}
	out.Body.OK = true
	return out, nil
}

// SetSwapped flips the background/PiP assignment (§2, §9).
func (h *Handler) SetSwapped(ctx context.Context, input *SetSwappedInput) (*OKOutput, error) {
	h.pipeline.SetSwapped(input.Body.Swapped)
	out := &OKOutput{}
	out.Body.OK = true
	return out, nil
}

// SetGeometry updates the PiP inset rectangle.
func (h *Handler) SetGeometry(ctx context.Context, input *SetGeometryInput) (*OKOutput, error) {
	h.pipeline.SetGeometry(media.PipGeometry{X: input.Body.X, Y: input.Body.Y, W: input.Body.W, H: input.Body.H})
	out := &OKOutput{}
	out.Body.OK = true
	return out, nil
}

// Stats returns the pipeline's introspection snapshot.
func (h *Handler) Stats(ctx context.Context, _ *struct{}) (*StatsOutput, error) {
	out := &StatsOutput{Body: h.pipeline.Stats()}
	return out, nil
}

// Healthz reports basic liveness.
func (h *Handler) Healthz(ctx context.Context, _ *struct{}) (*HealthzOutput, error) {
	out := &HealthzOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// handleSSEEvents streams the host event stream (§6) as Server-Sent
// Events: BufferUpdate, ActiveSourceChanged, TimeUpdate, and terminal
// Error. Directly grounded on the teacher's handleSSEEvents: an
// http.ResponseController for reliable flushing, a heartbeat ticker,
// and a subscription fanned out by EventHub.
func (h *Handler) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, events := h.hub.Subscribe()
	defer h.hub.Unsubscribe(id)

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()

	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("failed to flush initial SSE connection", slog.Any("error", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				h.logger.Debug("heartbeat flush failed, client likely disconnected", slog.Any("error", err))
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if _, err := h.writeSSEEvent(w, event); err != nil {
				h.logger.Error("failed to write SSE event", slog.String("event_type", event.Type), slog.Any("error", err))
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("event flush failed, client likely disconnected", slog.Any("error", err))
				return
			}
		}
	}
}

func (h *Handler) writeSSEEvent(w http.ResponseWriter, event Event) (int, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		n, _ := fmt.Fprintf(w, "event: %s\ndata: {\"error\": \"marshal error\"}\n\n", event.Type)
		return n, err
	}
	message := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, data)
	messageBytes := []byte(message)

	n, err := w.Write(messageBytes)
	if err != nil {
		return n, err
	}
	if n < len(messageBytes) {
		return n, fmt.Errorf("short write: wrote %d of %d bytes", n, len(messageBytes))
	}
	return n, nil
}
