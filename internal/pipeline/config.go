package pipeline

import (
	"time"

	"github.com/king-prawns/tiled-player/internal/compositor"
	"github.com/king-prawns/tiled-player/internal/config"
	"github.com/king-prawns/tiled-player/internal/decode"
	"github.com/king-prawns/tiled-player/internal/demux"
	"github.com/king-prawns/tiled-player/internal/producer"
	"github.com/king-prawns/tiled-player/internal/sinkfeed"
)

// Config aggregates every sub-package's configuration into the one
// struct Load needs, mirroring internal/config's nested shape.
type Config struct {
	Producer     producer.Config
	Demux        demux.Config
	DecodeVideo  decode.Config
	DecodeAudio  decode.Config
	Compositor   compositor.Config
	Feeder       sinkfeed.Config
}

// DefaultConfig returns the spec-exact defaults for every sub-package.
func DefaultConfig() Config {
	return Config{
		Producer:    producer.DefaultConfig(),
		Demux:       demux.DefaultConfig(),
		DecodeVideo: decode.Config{QueueDepth: decode.VideoQueueDepthDefault},
		DecodeAudio: decode.Config{QueueDepth: decode.AudioQueueDepthDefault},
		Compositor:  compositor.DefaultConfig(),
		Feeder:      sinkfeed.DefaultConfig(),
	}
}

// FromAppConfig translates the application's top-level viper-backed
// Config into a pipeline Config, so cmd/tiledplayer's serve command
// has a single conversion point rather than scattering field mapping
// across the CLI layer.
func FromAppConfig(c *config.Config) Config {
	return Config{
		Producer: producer.Config{
			MaxQueue:         c.Producer.PrefetchWindow,
			TickInterval:     c.Producer.TickInterval,
			BreakerThreshold: c.Producer.BreakerThreshold,
			BreakerCooldown:  c.Producer.BreakerCooldown,
		},
		Demux: demux.Config{
			VideoBatchSize: c.Demux.VideoBatchSize,
			AudioBatchSize: c.Demux.AudioBatchSize,
		},
		DecodeVideo: decode.Config{QueueDepth: c.Decode.VideoQueueDepth},
		DecodeAudio: decode.Config{QueueDepth: c.Decode.AudioQueueDepth},
		Compositor: compositor.Config{
			CanvasWidth:      c.Pipeline.CanvasWidth,
			CanvasHeight:     c.Pipeline.CanvasHeight,
			FramePeriod:      c.Pipeline.FramePeriod,
			SleepEarly:       c.Pipeline.IdleSleepEarly,
			SleepIdle:        c.Pipeline.IdleSleepEmpty,
			KeyframeInterval: c.Pipeline.KeyframeInterval,
			AudioGrainMicros: c.Pipeline.AudioGrain.Microseconds(),
			SwitchOffsetUs:   c.Pipeline.SwitchOffset.Microseconds(),
			RingCapacity:     c.Pipeline.RingCapacity,
			PlaceholderHold:  time.Duration(c.Pipeline.PlaceholderHoldSec * float64(time.Second)),
		},
		Feeder: sinkfeed.Config{
			LookaheadSeconds:         c.Pipeline.LookaheadSeconds,
			TrimBehindSeconds:        c.Pipeline.TrimBehindSeconds,
			AutoPlayThresholdSeconds: c.Feeder.AutoPlayThresholdSeconds,
		},
	}
}
