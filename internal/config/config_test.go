package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 640, cfg.Pipeline.CanvasWidth)
	assert.Equal(t, 480, cfg.Pipeline.CanvasHeight)
	assert.Equal(t, 33333*time.Microsecond, cfg.Pipeline.FramePeriod)
	assert.Equal(t, 80, cfg.Pipeline.MinPipSize)
	assert.Equal(t, 15, cfg.Pipeline.ResizeHandleSize)
	assert.Equal(t, 150, cfg.Pipeline.KeyframeInterval)
	assert.InDelta(t, 30.0, cfg.Pipeline.LookaheadSeconds, 0.001)
	assert.InDelta(t, 10.0, cfg.Pipeline.TrimBehindSeconds, 0.001)
	assert.Equal(t, 3000, cfg.Pipeline.RingCapacity)
	assert.Equal(t, 20000*time.Microsecond, cfg.Pipeline.AudioGrain)
	assert.Equal(t, 48000, cfg.Pipeline.AudioSampleRate)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.SwitchOffset)

	assert.Equal(t, 4, cfg.Producer.PrefetchWindow)
	assert.Equal(t, 100*time.Millisecond, cfg.Producer.TickInterval)

	assert.Equal(t, 50, cfg.Demux.VideoBatchSize)
	assert.Equal(t, 100, cfg.Demux.AudioBatchSize)

	assert.Equal(t, 10, cfg.Decode.VideoQueueDepth)
	assert.Equal(t, 10, cfg.Decode.AudioQueueDepth)

	assert.Equal(t, 10, cfg.Encode.VideoQueueDepth)
	assert.Equal(t, 2000, cfg.Encode.VideoBitrateKbps)
	assert.Equal(t, 128, cfg.Encode.AudioBitrateKbps)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")

	content := `
server:
  port: 9090
pipeline:
  canvas_width: 1280
  canvas_height: 720
  ring_capacity: 1500
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0o644))

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 1280, cfg.Pipeline.CanvasWidth)
	assert.Equal(t, 720, cfg.Pipeline.CanvasHeight)
	assert.Equal(t, 1500, cfg.Pipeline.RingCapacity)
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: 0},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Pipeline: PipelineConfig{CanvasWidth: 640, CanvasHeight: 480, RingCapacity: 3000},
		Producer: ProducerConfig{PrefetchWindow: 4},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: 8080},
		Logging:  LoggingConfig{Level: "verbose", Format: "json"},
		Pipeline: PipelineConfig{CanvasWidth: 640, CanvasHeight: 480, RingCapacity: 3000},
		Producer: ProducerConfig{PrefetchWindow: 4},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestServerConfig_Address(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 9090}
	assert.Equal(t, "127.0.0.1:9090", c.Address())
}
