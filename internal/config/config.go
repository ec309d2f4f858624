// Package config provides configuration management for the dual-stream
// picture-in-picture pipeline using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values (bit-exact spec defaults).
const (
	defaultCanvasWidth       = 640
	defaultCanvasHeight      = 480
	defaultFramePeriod       = 33333 * time.Microsecond
	defaultAudioSampleRate   = 48000
	defaultAudioGrain        = 20000 * time.Microsecond
	defaultMinPipSize        = 80
	defaultResizeHandleSize  = 15
	defaultKeyframeInterval  = 150
	defaultLookaheadSeconds  = 30
	defaultTrimBehindSeconds = 10
	defaultRingCapacity      = 3000
	defaultSegmentPrefetch   = 4
	defaultTrackQueueDepth   = 4
	defaultDecoderQueueDepth = 10
	defaultEncoderQueueDepth = 10
	defaultVideoBitrateKbps  = 2000
	defaultAudioBitrateKbps  = 128
	defaultVideoBatchSize    = 50
	defaultAudioBatchSize    = 100
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultHTTPTimeout       = 10 * time.Second
	defaultProducerTick      = 100 * time.Millisecond
	defaultBreakerThreshold  = 3
	defaultBreakerCooldown   = 30 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Producer ProducerConfig `mapstructure:"producer"`
	Demux    DemuxConfig    `mapstructure:"demux"`
	Decode   DecodeConfig   `mapstructure:"decode"`
	Encode   EncodeConfig   `mapstructure:"encode"`
	Feeder   FeederConfig   `mapstructure:"feeder"`
}

// ServerConfig holds HTTP control-surface configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PipelineConfig holds the Compositor & Re-encoder's bit-exact constants (§6).
type PipelineConfig struct {
	CanvasWidth        int           `mapstructure:"canvas_width"`
	CanvasHeight       int           `mapstructure:"canvas_height"`
	FramePeriod        time.Duration `mapstructure:"frame_period"`
	MinPipSize         int           `mapstructure:"min_pip_size"`
	ResizeHandleSize   int           `mapstructure:"resize_handle_size"`
	KeyframeInterval   int           `mapstructure:"keyframe_interval"`
	LookaheadSeconds   float64       `mapstructure:"lookahead_seconds"`
	TrimBehindSeconds  float64       `mapstructure:"trim_behind_seconds"`
	RingCapacity       int           `mapstructure:"ring_capacity"`
	AudioGrain         time.Duration `mapstructure:"audio_grain"`
	AudioSampleRate    int           `mapstructure:"audio_sample_rate"`
	SwitchOffset       time.Duration `mapstructure:"switch_offset"`
	IdleSleepEmpty     time.Duration `mapstructure:"idle_sleep_empty"`
	IdleSleepEarly     time.Duration `mapstructure:"idle_sleep_early"`
	PlaceholderHoldSec float64       `mapstructure:"placeholder_hold_seconds"`
}

// ProducerConfig holds Segment Producer configuration (§4.1).
type ProducerConfig struct {
	PrefetchWindow     int           `mapstructure:"prefetch_window"` // MAX_QUEUE
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	RetryImmediateOnce bool          `mapstructure:"retry_immediate_once"`
}

// DemuxConfig holds Demultiplexer configuration (§4.2).
type DemuxConfig struct {
	VideoBatchSize int `mapstructure:"video_batch_size"`
	AudioBatchSize int `mapstructure:"audio_batch_size"`
}

// DecodeConfig holds Decoder Pair configuration (§4.3).
type DecodeConfig struct {
	VideoQueueDepth int `mapstructure:"video_queue_depth"`
	AudioQueueDepth int `mapstructure:"audio_queue_depth"`
}

// EncodeConfig holds the video/audio re-encoder configuration (§4.4).
type EncodeConfig struct {
	VideoQueueDepth   int `mapstructure:"video_queue_depth"`
	VideoBitrateKbps  int `mapstructure:"video_bitrate_kbps"`
	AudioBitrateKbps  int `mapstructure:"audio_bitrate_kbps"`
	AudioChannelCount int `mapstructure:"audio_channel_count"`
}

// FeederConfig holds Muxer & Sink Feeder configuration (§4.5).
type FeederConfig struct {
	AutoPlayThresholdSeconds float64 `mapstructure:"auto_play_threshold_seconds"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TILEDPLAYER_ and use underscores for nesting.
// Example: TILEDPLAYER_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tiled-player")
		v.AddConfigPath("$HOME/.tiled-player")
	}

	v.SetEnvPrefix("TILEDPLAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("pipeline.canvas_width", defaultCanvasWidth)
	v.SetDefault("pipeline.canvas_height", defaultCanvasHeight)
	v.SetDefault("pipeline.frame_period", defaultFramePeriod)
	v.SetDefault("pipeline.min_pip_size", defaultMinPipSize)
	v.SetDefault("pipeline.resize_handle_size", defaultResizeHandleSize)
	v.SetDefault("pipeline.keyframe_interval", defaultKeyframeInterval)
	v.SetDefault("pipeline.lookahead_seconds", defaultLookaheadSeconds)
	v.SetDefault("pipeline.trim_behind_seconds", defaultTrimBehindSeconds)
	v.SetDefault("pipeline.ring_capacity", defaultRingCapacity)
	v.SetDefault("pipeline.audio_grain", defaultAudioGrain)
	v.SetDefault("pipeline.audio_sample_rate", defaultAudioSampleRate)
	v.SetDefault("pipeline.switch_offset", 100*time.Millisecond)
	v.SetDefault("pipeline.idle_sleep_empty", 10*time.Millisecond)
	v.SetDefault("pipeline.idle_sleep_early", 5*time.Millisecond)
	v.SetDefault("pipeline.placeholder_hold_seconds", 1.0)

	v.SetDefault("producer.prefetch_window", defaultSegmentPrefetch)
	v.SetDefault("producer.tick_interval", defaultProducerTick)
	v.SetDefault("producer.http_timeout", defaultHTTPTimeout)
	v.SetDefault("producer.breaker_threshold", defaultBreakerThreshold)
	v.SetDefault("producer.breaker_cooldown", defaultBreakerCooldown)
	v.SetDefault("producer.retry_immediate_once", true)

	v.SetDefault("demux.video_batch_size", defaultVideoBatchSize)
	v.SetDefault("demux.audio_batch_size", defaultAudioBatchSize)

	v.SetDefault("decode.video_queue_depth", defaultDecoderQueueDepth)
	v.SetDefault("decode.audio_queue_depth", defaultDecoderQueueDepth)

	v.SetDefault("encode.video_queue_depth", defaultEncoderQueueDepth)
	v.SetDefault("encode.video_bitrate_kbps", defaultVideoBitrateKbps)
	v.SetDefault("encode.audio_bitrate_kbps", defaultAudioBitrateKbps)
	v.SetDefault("encode.audio_channel_count", 2)

	v.SetDefault("feeder.auto_play_threshold_seconds", 0.5)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Pipeline.CanvasWidth <= 0 || c.Pipeline.CanvasHeight <= 0 {
		return fmt.Errorf("pipeline.canvas_width/canvas_height must be positive")
	}
	if c.Pipeline.RingCapacity <= 0 {
		return fmt.Errorf("pipeline.ring_capacity must be positive")
	}
	if c.Producer.PrefetchWindow <= 0 {
		return fmt.Errorf("producer.prefetch_window must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
