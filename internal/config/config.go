// Package config holds all engine configuration with defaults that match a
// typical single-site deployment. Values can be overridden from the
// environment via FromEnv.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Capture CaptureConfig
	Detect  DetectConfig
	Anomaly AnomalyConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Backend BackendConfig
	Storage StorageConfig
}

// CaptureConfig controls per-source capture behaviour.
type CaptureConfig struct {
	FrameRate            float64       // target frames per second
	BufferSize           int           // frames retained per source
	Width                int           // requested capture width
	Height               int           // requested capture height
	MaxConsecutiveErrors int           // read failures before a reconnect attempt
	ReadRetryDelay       time.Duration // pause after a failed read
	ReconnectCoolDown    time.Duration // wait before reopening a failed connection
}

// DetectConfig controls the detection orchestrator.
type DetectConfig struct {
	ProcessingInterval time.Duration // pause between detection cycles
	EmptyPollDelay     time.Duration // pause when no frame is buffered yet
	SlowCycleWarn      time.Duration // log a warning when a cycle exceeds this
	ResultJPEGQuality  int           // quality of the frame attached to results
	ResultWidth        int           // downscaled result frame width
	ResultHeight       int           // downscaled result frame height
}

// AnomalyConfig controls the multi-signal anomaly scorer.
type AnomalyConfig struct {
	Threshold      float64 // combined score above which a frame is anomalous
	FrameWindow    int     // preprocessed frames retained per source
	TemporalWindow int     // frames fed to the sequence model
	ScoreWindow    int     // recent fused scores retained per source
	InputSize      int     // preprocessing resize edge, pixels
}

// RedisConfig configures the detection cache sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// KafkaConfig configures the detection event sink.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// BackendConfig configures the WebSocket result forwarder.
type BackendConfig struct {
	WSURL                string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
}

// StorageConfig configures the snapshot object store.
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	SnapshotQuality int
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			FrameRate:            30,
			BufferSize:           10,
			Width:                1920,
			Height:               1080,
			MaxConsecutiveErrors: 10,
			ReadRetryDelay:       time.Second,
			ReconnectCoolDown:    5 * time.Second,
		},
		Detect: DetectConfig{
			ProcessingInterval: 100 * time.Millisecond,
			EmptyPollDelay:     100 * time.Millisecond,
			SlowCycleWarn:      100 * time.Millisecond,
			ResultJPEGQuality:  85,
			ResultWidth:        640,
			ResultHeight:       480,
		},
		Anomaly: AnomalyConfig{
			Threshold:      0.5,
			FrameWindow:    10,
			TemporalWindow: 5,
			ScoreWindow:    10,
			InputSize:      192,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:  []string{"localhost:9092"},
			Topic:    "detections",
			ClientID: "argus",
		},
		Backend: BackendConfig{
			WSURL:                "ws://localhost:8000/ws",
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 10,
			PingInterval:         30 * time.Second,
		},
		Storage: StorageConfig{
			Bucket:          "snapshots",
			SnapshotQuality: 95,
		},
	}
}

// FromEnv returns the default config with environment overrides applied.
func FromEnv() *Config {
	cfg := NewDefaultConfig()

	envFloat("VIDEO_FRAME_RATE", &cfg.Capture.FrameRate)
	envInt("VIDEO_BUFFER_SIZE", &cfg.Capture.BufferSize)
	if res := os.Getenv("VIDEO_RESOLUTION"); res != "" {
		if w, h, ok := parseResolution(res); ok {
			cfg.Capture.Width, cfg.Capture.Height = w, h
		}
	}

	envDuration("PROCESSING_INTERVAL", &cfg.Detect.ProcessingInterval)
	envFloat("ANOMALY_THRESHOLD", &cfg.Anomaly.Threshold)

	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	envString("KAFKA_TOPIC", &cfg.Kafka.Topic)

	envString("BACKEND_WS_URL", &cfg.Backend.WSURL)

	envString("MINIO_ENDPOINT", &cfg.Storage.Endpoint)
	envString("MINIO_ACCESS_KEY", &cfg.Storage.AccessKeyID)
	envString("MINIO_SECRET_KEY", &cfg.Storage.SecretAccessKey)
	envString("MINIO_BUCKET", &cfg.Storage.Bucket)
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		cfg.Storage.UseSSL = v == "true" || v == "1"
	}

	return cfg
}

func parseResolution(s string) (int, int, bool) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// bare number means seconds
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
