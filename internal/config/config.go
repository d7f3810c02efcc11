package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every environment variable name.
const Prefix = "MOODLENS_"

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Capture
	CameraDevice     string        `env:"CAMERA_DEVICE"      envDefault:"0"     validate:"required"`
	CameraWidth      int           `env:"CAMERA_WIDTH"       envDefault:"640"   validate:"gte=0"`
	CameraHeight     int           `env:"CAMERA_HEIGHT"      envDefault:"480"   validate:"gte=0"`
	Mirror           bool          `env:"MIRROR"             envDefault:"true"`
	CaptureRetryBase time.Duration `env:"CAPTURE_RETRY_BASE" envDefault:"500ms" validate:"gt=0"`
	CaptureRetryMax  time.Duration `env:"CAPTURE_RETRY_MAX"  envDefault:"10s"   validate:"gtefield=CaptureRetryBase"`
	AnalyzeEvery     int           `env:"ANALYZE_EVERY"      envDefault:"3"     validate:"gte=1"`

	// Inference
	ONNXLibrary        string  `env:"ONNX_LIBRARY"`
	DetectorModel      string  `env:"DETECTOR_MODEL"`
	DetectorThreshold  float64 `env:"DETECTOR_THRESHOLD"  envDefault:"0.7"                 validate:"gt=0,lte=1"`
	ClassifierModel    string  `env:"CLASSIFIER_MODEL"    envDefault:"models/emotion.onnx" validate:"required"`
	ClassifierMetadata string  `env:"CLASSIFIER_METADATA" envDefault:"models/emotion.json"`
	MaxFaces           int     `env:"MAX_FACES"           envDefault:"5"                   validate:"gte=1"`

	// Result queue
	QueueCapacity int           `env:"QUEUE_CAPACITY" envDefault:"8"     validate:"gte=1"`
	QueueTimeout  time.Duration `env:"QUEUE_TIMEOUT"  envDefault:"250ms" validate:"gt=0"`

	// Preview
	Display     string        `env:"DISPLAY"      envDefault:"window" validate:"oneof=window web none"`
	PreviewTick time.Duration `env:"PREVIEW_TICK" envDefault:"30ms"   validate:"gt=0"`
	JPEGQuality int           `env:"JPEG_QUALITY" envDefault:"80"     validate:"gte=1,lte=100"`

	// Voice
	VoiceEnabled       bool          `env:"VOICE_ENABLED"        envDefault:"true"`
	VoiceMinConfidence float64       `env:"VOICE_MIN_CONFIDENCE" envDefault:"0.7" validate:"gte=0,lte=1"`
	VoiceLabelInterval time.Duration `env:"VOICE_LABEL_INTERVAL" envDefault:"10s" validate:"gte=0"`
	VoiceCooldown      time.Duration `env:"VOICE_COOLDOWN"       envDefault:"3s"  validate:"gte=0"`
	SpeechOutput       string        `env:"SPEECH_OUTPUT"        envDefault:"local"     validate:"oneof=local stream both none"`
	SpeechEngine       string        `env:"SPEECH_ENGINE"        envDefault:"espeak-ng" validate:"required"`
	SpeechRate         int           `env:"SPEECH_RATE"          envDefault:"150"       validate:"gte=80,lte=500"`

	// Journal
	Journal              string        `env:"JOURNAL"                envDefault:"file" validate:"oneof=file postgres none"`
	JournalDir           string        `env:"JOURNAL_DIR"            envDefault:"logs" validate:"required_if=Journal file"`
	DatabaseURL          string        `env:"DATABASE_URL"                             validate:"required_if=Journal postgres"`
	JournalRetryInterval time.Duration `env:"JOURNAL_RETRY_INTERVAL" envDefault:"30s"  validate:"gt=0"`
	JournalWriteTimeout  time.Duration `env:"JOURNAL_WRITE_TIMEOUT"  envDefault:"2s"   validate:"gt=0"`

	// Screenshots
	Screenshots       string        `env:"SCREENSHOTS"        envDefault:"dir"         validate:"oneof=dir minio"`
	ScreenshotDir     string        `env:"SCREENSHOT_DIR"     envDefault:"screenshots" validate:"required_if=Screenshots dir"`
	ScreenshotTimeout time.Duration `env:"SCREENSHOT_TIMEOUT" envDefault:"5s"          validate:"gt=0"`
	MinIOEndpoint     string        `env:"MINIO_ENDPOINT"                              validate:"required_if=Screenshots minio"`
	MinIOAccessKey    string        `env:"MINIO_ACCESS_KEY"`
	MinIOSecretKey    string        `env:"MINIO_SECRET_KEY"`
	MinIOUseSSL       bool          `env:"MINIO_USE_SSL"      envDefault:"false"`
	MinIOBucket       string        `env:"MINIO_BUCKET"       envDefault:"screenshots" validate:"required_if=Screenshots minio"`

	// Event publishing, disabled when AMQPURL is empty
	AMQPURL        string        `env:"AMQP_URL"`
	AMQPExchange   string        `env:"AMQP_EXCHANGE"   envDefault:"moodlens.emotions" validate:"required_with=AMQPURL"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"2s"                validate:"gt=0"`

	// Server
	HTTPPort        int    `env:"HTTP_PORT"        envDefault:"8080" validate:"gte=1,lte=65535"`
	TracingEndpoint string `env:"TRACING_ENDPOINT"`
	LogLevel        string `env:"LOG_LEVEL"        envDefault:"info" validate:"oneof=debug info warn error"`
}

// Load reads an optional .env file, then MOODLENS_* environment variables,
// and validates the result.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit dotenv files. Missing files are ignored and
// variables already set in the environment win.
func LoadFiles(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SpeakLocally reports whether announcements go to the local audio device.
func (c *Config) SpeakLocally() bool {
	return c.SpeechOutput == "local" || c.SpeechOutput == "both"
}

// StreamSpeech reports whether announcements are streamed to browsers.
func (c *Config) StreamSpeech() bool {
	return c.SpeechOutput == "stream" || c.SpeechOutput == "both"
}
