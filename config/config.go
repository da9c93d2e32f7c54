package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all service configuration
type Config struct {
	Port int

	// Call-control API
	APIKey       string
	APIURL       string
	ConnectionID string
	DisplayName  string
	WebhookURL   string
	ControlWSURL string // optional event relay socket

	// Media streams
	InboundStreamURL  string
	OutboundStreamURL string
	StreamCodec       string // "PCMU" or "OPUS"
	StreamSampleRate  int

	// Capture
	CaptureSampleRate int
	CaptureFrameSize  int
	CaptureNormalize  bool
	CaptureWAV        string // WAV file spoken into the call; empty sends silence

	// Playback
	PlaybackMaxQueue int
	RecordingDir     string // far-end audio is written here when set
	Record           bool   // provider-side recording on answer, on unless RECORD=false

	AutoHangup time.Duration

	RedisURL      string
	RedisPassword string
	SessionTTL    time.Duration

	AllowedOrigins []string
	LogLevel       logrus.Level
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:              8080,
		APIURL:            "https://api.telnyx.com/v2",
		StreamCodec:       "PCMU",
		StreamSampleRate:  8000,
		CaptureSampleRate: 8000,
		CaptureFrameSize:  2048,
		CaptureNormalize:  true,
		PlaybackMaxQueue:  500,
		Record:            true,
		AutoHangup:        120 * time.Second,
		RedisURL:          "localhost:6379",
		SessionTTL:        24 * time.Hour,
		AllowedOrigins:    []string{"*"},
		LogLevel:          logrus.InfoLevel,
	}

	// Required: TELNYX_API_KEY
	config.APIKey = os.Getenv("TELNYX_API_KEY")
	if config.APIKey == "" {
		return nil, fmt.Errorf("TELNYX_API_KEY environment variable is required")
	}

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	if apiURL := os.Getenv("TELNYX_API_URL"); apiURL != "" {
		config.APIURL = apiURL
	}
	config.ConnectionID = os.Getenv("TELNYX_CONNECTION_ID")
	config.DisplayName = os.Getenv("FROM_DISPLAY_NAME")
	config.WebhookURL = os.Getenv("WEBHOOK_URL")
	config.ControlWSURL = os.Getenv("CONTROL_WS_URL")
	config.InboundStreamURL = os.Getenv("STREAM_URL_INBOUND")
	config.OutboundStreamURL = os.Getenv("STREAM_URL_OUTBOUND")
	config.CaptureWAV = os.Getenv("CAPTURE_WAV")
	config.RecordingDir = os.Getenv("RECORDING_DIR")

	// Optional: STREAM_CODEC ("PCMU" or "OPUS")
	if streamCodec := os.Getenv("STREAM_CODEC"); streamCodec != "" {
		switch c := strings.ToUpper(streamCodec); c {
		case "PCMU", "OPUS":
			config.StreamCodec = c
		default:
			return nil, fmt.Errorf("invalid STREAM_CODEC: must be 'PCMU' or 'OPUS'")
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"STREAM_SAMPLE_RATE", &config.StreamSampleRate},
		{"CAPTURE_SAMPLE_RATE", &config.CaptureSampleRate},
		{"CAPTURE_FRAME_SIZE", &config.CaptureFrameSize},
		{"PLAYBACK_MAX_QUEUE", &config.PlaybackMaxQueue},
	}
	for _, v := range ints {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", v.name)
		}
		*v.dst = n
	}

	// Optional: CAPTURE_NORMALIZE
	if normalize := os.Getenv("CAPTURE_NORMALIZE"); normalize != "" {
		b, err := strconv.ParseBool(normalize)
		if err != nil {
			return nil, fmt.Errorf("invalid CAPTURE_NORMALIZE: %w", err)
		}
		config.CaptureNormalize = b
	}

	// Optional: RECORD
	if record := os.Getenv("RECORD"); record != "" {
		b, err := strconv.ParseBool(record)
		if err != nil {
			return nil, fmt.Errorf("invalid RECORD: %w", err)
		}
		config.Record = b
	}

	// Optional: AUTO_HANGUP (in seconds)
	if hangup := os.Getenv("AUTO_HANGUP"); hangup != "" {
		s, err := strconv.Atoi(hangup)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid AUTO_HANGUP: must be a positive number of seconds")
		}
		config.AutoHangup = time.Duration(s) * time.Second
	}

	// Optional: REDIS_URL; "none" disables Redis
	if redisURL, ok := os.LookupEnv("REDIS_URL"); ok {
		if strings.EqualFold(redisURL, "none") {
			redisURL = ""
		}
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: SESSION_TTL (in minutes)
	if ttl := os.Getenv("SESSION_TTL"); ttl != "" {
		m, err := strconv.Atoi(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TTL: %w", err)
		}
		config.SessionTTL = time.Duration(m) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: LOG_LEVEL
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		l, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		config.LogLevel = l
	}

	return config, nil
}
