package chatapi

import (
	"os"
	"strconv"
	"strings"
	"time"

	"duet/cmd/internal/chat"
)

// Config controls REST limits.
type Config struct {
	MaxJSONBytes   int64
	MaxUploadBytes int64

	// Per-user message creation rate.
	MessageRate       int
	MessageRateWindow time.Duration
}

// LoadConfigFromEnv loads API config with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxJSONBytes:      envInt64("DUET_API_MAX_BODY_BYTES", 64<<10),
		MaxUploadBytes:    envInt64("DUET_API_MAX_UPLOAD_BYTES", chat.MaxFileBytes+(1<<20)),
		MessageRate:       int(envInt64("DUET_API_MESSAGE_RATE", 30)),
		MessageRateWindow: envDuration("DUET_API_MESSAGE_RATE_WINDOW", 10*time.Second),
	}
	// Multipart overhead on top of the largest allowed attachment.
	if cfg.MaxUploadBytes < chat.MaxFileBytes {
		cfg.MaxUploadBytes = chat.MaxFileBytes + (1 << 20)
	}
	return cfg
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
