package notify

import (
	"modelchain/internal/config"
	"time"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries      = 3
	defaultInitialBackoff  = 100 * time.Millisecond
	defaultMaxBackoff      = 5 * time.Second
	defaultDeliverTimeout  = 30 * time.Second
	defaultBreakerCooldown = 30 * time.Second
)

// WebhookConfig holds configuration for webhook delivery. An empty URL
// disables the webhook sink.
type WebhookConfig struct {
	URL         string        // destination for CloudEvents
	SigningKey  string        // HMAC key, empty = unsigned
	BufferSize  int           // pending notifications buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 2)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	// BreakerThreshold is the number of consecutive failed deliveries
	// after which notifications are dropped for a cooldown (default: 5).
	BreakerThreshold int
}

// LoadWebhookConfigFromEnv loads webhook configuration from environment variables.
func LoadWebhookConfigFromEnv() WebhookConfig {
	cfg := WebhookConfig{
		URL:         config.GetEnv("NOTIFY_WEBHOOK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("NOTIFY_WEBHOOK_KEY_FILE", "")),
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 2),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),

		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = config.GetEnv("NOTIFY_WEBHOOK_KEY", "")
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	return c
}
