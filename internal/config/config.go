package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BrokerConfig captures all tunable parameters for the broker process.
// Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type BrokerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Per-connection websocket tuning.
	SendBuffer   int
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration

	JWTSecret               string
	RequireAuthForSubscribe bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	LogLevel string
}

func defaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		SendBuffer:      64,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingInterval:    30 * time.Second,
		RedisGeoKey:     "riders_geo",
		KafkaTopic:      "order-events",
		LogLevel:        "info",
	}
}

func LoadBrokerConfig() (BrokerConfig, error) {
	cfg := defaultBrokerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setIntFromEnv(&cfg.SendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.WriteWait, "WS_WRITE_WAIT", &errs)
	setDurationFromEnv(&cfg.PongWait, "WS_PONG_WAIT", &errs)
	setDurationFromEnv(&cfg.PingInterval, "WS_PING_INTERVAL", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.RequireAuthForSubscribe = strings.EqualFold(os.Getenv("REQUIRE_AUTH_FOR_SUBSCRIBE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if cfg.PingInterval >= cfg.PongWait {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT"))
	}

	return cfg, errors.Join(errs...)
}

// ReconnectConfig holds the client-side reconnection policy. Loaded
// from env for the bundled tooling; embedding applications usually fill
// it directly.
type ReconnectConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:      5,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func LoadReconnectConfig() (ReconnectConfig, error) {
	cfg := DefaultReconnectConfig()
	var errs []error
	setIntFromEnv(&cfg.MaxAttempts, "RECONNECT_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.BaseDelay, "RECONNECT_BASE_DELAY", &errs)
	setDurationFromEnv(&cfg.MaxDelay, "RECONNECT_MAX_DELAY", &errs)
	setDurationFromEnv(&cfg.HandshakeTimeout, "HANDSHAKE_TIMEOUT", &errs)
	if cfg.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.BaseDelay <= 0 || cfg.MaxDelay < cfg.BaseDelay {
		errs = append(errs, fmt.Errorf("RECONNECT_BASE_DELAY/RECONNECT_MAX_DELAY out of range"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
