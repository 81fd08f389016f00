package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/haul"
)

// settings is everything the server reads from its environment.
type settings struct {
	HTTPAddr    string
	DatabaseURL string
	RedisAddr   string
	RedisPrefix string

	// Archive selects the summary store: "bun", "mongo" or "none".
	Archive  string
	MongoURI string
	MongoDB  string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaCodec   string

	// Audit writes an audit line for every lifecycle hook.
	Audit bool

	LogLevel slog.Level
	Engine   haul.Config
}

func loadSettings() (settings, error) {
	s := settings{
		HTTPAddr:    env("HAUL_HTTP_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   env("REDIS_ADDR", "localhost:6379"),
		RedisPrefix: env("HAUL_REDIS_PREFIX", "haul:"),
		Archive:     env("HAUL_ARCHIVE", "bun"),
		MongoURI:    os.Getenv("MONGO_URI"),
		MongoDB:     env("HAUL_MONGO_DB", "haul"),
		KafkaTopic:  env("HAUL_KAFKA_TOPIC", "haul.events"),
		KafkaCodec:  env("HAUL_KAFKA_CODEC", "json"),
		Audit:       true,
		Engine:      haul.DefaultConfig(),
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		s.KafkaBrokers = strings.Split(v, ",")
	}
	if err := s.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		return s, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if s.DatabaseURL == "" {
		return s, fmt.Errorf("DATABASE_URL is required")
	}

	if v := os.Getenv("HAUL_AUDIT"); v != "" {
		audit, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("HAUL_AUDIT: %w", err)
		}
		s.Audit = audit
	}

	cfg := &s.Engine
	var err error
	if cfg.BroadcastTimeout, err = envDuration("HAUL_BROADCAST_TIMEOUT", cfg.BroadcastTimeout); err != nil {
		return s, err
	}
	if cfg.MarkerGrace, err = envDuration("HAUL_MARKER_GRACE", cfg.MarkerGrace); err != nil {
		return s, err
	}
	if cfg.ScanInterval, err = envDuration("HAUL_SCAN_INTERVAL", cfg.ScanInterval); err != nil {
		return s, err
	}
	if cfg.TimerLeaseTTL, err = envDuration("HAUL_TIMER_LEASE_TTL", cfg.TimerLeaseTTL); err != nil {
		return s, err
	}
	if cfg.ConnectivityTTL, err = envDuration("HAUL_CONNECTIVITY_TTL", cfg.ConnectivityTTL); err != nil {
		return s, err
	}
	if cfg.ShutdownTimeout, err = envDuration("HAUL_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return s, err
	}
	if cfg.AcceptMaxAttempts, err = envInt("HAUL_ACCEPT_MAX_ATTEMPTS", cfg.AcceptMaxAttempts); err != nil {
		return s, err
	}
	if cfg.StepCandidateLimit, err = envInt("HAUL_STEP_CANDIDATE_LIMIT", cfg.StepCandidateLimit); err != nil {
		return s, err
	}
	if v := os.Getenv("HAUL_STEPS"); v != "" {
		if cfg.Steps, err = parseSteps(v); err != nil {
			return s, err
		}
	}
	if v := os.Getenv("HAUL_ACTIVE_POLICY"); v != "" {
		cfg.ActivePolicy = haul.ActivePolicy(v)
	}
	if v := os.Getenv("HAUL_FALLBACK_SCAN"); v != "" {
		if cfg.FallbackScan, err = strconv.ParseBool(v); err != nil {
			return s, fmt.Errorf("HAUL_FALLBACK_SCAN: %w", err)
		}
	}
	cfg.SweepSchedule = env("HAUL_SWEEP_SCHEDULE", cfg.SweepSchedule)

	return s, cfg.Validate()
}

// parseSteps reads "10km:20s,25km:20s" into radius steps.
func parseSteps(v string) ([]haul.Step, error) {
	var steps []haul.Step
	for _, part := range strings.Split(v, ",") {
		radius, wait, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("HAUL_STEPS: %q is not radius:wait", part)
		}
		km, err := strconv.ParseFloat(strings.TrimSuffix(radius, "km"), 64)
		if err != nil {
			return nil, fmt.Errorf("HAUL_STEPS: radius %q: %w", radius, err)
		}
		d, err := time.ParseDuration(wait)
		if err != nil {
			return nil, fmt.Errorf("HAUL_STEPS: wait %q: %w", wait, err)
		}
		steps = append(steps, haul.Step{RadiusKm: km, Wait: d})
	}
	return steps, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
