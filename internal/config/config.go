package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch backend
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	StripeKey string

	FanOutRadiusKm float64
	FanOutTopN     int

	LogLevel      string
	RunMigrations bool
}

// Timings are the protocol cadences both sides must agree on. The
// defaults are the production values; tests shrink them.
type Timings struct {
	DecisionWindow time.Duration // master accept/reject countdown
	SearchStage1   time.Duration // "still searching" escalation points
	SearchStage2   time.Duration
	SearchStage3   time.Duration // hard ceiling; exhaustion after this
	AssignmentPoll time.Duration // customer-side assignment re-check
	ListenerPoll   time.Duration // master-side signal re-check
	Heartbeat      time.Duration // on-duty location sample period
	StatusTTL      time.Duration // how long a cached status may be trusted
	PresenceMaxAge time.Duration // staleness cutoff for fan-out candidates
}

func DefaultTimings() Timings {
	return Timings{
		DecisionWindow: 60 * time.Second,
		SearchStage1:   60 * time.Second,
		SearchStage2:   180 * time.Second,
		SearchStage3:   300 * time.Second,
		AssignmentPoll: 10 * time.Second,
		ListenerPoll:   10 * time.Second,
		Heartbeat:      time.Second,
		StatusTTL:      5 * time.Second,
		PresenceMaxAge: 30 * time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		KafkaTopic:      "master-heartbeats",
		FanOutRadiusKm:  15,
		FanOutTopN:      10,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")

	setFloatFromEnv(&cfg.FanOutRadiusKm, "FANOUT_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.FanOutTopN, "FANOUT_TOP_N", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.FanOutTopN <= 0 {
		errs = append(errs, fmt.Errorf("FANOUT_TOP_N must be > 0"))
	}
	if cfg.FanOutRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("FANOUT_RADIUS_KM must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// LoadTimings reads cadence overrides from the environment on top of
// the production defaults.
func LoadTimings() (Timings, error) {
	t := DefaultTimings()
	var errs []error
	setDurationFromEnv(&t.DecisionWindow, "DECISION_WINDOW", &errs)
	setDurationFromEnv(&t.SearchStage1, "SEARCH_STAGE1", &errs)
	setDurationFromEnv(&t.SearchStage2, "SEARCH_STAGE2", &errs)
	setDurationFromEnv(&t.SearchStage3, "SEARCH_STAGE3", &errs)
	setDurationFromEnv(&t.AssignmentPoll, "ASSIGNMENT_POLL", &errs)
	setDurationFromEnv(&t.ListenerPoll, "LISTENER_POLL", &errs)
	setDurationFromEnv(&t.Heartbeat, "HEARTBEAT_PERIOD", &errs)
	setDurationFromEnv(&t.StatusTTL, "STATUS_TTL", &errs)
	setDurationFromEnv(&t.PresenceMaxAge, "PRESENCE_MAX_AGE", &errs)
	if t.SearchStage1 >= t.SearchStage2 || t.SearchStage2 >= t.SearchStage3 {
		errs = append(errs, fmt.Errorf("search stages must be strictly increasing"))
	}
	return t, errors.Join(errs...)
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
