// Package config loads the FraudWatch configuration from .env files, an
// optional YAML file and FRAUDWATCH_* environment variables, in that order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

const envPrefix = "FRAUDWATCH_"

// LoadEnvFiles loads every file matching the glob into the process
// environment. Variables that are already set win.
func LoadEnvFiles(pattern string) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	return godotenv.Load(files...)
}

// Load builds the configuration. FRAUDWATCH_PROFILE=cluster starts from
// ClusterConfig instead of DefaultConfig. path may be empty.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(envPrefix+"PROFILE"), "cluster") {
		cfg = domain.ClusterConfig()
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	slog.Debug("config file loaded", "path", path)
	return nil
}

// applyEnv overrides selected settings from FRAUDWATCH_* variables.
func applyEnv(cfg *domain.Config) error {
	e := envReader{}

	e.str("HOST", &cfg.Server.Host)
	e.integer("PORT", &cfg.Server.Port)
	e.integer("MAX_BATCH_SIZE", &cfg.Server.MaxBatchSize)

	e.str("DB_DRIVER", &cfg.Repository.Driver)
	e.str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.integer("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.str("CACHE_TYPE", &cfg.Cache.Type)
	e.str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.boolean("CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)

	e.str("BUS_TYPE", &cfg.EventBus.Type)
	e.str("NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.list("KAFKA_BROKERS", &cfg.EventBus.KafkaBrokers)
	e.str("KAFKA_GROUP_ID", &cfg.EventBus.KafkaGroupID)

	e.str("SCORING_TYPE", &cfg.Scoring.Type)
	e.str("SCORING_EXPRESSION", &cfg.Scoring.Expression)
	e.float("SCORING_THRESHOLD", &cfg.Scoring.Threshold)
	e.str("SCORING_ENDPOINT", &cfg.Scoring.Endpoint)
	e.duration("SCORING_TIMEOUT", &cfg.Scoring.Timeout)

	e.integer("DETECTION_WORKERS", &cfg.Detection.MaxWorkers)
	e.duration("DETECTION_TIMEOUT", &cfg.Detection.Timeout)

	e.str("REPORT_SINK", &cfg.Reporting.Sink)
	e.str("REPORT_ENDPOINT", &cfg.Reporting.Endpoint)
	e.str("REPORT_ENTITY_ID", &cfg.Reporting.EntityID)
	var policy string
	if e.str("AUTO_REPORT", &policy) {
		cfg.Reporting.AutoReport = domain.ReportPolicy(strings.ToLower(policy))
	}

	e.boolean("VELOCITY_ENABLED", &cfg.Velocity.Enabled)
	e.duration("VELOCITY_WINDOW", &cfg.Velocity.Window)

	e.str("RULES_FILE", &cfg.RulesFile)
	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.str("LOG_FORMAT", &cfg.Logging.Format)
	if debug := os.Getenv(envPrefix + "DEBUG"); debug == "true" {
		cfg.Logging.Level = "debug"
	}
	e.boolean("TRACING_ENABLED", &cfg.Tracing.Enabled)

	switch cfg.Reporting.AutoReport {
	case domain.PolicyEnabled, domain.PolicyDisabled:
	default:
		e.errs = append(e.errs, fmt.Errorf("%sAUTO_REPORT: unknown policy %q", envPrefix, cfg.Reporting.AutoReport))
	}

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %v", e.errs)
	}
	return nil
}

type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) bool {
	v, ok := e.lookup(name)
	if ok {
		*dst = v
	}
	return ok
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(name string, dst *float64) {
	if v, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) list(name string, dst *[]string) {
	if v, ok := e.lookup(name); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

// Logger builds the slog logger described by cfg.
func Logger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
