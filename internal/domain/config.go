package domain

import "time"

// Config holds the complete FraudWatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Detection pipeline
	Scoring   ScoringConfig   `json:"scoring" yaml:"scoring"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Reporting ReportingConfig `json:"reporting" yaml:"reporting"`
	Velocity  VelocityConfig  `json:"velocity" yaml:"velocity"`

	// RulesFile is an optional YAML file of rules loaded at startup.
	RulesFile string `json:"rulesFile" yaml:"rulesFile"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds

	// MaxBatchSize caps the number of transactions accepted per batch request.
	MaxBatchSize int `json:"maxBatchSize" yaml:"maxBatchSize"`
}

// DetectionConfig bounds batch fan-out.
type DetectionConfig struct {
	MaxWorkers int `json:"maxWorkers" yaml:"maxWorkers"`

	// Timeout applies to each scoring call. Zero means no timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// VelocityConfig enables payer velocity enrichment.
type VelocityConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Window  time.Duration `json:"window" yaml:"window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// Default scoring model: mirrors the reference behaviour of flagging large amounts.
const (
	DefaultScoringExpression = "amount > 1000.0 ? 0.92 : 0.10"
	DefaultScoringThreshold  = 0.5
	ReasonHighRisk           = "High-risk transaction pattern"
	ReasonLowRisk            = "Low-risk transaction"
)

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// cache, channel bus and the CEL scoring model.
func DefaultConfig() *Config {
	half := DefaultScoringThreshold
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBatchSize: 10000,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fraudwatch.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			KafkaGroupID:      "fraudwatch",
		},
		Scoring: ScoringConfig{
			Type:       "cel",
			Expression: DefaultScoringExpression,
			Threshold:  DefaultScoringThreshold,
			Bands: []ScoringBand{
				{UpperLimit: &half, Reason: ReasonLowRisk},
				{LowerLimit: &half, Reason: ReasonHighRisk},
			},
			Timeout: 5 * time.Second,
		},
		Detection: DetectionConfig{
			MaxWorkers: 32,
			Timeout:    10 * time.Second,
		},
		Reporting: ReportingConfig{
			Sink:       "store",
			Timeout:    5 * time.Second,
			AutoReport: PolicyEnabled,
			EntityID:   "fraudwatch-auto",
			MaxWorkers: 16,
		},
		Velocity: VelocityConfig{
			Enabled: false,
			Window:  24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fraudwatch",
		},
	}
}

// ClusterConfig returns a configuration for a multi-node deployment:
// PostgreSQL, Redis behind the local LRU and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fraudwatch",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ResultTTL:      24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
