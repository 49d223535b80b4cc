package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration for the monitoring consumer.
// Every field has a default; a missing config file never prevents startup.
type Config struct {
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Ops       OpsConfig       `yaml:"ops"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Seeds     SeedConfig      `yaml:"seeds"`

	API          APIThresholds          `yaml:"api"`
	Availability AvailabilityThresholds `yaml:"availability"`
	Database     DatabaseThresholds     `yaml:"database"`
	Errors       ErrorThresholds        `yaml:"errors"`
	Incidents    IncidentThresholds     `yaml:"incidents"`
	Queue        QueueThresholds        `yaml:"queue"`
}

// KafkaConfig configures the consumer readers and the outbound producers.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
	Topics        []string `yaml:"topics"`
	DLQTopic      string   `yaml:"dlq_topic"`
	AlertTopic    string   `yaml:"alert_topic"`
}

// RedisConfig configures the alert de-duplication cache.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// PostgresConfig configures the incident/report repository.
type PostgresConfig struct {
	DSN            string   `yaml:"dsn"`
	Enabled        bool     `yaml:"enabled"`
	MaxConnections int      `yaml:"max_connections"`
	MaxIdleConns   int      `yaml:"max_idle_conns"`
	ConnMaxLife    Duration `yaml:"conn_max_life"`
}

// OpsConfig configures the operational HTTP listener (metrics endpoint).
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DispatchConfig configures the retry/dead-letter policy.
type DispatchConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
	HandlerTimeout Duration `yaml:"handler_timeout"`
	ShutdownGrace  Duration `yaml:"shutdown_grace"`
}

// AlertingConfig configures alert-storm protection.
type AlertingConfig struct {
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
	DedupeWindow  Duration `yaml:"dedupe_window"`
	SendTimeout   Duration `yaml:"send_timeout"`
}

// SchedulerConfig configures the periodic analysis jobs.
type SchedulerConfig struct {
	Workers             int      `yaml:"workers"`
	QueueSize           int      `yaml:"queue_size"`
	HealthSweepInterval Duration `yaml:"health_sweep_interval"`
	RecomputeInterval   Duration `yaml:"recompute_interval"`
	TrendInterval       Duration `yaml:"trend_interval"`
	ReportInterval      Duration `yaml:"report_interval"`
	RetentionInterval   Duration `yaml:"retention_interval"`
	RetentionWindow     Duration `yaml:"retention_window"`
}

// SeedConfig lists known entities created at startup so sweeps cover them
// before their first event arrives.
type SeedConfig struct {
	Services  []string          `yaml:"services"`
	Endpoints []string          `yaml:"endpoints"`
	Databases []string          `yaml:"databases"`
	ProbeURLs map[string]string `yaml:"probe_urls"`
}

// APIThresholds holds the API usage family thresholds.
type APIThresholds struct {
	ErrorRateThreshold    float64 `yaml:"error_rate_threshold"`
	LatencyThresholdMs    float64 `yaml:"latency_threshold_ms"`
	RateLimitThreshold    int     `yaml:"rate_limit_threshold"`
	QuotaWarningPercent   float64 `yaml:"quota_warning_percent"`
	ThrottleThreshold     int     `yaml:"throttle_threshold"`
	BufferSize            int     `yaml:"buffer_size"`
	ConsecutiveFailLimit  int     `yaml:"consecutive_fail_limit"`
	TrendStrength         float64 `yaml:"trend_strength"`
	AbuseDetectionEnabled bool    `yaml:"abuse_detection_enabled"`
}

// AvailabilityThresholds holds the availability family thresholds.
type AvailabilityThresholds struct {
	ConsecutiveFailLimit int     `yaml:"consecutive_fail_limit"`
	EndpointErrorRate    float64 `yaml:"endpoint_error_rate"`
	LatencyThresholdMs   float64 `yaml:"latency_threshold_ms"`
	TrendStrength        float64 `yaml:"trend_strength"`
	BufferSize           int     `yaml:"buffer_size"`
}

// DatabaseThresholds holds the database performance family thresholds.
type DatabaseThresholds struct {
	SlowQueryMs          float64 `yaml:"slow_query_ms"`
	PoolWarningPercent   float64 `yaml:"pool_warning_percent"`
	ReplicationLagMs     float64 `yaml:"replication_lag_ms"`
	CacheHitRatioFloor   float64 `yaml:"cache_hit_ratio_floor"`
	RollbackRateCeiling  float64 `yaml:"rollback_rate_ceiling"`
	BufferSize           int     `yaml:"buffer_size"`
	ConsecutiveFailLimit int     `yaml:"consecutive_fail_limit"`
}

// ErrorThresholds holds the error tracking family thresholds.
type ErrorThresholds struct {
	SpikeThreshold       int      `yaml:"spike_threshold"`
	SpikeWindow          Duration `yaml:"spike_window"`
	TrendStrength        float64  `yaml:"trend_strength"`
	BufferSize           int      `yaml:"buffer_size"`
	ConsecutiveFailLimit int      `yaml:"consecutive_fail_limit"`
}

// IncidentThresholds holds the incident management family thresholds.
type IncidentThresholds struct {
	SLACriticalMinutes float64 `yaml:"sla_critical_minutes"`
	SLAHighMinutes     float64 `yaml:"sla_high_minutes"`
	SLAMediumMinutes   float64 `yaml:"sla_medium_minutes"`
	EscalationLimit    int     `yaml:"escalation_limit"`
	BufferSize         int     `yaml:"buffer_size"`
}

// QueueThresholds holds the message queue family thresholds.
type QueueThresholds struct {
	MaxQueueDepth        float64 `yaml:"max_queue_depth"`
	MaxConsumerLag       float64 `yaml:"max_consumer_lag"`
	ThroughputDropRatio  float64 `yaml:"throughput_drop_ratio"`
	DLQCountThreshold    float64 `yaml:"dlq_count_threshold"`
	RebalanceLimit       int     `yaml:"rebalance_limit"`
	BufferSize           int     `yaml:"buffer_size"`
	ConsecutiveFailLimit int     `yaml:"consecutive_fail_limit"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:19092"},
			ConsumerGroup: "monitoring-consumers",
			Topics:        []string{"monitoring-events"},
			DLQTopic:      "monitoring-events-dlq",
			AlertTopic:    "monitoring-alerts",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Enabled: false,
		},
		Postgres: PostgresConfig{
			Enabled:        false,
			MaxConnections: 20,
			MaxIdleConns:   5,
			ConnMaxLife:    Duration(30 * time.Minute),
		},
		Ops: OpsConfig{
			ListenAddr: ":9108",
		},
		Dispatch: DispatchConfig{
			MaxRetries:     3,
			RetryBackoff:   Duration(500 * time.Millisecond),
			HandlerTimeout: Duration(10 * time.Second),
			ShutdownGrace:  Duration(10 * time.Second),
		},
		Alerting: AlertingConfig{
			RatePerSecond: 50,
			Burst:         100,
			DedupeWindow:  Duration(5 * time.Minute),
			SendTimeout:   Duration(5 * time.Second),
		},
		Scheduler: SchedulerConfig{
			Workers:             4,
			QueueSize:           64,
			HealthSweepInterval: Duration(1 * time.Minute),
			RecomputeInterval:   Duration(5 * time.Minute),
			TrendInterval:       Duration(15 * time.Minute),
			ReportInterval:      Duration(1 * time.Hour),
			RetentionInterval:   Duration(24 * time.Hour),
			RetentionWindow:     Duration(90 * 24 * time.Hour),
		},
		API: APIThresholds{
			ErrorRateThreshold:    0.05,
			LatencyThresholdMs:    500,
			RateLimitThreshold:    1000,
			QuotaWarningPercent:   80,
			ThrottleThreshold:     100,
			BufferSize:            10000,
			ConsecutiveFailLimit:  5,
			TrendStrength:         0.2,
			AbuseDetectionEnabled: true,
		},
		Availability: AvailabilityThresholds{
			ConsecutiveFailLimit: 3,
			EndpointErrorRate:    0.1,
			LatencyThresholdMs:   1000,
			TrendStrength:        0.1,
			BufferSize:           1000,
		},
		Database: DatabaseThresholds{
			SlowQueryMs:          1000,
			PoolWarningPercent:   80,
			ReplicationLagMs:     5000,
			CacheHitRatioFloor:   0.8,
			RollbackRateCeiling:  0.1,
			BufferSize:           5000,
			ConsecutiveFailLimit: 3,
		},
		Errors: ErrorThresholds{
			SpikeThreshold:       50,
			SpikeWindow:          Duration(5 * time.Minute),
			TrendStrength:        0.3,
			BufferSize:           5000,
			ConsecutiveFailLimit: 10,
		},
		Incidents: IncidentThresholds{
			SLACriticalMinutes: 60,
			SLAHighMinutes:     240,
			SLAMediumMinutes:   1440,
			EscalationLimit:    2,
			BufferSize:         1000,
		},
		Queue: QueueThresholds{
			MaxQueueDepth:        100000,
			MaxConsumerLag:       50000,
			ThroughputDropRatio:  0.5,
			DLQCountThreshold:    100,
			RebalanceLimit:       5,
			BufferSize:           2000,
			ConsecutiveFailLimit: 3,
		},
	}
}

// Load reads configuration from a YAML file, overlaying the defaults.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return cfg, nil
}
