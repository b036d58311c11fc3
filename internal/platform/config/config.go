// Package config loads service configuration from an optional YAML file,
// MFGWF_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. MFGWF_DATABASE_HOST.
const EnvPrefix = "MFGWF"

type Service struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

type Server struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type GRPC struct {
	Port int `mapstructure:"port"`
}

type Database struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

type NATS struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// Escalation controls the stale-approval escalation sweep.
type Escalation struct {
	Enabled     bool              `mapstructure:"enabled"`
	After       time.Duration     `mapstructure:"after"`
	MaxLevel    int               `mapstructure:"max_level"`
	Roles       map[string]string `mapstructure:"roles"`
	DefaultRole string            `mapstructure:"default_role"`
}

// Workflow holds approval and transition engine tunables.
type Workflow struct {
	MinCommentLength      int           `mapstructure:"min_comment_length"`
	DelegationHopLimit    int           `mapstructure:"delegation_hop_limit"`
	StageCacheTTL         time.Duration `mapstructure:"stage_cache_ttl"`
	DefaultDueIn          time.Duration `mapstructure:"default_due_in"`
	HistoryBestEffort     bool          `mapstructure:"history_best_effort"`
	HistorySpoolPath      string        `mapstructure:"history_spool_path"`
	AutoApprovalRulesFile string        `mapstructure:"auto_approval_rules_file"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	SweepLockFile         string        `mapstructure:"sweep_lock_file"`
	NotifyTimeout         time.Duration `mapstructure:"notify_timeout"`
	NotifyConcurrency     int           `mapstructure:"notify_concurrency"`
	Escalation            Escalation    `mapstructure:"escalation"`
}

// Telemetry selects the OpenTelemetry exporters.
type Telemetry struct {
	Enabled        bool          `mapstructure:"enabled"`
	Exporter       string        `mapstructure:"exporter"` // stdout or none
	Output         string        `mapstructure:"output"`   // file path, stderr when empty
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

// Config is the root configuration document.
type Config struct {
	Service   Service   `mapstructure:"service"`
	Server    Server    `mapstructure:"server"`
	GRPC      GRPC      `mapstructure:"grpc"`
	Database  Database  `mapstructure:"database"`
	NATS      NATS      `mapstructure:"nats"`
	Workflow  Workflow  `mapstructure:"workflow"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-mfg-workflow")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("grpc.port", 9086)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "mfg_workflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("workflow.min_comment_length", 1)
	v.SetDefault("workflow.delegation_hop_limit", 5)
	v.SetDefault("workflow.stage_cache_ttl", 5*time.Minute)
	v.SetDefault("workflow.default_due_in", 72*time.Hour)
	v.SetDefault("workflow.history_best_effort", true)
	v.SetDefault("workflow.history_spool_path", "stage_history_spool.db")
	v.SetDefault("workflow.sweep_interval", 5*time.Minute)
	v.SetDefault("workflow.sweep_lock_file", "/tmp/mfg-workflow-sweep.lock")
	v.SetDefault("workflow.notify_timeout", 10*time.Second)
	v.SetDefault("workflow.notify_concurrency", 64)
	v.SetDefault("workflow.escalation.enabled", true)
	v.SetDefault("workflow.escalation.after", 48*time.Hour)
	v.SetDefault("workflow.escalation.max_level", 2)
	v.SetDefault("workflow.escalation.default_role", "operations_manager")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.output", "")
	v.SetDefault("telemetry.metric_interval", time.Minute)
}

// Load reads configuration. path may be empty, in which case config.yaml is
// looked up in the working directory and ./config; a missing file is not an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot operate with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		problems = append(problems, "grpc.port must be between 1 and 65535")
	}
	if c.Workflow.MinCommentLength < 1 {
		problems = append(problems, "workflow.min_comment_length must be at least 1")
	}
	if c.Workflow.DelegationHopLimit < 1 {
		problems = append(problems, "workflow.delegation_hop_limit must be at least 1")
	}
	if c.Workflow.SweepInterval <= 0 {
		problems = append(problems, "workflow.sweep_interval must be positive")
	}
	if c.Workflow.Escalation.Enabled && c.Workflow.Escalation.After <= 0 {
		problems = append(problems, "workflow.escalation.after must be positive when escalation is enabled")
	}
	if c.Workflow.NotifyTimeout <= 0 {
		problems = append(problems, "workflow.notify_timeout must be positive")
	}
	if c.Workflow.NotifyConcurrency < 1 {
		problems = append(problems, "workflow.notify_concurrency must be at least 1")
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Exporter {
		case "stdout", "none":
		default:
			problems = append(problems, "telemetry.exporter must be stdout or none")
		}
		if c.Telemetry.MetricInterval <= 0 {
			problems = append(problems, "telemetry.metric_interval must be positive")
		}
	}
	if c.NATS.Enabled && strings.TrimSpace(c.NATS.URL) == "" {
		problems = append(problems, "nats.url is required when nats is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
