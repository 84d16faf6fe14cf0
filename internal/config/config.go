// Package config loads the orchestrator's tunables from an optional YAML
// file, an optional .env file, and environment variables, in that order of
// increasing precedence. Grounded on aosanya-CodeValdCortex's
// internal/config/config.go: same viper+godotenv shape, same
// defaults-then-file-then-env layering, regeared from that repo's
// server/database/kubernetes sections onto this spec's §6 Configuration
// block (scheduler weights, retry knobs, per-agent worker/URL maps, SLA
// thresholds).
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SchedulerConfig holds the priority formula's weights and ERT fallback.
type SchedulerConfig struct {
	Alpha       float64 `mapstructure:"alpha"`
	Beta        float64 `mapstructure:"beta"`
	Gamma       float64 `mapstructure:"gamma"`
	ERTDefaultS float64 `mapstructure:"ert_default_s"`
}

// RetryConfig holds the retry tracker's backoff knobs.
type RetryConfig struct {
	MaxRetries    int     `mapstructure:"max_retries"`
	BackoffBaseS  float64 `mapstructure:"backoff_base_s"`
	BackoffMaxS   float64 `mapstructure:"backoff_max_s"`
	PollIntervalS float64 `mapstructure:"poll_interval_s"`
}

// WorkerConfig holds per-agent worker pool sizing and addressing.
type WorkerConfig struct {
	MaxWorkersPerAgent map[string]int    `mapstructure:"max_workers_per_agent"`
	AgentURLs          map[string]string `mapstructure:"agent_urls"`
	TaskTimeoutS       float64           `mapstructure:"task_timeout_s"`
	PollIntervalS      float64           `mapstructure:"poll_interval_s"`
	EnabledAgents      []string          `mapstructure:"enabled_agents"`
}

// SLAConfig holds the monitor's scan interval and staleness thresholds.
type SLAConfig struct {
	TaskSLAS          float64 `mapstructure:"task_sla_s"`
	WorkflowSLAS      float64 `mapstructure:"workflow_sla_s"`
	MonitorIntervalS  float64 `mapstructure:"monitor_interval_s"`
	PendingStaleS     float64 `mapstructure:"pending_stale_s"`
	CancelOnViolation bool    `mapstructure:"cancel_on_violation"`
}

// StoreConfig selects and addresses the state-store backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"` // "bbolt" (default), "redis", "memory"
	BoltPath string `mapstructure:"bolt_path"`
	RedisURL string `mapstructure:"redis_url"`
}

// EventsConfig selects and addresses the event bus backend.
type EventsConfig struct {
	Backend string `mapstructure:"backend"` // "nats" or "memory" (default)
	NatsURL string `mapstructure:"nats_url"`
}

// Config is the orchestrator's full set of recognized options, matching
// §6's Configuration block plus the ambient store/events/http wiring it
// presupposes.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	HTTPAddr  string `mapstructure:"http_addr"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	SLA       SLAConfig       `mapstructure:"sla"`
	Store     StoreConfig     `mapstructure:"store"`
	Events    EventsConfig    `mapstructure:"events"`
}

// Load reads configuration from an optional file at configPath (YAML),
// layering environment variables (prefix ORCH_) and a .env file on top of
// built-in defaults.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:  "info",
		LogFormat: "text",
		HTTPAddr:  ":8090",
		Scheduler: SchedulerConfig{Alpha: 1, Beta: 2, Gamma: 3, ERTDefaultS: 30},
		Retry:     RetryConfig{MaxRetries: 3, BackoffBaseS: 15, BackoffMaxS: 300, PollIntervalS: 1},
		Worker: WorkerConfig{
			MaxWorkersPerAgent: map[string]int{},
			AgentURLs:          map[string]string{},
			TaskTimeoutS:       600,
			PollIntervalS:      0.2,
			EnabledAgents:      []string{},
		},
		SLA: SLAConfig{
			TaskSLAS:          600,
			WorkflowSLAS:      3600,
			MonitorIntervalS:  30,
			PendingStaleS:     900,
			CancelOnViolation: false,
		},
		Store:  StoreConfig{Backend: "bbolt", BoltPath: "orchestrator.db"},
		Events: EventsConfig{Backend: "memory"},
	}

	viper.SetConfigName("orchestrator")
	viper.SetConfigType("yaml")

	if configPath != "" {
		if filepath.IsAbs(configPath) {
			viper.SetConfigFile(configPath)
		} else {
			viper.AddConfigPath(filepath.Dir(configPath))
			ext := filepath.Ext(configPath)
			viper.SetConfigName(filepath.Base(configPath[:len(configPath)-len(ext)]))
		}
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/orchestrator")

	viper.SetEnvPrefix("ORCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	var bindEnv func(t reflect.Type, prefix string)
	bindEnv = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			if f := t.Field(i); f.Type.Kind() == reflect.Struct {
				bindEnv(f.Type, prefix+f.Tag.Get("mapstructure")+".")
			} else {
				_ = viper.BindEnv(prefix + f.Tag.Get("mapstructure"))
			}
		}
	}
	bindEnv(reflect.TypeOf(*cfg), "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// Seconds converts a float seconds value to a time.Duration, the shape
// every *_s config field above is stored in but every consumer package
// wants.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
