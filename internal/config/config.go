package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	Auth     AuthConfig     `json:"auth"`
	Alerting AlertingConfig `json:"alerting"`
}

type ServerConfig struct {
	BindAddr        string `json:"bindAddr"`
	ShutdownTimeout string `json:"shutdownTimeout"` // e.g. "15s"
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the libpq style connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	IdentityHeader string `json:"identityHeader"`
	RolesHeader    string `json:"rolesHeader"`
}

type AlertingConfig struct {
	Registry RegistryConfig `json:"registry"`
	Anomaly  AnomalyConfig  `json:"anomaly"`
	Ruleset  RulesetConfig  `json:"ruleset"`
	Delivery DeliveryConfig `json:"delivery"`
	Autoheal AutohealConfig `json:"autoheal"`
	Learner  LearnerConfig  `json:"learner"`
	Audit    AuditConfig    `json:"audit"`
}

type RegistryConfig struct {
	HealthPath string `json:"healthPath"` // appended to url when health_url is absent
}

type AnomalyConfig struct {
	Interval         string                `json:"interval"`
	BaselineWindow   string                `json:"baselineWindow"`
	CurrentWindow    string                `json:"currentWindow"`
	WindowCapacity   int                   `json:"windowCapacity"`
	MinSamples       int                   `json:"minSamples"`
	WarningPercent   float64               `json:"warningPercent"`
	CriticalPercent  float64               `json:"criticalPercent"`
	IncidentCapacity int                   `json:"incidentCapacity"`
	IncidentTTL      string                `json:"incidentTTL"`
	SignalChanSize   int                   `json:"signalChanSize"`
	Metrics          []AnomalyMetricConfig `json:"metrics"`
	Prometheus       PrometheusConfig      `json:"prometheus"`
}

type AnomalyMetricConfig struct {
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`     // gauge | error_rate | tenant_isolation
	Ceiling  float64 `json:"ceiling"`  // absolute critical ceiling, 0 disables
	Tenant   string  `json:"tenant"`   // optional affected tenant
	Endpoint string  `json:"endpoint"` // optional affected endpoint
}

type PrometheusConfig struct {
	URL          string            `json:"url"`
	QueryTimeout string            `json:"queryTimeout"`
	Interval     string            `json:"interval"`
	Queries      map[string]string `json:"queries"` // metric name -> PromQL
}

type RulesetConfig struct {
	CatalogFile string `json:"catalogFile"`
}

type DeliveryConfig struct {
	MaxAttempts    int               `json:"maxAttempts"`
	DedupWindow    string            `json:"dedupWindow"`
	BackoffBase    string            `json:"backoffBase"`
	BackoffMax     string            `json:"backoffMax"`
	Jitter         float64           `json:"jitter"`
	AttemptTimeout string            `json:"attemptTimeout"`
	PollInterval   string            `json:"pollInterval"`
	Batch          int               `json:"batch"`
	Workers        int               `json:"workers"`
	RatePerTarget  float64           `json:"ratePerTarget"` // requests per second, 0 disables
	Channels       map[string]string `json:"channels"`      // channel name -> webhook url
	BearerToken    string            `json:"bearerToken"`
}

type AutohealConfig struct {
	Interval         string            `json:"interval"`
	ProbeTimeout     string            `json:"probeTimeout"`
	HistoryCap       int               `json:"historyCap"`
	Concurrency      int               `json:"concurrency"`
	FailureThreshold int               `json:"failureThreshold"`
	ObservationTime  string            `json:"observationTime"`
	RestartHookURL   string            `json:"restartHookURL"`
	DefaultAction    string            `json:"defaultAction"`
	Policies         map[string]string `json:"policies"` // service name -> action
	AlertTenant      string            `json:"alertTenant"`
}

type LearnerConfig struct {
	DefaultThreshold float64 `json:"defaultThreshold"`
	MinThreshold     float64 `json:"minThreshold"`
	MaxThreshold     float64 `json:"maxThreshold"`
	Step             float64 `json:"step"`
	FloorPercent     float64 `json:"floorPercent"`
	CeilingPercent   float64 `json:"ceilingPercent"`
	MinSamples       int     `json:"minSamples"`
	Cooldown         string  `json:"cooldown"`
	MaxFeedback      int     `json:"maxFeedback"`
}

type AuditConfig struct {
	OperatorLimit int `json:"operatorLimit"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := Default()

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err).Msg("load config file")
			return nil, err
		}
	}

	cfg.fillDefaults()
	return cfg, nil
}

// Default returns the configuration assembled from environment variables and built-in defaults.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr:        getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			ShutdownTimeout: getEnv("SERVER_SHUTDOWN_TIMEOUT", "15s"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "controlplane"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			IdentityHeader: getEnv("AUTH_IDENTITY_HEADER", "X-User-ID"),
			RolesHeader:    getEnv("AUTH_ROLES_HEADER", "X-User-Roles"),
		},
		Alerting: AlertingConfig{
			Registry: RegistryConfig{
				HealthPath: getEnv("REGISTRY_HEALTH_PATH", "/ping"),
			},
			Anomaly: AnomalyConfig{
				Interval:         getEnv("ANOMALY_INTERVAL", "30s"),
				BaselineWindow:   getEnv("ANOMALY_BASELINE_WINDOW", "1h"),
				CurrentWindow:    getEnv("ANOMALY_CURRENT_WINDOW", "5m"),
				WindowCapacity:   getEnvInt("ANOMALY_WINDOW_CAPACITY", 720),
				MinSamples:       getEnvInt("ANOMALY_MIN_SAMPLES", 3),
				WarningPercent:   getEnvFloat("ANOMALY_WARNING_PERCENT", 100),
				CriticalPercent:  getEnvFloat("ANOMALY_CRITICAL_PERCENT", 300),
				IncidentCapacity: getEnvInt("ANOMALY_INCIDENT_CAPACITY", 500),
				IncidentTTL:      getEnv("ANOMALY_INCIDENT_TTL", "1h"),
				SignalChanSize:   getEnvInt("ANOMALY_SIGNAL_CHAN_SIZE", 1024),
				Prometheus: PrometheusConfig{
					URL:          getEnv("PROMETHEUS_URL", ""),
					QueryTimeout: getEnv("PROMETHEUS_QUERY_TIMEOUT", "10s"),
					Interval:     getEnv("PROMETHEUS_POLL_INTERVAL", "1m"),
				},
			},
			Ruleset: RulesetConfig{
				CatalogFile: getEnv("ALERT_RULES_CATALOG_FILE", ""),
			},
			Delivery: DeliveryConfig{
				MaxAttempts:    getEnvInt("DELIVERY_MAX_ATTEMPTS", 5),
				DedupWindow:    getEnv("DELIVERY_DEDUP_WINDOW", "300s"),
				BackoffBase:    getEnv("DELIVERY_BACKOFF_BASE", "5s"),
				BackoffMax:     getEnv("DELIVERY_BACKOFF_MAX", "10m"),
				Jitter:         getEnvFloat("DELIVERY_JITTER", 0.2),
				AttemptTimeout: getEnv("DELIVERY_ATTEMPT_TIMEOUT", "5s"),
				PollInterval:   getEnv("DELIVERY_POLL_INTERVAL", "1s"),
				Batch:          getEnvInt("DELIVERY_BATCH", 100),
				Workers:        getEnvInt("DELIVERY_WORKERS", 8),
				RatePerTarget:  getEnvFloat("DELIVERY_RATE_PER_TARGET", 0),
				BearerToken:    getEnv("DELIVERY_BEARER_TOKEN", ""),
			},
			Autoheal: AutohealConfig{
				Interval:         getEnv("AUTOHEAL_INTERVAL", "30s"),
				ProbeTimeout:     getEnv("AUTOHEAL_PROBE_TIMEOUT", "3s"),
				HistoryCap:       getEnvInt("AUTOHEAL_HISTORY_CAP", 50),
				Concurrency:      getEnvInt("AUTOHEAL_CONCURRENCY", 8),
				FailureThreshold: getEnvInt("AUTOHEAL_FAILURE_THRESHOLD", 1),
				ObservationTime:  getEnv("AUTOHEAL_OBSERVATION_TIME", "5m"),
				RestartHookURL:   getEnv("AUTOHEAL_RESTART_HOOK_URL", ""),
				DefaultAction:    getEnv("AUTOHEAL_DEFAULT_ACTION", "reregister"),
				AlertTenant:      getEnv("AUTOHEAL_ALERT_TENANT", "platform"),
			},
			Learner: LearnerConfig{
				DefaultThreshold: getEnvFloat("LEARNER_DEFAULT_THRESHOLD", 1.0),
				MinThreshold:     getEnvFloat("LEARNER_MIN_THRESHOLD", 0.5),
				MaxThreshold:     getEnvFloat("LEARNER_MAX_THRESHOLD", 4.0),
				Step:             getEnvFloat("LEARNER_STEP", 0.25),
				FloorPercent:     getEnvFloat("LEARNER_FLOOR_PERCENT", 80),
				CeilingPercent:   getEnvFloat("LEARNER_CEILING_PERCENT", 95),
				MinSamples:       getEnvInt("LEARNER_MIN_SAMPLES", 5),
				Cooldown:         getEnv("LEARNER_COOLDOWN", "1h"),
				MaxFeedback:      getEnvInt("LEARNER_MAX_FEEDBACK", 10000),
			},
			Audit: AuditConfig{
				OperatorLimit: getEnvInt("AUDIT_OPERATOR_LIMIT", 100),
			},
		},
	}
	return cfg
}

// fill reasonable defaults when fields omitted in file
func (cfg *Config) fillDefaults() {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Server.ShutdownTimeout == "" {
		cfg.Server.ShutdownTimeout = "15s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Auth.IdentityHeader == "" {
		cfg.Auth.IdentityHeader = "X-User-ID"
	}
	if cfg.Auth.RolesHeader == "" {
		cfg.Auth.RolesHeader = "X-User-Roles"
	}
	a := &cfg.Alerting
	if a.Registry.HealthPath == "" {
		a.Registry.HealthPath = "/ping"
	}
	if a.Anomaly.Interval == "" {
		a.Anomaly.Interval = "30s"
	}
	if a.Anomaly.BaselineWindow == "" {
		a.Anomaly.BaselineWindow = "1h"
	}
	if a.Anomaly.CurrentWindow == "" {
		a.Anomaly.CurrentWindow = "5m"
	}
	if a.Anomaly.WindowCapacity == 0 {
		a.Anomaly.WindowCapacity = 720
	}
	if a.Anomaly.MinSamples == 0 {
		a.Anomaly.MinSamples = 3
	}
	if a.Anomaly.WarningPercent == 0 {
		a.Anomaly.WarningPercent = 100
	}
	if a.Anomaly.CriticalPercent == 0 {
		a.Anomaly.CriticalPercent = 300
	}
	if a.Anomaly.IncidentCapacity == 0 {
		a.Anomaly.IncidentCapacity = 500
	}
	if a.Anomaly.IncidentTTL == "" {
		a.Anomaly.IncidentTTL = "1h"
	}
	if a.Anomaly.SignalChanSize == 0 {
		a.Anomaly.SignalChanSize = 1024
	}
	if a.Delivery.MaxAttempts == 0 {
		a.Delivery.MaxAttempts = 5
	}
	if a.Delivery.DedupWindow == "" {
		a.Delivery.DedupWindow = "300s"
	}
	if a.Delivery.BackoffBase == "" {
		a.Delivery.BackoffBase = "5s"
	}
	if a.Delivery.BackoffMax == "" {
		a.Delivery.BackoffMax = "10m"
	}
	if a.Delivery.AttemptTimeout == "" {
		a.Delivery.AttemptTimeout = "5s"
	}
	if a.Delivery.PollInterval == "" {
		a.Delivery.PollInterval = "1s"
	}
	if a.Delivery.Batch == 0 {
		a.Delivery.Batch = 100
	}
	if a.Delivery.Workers == 0 {
		a.Delivery.Workers = 8
	}
	if a.Autoheal.Interval == "" {
		a.Autoheal.Interval = "30s"
	}
	if a.Autoheal.ProbeTimeout == "" {
		a.Autoheal.ProbeTimeout = "3s"
	}
	if a.Autoheal.HistoryCap == 0 {
		a.Autoheal.HistoryCap = 50
	}
	if a.Autoheal.Concurrency == 0 {
		a.Autoheal.Concurrency = 8
	}
	if a.Autoheal.FailureThreshold == 0 {
		a.Autoheal.FailureThreshold = 1
	}
	if a.Autoheal.ObservationTime == "" {
		a.Autoheal.ObservationTime = "5m"
	}
	if a.Autoheal.DefaultAction == "" {
		a.Autoheal.DefaultAction = "reregister"
	}
	if a.Autoheal.AlertTenant == "" {
		a.Autoheal.AlertTenant = "platform"
	}
	if a.Learner.DefaultThreshold == 0 {
		a.Learner.DefaultThreshold = 1.0
	}
	if a.Learner.MinThreshold == 0 {
		a.Learner.MinThreshold = 0.5
	}
	if a.Learner.MaxThreshold == 0 {
		a.Learner.MaxThreshold = 4.0
	}
	if a.Learner.Step == 0 {
		a.Learner.Step = 0.25
	}
	if a.Learner.FloorPercent == 0 {
		a.Learner.FloorPercent = 80
	}
	if a.Learner.CeilingPercent == 0 {
		a.Learner.CeilingPercent = 95
	}
	if a.Learner.MinSamples == 0 {
		a.Learner.MinSamples = 5
	}
	if a.Learner.Cooldown == "" {
		a.Learner.Cooldown = "1h"
	}
	if a.Learner.MaxFeedback == 0 {
		a.Learner.MaxFeedback = 10000
	}
	if a.Audit.OperatorLimit == 0 {
		a.Audit.OperatorLimit = 100
	}
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// ParseDuration returns d when s is empty or malformed.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	log.Warn().Str("value", s).Dur("fallback", d).Msg("invalid duration in config, using fallback")
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
