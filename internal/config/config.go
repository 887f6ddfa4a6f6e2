package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is returned when a configuration value violates its rules.
var ErrConfigInvalid = errors.New("config invalid")

// #region node-config
// NodeConfig is the full configuration surface of an edge node.
type NodeConfig struct {
	DeviceID       string `yaml:"device_id" validate:"required"`
	AggregatorAddr string `yaml:"aggregator_addr" validate:"required"`
	Transport      string `yaml:"transport" validate:"oneof=grpc http"`
	Insecure       bool   `yaml:"insecure"`
	DBPath         string `yaml:"db_path" validate:"required"`
	CatalogPath    string `yaml:"catalog_path"`

	SyncIntervalSeconds   int `yaml:"sync_interval_seconds" validate:"gte=60"`
	RetryAttempts         int `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" validate:"gte=5"`

	ExplorationCoefficient float64 `yaml:"exploration_coefficient" validate:"gte=0"`
	QualityThreshold       float64 `yaml:"quality_threshold" validate:"gte=0,lte=1"`
	MaxPatternsPerSync     int     `yaml:"max_patterns_per_sync" validate:"gte=1"`
	MaxPatternsStored      int     `yaml:"max_patterns_stored" validate:"gte=1"`
	MinUsesForSync         int     `yaml:"min_uses_for_sync" validate:"gte=1"`
	TagSlots               int     `yaml:"tag_slots" validate:"gte=1,lte=64"`
	PriorWeight            float64 `yaml:"prior_weight" validate:"gte=0,lte=1"`

	PushBudgetBytes int `yaml:"push_budget_bytes" validate:"gte=256"`
	PullBudgetBytes int `yaml:"pull_budget_bytes" validate:"gte=512"`

	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `yaml:"log_format" validate:"oneof=text json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a node configuration with production defaults.
func Default() NodeConfig {
	return NodeConfig{
		DeviceID:               uuid.New().String(),
		AggregatorAddr:         "localhost:50051",
		Transport:              "grpc",
		DBPath:                 "edge_node.db",
		SyncIntervalSeconds:    600,
		RetryAttempts:          3,
		RequestTimeoutSeconds:  30,
		ExplorationCoefficient: 0.7,
		QualityThreshold:       0.7,
		MaxPatternsPerSync:     10,
		MaxPatternsStored:      10000,
		MinUsesForSync:         10,
		TagSlots:               4,
		PriorWeight:            0.1,
		PushBudgetBytes:        1024,
		PullBudgetBytes:        5120,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// SyncInterval returns the sync period as a duration.
func (c NodeConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-attempt transport timeout.
func (c NodeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// #endregion node-config

// #region load
// Load builds a NodeConfig from defaults, an optional YAML file, an optional
// .env file next to the working directory and EDGESYNC_* environment
// variables, in that order. Only serving fields are checked here; bad sync
// settings are reported by ValidateSync and disable sync, not the node.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	if err := readYAML(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	loadDotEnv()
	applyNodeEnv(&cfg)
	if err := cfg.ValidateServing(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w: %v", path, ErrConfigInvalid, err)
	}
	return nil
}

// loadDotEnv loads .env if present. Existing environment variables win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func applyNodeEnv(cfg *NodeConfig) {
	cfg.DeviceID = envOr("EDGESYNC_DEVICE_ID", cfg.DeviceID)
	cfg.AggregatorAddr = envOr("EDGESYNC_AGGREGATOR_ADDR", cfg.AggregatorAddr)
	cfg.Transport = envOr("EDGESYNC_TRANSPORT", cfg.Transport)
	cfg.DBPath = envOr("EDGESYNC_DB", cfg.DBPath)
	cfg.CatalogPath = envOr("EDGESYNC_CATALOG", cfg.CatalogPath)
	cfg.LogLevel = envOr("EDGESYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("EDGESYNC_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsAddr = envOr("EDGESYNC_METRICS_ADDR", cfg.MetricsAddr)
	cfg.SyncIntervalSeconds = envInt("EDGESYNC_SYNC_INTERVAL", cfg.SyncIntervalSeconds)
	cfg.RequestTimeoutSeconds = envInt("EDGESYNC_REQUEST_TIMEOUT", cfg.RequestTimeoutSeconds)
	cfg.Insecure = envBool("EDGESYNC_INSECURE", cfg.Insecure)
}

// #endregion load

// #region validate
var validate = validator.New()

// syncFields are only read by the sync client and transport.
var syncFields = []string{
	"AggregatorAddr",
	"Transport",
	"SyncIntervalSeconds",
	"RetryAttempts",
	"RequestTimeoutSeconds",
	"QualityThreshold",
	"MaxPatternsPerSync",
	"PushBudgetBytes",
	"PullBudgetBytes",
}

// Validate checks every field and returns an error wrapping ErrConfigInvalid.
func (c NodeConfig) Validate() error {
	if err := c.ValidateServing(); err != nil {
		return err
	}
	return c.ValidateSync()
}

// ValidateServing checks the fields recommendation serving depends on.
func (c NodeConfig) ValidateServing() error {
	if err := validate.StructExcept(c, syncFields...); err != nil {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, describe(err))
	}
	return nil
}

// ValidateSync checks the sync and transport fields.
func (c NodeConfig) ValidateSync() error {
	if err := validate.StructPartial(c, syncFields...); err != nil {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, describe(err))
	}
	if c.PullBudgetBytes < c.PushBudgetBytes {
		return fmt.Errorf("%w: pull budget %d smaller than push budget %d",
			ErrConfigInvalid, c.PullBudgetBytes, c.PushBudgetBytes)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return strings.Join(parts, "; ")
}

// #endregion validate

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// #endregion helpers
