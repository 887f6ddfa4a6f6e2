package config

import "fmt"

// AggregatorConfig configures the reference aggregator server.
type AggregatorConfig struct {
	GRPCAddr    string `yaml:"grpc_addr" validate:"required"`
	RESTAddr    string `yaml:"rest_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	Strategy          string  `yaml:"strategy" validate:"oneof=simple_mean quality_weighted exponential_decay"`
	DecayFactor       float64 `yaml:"decay_factor" validate:"gt=0,lte=1"`
	MinQuality        float64 `yaml:"min_quality" validate:"gte=0,lte=1"`
	MinContributors   int     `yaml:"min_contributors" validate:"gte=1"`
	MaxPatterns       int     `yaml:"max_patterns" validate:"gte=1"`
	PullBudgetBytes   int     `yaml:"pull_budget_bytes" validate:"gte=512"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" validate:"gt=0"`
	Burst             int     `yaml:"burst" validate:"gte=1"`
	AllowInsecure     bool    `yaml:"allow_insecure"`
	LogLevel          string  `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string  `yaml:"log_format" validate:"oneof=text json"`
}

// DefaultAggregator returns development defaults for the aggregator.
func DefaultAggregator() AggregatorConfig {
	return AggregatorConfig{
		GRPCAddr:          "0.0.0.0:50051",
		RESTAddr:          ":8080",
		MetricsAddr:       ":9090",
		Strategy:          "quality_weighted",
		DecayFactor:       0.9,
		MinQuality:        0.0,
		MinContributors:   1,
		MaxPatterns:       100,
		PullBudgetBytes:   5120,
		RequestsPerMinute: 6,
		Burst:             3,
		AllowInsecure:     true,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadAggregator reads an aggregator configuration the same way Load does,
// using the GRPC_ADDR, REST_ADDR and METRICS_ADDR variables for listeners.
func LoadAggregator(path string) (AggregatorConfig, error) {
	cfg := DefaultAggregator()
	if err := readYAML(path, &cfg); err != nil {
		return AggregatorConfig{}, err
	}
	loadDotEnv()
	cfg.GRPCAddr = envOr("GRPC_ADDR", cfg.GRPCAddr)
	cfg.RESTAddr = envOr("REST_ADDR", cfg.RESTAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.Strategy = envOr("AGGREGATION_STRATEGY", cfg.Strategy)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return AggregatorConfig{}, err
	}
	return cfg, nil
}

// Validate checks field rules and returns an error wrapping ErrConfigInvalid.
func (c AggregatorConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, describe(err))
	}
	return nil
}
