package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/emberml/expertpar/internal/moe"
)

// Config represents the expertpar configuration file
// (~/.config/expertpar/config.yaml). All numeric fields are pointers so
// we can distinguish "not set" from zero values.
type Config struct {
	WorldSize       *int64   `yaml:"world_size"`
	NumExperts      *int64   `yaml:"num_experts"`
	TopK            *int64   `yaml:"top_k"`
	HiddenDim       *int64   `yaml:"hidden_dim"`
	FFNDim          *int64   `yaml:"ffn_dim"`
	GroupedExperts  *bool    `yaml:"grouped_experts"`
	BalanceInterval *int64   `yaml:"balance_interval"`
	AuxLossCoeff    *float64 `yaml:"aux_loss_coeff"`
	Seed            *int64   `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "expertpar", "config.yaml")
}

// applyLayerConfig applies config file defaults to the shared layer
// flags when the corresponding CLI flag was not explicitly set.
func applyLayerConfig(c *cli.Command, cfg Config) {
	if cfg.WorldSize != nil && !c.IsSet("world-size") {
		worldSize = *cfg.WorldSize
	}
	if cfg.NumExperts != nil && !c.IsSet("num-experts") {
		numExperts = *cfg.NumExperts
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		topK = *cfg.TopK
	}
	if cfg.HiddenDim != nil && !c.IsSet("hidden-dim") {
		hiddenDim = *cfg.HiddenDim
	}
	if cfg.FFNDim != nil && !c.IsSet("ffn-dim") {
		ffnDim = *cfg.FFNDim
	}
	if cfg.GroupedExperts != nil && !c.IsSet("grouped") {
		groupedExperts = *cfg.GroupedExperts
	}
	if cfg.BalanceInterval != nil && !c.IsSet("balance-interval") {
		balanceInterval = *cfg.BalanceInterval
	}
	if cfg.AuxLossCoeff != nil && !c.IsSet("aux-loss-coeff") {
		auxLossCoeff = *cfg.AuxLossCoeff
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyLayerConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

func layerConfigFromFlags() moe.Config {
	return moe.Config{
		NumExperts:          int(numExperts),
		TopK:                int(topK),
		HiddenDim:           int(hiddenDim),
		FFNDim:              int(ffnDim),
		GroupedExperts:      groupedExperts,
		LoadBalanceInterval: int(balanceInterval),
		AuxLossCoeff:        auxLossCoeff,
		Seed:                seed,
	}
}
