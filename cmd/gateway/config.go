package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"dato/internal/collector"
	"dato/internal/registry"
)

// Config holds the gateway configuration.
type Config struct {
	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// RegistryFile is a CSV validator registry.
	RegistryFile string

	// ELURL is an execution-layer RPC endpoint for the on-chain registry.
	ELURL string

	// RegistryAddress is the registry contract address.
	RegistryAddress string

	// MinStake is the smallest stake admitted into the validator set.
	MinStake uint64

	// PollInterval is the registry fallback poll interval.
	PollInterval time.Duration

	// MaxWait bounds one quorum collection.
	MaxWait time.Duration

	// RequestTimeout bounds one validator exchange.
	RequestTimeout time.Duration

	// LogLevel is the minimum log level.
	LogLevel string
}

// bindFlags declares the gateway flags on fs.
func bindFlags(fs *pflag.FlagSet) {
	fs.String("http", ":8080", "HTTP API address")
	fs.String("registry-file", "", "CSV validator registry (index,pubkey,stake,socket)")
	fs.String("el-url", "", "Execution-layer RPC URL of the on-chain registry")
	fs.String("registry-address", "", "On-chain registry contract address")
	fs.Uint64("min-stake", 1, "Minimum stake admitted into the validator set")
	fs.Duration("poll-interval", registry.DefaultPollInterval, "Registry poll interval")
	fs.Duration("max-wait", collector.DefaultMaxWait, "Maximum time to collect a quorum")
	fs.Duration("request-timeout", collector.DefaultRequestTimeout, "Timeout of one validator request")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
}

// newViper binds flags and DATO_* environment variables.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("DATO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags:\n%w", err)
	}

	return v, nil
}

// loadConfig reads and validates the configuration.
func loadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPAddress:     v.GetString("http"),
		RegistryFile:    v.GetString("registry-file"),
		ELURL:           v.GetString("el-url"),
		RegistryAddress: v.GetString("registry-address"),
		MinStake:        v.GetUint64("min-stake"),
		PollInterval:    v.GetDuration("poll-interval"),
		MaxWait:         v.GetDuration("max-wait"),
		RequestTimeout:  v.GetDuration("request-timeout"),
		LogLevel:        v.GetString("log-level"),
	}

	hasFile := cfg.RegistryFile != ""
	hasChain := cfg.ELURL != ""

	switch {
	case hasFile && hasChain:
		return nil, fmt.Errorf("registry-file and el-url are mutually exclusive")
	case !hasFile && !hasChain:
		return nil, fmt.Errorf("one of registry-file or el-url is required")
	case hasChain && !common.IsHexAddress(cfg.RegistryAddress):
		return nil, fmt.Errorf("invalid registry-address %q", cfg.RegistryAddress)
	}

	if cfg.MaxWait <= 0 || cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("max-wait and request-timeout must be positive")
	}

	return cfg, nil
}

// openRegistry builds the configured registry source.
func openRegistry(ctx context.Context, cfg *Config) (registry.Source, error) {
	if cfg.RegistryFile != "" {
		return registry.NewFile(cfg.RegistryFile, cfg.MinStake), nil
	}

	c, err := registry.DialContract(ctx, cfg.ELURL, common.HexToAddress(cfg.RegistryAddress), cfg.MinStake)
	if err != nil {
		return nil, fmt.Errorf("dial registry contract:\n%w", err)
	}

	return c, nil
}
