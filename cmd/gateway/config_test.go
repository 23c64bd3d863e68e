package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()

	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	bindFlags(fs)

	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	v, err := newViper(fs)
	if err != nil {
		t.Fatalf("viper: %v", err)
	}

	return loadConfig(v)
}

func TestLoadConfigFileRegistry(t *testing.T) {
	t.Setenv("DATO_MAX_WAIT", "4s")

	cfg, err := load(t, "--registry-file", "validators.csv")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.MaxWait != 4*time.Second {
		t.Errorf("expected max wait 4s, got %s", cfg.MaxWait)
	}

	if cfg.RegistryFile != "validators.csv" {
		t.Errorf("unexpected registry file %q", cfg.RegistryFile)
	}
}

func TestLoadConfigRegistryChoice(t *testing.T) {
	cases := map[string][]string{
		"none":        nil,
		"both":        {"--registry-file", "v.csv", "--el-url", "http://localhost:8545", "--registry-address", "0x0000000000000000000000000000000000001234"},
		"bad address": {"--el-url", "http://localhost:8545", "--registry-address", "nope"},
		"zero wait":   {"--registry-file", "v.csv", "--max-wait", "0s"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(t, args...); err == nil {
				t.Error("expected configuration error")
			}
		})
	}

	cfg, err := load(t, "--el-url", "http://localhost:8545", "--registry-address", "0x0000000000000000000000000000000000001234")
	if err != nil {
		t.Fatalf("load contract config: %v", err)
	}

	if cfg.ELURL == "" {
		t.Error("el-url not loaded")
	}
}
