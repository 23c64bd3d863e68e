package main

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"dato/internal/bls"
	"dato/internal/ledger"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()

	fs := pflag.NewFlagSet("validator", pflag.ContinueOnError)
	bindFlags(fs)

	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	return fs
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATO_QUIC", "127.0.0.1:9999")
	t.Setenv("DATO_CACHE_SIZE", "77")
	t.Setenv("DATO_DEFERRED_SYNC", "true")

	keyPath := filepath.Join(t.TempDir(), "id.key")
	fs := newFlags(t, "--key", keyPath, "--index", "3", "--policy", "independent")

	v, err := newViper(fs)
	if err != nil {
		t.Fatalf("viper: %v", err)
	}

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.QUICAddress != "127.0.0.1:9999" {
		t.Errorf("env override ignored: %s", cfg.QUICAddress)
	}

	if cfg.CacheSize != 77 {
		t.Errorf("expected cache size 77, got %d", cfg.CacheSize)
	}

	if !cfg.DeferredSync {
		t.Error("expected deferred sync from environment")
	}

	if cfg.Index != 3 || cfg.Policy != ledger.PolicyIndependent {
		t.Errorf("flags ignored: index=%d policy=%s", cfg.Index, cfg.Policy)
	}

	// the identity file is created once and reused
	again, err := loadConfig(v)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}

	if !cfg.PrivateKey.Equal(again.PrivateKey) {
		t.Error("identity not persisted")
	}

	if hex.EncodeToString(cfg.BLSKey.PublicKeyBytes()) != hex.EncodeToString(again.BLSKey.PublicKeyBytes()) {
		t.Error("derived BLS key is not deterministic")
	}
}

func TestLoadConfigBLSSecret(t *testing.T) {
	key, err := bls.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	fs := newFlags(t, "--bls-secret", "0x"+hex.EncodeToString(key.SecretBytes()))

	v, err := newViper(fs)
	if err != nil {
		t.Fatalf("viper: %v", err)
	}

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if hex.EncodeToString(cfg.BLSKey.PublicKeyBytes()) != hex.EncodeToString(key.PublicKeyBytes()) {
		t.Error("BLS secret not used")
	}
}

func TestLoadConfigRejectsBadPolicy(t *testing.T) {
	v, err := newViper(newFlags(t, "--policy", "sometimes"))
	if err != nil {
		t.Fatalf("viper: %v", err)
	}

	if _, err := loadConfig(v); err == nil {
		t.Error("expected policy error")
	}
}
