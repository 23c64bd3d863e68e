package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"dato/internal/bls"
	"dato/internal/ledger"
)

// Config holds the validator configuration.
type Config struct {
	// DataPath is the directory for the attestation ledger.
	DataPath string

	// QUICAddress is the QUIC listen address clients connect to.
	QUICAddress string

	// MetricsAddress serves Prometheus metrics; empty disables it.
	MetricsAddress string

	// KeyPath is the path to the Ed25519 network identity file.
	KeyPath string

	// BLSSecret is a hex BLS secret key. When empty the BLS key is derived
	// from the network identity.
	BLSSecret string

	// Index is this validator's registry index.
	Index uint64

	// Policy governs absence claims ("exclusive" or "independent").
	Policy ledger.Policy

	// CacheSize is the ledger hot cache size.
	CacheSize int

	// DeferredSync batches ledger WAL syncs instead of syncing every write.
	// A crash can then forget recent attestations and allow re-signing.
	DeferredSync bool

	// LogLevel is the minimum log level.
	LogLevel string

	// PrivateKey is the loaded network identity.
	PrivateKey ed25519.PrivateKey

	// BLSKey is the loaded signing key.
	BLSKey *bls.KeyPair
}

// bindFlags declares the validator flags on fs.
func bindFlags(fs *pflag.FlagSet) {
	fs.String("data", "./data", "Data directory path")
	fs.String("quic", ":9000", "QUIC listen address")
	fs.String("metrics", "", "Prometheus metrics address (disabled if empty)")
	fs.String("key", "", "Ed25519 identity key path (generates new if missing)")
	fs.String("bls-secret", "", "Hex BLS secret key (derived from the identity if empty)")
	fs.Uint64("index", 0, "Registry index of this validator")
	fs.String("policy", "exclusive", "Absence policy: exclusive or independent")
	fs.Int("cache-size", ledger.DefaultCacheSize, "Ledger cache entries")
	fs.Bool("deferred-sync", false, "Sync the ledger WAL periodically instead of on every write")
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

// loadConfig reads and validates the configuration, then loads keys.
func loadConfig(v *viper.Viper) (*Config, error) {
	policy, err := ledger.ParsePolicy(v.GetString("policy"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataPath:       v.GetString("data"),
		QUICAddress:    v.GetString("quic"),
		MetricsAddress: v.GetString("metrics"),
		KeyPath:        v.GetString("key"),
		BLSSecret:      v.GetString("bls-secret"),
		Index:          v.GetUint64("index"),
		Policy:         policy,
		CacheSize:      v.GetInt("cache-size"),
		DeferredSync:   v.GetBool("deferred-sync"),
		LogLevel:       v.GetString("log-level"),
	}

	if cfg.DataPath == "" {
		return nil, fmt.Errorf("data path is required")
	}

	if cfg.QUICAddress == "" {
		return nil, fmt.Errorf("quic address is required")
	}

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key:\n%w", err)
	}

	cfg.BLSKey, err = loadBLSKey(cfg.BLSSecret, cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load bls key:\n%w", err)
	}

	return cfg, nil
}

// loadBLSKey restores the BLS key from hex, or derives it from the identity.
func loadBLSKey(secretHex string, identity ed25519.PrivateKey) (*bls.KeyPair, error) {
	if secretHex == "" {
		return bls.DeriveFromED25519(identity)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(secretHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode secret:\n%w", err)
	}

	return bls.KeyFromSecret(raw)
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
