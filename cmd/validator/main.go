package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"dato/internal/ledger"
	"dato/internal/logger"
	"dato/internal/storage"
)

func main() {
	logger.Init()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the validator command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "validator",
		Short:         "Run a DATO timestamping validator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}

			v, err := NewValidator(cfg)
			if err != nil {
				return fmt.Errorf("create validator:\n%w", err)
			}

			printStartupInfo(cfg)

			return v.Run()
		},
	}

	bindFlags(root.PersistentFlags())

	root.AddCommand(newKeysCmd(), newExportCmd(), newImportCmd())

	return root
}

// configFrom loads the configuration bound to cmd's flags.
func configFrom(cmd *cobra.Command) (*Config, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(level)

	return cfg, nil
}

// newKeysCmd prints the keys an operator registers on chain.
func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print the identity and BLS public keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}

			pub := cfg.PrivateKey.Public().(ed25519.PublicKey)

			fmt.Fprintf(cmd.OutOrStdout(), "identity: %s\n", hex.EncodeToString(pub))
			fmt.Fprintf(cmd.OutOrStdout(), "bls:      %s\n", hex.EncodeToString(cfg.BLSKey.PublicKeyBytes()))

			return nil
		},
	}
}

// newExportCmd writes the ledger to an interchange file.
func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Export the attestation ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(l *ledger.Ledger, _ *Config) error {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("create export file:\n%w", err)
				}
				defer f.Close()

				n, err := l.Export(f)
				if err != nil {
					return fmt.Errorf("export ledger:\n%w", err)
				}

				logger.Info("ledger exported", "entries", n, "file", args[0])

				return f.Sync()
			})
		},
	}
}

// newImportCmd merges an interchange file into the ledger.
func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import an attestation ledger exported from another host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(l *ledger.Ledger, cfg *Config) error {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open import file:\n%w", err)
				}
				defer f.Close()

				n, err := l.Import(f, ledger.Owner{Index: cfg.Index, PublicKey: cfg.BLSKey.PublicKeyBytes()})
				if err != nil {
					return fmt.Errorf("import ledger:\n%w", err)
				}

				logger.Info("ledger imported", "entries", n, "file", args[0])

				return nil
			})
		},
	}
}

// withLedger opens the configured ledger for an offline command.
func withLedger(cmd *cobra.Command, fn func(*ledger.Ledger, *Config) error) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}

	db, err := storage.New(filepath.Join(cfg.DataPath, "ledger"))
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}
	defer db.Close()

	l, err := ledger.New(db, cfg.CacheSize)
	if err != nil {
		return err
	}

	return fn(l, cfg)
}

// printStartupInfo displays validator configuration at startup.
func printStartupInfo(cfg *Config) {
	pub := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting DATO validator",
		"identity", hex.EncodeToString(pub),
		"bls", hex.EncodeToString(cfg.BLSKey.PublicKeyBytes()),
		"index", cfg.Index,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
	)
}
