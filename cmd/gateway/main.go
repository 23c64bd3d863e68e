package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dato/client"
	"dato/internal/api"
	"dato/internal/logger"
	"dato/internal/metrics"
)

func main() {
	logger.Init()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the gateway command.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Serve DATO certificates over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			level, err := logger.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}

			logger.SetLevel(level)

			return run(cfg)
		},
	}

	bindFlags(root.Flags())

	return root
}

// run wires the client, the registry watcher and the HTTP API, then blocks
// until a shutdown signal.
func run(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	c, err := client.New(client.Config{
		Registry:       reg,
		MaxWait:        cfg.MaxWait,
		RequestTimeout: cfg.RequestTimeout,
		PollInterval:   cfg.PollInterval,
		Metrics:        m,
	})
	if err != nil {
		return fmt.Errorf("create client:\n%w", err)
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect:\n%w", err)
	}

	go c.Run(ctx)

	server := api.New(cfg.HTTPAddress, c, c.Holder(), m)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	set := c.Validators()

	logger.Info("gateway ready",
		"http", cfg.HTTPAddress,
		"validators", set.Len(),
		"threshold", set.Threshold(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	return server.Stop()
}
