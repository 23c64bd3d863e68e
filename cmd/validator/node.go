package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dato/internal/ledger"
	"dato/internal/logger"
	"dato/internal/metrics"
	"dato/internal/network"
	"dato/internal/signer"
	"dato/internal/storage"
)

// announceQueue bounds announcements waiting to be broadcast.
const announceQueue = 1024

// Validator is a running DATO validator.
type Validator struct {
	cfg      *Config
	storage  *storage.Storage
	ledger   *ledger.Ledger
	signer   *signer.Signer
	handler  *signer.Handler
	network  *network.Node
	metrics  *metrics.Metrics
	metricsS *http.Server

	announcements chan []byte
	done          chan struct{}
}

// NewValidator creates and initializes a validator.
func NewValidator(cfg *Config) (*Validator, error) {
	v := &Validator{
		cfg:           cfg,
		metrics:       metrics.New(),
		announcements: make(chan []byte, announceQueue),
		done:          make(chan struct{}),
	}

	if err := v.initStorage(); err != nil {
		return nil, err
	}

	if err := v.initSigner(); err != nil {
		v.Close()
		return nil, err
	}

	if err := v.initNetwork(); err != nil {
		v.Close()
		return nil, err
	}

	return v, nil
}

// initStorage opens the Pebble store and the ledger on top of it.
func (v *Validator) initStorage() error {
	if err := os.MkdirAll(v.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	opts := storage.Options{}
	if v.cfg.DeferredSync {
		opts.Durability = storage.DurabilityDeferred
		logger.Warn("ledger writes are synced periodically; a crash may allow re-signing")
	}

	db, err := storage.Open(filepath.Join(v.cfg.DataPath, "ledger"), opts)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	v.storage = db

	led, err := ledger.New(db, v.cfg.CacheSize)
	if err != nil {
		return fmt.Errorf("init ledger:\n%w", err)
	}

	v.ledger = led

	return nil
}

// initSigner creates the signer and its request handler.
func (v *Validator) initSigner() error {
	s, err := signer.New(signer.Config{
		Key:    v.cfg.BLSKey,
		Index:  v.cfg.Index,
		Ledger: v.ledger,
		Policy: v.cfg.Policy,
	})
	if err != nil {
		return fmt.Errorf("init signer:\n%w", err)
	}

	v.signer = s
	v.handler = signer.NewHandler(s, v.metrics)
	v.handler.OnAnnounce(v.enqueueAnnouncement)

	return nil
}

// initNetwork creates the QUIC node and routes requests to the handler.
func (v *Validator) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: v.cfg.PrivateKey,
		ListenAddr: v.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	node.OnRequest(v.handler.HandleRequest)
	node.OnConnect(func(p *network.Peer) {
		logger.Debug("client connected", "peer", hex.EncodeToString(p.PublicKey()[:8]))
	})
	node.OnDisconnect(func(p *network.Peer) {
		logger.Debug("client disconnected", "peer", hex.EncodeToString(p.PublicKey()[:8]))
	})

	v.network = node

	return nil
}

// enqueueAnnouncement hands an announcement to the broadcast loop without
// blocking the request path.
func (v *Validator) enqueueAnnouncement(data []byte) {
	select {
	case v.announcements <- data:
	default:
		logger.Debug("announcement queue full, dropped")
	}
}

// broadcastLoop pushes announcements to connected clients.
func (v *Validator) broadcastLoop() {
	for {
		select {
		case data := <-v.announcements:
			if err := v.network.Broadcast(data); err != nil {
				logger.Debug("broadcast announcement", "error", err)
			}
		case <-v.done:
			return
		}
	}
}

// Run starts the validator and blocks until shutdown signal.
func (v *Validator) Run() error {
	if err := v.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	go v.broadcastLoop()

	if v.cfg.MetricsAddress != "" {
		v.startMetrics()
	}

	logger.Info("validator ready",
		"index", v.cfg.Index,
		"quic", v.network.Addr(),
		"policy", v.cfg.Policy,
	)

	return v.waitForShutdown()
}

// startMetrics serves Prometheus metrics in a goroutine.
func (v *Validator) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", v.metrics.Handler())

	v.metricsS = &http.Server{
		Addr:         v.cfg.MetricsAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics started", "addr", v.cfg.MetricsAddress)

		if err := v.metricsS.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (v *Validator) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return v.Close()
}

// Close shuts down all validator components gracefully.
func (v *Validator) Close() error {
	select {
	case <-v.done:
	default:
		close(v.done)
	}

	if v.metricsS != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		v.metricsS.Shutdown(ctx)
		cancel()
	}

	if v.network != nil {
		v.network.Close()
	}

	if v.storage != nil {
		v.storage.Close()
	}

	return nil
}
