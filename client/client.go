// Package client is the Go client of a DATO validator network. It collects
// stake-weighted quorum certificates over QUIC and follows the validator
// registry.
package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dato/internal/attestation"
	"dato/internal/certificate"
	"dato/internal/collector"
	"dato/internal/logger"
	"dato/internal/metrics"
	"dato/internal/network"
	"dato/internal/registry"
	"dato/internal/validatorset"
	"dato/internal/wire"
)

const (
	// maxParallelDials bounds concurrent dials in Connect.
	maxParallelDials = 32

	// DefaultSubscriptionBuffer is the channel size of a subscription.
	DefaultSubscriptionBuffer = 256
)

// Config holds the configuration for a Client.
type Config struct {
	Registry       registry.Source    // Registry supplies validator snapshots; optional if Validators is set
	Validators     *validatorset.Set  // Validators seeds the set before the first registry refresh
	PrivateKey     ed25519.PrivateKey // PrivateKey is the QUIC identity; generated if nil
	MaxWait        time.Duration      // MaxWait bounds one collection
	RequestTimeout time.Duration      // RequestTimeout bounds one validator exchange
	PollInterval   time.Duration      // PollInterval is the registry fallback poll interval
	Metrics        *metrics.Metrics   // Metrics may be nil
}

// Client submits messages to validators and assembles certificates.
type Client struct {
	node      *network.Node
	holder    *validatorset.Holder
	collector *collector.Collector
	watcher   *registry.Watcher
	metrics   *metrics.Metrics

	subsMu sync.RWMutex
	subs   map[*subscription]struct{}
}

// New creates a client. The client is dial-only; Connect warms up
// connections, but any call dials validators on demand.
func New(cfg Config) (*Client, error) {
	if cfg.Registry == nil && cfg.Validators == nil {
		return nil, fmt.Errorf("registry or initial validator set is required")
	}

	key := cfg.PrivateKey
	if key == nil {
		var err error

		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, fmt.Errorf("generate identity:\n%w", err)
		}
	}

	node, err := network.NewNode(network.Config{PrivateKey: key})
	if err != nil {
		return nil, fmt.Errorf("create node:\n%w", err)
	}

	holder := validatorset.NewHolder(cfg.Validators)

	coll, err := collector.New(collector.Config{
		Transport:      &quicTransport{node: node},
		Validators:     holder,
		MaxWait:        cfg.MaxWait,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        cfg.Metrics,
	})
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("create collector:\n%w", err)
	}

	c := &Client{
		node:      node,
		holder:    holder,
		collector: coll,
		metrics:   cfg.Metrics,
		subs:      make(map[*subscription]struct{}),
	}

	if cfg.Registry != nil {
		c.watcher = registry.NewWatcher(cfg.Registry, holder, cfg.PollInterval, cfg.Metrics)
	}

	node.OnMessage(c.handleAnnouncement)

	return c, nil
}

// Connect refreshes the validator set from the registry, if any, and dials
// every validator in parallel. Unreachable validators are logged and skipped.
func (c *Client) Connect(ctx context.Context) error {
	if c.watcher != nil {
		if _, err := c.watcher.Refresh(ctx); err != nil {
			if c.holder.Load() == nil {
				return fmt.Errorf("load validator set:\n%w", err)
			}

			logger.Warn("registry refresh failed, using seeded set", "error", err)
		}
	}

	set := c.holder.Load()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDials)

	var (
		mu        sync.Mutex
		connected int
	)

	for _, id := range set.Identities() {
		g.Go(func() error {
			if c.node.PeerAt(id.Socket) != nil {
				return nil
			}

			if _, err := c.node.Connect(gctx, id.Socket); err != nil {
				logger.Warn("validator unreachable", "index", id.Index, "socket", id.Socket, "error", err)
				return nil
			}

			mu.Lock()
			connected++
			mu.Unlock()

			return nil
		})
	}

	g.Wait()

	logger.Info("connected to validators", "connected", connected, "total", set.Len())

	return nil
}

// Run keeps the validator set fresh until ctx is done.
// It returns immediately when the client has no registry.
func (c *Client) Run(ctx context.Context) {
	if c.watcher == nil {
		return
	}

	c.watcher.Run(ctx)
}

// Submit timestamps a message and returns its quorum certificate.
func (c *Client) Submit(ctx context.Context, message []byte) (*certificate.Certificate, error) {
	return c.collector.Submit(ctx, message)
}

// CertifyUnavailable collects a quorum of absence claims for hash.
func (c *Client) CertifyUnavailable(ctx context.Context, hash attestation.Hash, deadline uint64) (*certificate.Certificate, error) {
	return c.collector.CertifyUnavailable(ctx, hash, deadline)
}

// ReadMessage returns the timestamp certificate of a message submitted
// earlier, rebuilt from the attestations validators stored for hash.
func (c *Client) ReadMessage(ctx context.Context, hash attestation.Hash) (*certificate.Certificate, error) {
	return c.collector.Lookup(ctx, hash)
}

// ReadRange returns the merged, verified validator logs for [start, end].
func (c *Client) ReadRange(ctx context.Context, start, end uint64) ([]*attestation.TimestampAttestation, error) {
	return c.collector.ReadRange(ctx, start, end)
}

// Verify checks a certificate against the current validator set. A
// certificate from an earlier set version fails with
// certificate.ErrSetVersionMismatch.
func (c *Client) Verify(cert *certificate.Certificate) error {
	set := c.holder.Load()
	if set == nil {
		return collector.ErrNoValidators
	}

	return certificate.Verify(cert, set)
}

// Validators returns the current validator set snapshot.
func (c *Client) Validators() *validatorset.Set {
	return c.holder.Load()
}

// Holder exposes the validator set holder, for servers sharing it.
func (c *Client) Holder() *validatorset.Holder {
	return c.holder
}

// Close closes all subscriptions and the network node.
func (c *Client) Close() error {
	c.subsMu.Lock()
	for sub := range c.subs {
		sub.close()
	}
	c.subs = make(map[*subscription]struct{})
	c.subsMu.Unlock()

	return c.node.Close()
}

// quicTransport reaches validators through the QUIC node.
type quicTransport struct {
	node *network.Node
}

// Request sends one request to the validator's socket, dialing if needed.
func (t *quicTransport) Request(ctx context.Context, v validatorset.Identity, payload []byte) ([]byte, error) {
	if v.Socket == "" {
		return nil, fmt.Errorf("validator %d has no socket", v.Index)
	}

	resp, err := t.node.RequestAddr(ctx, v.Socket, payload)
	if err != nil {
		return nil, fmt.Errorf("request validator %d:\n%w", v.Index, err)
	}

	return resp, nil
}

var _ collector.Transport = (*quicTransport)(nil)

// decodeAnnouncement parses a pushed attestation and checks it against set.
func decodeAnnouncement(set *validatorset.Set, data []byte) (*attestation.TimestampAttestation, error) {
	resp, err := wire.DecodeResponse(data)
	if err != nil {
		return nil, err
	}

	if resp.Type != wire.TypeAnnouncement {
		return nil, fmt.Errorf("unexpected message type 0x%02x", resp.Type)
	}

	att := resp.Timestamp

	id, ok := set.ByIndex(att.ValidatorIndex)
	if !ok {
		return nil, fmt.Errorf("unknown validator %d", att.ValidatorIndex)
	}

	if !att.Verify(id.PublicKey) {
		return nil, fmt.Errorf("bad signature from validator %d", att.ValidatorIndex)
	}

	return att, nil
}
