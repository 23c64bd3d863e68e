package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dato/internal/api"
	"dato/internal/attestation"
	"dato/internal/bls"
	"dato/internal/certificate"
	"dato/internal/collector"
	"dato/internal/ledger"
	"dato/internal/network"
	"dato/internal/registry"
	"dato/internal/signer"
	"dato/internal/storage"
)

// validator is one in-process validator reachable over QUIC.
type validator struct {
	node  *network.Node
	clock *signer.FixedClock
}

// startNetwork starts one validator per clock value, registers them in a
// memory registry and returns both.
func startNetwork(t *testing.T, clocks ...uint64) (*registry.Memory, []*validator) {
	t.Helper()

	reg := registry.NewMemory(1, nil)
	vals := make([]*validator, len(clocks))

	for i, now := range clocks {
		db, err := storage.NewInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		led, err := ledger.New(db, 0)
		require.NoError(t, err)

		key, err := bls.GenerateKey()
		require.NoError(t, err)

		_, nodeKey, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)

		node, err := network.NewNode(network.Config{PrivateKey: nodeKey, ListenAddr: "127.0.0.1:0"})
		require.NoError(t, err)
		require.NoError(t, node.Start())
		t.Cleanup(func() { node.Close() })

		index, err := reg.RegisterValidator(common.BytesToAddress([]byte{byte(i + 1)}), key.PublicKeyBytes(), node.Addr(), 10, 10)
		require.NoError(t, err)

		clock := signer.NewFixedClock(now)

		s, err := signer.New(signer.Config{Key: key, Index: index, Ledger: led, Clock: clock, Policy: ledger.PolicyExclusive})
		require.NoError(t, err)

		handler := signer.NewHandler(s, nil)
		handler.OnAnnounce(func(b []byte) { node.Broadcast(b) })
		node.OnRequest(handler.HandleRequest)

		vals[i] = &validator{node: node, clock: clock}
	}

	return reg, vals
}

// newClient creates and connects a client on reg.
func newClient(t *testing.T, reg registry.Source) *Client {
	t.Helper()

	c, err := New(Config{Registry: reg, MaxWait: 5 * time.Second, RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()))

	return c
}

func TestNewRequiresValidators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestSubmitOverQUIC(t *testing.T) {
	reg, vals := startNetwork(t, 1000, 1010, 1020)
	c := newClient(t, reg)

	cert, err := c.Submit(context.Background(), []byte("over the wire"))
	require.NoError(t, err)
	require.NoError(t, c.Verify(cert))

	require.Equal(t, certificate.KindTimestamp, cert.Kind)
	require.Equal(t, attestation.HashMessage([]byte("over the wire")), cert.MsgHash)
	require.GreaterOrEqual(t, cert.TotalWeight, c.Validators().Threshold())

	// validators return their first attestation even after their clocks move
	for _, v := range vals {
		v.clock.Advance(500)
	}

	again, err := c.Submit(context.Background(), []byte("over the wire"))
	require.NoError(t, err)
	require.LessOrEqual(t, again.Timestamp, uint64(1020))
}

func TestCertifyUnavailableOverQUIC(t *testing.T) {
	reg, _ := startNetwork(t, 2000, 2000, 2000)
	c := newClient(t, reg)

	hash := attestation.HashMessage([]byte("never sent"))

	cert, err := c.CertifyUnavailable(context.Background(), hash, 1500)
	require.NoError(t, err)
	require.NoError(t, c.Verify(cert))
	require.Equal(t, certificate.KindUnavailability, cert.Kind)
	require.Equal(t, uint64(1500), cert.Deadline())

	// under the exclusive policy a hash declared absent is never timestamped
	_, err = c.Submit(context.Background(), []byte("never sent"))
	require.Error(t, err)
}

func TestReadRangeOverQUIC(t *testing.T) {
	reg, _ := startNetwork(t, 3000, 3000, 3000)
	c := newClient(t, reg)

	_, err := c.Submit(context.Background(), []byte("logged"))
	require.NoError(t, err)

	entries, err := c.ReadRange(context.Background(), 2500, 3500)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		require.Equal(t, attestation.HashMessage([]byte("logged")), e.MsgHash)
	}
}

func TestReadMessageOverQUIC(t *testing.T) {
	reg, vals := startNetwork(t, 3500, 3600, 3700)
	c := newClient(t, reg)

	_, err := c.Submit(context.Background(), []byte("look me up"))
	require.NoError(t, err)

	for _, v := range vals {
		v.clock.Advance(10_000)
	}

	cert, err := c.ReadMessage(context.Background(), attestation.HashMessage([]byte("look me up")))
	require.NoError(t, err)
	require.NoError(t, c.Verify(cert))
	require.Equal(t, certificate.KindTimestamp, cert.Kind)
	require.LessOrEqual(t, cert.Timestamp, uint64(3700))

	_, err = c.ReadMessage(context.Background(), attestation.HashMessage([]byte("never submitted")))
	require.ErrorIs(t, err, collector.ErrQuorumNotReached)
}

func TestSubscribeCertified(t *testing.T) {
	reg, _ := startNetwork(t, 4000, 4001, 4002)
	c := newClient(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := c.Subscribe(ctx)

	certs, err := c.SubscribeCertified(ctx)
	require.NoError(t, err)

	// Submit reaches all validators; each announces once
	go c.Submit(context.Background(), []byte("announced"))

	hash := attestation.HashMessage([]byte("announced"))

	select {
	case att := <-raw:
		require.Equal(t, hash, att.MsgHash)
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement received")
	}

	select {
	case cert := <-certs:
		require.Equal(t, hash, cert.MsgHash)
		require.NoError(t, c.Verify(cert))
	case <-time.After(5 * time.Second):
		t.Fatal("no certificate folded from announcements")
	}

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-certs:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayRoundTrip(t *testing.T) {
	reg, _ := startNetwork(t, 5000, 5000, 5000)
	c := newClient(t, reg)

	srv := httptest.NewServer(api.New("", c, c.Holder(), nil).Handler())
	defer srv.Close()

	gw := NewGateway(srv.URL, srv.Client())

	cert, err := gw.Submit(context.Background(), []byte("via http"))
	require.NoError(t, err)
	require.Equal(t, uint64(5000), cert.Timestamp)
	require.NoError(t, c.Verify(cert))

	valid, err := gw.Verify(context.Background(), cert)
	require.NoError(t, err)
	require.True(t, valid)

	found, err := gw.ReadMessage(context.Background(), cert.MsgHash)
	require.NoError(t, err)
	require.Equal(t, cert.MsgHash, found.MsgHash)
	require.NoError(t, c.Verify(found))

	cert.Timestamp++

	valid, err = gw.Verify(context.Background(), cert)
	require.NoError(t, err)
	require.False(t, valid)

	entries, err := gw.Log(context.Background(), 4000, 6000)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	_, err = gw.Submit(context.Background(), nil)
	require.Error(t, err)
}
