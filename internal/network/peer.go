package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"dato/internal/logger"
)

const (
	// defaultRequestTimeout bounds a Request whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// sendTimeout bounds opening a stream for an announcement.
	sendTimeout = 5 * time.Second

	// errCodeHandler resets a request stream whose handler failed.
	errCodeHandler quic.StreamErrorCode = 1
)

// ErrPeerClosed is returned when using a closed peer.
var ErrPeerClosed = errors.New("network: peer closed")

// Peer is one authenticated QUIC connection. Requests ride bidirectional
// streams; announcements ride unidirectional ones.
type Peer struct {
	publicKey ed25519.PublicKey
	address   string
	conn      *quic.Conn
	node      *Node
	outbound  bool
	closed    atomic.Bool

	// sendMu keeps announcements to one peer in order.
	sendMu sync.Mutex
}

// PublicKey is the identity proven in the TLS handshake.
func (p *Peer) PublicKey() ed25519.PublicKey { return p.publicKey }

// Address is the dialed address, or the remote address for inbound peers.
func (p *Peer) Address() string { return p.address }

// Outbound reports whether this node dialed the peer.
func (p *Peer) Outbound() bool { return p.outbound }

// Send pushes one frame on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(p.conn.Context(), sendTimeout)
	defer cancel()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.CancelWrite(errCodeHandler)
		return err
	}

	return stream.Close()
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data on a fresh bidirectional stream and waits for the reply.
// The context deadline, or defaultRequestTimeout, bounds the exchange.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}

	stream.SetDeadline(deadline)

	// cancellation before the deadline aborts a blocked read
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(errCodeHandler)
	})
	defer stop()

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// receiveLoop serves the peer's streams until the connection ends.
func (p *Peer) receiveLoop() {
	ctx := p.conn.Context()

	go p.acceptBidiStreams(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("peer connection ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts request streams.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request. A failed handler resets the stream
// so the requester fails fast instead of waiting for its deadline.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		stream.CancelWrite(errCodeHandler)
		return
	}

	response, err := p.node.handlers().request(p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(errCodeHandler)
		return
	}

	if err := writeFrame(stream, response); err != nil {
		logger.Debug("write response", "peer", p.address, "error", err)
	}
}

// handleUniStream delivers one announcement, dropping recent duplicates.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("announcement read error", "peer", p.address, "error", err)
		return
	}

	if !p.node.dedup.Check(data) {
		return
	}

	p.node.handlers().message(p, data)
}

// handleDisconnect marks the peer closed and notifies the node once.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.node.handlePeerDisconnect(p)
}
