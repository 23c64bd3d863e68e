package network

import (
	"cmp"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"dato/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "dato/1"

	// defaultDialTimeout bounds a dial made on behalf of a request.
	defaultDialTimeout = 5 * time.Second
)

// Config configures a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node identity; its public key is the peer ID
	ListenAddr     string             // ListenAddr is the QUIC listen address; empty for dial-only nodes
	ReconnectDelay time.Duration      // ReconnectDelay is the first redial delay for lost outbound peers
}

// Node is a QUIC endpoint identified by an ed25519 key. Validators listen;
// clients only dial. Either side may serve requests and announcements.
type Node struct {
	publicKey  ed25519.PublicKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	listener   *quic.Listener
	dedup      *Dedup

	// peers is keyed by hex public key; one live connection per identity.
	peersMu sync.RWMutex
	peers   map[string]*Peer

	// knownAddrs remembers where outbound peers were dialed, for redials.
	knownAddrsMu   sync.RWMutex
	knownAddrs     map[string]string
	reconnectDelay time.Duration

	dialLocksMu sync.Mutex
	dialLocks   map[string]*sync.Mutex

	callbacksMu sync.RWMutex
	callbacks   handlerSet

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNode creates a node. Nothing is opened until Start or a dial.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	n := &Node{
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAnyClientCert,
			// identities are self-signed; setupPeer checks the key instead
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProtocol},
			MinVersion:         tls.VersionTLS13,
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		dedup:          NewDedup(),
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: cmp.Or(cfg.ReconnectDelay, defaultReconnectDelay),
		dialLocks:      make(map[string]*sync.Mutex),
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	return n, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect connects to a remote node at the given address.
// Outbound peers are redialed with backoff if the connection drops.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// PeerAt returns the outbound peer dialed at addr, or nil.
func (n *Node) PeerAt(addr string) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	for _, p := range n.peers {
		if p.outbound && p.address == addr && !p.closed.Load() {
			return p
		}
	}

	return nil
}

// RequestAddr sends a request to the node at addr, dialing it first if no
// connection exists.
func (n *Node) RequestAddr(ctx context.Context, addr string, data []byte) ([]byte, error) {
	peer, err := n.peerOrDial(ctx, addr)
	if err != nil {
		return nil, err
	}

	return peer.Request(ctx, data)
}

// peerOrDial returns the connection to addr, dialing at most once at a time.
func (n *Node) peerOrDial(ctx context.Context, addr string) (*Peer, error) {
	if p := n.PeerAt(addr); p != nil {
		return p, nil
	}

	n.dialLocksMu.Lock()
	mu, ok := n.dialLocks[addr]
	if !ok {
		mu = &sync.Mutex{}
		n.dialLocks[addr] = mu
	}
	n.dialLocksMu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	if p := n.PeerAt(addr); p != nil {
		return p, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	p, err := n.Connect(dialCtx, addr)
	if err != nil {
		return nil, err
	}

	n.handlers().connect(p)

	return p, nil
}

// Broadcast sends data to every connected peer in parallel. It returns the
// joined send errors; peers that fail are not retried.
func (n *Node) Broadcast(data []byte) error {
	peers := n.Peers()
	errs := make([]error, len(peers))

	var wg sync.WaitGroup

	for i, p := range peers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := p.Send(data); err != nil {
				errs[i] = fmt.Errorf("peer %s:\n%w", p.address, err)
			}
		}()
	}

	wg.Wait()

	return errors.Join(errs...)
}

// Peers returns a snapshot of the live connections.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// OnConnect registers the callback for new connections.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.setCallback(func(h *handlerSet) { h.onConnect = fn })
}

// OnMessage registers the callback for deduplicated announcements.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.setCallback(func(h *handlerSet) { h.onMessage = fn })
}

// OnDisconnect registers the callback for lost connections.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.setCallback(func(h *handlerSet) { h.onDisconnect = fn })
}

// OnRequest registers the request handler. Its response is written back on
// the request stream; an error resets the stream.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.setCallback(func(h *handlerSet) { h.onRequest = fn })
}

func (n *Node) setCallback(set func(*handlerSet)) {
	n.callbacksMu.Lock()
	set(&n.callbacks)
	n.callbacksMu.Unlock()
}

// Close stops the node and closes all connections. Safe to call twice.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		if n.listener != nil {
			n.listener.Close()
		}

		n.peersMu.Lock()
		peers := n.peers
		n.peers = make(map[string]*Peer)
		n.peersMu.Unlock()

		for _, p := range peers {
			p.Close()
		}

		n.dedup.Close()
		n.wg.Wait()
	})

	return nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go func() {
			peer, err := n.setupPeer(conn, conn.RemoteAddr().String(), false)
			if err != nil {
				logger.Debug("rejected connection", "remote", conn.RemoteAddr(), "error", err)
				conn.CloseWithError(1, "setup failed")
				return
			}

			n.handlers().connect(peer)
		}()
	}
}

// setupPeer registers a Peer for an established connection. A newer
// connection from the same identity replaces the older one.
func (n *Node) setupPeer(conn *quic.Conn, addr string, outbound bool) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
		outbound:  outbound,
	}

	n.peersMu.Lock()
	old := n.peers[keyHex]
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	if old != nil {
		// the old peer's disconnect must not unregister its replacement
		old.closed.Store(true)
		old.conn.CloseWithError(0, "replaced")
	}

	if outbound {
		n.knownAddrsMu.Lock()
		n.knownAddrs[keyHex] = addr
		n.knownAddrsMu.Unlock()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect unregisters a lost peer and redials it if this node
// dialed it. Inbound peers are clients; they redial on their own.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.handlers().disconnect(p)

	if !p.outbound || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer redials a lost outbound peer with exponential backoff until
// it is back, forgotten, or the node closes.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-n.ctx.Done():
			return
		case <-timer.C:
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[keyHex]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return
		}

		n.peersMu.RLock()
		_, back := n.peers[keyHex]
		n.peersMu.RUnlock()

		if back {
			return
		}

		peer, err := n.Connect(n.ctx, addr)
		if err == nil {
			logger.Debug("peer reconnected", "addr", addr, "attempts", attempt)
			n.handlers().connect(peer)
			return
		}

		delay = min(delay*2, maxReconnectDelay)
		timer.Reset(delay)
	}
}

// handlerSet is a snapshot of the registered callbacks.
type handlerSet struct {
	onConnect    func(*Peer)
	onMessage    func(*Peer, []byte)
	onDisconnect func(*Peer)
	onRequest    func(*Peer, []byte) ([]byte, error)
}

// handlers returns the current callbacks.
func (n *Node) handlers() handlerSet {
	n.callbacksMu.RLock()
	defer n.callbacksMu.RUnlock()

	return n.callbacks
}

func (h handlerSet) connect(p *Peer) {
	if h.onConnect != nil {
		h.onConnect(p)
	}
}

func (h handlerSet) message(p *Peer, data []byte) {
	if h.onMessage != nil {
		h.onMessage(p, data)
	}
}

func (h handlerSet) disconnect(p *Peer) {
	if h.onDisconnect != nil {
		h.onDisconnect(p)
	}
}

func (h handlerSet) request(p *Peer, data []byte) ([]byte, error) {
	if h.onRequest == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return h.onRequest(p, data)
}
