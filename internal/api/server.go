package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"dato/internal/attestation"
	"dato/internal/certificate"
	"dato/internal/collector"
	"dato/internal/logger"
	"dato/internal/metrics"
	"dato/internal/wire"
)

const (
	// maxCertificateSize bounds a certificate posted for verification.
	maxCertificateSize = 1 << 20

	// maxJSONBody bounds small JSON request bodies.
	maxJSONBody = 4 << 10

	// writeTimeout must outlast a full quorum collection.
	writeTimeout = 60 * time.Second
)

// Certifier runs quorum collections on behalf of HTTP callers.
// *client.Client satisfies it.
type Certifier interface {
	Submit(ctx context.Context, message []byte) (*certificate.Certificate, error)
	CertifyUnavailable(ctx context.Context, hash attestation.Hash, deadline uint64) (*certificate.Certificate, error)
	ReadMessage(ctx context.Context, hash attestation.Hash) (*certificate.Certificate, error)
	ReadRange(ctx context.Context, start, end uint64) ([]*attestation.TimestampAttestation, error)
}

// Server is the HTTP gateway.
type Server struct {
	addr       string              // addr is the HTTP listen address
	certifier  Certifier           // certifier collects certificates from validators
	validators collector.SetSource // validators supplies the set used for verification
	metrics    *metrics.Metrics    // metrics may be nil
	server     *http.Server        // server is the underlying HTTP server
}

// New creates a new HTTP gateway.
func New(addr string, certifier Certifier, validators collector.SetSource, m *metrics.Metrics) *Server {
	return &Server{
		addr:       addr,
		certifier:  certifier,
		validators: validators,
		metrics:    m,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/submit", s.handleSubmit)
	mux.HandleFunc("POST /api/v1/unavailable", s.handleUnavailable)
	mux.HandleFunc("POST /api/v1/verify", s.handleVerify)
	mux.HandleFunc("GET /api/v1/message/{hash}", s.handleMessage)
	mux.HandleFunc("GET /api/v1/log", s.handleLog)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// certificateResponse carries a certificate in both of its forms.
type certificateResponse struct {
	Certificate *certificate.Certificate `json:"certificate"`
	Encoded     string                   `json:"encoded"`
}

// logEntry is one attestation of a merged log.
type logEntry struct {
	MsgHash   string `json:"msgHash"`
	Timestamp uint64 `json:"timestamp"`
	Validator uint64 `json:"validator"`
	Signature string `json:"signature"`
}

// handleSubmit handles POST /api/v1/submit. The body is the raw message.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxMessageSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := validateMessage(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := s.certifier.Submit(r.Context(), body)
	if err != nil {
		writeCollectionError(w, err)
		return
	}

	logger.Debug("message certified", "hash", cert.MsgHash, "timestamp", cert.Timestamp)

	writeCertificate(w, cert)
}

// handleUnavailable handles POST /api/v1/unavailable.
func (s *Server) handleUnavailable(w http.ResponseWriter, r *http.Request) {
	req, err := parseUnavailableRequest(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := s.certifier.CertifyUnavailable(r.Context(), req.hash, req.deadline)
	if err != nil {
		writeCollectionError(w, err)
		return
	}

	writeCertificate(w, cert)
}

// handleMessage handles GET /api/v1/message/{hash}, the certificate of a
// message timestamped earlier.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	hash, err := attestation.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hash")
		return
	}

	cert, err := s.certifier.ReadMessage(r.Context(), hash)
	if err != nil {
		writeCollectionError(w, err)
		return
	}

	writeCertificate(w, cert)
}

// handleVerify handles POST /api/v1/verify. The body is an encoded certificate.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCertificateSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxCertificateSize {
		writeError(w, http.StatusBadRequest, "certificate too large")
		return
	}

	cert, err := certificate.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	set := s.validators.Load()
	if set == nil {
		writeError(w, http.StatusServiceUnavailable, "validator set not loaded")
		return
	}

	if err := certificate.Verify(cert, set); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"kind":      cert.Kind.String(),
		"msgHash":   cert.MsgHash.String(),
		"timestamp": cert.Timestamp,
	})
}

// handleLog handles GET /api/v1/log?start=&end=.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	atts, err := s.certifier.ReadRange(r.Context(), start, end)
	if err != nil {
		writeCollectionError(w, err)
		return
	}

	entries := make([]logEntry, len(atts))
	for i, att := range atts {
		entries[i] = logEntry{
			MsgHash:   att.MsgHash.String(),
			Timestamp: att.Timestamp,
			Validator: att.ValidatorIndex,
			Signature: hex.EncodeToString(att.Signature),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"start":   start,
		"end":     end,
		"entries": entries,
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	set := s.validators.Load()
	if set == nil {
		writeError(w, http.StatusServiceUnavailable, "validator set not loaded")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    set.Version(),
		"validators": set.Len(),
		"totalStake": set.TotalStake(),
		"threshold":  set.Threshold(),
	})
}

// writeCertificate writes a certificate with its portable encoding.
func writeCertificate(w http.ResponseWriter, cert *certificate.Certificate) {
	writeJSON(w, http.StatusOK, certificateResponse{
		Certificate: cert,
		Encoded:     base64.StdEncoding.EncodeToString(cert.Encode()),
	})
}

// writeCollectionError maps a collection failure to an HTTP status.
func writeCollectionError(w http.ResponseWriter, err error) {
	var quorum *collector.QuorumNotReachedError

	switch {
	case errors.As(err, &quorum):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"error":       "quorum not reached",
			"weightSoFar": quorum.WeightSoFar,
			"totalStake":  quorum.TotalStake,
		})

	case errors.Is(err, collector.ErrNoResponses),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())

	case errors.Is(err, collector.ErrNoValidators):
		writeError(w, http.StatusServiceUnavailable, err.Error())

	case errors.Is(err, context.Canceled):
		// client went away, nobody reads the response

	default:
		logger.Error("collection failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
