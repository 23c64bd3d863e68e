package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"dato/internal/attestation"
	"dato/internal/certificate"
)

// Gateway talks to a DATO HTTP gateway instead of the validators directly.
// Certificates it returns are decoded from their portable encoding and can
// be checked locally with certificate.Verify.
type Gateway struct {
	baseURL string       // baseURL is the gateway root (e.g. "http://127.0.0.1:8080")
	http    *http.Client // http performs the requests
}

// NewGateway creates a gateway client.
func NewGateway(baseURL string, hc *http.Client) *Gateway {
	if hc == nil {
		hc = http.DefaultClient
	}

	return &Gateway{baseURL: baseURL, http: hc}
}

// certificateBody is the gateway's certificate response.
type certificateBody struct {
	Encoded string `json:"encoded"`
}

// Submit asks the gateway to timestamp message.
func (g *Gateway) Submit(ctx context.Context, message []byte) (*certificate.Certificate, error) {
	var resp certificateBody

	if err := g.post(ctx, "/api/v1/submit", "application/octet-stream", message, &resp); err != nil {
		return nil, fmt.Errorf("submit:\n%w", err)
	}

	return decodeEncoded(resp.Encoded)
}

// CertifyUnavailable asks the gateway for an unavailability certificate.
func (g *Gateway) CertifyUnavailable(ctx context.Context, hash attestation.Hash, deadline uint64) (*certificate.Certificate, error) {
	body, err := json.Marshal(map[string]any{
		"msgHash":  hash.String(),
		"deadline": deadline,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal body:\n%w", err)
	}

	var resp certificateBody

	if err := g.post(ctx, "/api/v1/unavailable", "application/json", body, &resp); err != nil {
		return nil, fmt.Errorf("certify unavailable:\n%w", err)
	}

	return decodeEncoded(resp.Encoded)
}

// ReadMessage asks the gateway for the certificate of a message timestamped
// earlier.
func (g *Gateway) ReadMessage(ctx context.Context, hash attestation.Hash) (*certificate.Certificate, error) {
	var resp certificateBody

	if err := g.get(ctx, "/api/v1/message/"+hash.String(), &resp); err != nil {
		return nil, fmt.Errorf("read message:\n%w", err)
	}

	return decodeEncoded(resp.Encoded)
}

// Verify asks the gateway to verify cert against its validator set.
func (g *Gateway) Verify(ctx context.Context, cert *certificate.Certificate) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}

	if err := g.post(ctx, "/api/v1/verify", "application/octet-stream", cert.Encode(), &resp); err != nil {
		return false, fmt.Errorf("verify:\n%w", err)
	}

	return resp.Valid, nil
}

// Log returns the gateway's merged log entries for [start, end] as JSON
// objects.
func (g *Gateway) Log(ctx context.Context, start, end uint64) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatUint(start, 10))
	q.Set("end", strconv.FormatUint(end, 10))

	var resp struct {
		Entries []json.RawMessage `json:"entries"`
	}

	if err := g.get(ctx, "/api/v1/log?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("read log:\n%w", err)
	}

	return resp.Entries, nil
}

// decodeEncoded decodes a base64 certificate encoding.
func decodeEncoded(encoded string) (*certificate.Certificate, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64:\n%w", err)
	}

	return certificate.Decode(raw)
}

// get performs a GET request and decodes the JSON response.
func (g *Gateway) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}

	return g.do(req, result)
}

// post performs a POST request and decodes the JSON response.
func (g *Gateway) post(ctx context.Context, path, contentType string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", contentType)

	return g.do(req, result)
}

// do sends req and decodes a 200 JSON response into result.
func (g *Gateway) do(req *http.Request, result any) error {
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL.Path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}

		json.NewDecoder(resp.Body).Decode(&body)

		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body.Error)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
