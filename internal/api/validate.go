package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"dato/internal/attestation"
	"dato/internal/wire"
)

const (
	// maxRangeSpan bounds a log query to one day of milliseconds.
	maxRangeSpan = 24 * 60 * 60 * 1000
)

// unavailableRequest is a validated POST /api/v1/unavailable body.
type unavailableRequest struct {
	hash     attestation.Hash
	deadline uint64
}

// validateMessage checks a raw message submitted for timestamping.
func validateMessage(body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("empty message")
	}

	if len(body) > wire.MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(body), wire.MaxMessageSize)
	}

	return nil
}

// parseUnavailableRequest decodes and validates {"msgHash","deadline"}.
func parseUnavailableRequest(r io.Reader) (*unavailableRequest, error) {
	var raw struct {
		MsgHash  string  `json:"msgHash"`
		Deadline *uint64 `json:"deadline"`
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid json: %v", err)
	}

	if raw.MsgHash == "" {
		return nil, fmt.Errorf("missing msgHash")
	}

	hash, err := attestation.ParseHash(raw.MsgHash)
	if err != nil {
		return nil, fmt.Errorf("invalid msgHash: %v", err)
	}

	if raw.Deadline == nil {
		return nil, fmt.Errorf("missing deadline")
	}

	return &unavailableRequest{hash: hash, deadline: *raw.Deadline}, nil
}

// parseRange reads the start and end query parameters of a log request.
func parseRange(q url.Values) (uint64, uint64, error) {
	start, err := parseUintParam(q, "start")
	if err != nil {
		return 0, 0, err
	}

	end, err := parseUintParam(q, "end")
	if err != nil {
		return 0, 0, err
	}

	if end < start {
		return 0, 0, fmt.Errorf("end %d before start %d", end, start)
	}

	if end-start > maxRangeSpan {
		return 0, 0, fmt.Errorf("range spans %d ms (max %d)", end-start, maxRangeSpan)
	}

	return start, end, nil
}

// parseUintParam reads a required unsigned query parameter.
func parseUintParam(q url.Values, name string) (uint64, error) {
	v := q.Get(name)
	if v == "" {
		return 0, fmt.Errorf("missing %s", name)
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}

	return n, nil
}
