package signer

import (
	"errors"
	"sync"

	"dato/internal/attestation"
	"dato/internal/ledger"
	"dato/internal/logger"
	"dato/internal/metrics"
	"dato/internal/network"
	"dato/internal/wire"
)

// Handler serves client requests for one validator.
type Handler struct {
	signer  *Signer          // signer issues attestations
	metrics *metrics.Metrics // metrics may be nil

	announceMu sync.RWMutex
	announce   func([]byte) // announce pushes fresh attestations to subscribers
}

// NewHandler creates a request Handler.
func NewHandler(s *Signer, m *metrics.Metrics) *Handler {
	return &Handler{signer: s, metrics: m}
}

// OnAnnounce sets the function that receives encoded announcements of
// freshly signed timestamp attestations.
func (h *Handler) OnAnnounce(fn func([]byte)) {
	h.announceMu.Lock()
	h.announce = fn
	h.announceMu.Unlock()
}

// HandleRequest processes a request and returns the response.
// Designed to be used as network.Node.OnRequest handler.
func (h *Handler) HandleRequest(_ *network.Peer, data []byte) ([]byte, error) {
	return h.Handle(data), nil
}

// Handle processes an encoded request. Every request gets a response;
// undecodable input yields a bad-request refusal.
func (h *Handler) Handle(data []byte) []byte {
	req, err := wire.DecodeRequest(data)
	if err != nil {
		logger.Debug("bad request", "error", err)
		return h.refuse(wire.ReasonBadRequest)
	}

	switch req.Mode {
	case wire.ModeTimestamp:
		return h.handleTimestamp(req)
	case wire.ModeUnavailability:
		return h.handleUnavailability(req)
	case wire.ModeLookup:
		return h.handleLookup(req)
	case wire.ModeRange:
		return h.handleRange(req)
	default:
		return h.refuse(wire.ReasonBadRequest)
	}
}

// handleTimestamp signs or retransmits the attestation for the carried message.
func (h *Handler) handleTimestamp(req *wire.Request) []byte {
	if attestation.HashMessage(req.Message) != req.MsgHash {
		return h.refuse(wire.ReasonBadRequest)
	}

	att, err := h.signer.SignTimestamp(req.MsgHash)

	switch {
	case err == nil:
		h.metrics.Signed("timestamp")
		h.publish(att)

		return wire.EncodeTimestamp(att, false)

	case errors.Is(err, ErrAlreadyAttested):
		h.metrics.Retransmitted()
		return wire.EncodeTimestamp(att, true)

	case errors.Is(err, ErrAbsenceRecorded):
		return h.refuse(wire.ReasonAbsenceRecorded)

	default:
		logger.Error("sign timestamp", "hash", req.MsgHash, "error", err)
		return h.refuse(wire.ReasonInternal)
	}
}

// handleUnavailability signs an absence claim.
func (h *Handler) handleUnavailability(req *wire.Request) []byte {
	att, err := h.signer.SignUnavailability(req.MsgHash, req.Deadline)

	switch {
	case err == nil:
		h.metrics.Signed("unavailability")
		return wire.EncodeAbsence(att)

	case errors.Is(err, ErrAlreadySeen):
		return h.refuse(wire.ReasonAlreadySeen)

	case errors.Is(err, ErrDeadlineNotReached):
		return h.refuse(wire.ReasonDeadlineNotReached)

	default:
		logger.Error("sign unavailability", "hash", req.MsgHash, "error", err)
		return h.refuse(wire.ReasonInternal)
	}
}

// handleLookup returns the stored attestation without signing anything.
func (h *Handler) handleLookup(req *wire.Request) []byte {
	att, err := h.signer.Ledger().Get(req.MsgHash)
	if err != nil {
		logger.Error("lookup", "hash", req.MsgHash, "error", err)
		return h.refuse(wire.ReasonInternal)
	}

	if att == nil {
		return h.refuse(wire.ReasonNotFound)
	}

	return wire.EncodeTimestamp(att, true)
}

// handleRange returns one page of the signed log from the request cursor
// up to End. A page cut at MaxLogEntries carries the cursor to resume from.
func (h *Handler) handleRange(req *wire.Request) []byte {
	from := ledger.LogPosition{Timestamp: req.Deadline, MsgHash: req.MsgHash}

	atts, next, err := h.signer.Ledger().RangeFrom(from, req.End, wire.MaxLogEntries)
	if err != nil {
		logger.Error("read range", "start", req.Deadline, "end", req.End, "error", err)
		return h.refuse(wire.ReasonInternal)
	}

	if next == nil {
		return wire.EncodeLog(atts, nil)
	}

	return wire.EncodeLog(atts, &wire.Cursor{Timestamp: next.Timestamp, MsgHash: next.MsgHash})
}

// publish announces a fresh attestation if anyone listens.
func (h *Handler) publish(att *attestation.TimestampAttestation) {
	h.announceMu.RLock()
	fn := h.announce
	h.announceMu.RUnlock()

	if fn != nil {
		fn(wire.EncodeAnnouncement(att))
	}
}

// refuse encodes a refusal and counts it.
func (h *Handler) refuse(reason wire.Reason) []byte {
	h.metrics.Refused(reason.String())
	return wire.EncodeRefusal(reason)
}
