package signer

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"dato/internal/attestation"
	"dato/internal/ledger"
	"dato/internal/metrics"
	"dato/internal/wire"
)

// setupTestHandler creates a Handler with a fixed clock and metrics.
func setupTestHandler(t *testing.T) (*Handler, *FixedClock) {
	t.Helper()

	s, _, clock := newTestSigner(t, ledger.PolicyExclusive)

	return NewHandler(s, metrics.New()), clock
}

// decode parses a response or fails the test.
func decode(t *testing.T, data []byte) *wire.Response {
	t.Helper()

	resp, err := wire.DecodeResponse(data)
	require.NoError(t, err)

	return resp
}

func TestHandleTimestamp(t *testing.T) {
	h, _ := setupTestHandler(t)

	var announced atomic.Int32
	h.OnAnnounce(func(data []byte) {
		resp, err := wire.DecodeResponse(data)
		if err == nil && resp.Type == wire.TypeAnnouncement {
			announced.Add(1)
		}
	})

	msg := []byte("handled")
	req := wire.EncodeRequest(&wire.Request{
		Mode:    wire.ModeTimestamp,
		MsgHash: attestation.HashMessage(msg),
		Message: msg,
	})

	resp := decode(t, h.Handle(req))
	require.Equal(t, byte(wire.TypeTimestamp), resp.Type)
	require.False(t, resp.Retransmitted)

	resp = decode(t, h.Handle(req))
	require.True(t, resp.Retransmitted)

	// only the fresh signature is announced
	require.Equal(t, int32(1), announced.Load())
}

func TestHandleTimestampHashMismatch(t *testing.T) {
	h, _ := setupTestHandler(t)

	req := wire.EncodeRequest(&wire.Request{
		Mode:    wire.ModeTimestamp,
		MsgHash: attestation.HashMessage([]byte("claimed")),
		Message: []byte("actual"),
	})

	resp := decode(t, h.Handle(req))
	require.Equal(t, byte(wire.TypeRefusal), resp.Type)
	require.Equal(t, wire.ReasonBadRequest, resp.Reason)
}

func TestHandleUnavailability(t *testing.T) {
	h, clock := setupTestHandler(t)
	hash := attestation.HashMessage([]byte("ghost"))

	req := wire.EncodeRequest(&wire.Request{Mode: wire.ModeUnavailability, MsgHash: hash, Deadline: 5_000})

	resp := decode(t, h.Handle(req))
	require.Equal(t, wire.ReasonDeadlineNotReached, resp.Reason)

	clock.Set(5_001)

	resp = decode(t, h.Handle(req))
	require.Equal(t, byte(wire.TypeAbsence), resp.Type)
	require.Equal(t, uint64(5_000), resp.Absence.Deadline)

	// the absence marker now blocks a timestamp
	msg := []byte("ghost")
	resp = decode(t, h.Handle(wire.EncodeRequest(&wire.Request{Mode: wire.ModeTimestamp, MsgHash: hash, Message: msg})))
	require.Equal(t, wire.ReasonAbsenceRecorded, resp.Reason)
}

func TestHandleUnavailabilityAlreadySeen(t *testing.T) {
	h, _ := setupTestHandler(t)
	msg := []byte("present")
	hash := attestation.HashMessage(msg)

	decode(t, h.Handle(wire.EncodeRequest(&wire.Request{Mode: wire.ModeTimestamp, MsgHash: hash, Message: msg})))

	resp := decode(t, h.Handle(wire.EncodeRequest(&wire.Request{Mode: wire.ModeUnavailability, MsgHash: hash, Deadline: 1})))
	require.Equal(t, wire.ReasonAlreadySeen, resp.Reason)
}

func TestHandleLookupAndRange(t *testing.T) {
	h, clock := setupTestHandler(t)

	for i, text := range []string{"a", "b", "c"} {
		clock.Set(uint64(100 * (i + 1)))

		msg := []byte(text)
		decode(t, h.Handle(wire.EncodeRequest(&wire.Request{Mode: wire.ModeTimestamp, MsgHash: attestation.HashMessage(msg), Message: msg})))
	}

	resp := decode(t, h.Handle(wire.EncodeRequest(&wire.Request{Mode: wire.ModeLookup, MsgHash: attestation.HashMessage([]byte("b"))})))
	require.Equal(t, uint64(200), resp.Timestamp.Timestamp)

	resp = decode(t, h.Handle(wire.EncodeRequest(&wire.Request{Mode: wire.ModeLookup, MsgHash: attestation.HashMessage([]byte("z"))})))
	require.Equal(t, wire.ReasonNotFound, resp.Reason)

	resp = decode(t, h.Handle(wire.EncodeRequest(&wire.Request{Mode: wire.ModeRange, Deadline: 150, End: 300})))
	require.Equal(t, byte(wire.TypeLog), resp.Type)
	require.Len(t, resp.Log, 2)
	require.Equal(t, uint64(200), resp.Log[0].Timestamp)
	require.Equal(t, uint64(300), resp.Log[1].Timestamp)
}

func TestHandleRangePages(t *testing.T) {
	h, _ := setupTestHandler(t)

	// fill the ledger directly; the handler never checks stored signatures
	sig := make([]byte, 96)
	total := wire.MaxLogEntries + 5

	for i := 0; i < total; i++ {
		hash := attestation.HashMessage([]byte(fmt.Sprintf("bulk-%d", i)))
		_, _, err := h.signer.Ledger().RecordIfAbsent(hash, func() (*attestation.TimestampAttestation, error) {
			return &attestation.TimestampAttestation{MsgHash: hash, Timestamp: uint64(i / 7), Signature: sig}, nil
		})
		require.NoError(t, err)
	}

	resp := decode(t, h.Handle(wire.EncodeRequest(&wire.Request{Mode: wire.ModeRange, End: ^uint64(0)})))
	require.Len(t, resp.Log, wire.MaxLogEntries)
	require.NotNil(t, resp.Next)
	require.True(t, resp.Next.After(resp.Log[len(resp.Log)-1]))

	resp = decode(t, h.Handle(wire.EncodeRequest(&wire.Request{
		Mode:     wire.ModeRange,
		Deadline: resp.Next.Timestamp,
		MsgHash:  resp.Next.MsgHash,
		End:      ^uint64(0),
	})))
	require.Len(t, resp.Log, 5)
	require.Nil(t, resp.Next)
}

func TestHandleGarbage(t *testing.T) {
	h, _ := setupTestHandler(t)

	resp := decode(t, h.Handle([]byte{0x01, 0x02}))
	require.Equal(t, wire.ReasonBadRequest, resp.Reason)

	out, err := h.HandleRequest(nil, nil)
	require.NoError(t, err)
	require.Equal(t, wire.ReasonBadRequest, decode(t, out).Reason)
}
