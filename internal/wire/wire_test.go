package wire

import (
	"bytes"
	"testing"

	"dato/internal/attestation"
)

// testAttestation builds an attestation with a recognizable dummy signature.
func testAttestation(ts uint64) *attestation.TimestampAttestation {
	return &attestation.TimestampAttestation{
		MsgHash:        attestation.HashMessage([]byte("msg")),
		Timestamp:      ts,
		ValidatorIndex: 4,
		Signature:      bytes.Repeat([]byte{0xAB}, 96),
	}
}

// TestRequestRoundTrip tests encoding and decoding of every request mode.
func TestRequestRoundTrip(t *testing.T) {
	msg := []byte("hello dato")

	reqs := []*Request{
		{Mode: ModeTimestamp, MsgHash: attestation.HashMessage(msg), Message: msg},
		{Mode: ModeUnavailability, MsgHash: attestation.HashMessage(msg), Deadline: 1234},
		{Mode: ModeLookup, MsgHash: attestation.HashMessage(msg)},
		{Mode: ModeRange, Deadline: 10, End: 20},
	}

	for _, req := range reqs {
		decoded, err := DecodeRequest(EncodeRequest(req))
		if err != nil {
			t.Fatalf("decode mode %d: %v", req.Mode, err)
		}

		if decoded.Mode != req.Mode || decoded.MsgHash != req.MsgHash ||
			decoded.Deadline != req.Deadline || decoded.End != req.End ||
			!bytes.Equal(decoded.Message, req.Message) {
			t.Errorf("mode %d: got %+v, want %+v", req.Mode, decoded, req)
		}
	}
}

// TestDecodeRequestInvalid tests rejection of malformed requests.
func TestDecodeRequestInvalid(t *testing.T) {
	valid := EncodeRequest(&Request{Mode: ModeTimestamp, Message: []byte("abc")})

	cases := map[string][]byte{
		"short":     valid[:10],
		"wrong tag": append([]byte{0x7F}, valid[1:]...),
		"bad mode":  append([]byte{TypeRequest, 0x09}, valid[2:]...),
		"truncated": valid[:len(valid)-1],
		"trailing":  append(append([]byte{}, valid...), 0x00),
	}

	for name, data := range cases {
		if _, err := DecodeRequest(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// TestResponseRoundTrip tests every response type.
func TestResponseRoundTrip(t *testing.T) {
	att := testAttestation(100)

	resp, err := DecodeResponse(EncodeTimestamp(att, true))
	if err != nil {
		t.Fatalf("decode timestamp: %v", err)
	}

	if resp.Type != TypeTimestamp || !resp.Retransmitted || resp.Timestamp.Timestamp != 100 {
		t.Errorf("timestamp response mismatch: %+v", resp)
	}

	resp, err = DecodeResponse(EncodeTimestamp(att, false))
	if err != nil || resp.Retransmitted {
		t.Errorf("fresh response should not be flagged: %+v, %v", resp, err)
	}

	absence := &attestation.UnavailabilityAttestation{
		MsgHash:        att.MsgHash,
		Deadline:       99,
		ValidatorIndex: 2,
		Signature:      att.Signature,
	}

	resp, err = DecodeResponse(EncodeAbsence(absence))
	if err != nil {
		t.Fatalf("decode absence: %v", err)
	}

	if resp.Absence == nil || resp.Absence.Deadline != 99 {
		t.Errorf("absence response mismatch: %+v", resp)
	}

	resp, err = DecodeResponse(EncodeRefusal(ReasonDeadlineNotReached))
	if err != nil {
		t.Fatalf("decode refusal: %v", err)
	}

	if resp.Reason != ReasonDeadlineNotReached {
		t.Errorf("reason: got %v", resp.Reason)
	}

	resp, err = DecodeResponse(EncodeLog([]*attestation.TimestampAttestation{testAttestation(1), testAttestation(2)}, nil))
	if err != nil {
		t.Fatalf("decode log: %v", err)
	}

	if len(resp.Log) != 2 || resp.Log[1].Timestamp != 2 || resp.Next != nil {
		t.Errorf("log mismatch: %+v", resp)
	}

	next := &Cursor{Timestamp: 3, MsgHash: attestation.HashMessage([]byte("next"))}

	resp, err = DecodeResponse(EncodeLog([]*attestation.TimestampAttestation{testAttestation(1)}, next))
	if err != nil {
		t.Fatalf("decode truncated log: %v", err)
	}

	if resp.Next == nil || *resp.Next != *next {
		t.Errorf("cursor mismatch: got %+v, want %+v", resp.Next, next)
	}

	resp, err = DecodeResponse(EncodeAnnouncement(att))
	if err != nil {
		t.Fatalf("decode announcement: %v", err)
	}

	if resp.Type != TypeAnnouncement || resp.Timestamp.ValidatorIndex != 4 {
		t.Errorf("announcement mismatch: %+v", resp)
	}
}

func TestCursorAfter(t *testing.T) {
	att := testAttestation(5)

	if (Cursor{Timestamp: 5, MsgHash: att.MsgHash}).After(att) {
		t.Error("cursor at the entry is not after it")
	}

	if !(Cursor{Timestamp: 6}).After(att) {
		t.Error("later timestamp must be after the entry")
	}

	if (Cursor{Timestamp: 4, MsgHash: attestation.Hash{0xff}}).After(att) {
		t.Error("earlier timestamp must not be after the entry")
	}
}

// TestDecodeResponseInvalid tests rejection of malformed responses.
func TestDecodeResponseInvalid(t *testing.T) {
	lying := EncodeLog([]*attestation.TimestampAttestation{testAttestation(1)}, nil)
	lying[45] = 5

	flagged := EncodeLog(nil, nil)
	flagged[1] = 0x80

	cases := map[string][]byte{
		"empty":          nil,
		"unknown":        {0x42},
		"short stamp":    EncodeTimestamp(testAttestation(1), false)[:50],
		"long refusal":   {TypeRefusal, 1, 2},
		"short absence":  {TypeAbsence, 1},
		"log count lies": lying,
		"log no count":   {TypeLog, 0},
		"log bad flags":  flagged,
	}

	for name, data := range cases {
		if _, err := DecodeResponse(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
