// Package wire encodes the request and response bodies exchanged between
// clients and validators. Framing is done by the transport.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"dato/internal/attestation"
)

// Message types.
const (
	TypeRequest      = 0x01 // client -> validator
	TypeTimestamp    = 0x02 // timestamp attestation
	TypeAbsence      = 0x03 // unavailability attestation
	TypeRefusal      = 0x04 // request refused with a reason
	TypeLog          = 0x05 // signed log for a time range
	TypeAnnouncement = 0x10 // validator push of a fresh attestation
)

// Mode selects what a request asks the validator to do.
type Mode byte

const (
	ModeTimestamp      Mode = 0x01 // sign (or return) the first-seen time of a message
	ModeUnavailability Mode = 0x02 // sign an absence claim for a hash
	ModeLookup         Mode = 0x03 // return the stored attestation for a hash
	ModeRange          Mode = 0x04 // return the signed log for a time range
)

// Reason explains a refusal.
type Reason byte

const (
	ReasonAlreadySeen        Reason = 0x01 // absence asked for an attested hash
	ReasonAbsenceRecorded    Reason = 0x02 // timestamp asked for a hash declared absent
	ReasonDeadlineNotReached Reason = 0x03 // absence asked before the deadline passed
	ReasonBadRequest         Reason = 0x04 // request could not be decoded or was inconsistent
	ReasonNotFound           Reason = 0x05 // lookup for an unknown hash
	ReasonInternal           Reason = 0x06 // validator-side failure
)

// String returns a short name for logs and metrics labels.
func (r Reason) String() string {
	switch r {
	case ReasonAlreadySeen:
		return "already_seen"
	case ReasonAbsenceRecorded:
		return "absence_recorded"
	case ReasonDeadlineNotReached:
		return "deadline_not_reached"
	case ReasonBadRequest:
		return "bad_request"
	case ReasonNotFound:
		return "not_found"
	case ReasonInternal:
		return "internal"
	default:
		return fmt.Sprintf("reason_%d", byte(r))
	}
}

const (
	// requestHeaderSize is [1B type][1B mode][32B hash][8B deadline|start][8B end][4B len].
	requestHeaderSize = 1 + 1 + 32 + 8 + 8 + 4

	// MaxMessageSize bounds the raw message carried by a request.
	MaxMessageSize = 8 << 20

	// MaxLogEntries bounds the attestations carried by one Log response.
	MaxLogEntries = 10000

	// logHeaderSize is [1B flags][8B next timestamp][32B next hash][4B count].
	logHeaderSize = 1 + 8 + 32 + 4

	flagRetransmitted = 0x01
	flagMore          = 0x02
)

// ErrMalformed is returned for bytes that do not decode to a valid body.
var ErrMalformed = errors.New("wire: malformed message")

// Request is what a client sends to a validator.
// For ModeRange, Deadline and MsgHash are the log position to read from
// (a zero hash starts at the first entry of that millisecond) and End is the
// last timestamp included.
type Request struct {
	Mode     Mode             // Mode is the requested operation
	MsgHash  attestation.Hash // MsgHash is the message digest, or the range cursor hash
	Deadline uint64           // Deadline is the absence cutoff, or the range cursor timestamp
	End      uint64           // End is the range end (ModeRange only)
	Message  []byte           // Message is the raw message (ModeTimestamp only)
}

// EncodeRequest encodes a request.
// Format: [1B type] [1B mode] [32B hash] [8B deadline] [8B end] [4B len] [NB message]
func EncodeRequest(req *Request) []byte {
	buf := make([]byte, requestHeaderSize+len(req.Message))

	buf[0] = TypeRequest
	buf[1] = byte(req.Mode)
	copy(buf[2:34], req.MsgHash[:])
	binary.BigEndian.PutUint64(buf[34:42], req.Deadline)
	binary.BigEndian.PutUint64(buf[42:50], req.End)
	binary.BigEndian.PutUint32(buf[50:54], uint32(len(req.Message)))
	copy(buf[54:], req.Message)

	return buf
}

// DecodeRequest decodes a request.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < requestHeaderSize {
		return nil, fmt.Errorf("request too short: %d < %d:\n%w", len(data), requestHeaderSize, ErrMalformed)
	}

	if data[0] != TypeRequest {
		return nil, fmt.Errorf("invalid message type 0x%02x:\n%w", data[0], ErrMalformed)
	}

	mode := Mode(data[1])
	if mode < ModeTimestamp || mode > ModeRange {
		return nil, fmt.Errorf("invalid mode 0x%02x:\n%w", data[1], ErrMalformed)
	}

	msgLen := binary.BigEndian.Uint32(data[50:54])
	if msgLen > MaxMessageSize || int(msgLen) != len(data)-requestHeaderSize {
		return nil, fmt.Errorf("message length %d does not match body %d:\n%w", msgLen, len(data)-requestHeaderSize, ErrMalformed)
	}

	req := &Request{
		Mode:     mode,
		Deadline: binary.BigEndian.Uint64(data[34:42]),
		End:      binary.BigEndian.Uint64(data[42:50]),
	}
	copy(req.MsgHash[:], data[2:34])

	if msgLen > 0 {
		req.Message = make([]byte, msgLen)
		copy(req.Message, data[54:])
	}

	return req, nil
}

// Response is a decoded validator response. Exactly one payload is set,
// selected by Type.
type Response struct {
	Type          byte                                   // Type is the response type tag
	Retransmitted bool                                   // Retransmitted marks a previously issued attestation
	Timestamp     *attestation.TimestampAttestation      // Timestamp is set for TypeTimestamp and TypeAnnouncement
	Absence       *attestation.UnavailabilityAttestation // Absence is set for TypeAbsence
	Reason        Reason                                 // Reason is set for TypeRefusal
	Log           []*attestation.TimestampAttestation    // Log is set for TypeLog
	Next          *Cursor                                // Next is where a truncated Log resumes
}

// Cursor is a position in a validator's timestamp-ordered log.
type Cursor struct {
	Timestamp uint64           // Timestamp is the entry's attested time
	MsgHash   attestation.Hash // MsgHash orders entries sharing a timestamp
}

// After reports whether c is strictly past the entry att.
func (c Cursor) After(att *attestation.TimestampAttestation) bool {
	if c.Timestamp != att.Timestamp {
		return c.Timestamp > att.Timestamp
	}

	return bytes.Compare(c.MsgHash[:], att.MsgHash[:]) > 0
}

// EncodeTimestamp encodes a timestamp response.
// Format: [1B type] [1B flags] [144B attestation]
func EncodeTimestamp(att *attestation.TimestampAttestation, retransmitted bool) []byte {
	buf := make([]byte, 2, 2+attestation.EncodedSize)
	buf[0] = TypeTimestamp

	if retransmitted {
		buf[1] = flagRetransmitted
	}

	return append(buf, att.Encode()...)
}

// EncodeAbsence encodes an unavailability response.
// Format: [1B type] [144B attestation]
func EncodeAbsence(att *attestation.UnavailabilityAttestation) []byte {
	return append([]byte{TypeAbsence}, att.Encode()...)
}

// EncodeRefusal encodes a refusal.
// Format: [1B type] [1B reason]
func EncodeRefusal(reason Reason) []byte {
	return []byte{TypeRefusal, byte(reason)}
}

// EncodeLog encodes a log response. A non-nil next marks the log as
// truncated and tells the client where to resume.
// Format: [1B type] [1B flags] [8B next ts] [32B next hash] [4B count] [count x 144B attestation]
func EncodeLog(atts []*attestation.TimestampAttestation, next *Cursor) []byte {
	buf := make([]byte, 1+logHeaderSize, 1+logHeaderSize+len(atts)*attestation.EncodedSize)
	buf[0] = TypeLog

	if next != nil {
		buf[1] = flagMore
		binary.BigEndian.PutUint64(buf[2:10], next.Timestamp)
		copy(buf[10:42], next.MsgHash[:])
	}

	binary.BigEndian.PutUint32(buf[42:46], uint32(len(atts)))

	for _, att := range atts {
		buf = append(buf, att.Encode()...)
	}

	return buf
}

// EncodeAnnouncement encodes a pushed attestation.
// Format: [1B type] [144B attestation]
func EncodeAnnouncement(att *attestation.TimestampAttestation) []byte {
	return append([]byte{TypeAnnouncement}, att.Encode()...)
}

// DecodeResponse decodes any validator response or announcement.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response:\n%w", ErrMalformed)
	}

	resp := &Response{Type: data[0]}
	body := data[1:]

	var err error

	switch resp.Type {
	case TypeTimestamp:
		if len(body) != 1+attestation.EncodedSize {
			return nil, sizeError(resp.Type, len(body))
		}

		resp.Retransmitted = body[0]&flagRetransmitted != 0
		resp.Timestamp, err = attestation.DecodeTimestamp(body[1:])

	case TypeAnnouncement:
		if len(body) != attestation.EncodedSize {
			return nil, sizeError(resp.Type, len(body))
		}

		resp.Timestamp, err = attestation.DecodeTimestamp(body)

	case TypeAbsence:
		if len(body) != attestation.EncodedSize {
			return nil, sizeError(resp.Type, len(body))
		}

		resp.Absence, err = attestation.DecodeUnavailability(body)

	case TypeRefusal:
		if len(body) != 1 {
			return nil, sizeError(resp.Type, len(body))
		}

		resp.Reason = Reason(body[0])

	case TypeLog:
		resp.Log, resp.Next, err = decodeLog(body)

	default:
		return nil, fmt.Errorf("unknown response type 0x%02x:\n%w", resp.Type, ErrMalformed)
	}

	if err != nil {
		return nil, err
	}

	return resp, nil
}

// decodeLog decodes the body of a log response.
func decodeLog(body []byte) ([]*attestation.TimestampAttestation, *Cursor, error) {
	if len(body) < logHeaderSize {
		return nil, nil, sizeError(TypeLog, len(body))
	}

	flags := body[0]
	if flags&^flagMore != 0 {
		return nil, nil, fmt.Errorf("unknown log flags 0x%02x:\n%w", flags, ErrMalformed)
	}

	var next *Cursor
	if flags&flagMore != 0 {
		next = &Cursor{Timestamp: binary.BigEndian.Uint64(body[1:9])}
		copy(next.MsgHash[:], body[9:41])
	}

	count := binary.BigEndian.Uint32(body[41:45])
	entries := body[logHeaderSize:]

	if count > MaxLogEntries || len(entries) != int(count)*attestation.EncodedSize {
		return nil, nil, fmt.Errorf("log of %d entries in %d bytes:\n%w", count, len(entries), ErrMalformed)
	}

	atts := make([]*attestation.TimestampAttestation, count)

	for i := range atts {
		off := i * attestation.EncodedSize

		att, err := attestation.DecodeTimestamp(entries[off : off+attestation.EncodedSize])
		if err != nil {
			return nil, nil, err
		}

		atts[i] = att
	}

	return atts, next, nil
}

func sizeError(typ byte, n int) error {
	return fmt.Errorf("type 0x%02x with %d-byte body:\n%w", typ, n, ErrMalformed)
}
