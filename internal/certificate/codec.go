package certificate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"dato/internal/attestation"
	"dato/internal/bls"
	"dato/internal/types"
	"dato/internal/validatorset"
)

const (
	// maxSetSize bounds the participant bitset a decoded certificate may claim.
	maxSetSize = 1 << 20

	// minEncodedSize is the smallest buffer holding a root offset and a vtable.
	minEncodedSize = 8
)

// Encode serializes the certificate into its portable flatbuffer form.
func (c *Certificate) Encode() []byte {
	builder := flatbuffers.NewBuilder(256 + len(c.Timestamps)*8)

	hashVec := builder.CreateByteVector(c.MsgHash[:])
	participantsVec := builder.CreateByteVector(c.Participants.Bytes())
	sigVec := builder.CreateByteVector(c.AggregateSignature)

	var timestampsVec flatbuffers.UOffsetT
	if len(c.Timestamps) > 0 {
		types.QuorumCertificateStartTimestampsVector(builder, len(c.Timestamps))
		for i := len(c.Timestamps) - 1; i >= 0; i-- {
			builder.PrependUint64(c.Timestamps[i])
		}
		timestampsVec = builder.EndVector(len(c.Timestamps))
	}

	types.QuorumCertificateStart(builder)
	types.QuorumCertificateAddKind(builder, types.CertificateKind(c.Kind))
	types.QuorumCertificateAddMsgHash(builder, hashVec)
	types.QuorumCertificateAddTimestamp(builder, c.Timestamp)
	types.QuorumCertificateAddSetSize(builder, uint32(c.Participants.Size()))
	types.QuorumCertificateAddParticipants(builder, participantsVec)
	if len(c.Timestamps) > 0 {
		types.QuorumCertificateAddTimestamps(builder, timestampsVec)
	}
	types.QuorumCertificateAddSignature(builder, sigVec)
	types.QuorumCertificateAddTotalWeight(builder, c.TotalWeight)
	types.QuorumCertificateAddSetVersion(builder, c.SetVersion)
	root := types.QuorumCertificateEnd(builder)

	builder.Finish(root)

	return builder.FinishedBytes()
}

// Decode parses a flatbuffer certificate. Structural problems and hostile
// offsets are reported as ErrMalformed.
func Decode(data []byte) (cert *Certificate, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			cert = nil
			retErr = fmt.Errorf("corrupt flatbuffer:\n%w", ErrMalformed)
		}
	}()

	if len(data) < minEncodedSize {
		return nil, fmt.Errorf("certificate too short (%d bytes):\n%w", len(data), ErrMalformed)
	}

	fb := types.GetRootAsQuorumCertificate(data, 0)

	kind := Kind(fb.Kind())
	if kind != KindTimestamp && kind != KindUnavailability {
		return nil, fmt.Errorf("unknown kind %d:\n%w", kind, ErrMalformed)
	}

	hash, err := attestation.ParseHashBytes(fb.MsgHashBytes())
	if err != nil {
		return nil, fmt.Errorf("msg hash:\n%w", ErrMalformed)
	}

	setSize := int(fb.SetSize())
	if setSize == 0 || setSize > maxSetSize {
		return nil, fmt.Errorf("set size %d out of range:\n%w", setSize, ErrMalformed)
	}

	participants, err := validatorset.BitsetFromBytes(setSize, fb.ParticipantsBytes())
	if err != nil {
		return nil, fmt.Errorf("participants: %v:\n%w", err, ErrMalformed)
	}

	sig := fb.SignatureBytes()
	if len(sig) != bls.SignatureSize {
		return nil, fmt.Errorf("signature is %d bytes:\n%w", len(sig), ErrMalformed)
	}

	n := fb.TimestampsLength()
	if n > setSize {
		return nil, fmt.Errorf("%d timestamps for a set of %d:\n%w", n, setSize, ErrMalformed)
	}

	timestamps := make([]uint64, n)
	for i := range timestamps {
		timestamps[i] = fb.Timestamps(i)
	}

	return &Certificate{
		Kind:               kind,
		MsgHash:            hash,
		Timestamp:          fb.Timestamp(),
		Participants:       participants,
		Timestamps:         timestamps,
		AggregateSignature: append([]byte(nil), sig...),
		TotalWeight:        fb.TotalWeight(),
		SetVersion:         fb.SetVersion(),
	}, nil
}

// jsonCertificate is the HTTP form of a certificate.
type jsonCertificate struct {
	Kind         string   `json:"kind"`
	MsgHash      string   `json:"msg_hash"`
	Timestamp    uint64   `json:"timestamp"`
	SetSize      int      `json:"set_size"`
	Participants string   `json:"participants"`
	Timestamps   []uint64 `json:"timestamps,omitempty"`
	Signature    string   `json:"signature"`
	TotalWeight  uint64   `json:"total_weight"`
	SetVersion   uint64   `json:"set_version"`
}

// MarshalJSON encodes the certificate with hex byte fields.
func (c *Certificate) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonCertificate{
		Kind:         c.Kind.String(),
		MsgHash:      c.MsgHash.String(),
		Timestamp:    c.Timestamp,
		SetSize:      c.Participants.Size(),
		Participants: hex.EncodeToString(c.Participants.Bytes()),
		Timestamps:   c.Timestamps,
		Signature:    hex.EncodeToString(c.AggregateSignature),
		TotalWeight:  c.TotalWeight,
		SetVersion:   c.SetVersion,
	})
}

// UnmarshalJSON decodes the hex form produced by MarshalJSON.
func (c *Certificate) UnmarshalJSON(data []byte) error {
	var raw jsonCertificate
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var kind Kind
	switch raw.Kind {
	case KindTimestamp.String():
		kind = KindTimestamp
	case KindUnavailability.String():
		kind = KindUnavailability
	default:
		return fmt.Errorf("unknown kind %q:\n%w", raw.Kind, ErrMalformed)
	}

	hash, err := attestation.ParseHash(raw.MsgHash)
	if err != nil {
		return fmt.Errorf("msg hash:\n%w", ErrMalformed)
	}

	bits, err := hex.DecodeString(raw.Participants)
	if err != nil {
		return fmt.Errorf("participants:\n%w", ErrMalformed)
	}

	if raw.SetSize <= 0 || raw.SetSize > maxSetSize {
		return fmt.Errorf("set size %d out of range:\n%w", raw.SetSize, ErrMalformed)
	}

	participants, err := validatorset.BitsetFromBytes(raw.SetSize, bits)
	if err != nil {
		return fmt.Errorf("participants: %v:\n%w", err, ErrMalformed)
	}

	sig, err := hex.DecodeString(raw.Signature)
	if err != nil {
		return fmt.Errorf("signature:\n%w", ErrMalformed)
	}

	*c = Certificate{
		Kind:               kind,
		MsgHash:            hash,
		Timestamp:          raw.Timestamp,
		Participants:       participants,
		Timestamps:         raw.Timestamps,
		AggregateSignature: sig,
		TotalWeight:        raw.TotalWeight,
		SetVersion:         raw.SetVersion,
	}

	return nil
}
