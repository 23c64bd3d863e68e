// Package attestation defines the statements a validator signs about a
// message hash, the exact bytes it signs, and their compact encoding.
package attestation

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"dato/internal/bls"
)

// EncodedSize is the size of an encoded attestation:
// [32B msgHash] [8B timestamp|deadline] [8B validatorIndex] [96B signature]
const EncodedSize = 32 + 8 + 8 + bls.SignatureSize

const (
	timestampTag = "dato/timestamp/v1"
	absenceTag   = "dato/absent/v1"
	absenceWord  = "absent"
)

// ErrTruncated is returned when decoding fewer than EncodedSize bytes.
var ErrTruncated = errors.New("attestation: truncated encoding")

// Hash is a BLAKE3-256 message digest.
type Hash [32]byte

// HashMessage returns the digest that identifies msg everywhere in the protocol.
func HashMessage(msg []byte) Hash {
	return Hash(blake3.Sum256(msg))
}

// String returns the hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hash:\n%w", err)
	}

	return ParseHashBytes(raw)
}

// ParseHashBytes copies a 32-byte slice into a Hash.
func ParseHashBytes(raw []byte) (Hash, error) {
	var h Hash

	if len(raw) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(raw))
	}

	copy(h[:], raw)

	return h, nil
}

// Timestamp is a Unix time in milliseconds.
type Timestamp = uint64

// TimestampAttestation is a validator's signed first-seen time for a hash.
type TimestampAttestation struct {
	MsgHash        Hash      // MsgHash is the attested message digest
	Timestamp      Timestamp // Timestamp is the local receive time
	ValidatorIndex uint64    // ValidatorIndex is the signer's registry index
	Signature      []byte    // Signature is the BLS signature over Payload
}

// Payload returns the bytes the validator signs.
func (a *TimestampAttestation) Payload() []byte {
	return TimestampPayload(a.MsgHash, a.Timestamp, a.ValidatorIndex)
}

// Verify checks the signature against the validator's public key.
func (a *TimestampAttestation) Verify(publicKey []byte) bool {
	return bls.Verify(a.Signature, a.Payload(), publicKey)
}

// Encode returns the compact binary form.
func (a *TimestampAttestation) Encode() []byte {
	return encode(a.MsgHash, a.Timestamp, a.ValidatorIndex, a.Signature)
}

// DecodeTimestamp parses an encoded timestamp attestation.
func DecodeTimestamp(data []byte) (*TimestampAttestation, error) {
	hash, ts, index, sig, err := decode(data)
	if err != nil {
		return nil, err
	}

	return &TimestampAttestation{MsgHash: hash, Timestamp: ts, ValidatorIndex: index, Signature: sig}, nil
}

// UnavailabilityAttestation is a validator's signed claim that it had not
// seen MsgHash by Deadline.
type UnavailabilityAttestation struct {
	MsgHash        Hash      // MsgHash is the message digest claimed absent
	Deadline       Timestamp // Deadline is the cutoff the claim refers to
	ValidatorIndex uint64    // ValidatorIndex is the signer's registry index
	Signature      []byte    // Signature is the BLS signature over Payload
}

// Payload returns the bytes the validator signs.
func (a *UnavailabilityAttestation) Payload() []byte {
	return UnavailabilityPayload(a.MsgHash, a.Deadline, a.ValidatorIndex)
}

// Verify checks the signature against the validator's public key.
func (a *UnavailabilityAttestation) Verify(publicKey []byte) bool {
	return bls.Verify(a.Signature, a.Payload(), publicKey)
}

// Encode returns the compact binary form.
func (a *UnavailabilityAttestation) Encode() []byte {
	return encode(a.MsgHash, a.Deadline, a.ValidatorIndex, a.Signature)
}

// DecodeUnavailability parses an encoded unavailability attestation.
func DecodeUnavailability(data []byte) (*UnavailabilityAttestation, error) {
	hash, deadline, index, sig, err := decode(data)
	if err != nil {
		return nil, err
	}

	return &UnavailabilityAttestation{MsgHash: hash, Deadline: deadline, ValidatorIndex: index, Signature: sig}, nil
}

// TimestampPayload builds "dato/timestamp/v1" || hash || be64(ts) || be64(index).
func TimestampPayload(hash Hash, ts Timestamp, index uint64) []byte {
	buf := make([]byte, 0, len(timestampTag)+32+16)
	buf = append(buf, timestampTag...)
	buf = append(buf, hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, ts)
	buf = binary.BigEndian.AppendUint64(buf, index)

	return buf
}

// UnavailabilityPayload builds
// "dato/absent/v1" || hash || be64(deadline) || be64(index) || "absent".
func UnavailabilityPayload(hash Hash, deadline Timestamp, index uint64) []byte {
	buf := make([]byte, 0, len(absenceTag)+32+16+len(absenceWord))
	buf = append(buf, absenceTag...)
	buf = append(buf, hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, deadline)
	buf = binary.BigEndian.AppendUint64(buf, index)
	buf = append(buf, absenceWord...)

	return buf
}

func encode(hash Hash, value, index uint64, sig []byte) []byte {
	buf := make([]byte, EncodedSize)

	copy(buf[0:32], hash[:])
	binary.BigEndian.PutUint64(buf[32:40], value)
	binary.BigEndian.PutUint64(buf[40:48], index)
	copy(buf[48:], sig)

	return buf
}

func decode(data []byte) (hash Hash, value, index uint64, sig []byte, err error) {
	if len(data) < EncodedSize {
		err = fmt.Errorf("%d < %d:\n%w", len(data), EncodedSize, ErrTruncated)
		return
	}

	copy(hash[:], data[0:32])
	value = binary.BigEndian.Uint64(data[32:40])
	index = binary.BigEndian.Uint64(data[40:48])
	sig = make([]byte, bls.SignatureSize)
	copy(sig, data[48:EncodedSize])

	return
}
