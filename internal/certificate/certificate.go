// Package certificate defines quorum certificates, their portable encoding,
// and the verifier any third party can run against a validator set.
package certificate

import (
	"errors"
	"fmt"

	"dato/internal/attestation"
	"dato/internal/bls"
	"dato/internal/validatorset"
)

var (
	// ErrMalformed is returned for a certificate whose fields are inconsistent.
	ErrMalformed = errors.New("certificate: malformed")

	// ErrInsufficientWeight is returned when the participants do not carry a quorum.
	ErrInsufficientWeight = errors.New("certificate: insufficient weight")

	// ErrInvalidSignature is returned when the aggregate signature does not verify.
	ErrInvalidSignature = errors.New("certificate: invalid aggregate signature")

	// ErrMedianMismatch is returned when the certified time is not the median
	// of the retained timestamps.
	ErrMedianMismatch = errors.New("certificate: median mismatch")

	// ErrSetVersionMismatch is returned when a certificate is checked against
	// a validator set other than the one that produced it.
	ErrSetVersionMismatch = errors.New("certificate: validator set version mismatch")
)

// Kind distinguishes timestamp certificates from unavailability certificates.
type Kind uint8

const (
	// KindTimestamp certifies the median first-seen time of a message.
	KindTimestamp Kind = iota

	// KindUnavailability certifies that a quorum had not seen a message by a deadline.
	KindUnavailability
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindTimestamp:
		return "timestamp"
	case KindUnavailability:
		return "unavailability"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Certificate is a stake-quorum certificate.
// For KindTimestamp, Timestamp is the median of Timestamps and Timestamps
// holds one entry per participant in position order. For KindUnavailability,
// Timestamp is the deadline every participant signed and Timestamps is empty.
// SetVersion is not covered by the signatures; it names the snapshot whose
// positions the participant bitset refers to.
type Certificate struct {
	Kind               Kind                // Kind selects the signed statement
	MsgHash            attestation.Hash    // MsgHash is the certified message digest
	Timestamp          uint64              // Timestamp is the median, or the deadline
	Participants       validatorset.Bitset // Participants marks signers by snapshot position
	Timestamps         []uint64            // Timestamps are the per-participant times
	AggregateSignature []byte              // AggregateSignature is the summed BLS signature
	TotalWeight        uint64              // TotalWeight is the participants' combined stake
	SetVersion         uint64              // SetVersion is the version of the signing set
}

// Deadline returns the certified deadline of an unavailability certificate.
func (c *Certificate) Deadline() uint64 {
	return c.Timestamp
}

// Signers returns the identities of the participants in position order.
func (c *Certificate) Signers(set *validatorset.Set) ([]validatorset.Identity, error) {
	if c.Participants.Size() != set.Len() {
		return nil, fmt.Errorf("bitset covers %d validators, set has %d:\n%w", c.Participants.Size(), set.Len(), ErrMalformed)
	}

	positions := c.Participants.Positions()
	out := make([]validatorset.Identity, len(positions))

	for i, pos := range positions {
		out[i] = set.At(pos)
	}

	return out, nil
}

// Verify checks a certificate against a validator set snapshot:
// set version, participant weight, each participant's reconstructed payload
// under one batched pairing check, and the median rule. A certificate from
// an older set must be checked against that set, not the current one.
func Verify(cert *Certificate, set *validatorset.Set) error {
	if cert.SetVersion != set.Version() {
		return fmt.Errorf("certificate from set version %d, checking against %d:\n%w", cert.SetVersion, set.Version(), ErrSetVersionMismatch)
	}

	signers, err := cert.Signers(set)
	if err != nil {
		return err
	}

	if len(signers) == 0 {
		return fmt.Errorf("no participants:\n%w", ErrMalformed)
	}

	if len(cert.AggregateSignature) != bls.SignatureSize {
		return fmt.Errorf("signature is %d bytes:\n%w", len(cert.AggregateSignature), ErrMalformed)
	}

	switch cert.Kind {
	case KindTimestamp:
		if len(cert.Timestamps) != len(signers) {
			return fmt.Errorf("%d timestamps for %d participants:\n%w", len(cert.Timestamps), len(signers), ErrMalformed)
		}
	case KindUnavailability:
		if len(cert.Timestamps) != 0 {
			return fmt.Errorf("unavailability certificate carries timestamps:\n%w", ErrMalformed)
		}
	default:
		return fmt.Errorf("unknown kind %d:\n%w", cert.Kind, ErrMalformed)
	}

	weight := set.Weight(cert.Participants)
	if weight != cert.TotalWeight {
		return fmt.Errorf("claimed weight %d, participants hold %d:\n%w", cert.TotalWeight, weight, ErrInsufficientWeight)
	}

	if weight < set.Threshold() {
		return fmt.Errorf("weight %d below threshold %d:\n%w", weight, set.Threshold(), ErrInsufficientWeight)
	}

	pubkeys := make([][]byte, len(signers))
	payloads := make([][]byte, len(signers))

	for i, id := range signers {
		pubkeys[i] = id.PublicKey

		if cert.Kind == KindTimestamp {
			payloads[i] = attestation.TimestampPayload(cert.MsgHash, cert.Timestamps[i], id.Index)
		} else {
			payloads[i] = attestation.UnavailabilityPayload(cert.MsgHash, cert.Timestamp, id.Index)
		}
	}

	if !bls.AggregateVerify(cert.AggregateSignature, pubkeys, payloads) {
		return ErrInvalidSignature
	}

	if cert.Kind == KindTimestamp {
		if median := attestation.Median(cert.Timestamps); median != cert.Timestamp {
			return fmt.Errorf("certified %d, median is %d:\n%w", cert.Timestamp, median, ErrMedianMismatch)
		}
	}

	return nil
}
