// Package aggregation folds individual validator attestations into a quorum
// certificate: participant bitset, summed BLS signature and, for timestamps,
// the retained per-signer times and their median.
package aggregation

import (
	"errors"
	"fmt"
	"slices"

	"dato/internal/attestation"
	"dato/internal/bls"
	"dato/internal/certificate"
	"dato/internal/validatorset"
)

var (
	// ErrNoAttestations is returned when aggregating an empty input.
	ErrNoAttestations = errors.New("aggregation: no attestations")

	// ErrUnknownValidator is returned for an attestation from outside the set.
	ErrUnknownValidator = errors.New("aggregation: unknown validator")

	// ErrDuplicateValidator is returned when one validator appears twice.
	ErrDuplicateValidator = errors.New("aggregation: duplicate validator")

	// ErrMixedStatements is returned when attestations disagree on the hash or deadline.
	ErrMixedStatements = errors.New("aggregation: attestations sign different statements")

	// ErrBelowThreshold is returned when the attesting stake is not a quorum.
	ErrBelowThreshold = errors.New("aggregation: weight below threshold")
)

// signed is one validated attestation placed at its snapshot position.
type signed struct {
	position  int    // position is the signer's slot in the set
	value     uint64 // value is the timestamp or deadline
	signature []byte // signature is the signer's BLS signature
}

// BuildTimestampCertificate aggregates timestamp attestations for one hash.
// The certified time is the median of the attested times.
func BuildTimestampCertificate(set *validatorset.Set, atts []*attestation.TimestampAttestation) (*certificate.Certificate, error) {
	if len(atts) == 0 {
		return nil, ErrNoAttestations
	}

	hash := atts[0].MsgHash
	entries := make([]signed, 0, len(atts))

	for _, att := range atts {
		if att.MsgHash != hash {
			return nil, fmt.Errorf("hash %s differs from %s:\n%w", att.MsgHash, hash, ErrMixedStatements)
		}

		pos := set.Position(att.ValidatorIndex)
		if pos < 0 {
			return nil, fmt.Errorf("validator %d:\n%w", att.ValidatorIndex, ErrUnknownValidator)
		}

		entries = append(entries, signed{position: pos, value: att.Timestamp, signature: att.Signature})
	}

	cert, err := build(set, entries)
	if err != nil {
		return nil, err
	}

	cert.Kind = certificate.KindTimestamp
	cert.MsgHash = hash
	cert.Timestamps = make([]uint64, len(entries))

	for i, e := range entries {
		cert.Timestamps[i] = e.value
	}

	cert.Timestamp = attestation.Median(cert.Timestamps)

	return cert, nil
}

// BuildUnavailabilityCertificate aggregates unavailability attestations that
// all sign the same hash and deadline.
func BuildUnavailabilityCertificate(set *validatorset.Set, atts []*attestation.UnavailabilityAttestation) (*certificate.Certificate, error) {
	if len(atts) == 0 {
		return nil, ErrNoAttestations
	}

	hash, deadline := atts[0].MsgHash, atts[0].Deadline
	entries := make([]signed, 0, len(atts))

	for _, att := range atts {
		if att.MsgHash != hash || att.Deadline != deadline {
			return nil, fmt.Errorf("validator %d signed (%s, %d), want (%s, %d):\n%w",
				att.ValidatorIndex, att.MsgHash, att.Deadline, hash, deadline, ErrMixedStatements)
		}

		pos := set.Position(att.ValidatorIndex)
		if pos < 0 {
			return nil, fmt.Errorf("validator %d:\n%w", att.ValidatorIndex, ErrUnknownValidator)
		}

		entries = append(entries, signed{position: pos, value: deadline, signature: att.Signature})
	}

	cert, err := build(set, entries)
	if err != nil {
		return nil, err
	}

	cert.Kind = certificate.KindUnavailability
	cert.MsgHash = hash
	cert.Timestamp = deadline

	return cert, nil
}

// build sorts entries by position, fills the bitset, checks the quorum and
// sums the signatures. Entries are sorted in place.
func build(set *validatorset.Set, entries []signed) (*certificate.Certificate, error) {
	slices.SortFunc(entries, func(a, b signed) int {
		return a.position - b.position
	})

	participants := validatorset.NewBitset(set.Len())
	signatures := make([][]byte, len(entries))

	for i, e := range entries {
		if participants.Has(e.position) {
			return nil, fmt.Errorf("validator %d:\n%w", set.At(e.position).Index, ErrDuplicateValidator)
		}

		participants.Set(e.position)
		signatures[i] = e.signature
	}

	weight := set.Weight(participants)
	if weight < set.Threshold() {
		return nil, fmt.Errorf("weight %d of %d, need %d:\n%w", weight, set.TotalStake(), set.Threshold(), ErrBelowThreshold)
	}

	agg, err := bls.Aggregate(signatures)
	if err != nil {
		return nil, fmt.Errorf("aggregate signatures:\n%w", err)
	}

	return &certificate.Certificate{
		Participants:       participants,
		AggregateSignature: agg,
		TotalWeight:        weight,
		SetVersion:         set.Version(),
	}, nil
}
