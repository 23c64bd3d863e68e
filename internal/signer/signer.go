// Package signer produces a validator's timestamp and unavailability
// attestations on top of the attestation ledger.
package signer

import (
	"errors"
	"fmt"

	"dato/internal/attestation"
	"dato/internal/bls"
	"dato/internal/ledger"
)

var (
	// ErrAlreadyAttested accompanies a previously issued attestation that is
	// being returned again instead of a fresh one.
	ErrAlreadyAttested = errors.New("signer: message already attested")

	// ErrDeadlineNotReached is returned when asked to claim absence for a
	// deadline that has not yet passed on the local clock.
	ErrDeadlineNotReached = errors.New("signer: deadline not reached")

	// ErrAlreadySeen is returned when asked to claim absence for a message
	// this validator has timestamped.
	ErrAlreadySeen = ledger.ErrAlreadySeen

	// ErrAbsenceRecorded is returned when asked to timestamp a message this
	// validator has declared absent under the exclusive policy.
	ErrAbsenceRecorded = ledger.ErrAbsenceRecorded
)

// Config holds the configuration for a Signer.
type Config struct {
	Key    *bls.KeyPair   // Key is the validator's BLS signing key
	Index  uint64         // Index is the validator's registry index
	Ledger *ledger.Ledger // Ledger records every issued attestation
	Clock  Clock          // Clock defaults to a MonotonicClock
	Policy ledger.Policy  // Policy governs absence claims
}

// Signer signs attestations for one validator.
type Signer struct {
	key    *bls.KeyPair
	index  uint64
	ledger *ledger.Ledger
	clock  Clock
	policy ledger.Policy
}

// New creates a Signer.
func New(cfg Config) (*Signer, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("signing key is required")
	}

	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = NewMonotonicClock()
	}

	return &Signer{
		key:    cfg.Key,
		index:  cfg.Index,
		ledger: cfg.Ledger,
		clock:  clock,
		policy: cfg.Policy,
	}, nil
}

// Index returns the validator index this signer signs as.
func (s *Signer) Index() uint64 {
	return s.index
}

// Policy returns the configured unavailability policy.
func (s *Signer) Policy() ledger.Policy {
	return s.policy
}

// Ledger returns the underlying ledger.
func (s *Signer) Ledger() *ledger.Ledger {
	return s.ledger
}

// Now returns the signer's clock reading.
func (s *Signer) Now() uint64 {
	return s.clock.Now()
}

// SignTimestamp attests the local receive time of hash. If hash was already
// attested the stored attestation is returned with ErrAlreadyAttested; the
// attestation is valid and must not be treated as a failure.
func (s *Signer) SignTimestamp(hash attestation.Hash) (*attestation.TimestampAttestation, error) {
	att, fresh, err := s.ledger.RecordIfAbsent(hash, func() (*attestation.TimestampAttestation, error) {
		att := &attestation.TimestampAttestation{
			MsgHash:        hash,
			Timestamp:      s.clock.Now(),
			ValidatorIndex: s.index,
		}
		att.Signature = s.key.Sign(att.Payload())

		return att, nil
	})
	if err != nil {
		return nil, err
	}

	if !fresh {
		return att, ErrAlreadyAttested
	}

	return att, nil
}

// SignUnavailability attests that hash had not been seen by deadline.
func (s *Signer) SignUnavailability(hash attestation.Hash, deadline uint64) (*attestation.UnavailabilityAttestation, error) {
	if now := s.clock.Now(); now < deadline {
		return nil, fmt.Errorf("now %d, deadline %d:\n%w", now, deadline, ErrDeadlineNotReached)
	}

	return s.ledger.RecordAbsence(hash, s.policy, func() (*attestation.UnavailabilityAttestation, error) {
		att := &attestation.UnavailabilityAttestation{
			MsgHash:        hash,
			Deadline:       deadline,
			ValidatorIndex: s.index,
		}
		att.Signature = s.key.Sign(att.Payload())

		return att, nil
	})
}
