package aggregation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"dato/internal/attestation"
	"dato/internal/bls"
	"dato/internal/certificate"
	"dato/internal/validatorset"
)

// fixture is a validator set together with the secret keys behind it.
// Validator i has index i+1.
type fixture struct {
	set  *validatorset.Set
	keys []*bls.KeyPair
}

// newFixture builds a set with one validator per stake.
func newFixture(t *testing.T, stakes ...uint64) *fixture {
	t.Helper()

	f := &fixture{keys: make([]*bls.KeyPair, len(stakes))}
	ids := make([]validatorset.Identity, len(stakes))

	for i, stake := range stakes {
		key, err := bls.GenerateKey()
		require.NoError(t, err)

		f.keys[i] = key
		ids[i] = validatorset.Identity{Index: uint64(i + 1), PublicKey: key.PublicKeyBytes(), Stake: stake}
	}

	set, err := validatorset.New(1, ids, 1)
	require.NoError(t, err)
	f.set = set

	return f
}

// timestamp returns validator i's signed timestamp attestation.
func (f *fixture) timestamp(i int, hash attestation.Hash, ts uint64) *attestation.TimestampAttestation {
	att := &attestation.TimestampAttestation{MsgHash: hash, Timestamp: ts, ValidatorIndex: uint64(i + 1)}
	att.Signature = f.keys[i].Sign(att.Payload())

	return att
}

// absence returns validator i's signed unavailability attestation.
func (f *fixture) absence(i int, hash attestation.Hash, deadline uint64) *attestation.UnavailabilityAttestation {
	att := &attestation.UnavailabilityAttestation{MsgHash: hash, Deadline: deadline, ValidatorIndex: uint64(i + 1)}
	att.Signature = f.keys[i].Sign(att.Payload())

	return att
}

func TestBuildTimestampCertificate(t *testing.T) {
	f := newFixture(t, 10, 10, 10, 10)
	hash := attestation.HashMessage([]byte("hello"))

	// out of position order on purpose
	atts := []*attestation.TimestampAttestation{
		f.timestamp(2, hash, 104),
		f.timestamp(0, hash, 100),
		f.timestamp(1, hash, 102),
	}

	cert, err := BuildTimestampCertificate(f.set, atts)
	require.NoError(t, err)

	require.Equal(t, certificate.KindTimestamp, cert.Kind)
	require.Equal(t, uint64(102), cert.Timestamp)
	require.Equal(t, []uint64{100, 102, 104}, cert.Timestamps)
	require.Equal(t, uint64(30), cert.TotalWeight)
	require.Equal(t, []int{0, 1, 2}, cert.Participants.Positions())
	require.Equal(t, f.set.Version(), cert.SetVersion)

	require.NoError(t, certificate.Verify(cert, f.set))
}

func TestBuildTimestampCertificateLowerMedian(t *testing.T) {
	f := newFixture(t, 1, 1, 1, 1)
	hash := attestation.HashMessage([]byte("even"))

	atts := []*attestation.TimestampAttestation{
		f.timestamp(0, hash, 400),
		f.timestamp(1, hash, 100),
		f.timestamp(2, hash, 300),
		f.timestamp(3, hash, 200),
	}

	cert, err := BuildTimestampCertificate(f.set, atts)
	require.NoError(t, err)
	require.Equal(t, uint64(200), cert.Timestamp)
	require.NoError(t, certificate.Verify(cert, f.set))
}

func TestBuildUnavailabilityCertificate(t *testing.T) {
	f := newFixture(t, 5, 5, 5)
	hash := attestation.HashMessage([]byte("missing"))

	cert, err := BuildUnavailabilityCertificate(f.set, []*attestation.UnavailabilityAttestation{
		f.absence(1, hash, 9_000),
		f.absence(0, hash, 9_000),
	})
	require.NoError(t, err)

	require.Equal(t, certificate.KindUnavailability, cert.Kind)
	require.Equal(t, uint64(9_000), cert.Deadline())
	require.Empty(t, cert.Timestamps)
	require.NoError(t, certificate.Verify(cert, f.set))
}

func TestBuildRejects(t *testing.T) {
	f := newFixture(t, 10, 10, 10, 10)
	hash := attestation.HashMessage([]byte("x"))
	other := attestation.HashMessage([]byte("y"))

	stranger := &attestation.TimestampAttestation{MsgHash: hash, Timestamp: 1, ValidatorIndex: 99, Signature: make([]byte, bls.SignatureSize)}

	cases := []struct {
		name string
		atts []*attestation.TimestampAttestation
		want error
	}{
		{"empty", nil, ErrNoAttestations},
		{"unknown", []*attestation.TimestampAttestation{f.timestamp(0, hash, 1), stranger}, ErrUnknownValidator},
		{"duplicate", []*attestation.TimestampAttestation{f.timestamp(0, hash, 1), f.timestamp(1, hash, 1), f.timestamp(0, hash, 2)}, ErrDuplicateValidator},
		{"mixed hash", []*attestation.TimestampAttestation{f.timestamp(0, hash, 1), f.timestamp(1, other, 1)}, ErrMixedStatements},
		{"below threshold", []*attestation.TimestampAttestation{f.timestamp(0, hash, 1), f.timestamp(1, hash, 1)}, ErrBelowThreshold},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildTimestampCertificate(f.set, tc.atts)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	_, err := BuildUnavailabilityCertificate(f.set, []*attestation.UnavailabilityAttestation{
		f.absence(0, hash, 10),
		f.absence(1, hash, 10),
		f.absence(2, hash, 11),
	})
	require.ErrorIs(t, err, ErrMixedStatements)
}

func TestBuildUsesStakeNotHeadcount(t *testing.T) {
	// one whale outweighs three small validators
	f := newFixture(t, 100, 1, 1, 1)
	hash := attestation.HashMessage([]byte("stake"))

	_, err := BuildTimestampCertificate(f.set, []*attestation.TimestampAttestation{
		f.timestamp(1, hash, 1),
		f.timestamp(2, hash, 1),
		f.timestamp(3, hash, 1),
	})
	require.ErrorIs(t, err, ErrBelowThreshold)

	cert, err := BuildTimestampCertificate(f.set, []*attestation.TimestampAttestation{f.timestamp(0, hash, 7)})
	require.NoError(t, err)
	require.Equal(t, uint64(100), cert.TotalWeight)
	require.NoError(t, certificate.Verify(cert, f.set))
}
