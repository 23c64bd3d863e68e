package certificate_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"dato/internal/aggregation"
	"dato/internal/attestation"
	"dato/internal/bls"
	"dato/internal/certificate"
	"dato/internal/validatorset"
)

// quorum builds a 4-validator set and a timestamp certificate signed by the
// first three validators at 100, 102 and 104.
func quorum(t testing.TB) (*validatorset.Set, []*bls.KeyPair, *certificate.Certificate) {
	keys := make([]*bls.KeyPair, 4)
	ids := make([]validatorset.Identity, 4)

	for i := range keys {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)

		key, err := bls.KeyFromSeed(seed)
		require.NoError(t, err)

		keys[i] = key
		ids[i] = validatorset.Identity{Index: uint64(i + 1), PublicKey: key.PublicKeyBytes(), Stake: 10}
	}

	set, err := validatorset.New(1, ids, 1)
	require.NoError(t, err)

	hash := attestation.HashMessage([]byte("certified"))
	atts := make([]*attestation.TimestampAttestation, 3)

	for i := range atts {
		atts[i] = &attestation.TimestampAttestation{MsgHash: hash, Timestamp: uint64(100 + 2*i), ValidatorIndex: uint64(i + 1)}
		atts[i].Signature = keys[i].Sign(atts[i].Payload())
	}

	cert, err := aggregation.BuildTimestampCertificate(set, atts)
	require.NoError(t, err)

	return set, keys, cert
}

// clone deep-copies a certificate through its portable encoding.
func clone(t testing.TB, cert *certificate.Certificate) *certificate.Certificate {
	out, err := certificate.Decode(cert.Encode())
	require.NoError(t, err)

	return out
}

func TestVerify(t *testing.T) {
	set, _, cert := quorum(t)

	require.NoError(t, certificate.Verify(cert, set))
	require.Equal(t, uint64(102), cert.Timestamp)
	require.Equal(t, uint64(30), cert.TotalWeight)
}

func TestVerifyRejectsTampering(t *testing.T) {
	set, _, cert := quorum(t)

	t.Run("median", func(t *testing.T) {
		c := clone(t, cert)
		c.Timestamp = 104
		require.ErrorIs(t, certificate.Verify(c, set), certificate.ErrMedianMismatch)
	})

	t.Run("retained timestamp", func(t *testing.T) {
		c := clone(t, cert)
		c.Timestamps[0] = 99
		require.ErrorIs(t, certificate.Verify(c, set), certificate.ErrInvalidSignature)
	})

	t.Run("hash", func(t *testing.T) {
		c := clone(t, cert)
		c.MsgHash[0] ^= 0xFF
		require.ErrorIs(t, certificate.Verify(c, set), certificate.ErrInvalidSignature)
	})

	t.Run("claimed weight", func(t *testing.T) {
		c := clone(t, cert)
		c.TotalWeight = 40
		require.ErrorIs(t, certificate.Verify(c, set), certificate.ErrInsufficientWeight)
	})

	t.Run("kind", func(t *testing.T) {
		c := clone(t, cert)
		c.Kind = certificate.KindUnavailability
		require.ErrorIs(t, certificate.Verify(c, set), certificate.ErrMalformed)
	})

	t.Run("set size", func(t *testing.T) {
		c := clone(t, cert)
		c.Participants = validatorset.NewBitset(5)
		require.ErrorIs(t, certificate.Verify(c, set), certificate.ErrMalformed)
	})
}

func TestVerifyBelowThreshold(t *testing.T) {
	set, keys, _ := quorum(t)
	hash := attestation.HashMessage([]byte("thin"))

	// hand-build a two-signer certificate that aggregation would refuse
	participants := validatorset.NewBitset(set.Len())
	participants.Set(0)
	participants.Set(1)

	var sigs [][]byte
	for i, ts := range []uint64{5, 6} {
		sigs = append(sigs, keys[i].Sign(attestation.TimestampPayload(hash, ts, uint64(i+1))))
	}

	agg, err := bls.Aggregate(sigs)
	require.NoError(t, err)

	cert := &certificate.Certificate{
		Kind:               certificate.KindTimestamp,
		MsgHash:            hash,
		Timestamp:          5,
		Participants:       participants,
		Timestamps:         []uint64{5, 6},
		AggregateSignature: agg,
		TotalWeight:        20,
		SetVersion:         set.Version(),
	}

	require.ErrorIs(t, certificate.Verify(cert, set), certificate.ErrInsufficientWeight)
}

func TestVerifyAgainstOtherSet(t *testing.T) {
	_, _, cert := quorum(t)

	// same indices and stakes, different keys
	ids := make([]validatorset.Identity, 4)
	for i := range ids {
		key, err := bls.GenerateKey()
		require.NoError(t, err)
		ids[i] = validatorset.Identity{Index: uint64(i + 1), PublicKey: key.PublicKeyBytes(), Stake: 10}
	}

	other, err := validatorset.New(1, ids, 1)
	require.NoError(t, err)

	require.ErrorIs(t, certificate.Verify(cert, other), certificate.ErrInvalidSignature)
}

func TestVerifySetVersion(t *testing.T) {
	set, _, cert := quorum(t)
	require.Equal(t, set.Version(), cert.SetVersion)

	// same members, later version
	next, err := validatorset.New(set.Version()+1, set.Identities(), 1)
	require.NoError(t, err)

	require.ErrorIs(t, certificate.Verify(cert, next), certificate.ErrSetVersionMismatch)

	decoded, err := certificate.Decode(cert.Encode())
	require.NoError(t, err)
	require.ErrorIs(t, certificate.Verify(decoded, next), certificate.ErrSetVersionMismatch)
	require.NoError(t, certificate.Verify(decoded, set))
}

func TestFlippedBitOrSignatureByteFails(t *testing.T) {
	set, _, cert := quorum(t)

	rapid.Check(t, func(rt *rapid.T) {
		c := clone(t, cert)

		if rapid.Bool().Draw(rt, "flip bit") {
			pos := rapid.IntRange(0, set.Len()-1).Draw(rt, "position")

			raw := c.Participants.Bytes()
			raw[pos/8] ^= 1 << (pos % 8)

			bits, err := validatorset.BitsetFromBytes(set.Len(), raw)
			if err != nil {
				rt.Fatalf("rebuild bitset: %v", err)
			}
			c.Participants = bits
		} else {
			i := rapid.IntRange(0, len(c.AggregateSignature)-1).Draw(rt, "byte")
			mask := rapid.ByteRange(1, 0xFF).Draw(rt, "mask")
			c.AggregateSignature[i] ^= mask
		}

		if err := certificate.Verify(c, set); err == nil {
			rt.Fatalf("tampered certificate verified")
		}
	})
}

func TestEncodeDecode(t *testing.T) {
	set, _, cert := quorum(t)

	decoded, err := certificate.Decode(cert.Encode())
	require.NoError(t, err)

	require.Equal(t, cert.Kind, decoded.Kind)
	require.Equal(t, cert.MsgHash, decoded.MsgHash)
	require.Equal(t, cert.Timestamp, decoded.Timestamp)
	require.Equal(t, cert.Timestamps, decoded.Timestamps)
	require.Equal(t, cert.Participants.Bytes(), decoded.Participants.Bytes())
	require.Equal(t, cert.AggregateSignature, decoded.AggregateSignature)
	require.Equal(t, cert.TotalWeight, decoded.TotalWeight)
	require.Equal(t, cert.SetVersion, decoded.SetVersion)

	require.NoError(t, certificate.Verify(decoded, set))
}

func TestDecodeHostileInput(t *testing.T) {
	_, err := certificate.Decode(nil)
	require.ErrorIs(t, err, certificate.ErrMalformed)

	_, err = certificate.Decode([]byte{0xFF, 0xFF, 0xFF, 0x7F, 0, 0, 0, 0})
	require.ErrorIs(t, err, certificate.ErrMalformed)

	_, _, cert := quorum(t)
	valid := cert.Encode()

	rapid.Check(t, func(rt *rapid.T) {
		data := append([]byte(nil), valid...)

		if rapid.Bool().Draw(rt, "random") {
			data = rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(rt, "data")
		} else {
			i := rapid.IntRange(0, len(data)-1).Draw(rt, "index")
			data[i] = rapid.Byte().Draw(rt, "value")
		}

		// must return, never panic
		_, _ = certificate.Decode(data)
	})
}

func TestJSON(t *testing.T) {
	set, _, cert := quorum(t)

	data, err := json.Marshal(cert)
	require.NoError(t, err)
	require.Contains(t, string(data), `"kind":"timestamp"`)
	require.Contains(t, string(data), cert.MsgHash.String())
	require.Contains(t, string(data), `"set_version":1`)

	var decoded certificate.Certificate
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, certificate.Verify(&decoded, set))

	require.Error(t, json.Unmarshal([]byte(`{"kind":"bogus"}`), &decoded))
}
