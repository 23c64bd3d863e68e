package validatorset

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"dato/internal/bls"
)

// identities builds n identities with the given stakes and fresh BLS keys.
func identities(t *testing.T, stakes ...uint64) []Identity {
	t.Helper()

	out := make([]Identity, len(stakes))
	for i, stake := range stakes {
		key, err := bls.GenerateKey()
		require.NoError(t, err)

		out[i] = Identity{
			Index:     uint64(i + 1),
			PublicKey: key.PublicKeyBytes(),
			Stake:     stake,
			Socket:    "127.0.0.1:0",
		}
	}

	return out
}

func TestThreshold(t *testing.T) {
	cases := map[uint64]uint64{
		3:  2,
		4:  3,
		5:  4,
		6:  4,
		10: 7,
		1:  1,
	}

	for total, want := range cases {
		require.Equal(t, want, QuorumThreshold(total), "total=%d", total)
	}
}

func TestThresholdIsCeilTwoThirds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.Uint64Range(1, 1<<40).Draw(t, "total")
		got := QuorumThreshold(total)

		// got is the smallest w with 3w >= 2*total
		if 3*got < 2*total {
			t.Fatalf("threshold %d too small for %d", got, total)
		}

		if 3*(got-1) >= 2*total {
			t.Fatalf("threshold %d not minimal for %d", got, total)
		}
	})
}

func TestNewOrdersByIndex(t *testing.T) {
	ids := identities(t, 1, 1, 1)
	ids[0].Index, ids[2].Index = 9, 0

	set, err := New(1, ids, 1)
	require.NoError(t, err)

	require.Equal(t, 3, set.Len())
	require.Equal(t, uint64(3), set.TotalStake())
	require.Equal(t, uint64(0), set.At(0).Index)
	require.Equal(t, uint64(2), set.At(1).Index)
	require.Equal(t, 2, set.Position(9))
	require.Equal(t, 0, set.Position(0))
	require.Equal(t, -1, set.Position(42))

	_, ok := set.ByIndex(9)
	require.True(t, ok)
}

func TestNewRejectsInvalid(t *testing.T) {
	ids := identities(t, 5, 5)
	ids[1].Index = ids[0].Index

	_, err := New(1, ids, 1)
	require.ErrorIs(t, err, ErrDuplicateIndex)

	ids = identities(t, 5, 1)
	_, err = New(1, ids, 2)
	require.ErrorIs(t, err, ErrInsufficientStake)

	ids = identities(t, 5)
	ids[0].PublicKey = []byte("nope")
	_, err = New(1, ids, 1)
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	ids = identities(t, ^uint64(0), 1)
	_, err = New(1, ids, 1)
	require.ErrorIs(t, err, ErrStakeOverflow)
}

func TestWeight(t *testing.T) {
	set, err := New(1, identities(t, 10, 20, 30), 1)
	require.NoError(t, err)

	b := NewBitset(set.Len())
	b.Set(0)
	b.Set(2)

	require.Equal(t, uint64(40), set.Weight(b))
	require.Equal(t, uint64(40), set.Threshold())
}

func TestHolderKeepsNewest(t *testing.T) {
	v1, err := New(1, identities(t, 1), 1)
	require.NoError(t, err)

	v2, err := New(2, identities(t, 1, 1), 1)
	require.NoError(t, err)

	h := NewHolder(v1)
	require.True(t, h.Store(v2))
	require.False(t, h.Store(v1))
	require.Equal(t, uint64(2), h.Load().Version())
}

func TestBitset(t *testing.T) {
	b := NewBitset(12)
	for _, pos := range []int{0, 2, 11, 12, -1} {
		b.Set(pos)
	}

	require.Equal(t, []int{0, 2, 11}, b.Positions())
	require.Equal(t, 3, b.Count())
	require.True(t, b.Has(11))
	require.False(t, b.Has(12))

	parsed, err := BitsetFromBytes(12, b.Bytes())
	require.NoError(t, err)
	require.Equal(t, b.Positions(), parsed.Positions())

	_, err = BitsetFromBytes(13, b.Bytes())
	require.NoError(t, err)

	_, err = BitsetFromBytes(9, b.Bytes())
	require.ErrorIs(t, err, ErrBitsetSize)

	stray := b.Bytes()
	stray[1] |= 0x80
	_, err = BitsetFromBytes(12, stray)
	require.ErrorIs(t, err, ErrBitsetSize)
}

func TestBitsetRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 200).Draw(t, "size")
		positions := rapid.SliceOfDistinct(rapid.IntRange(0, size-1), rapid.ID[int]).Draw(t, "positions")

		b := NewBitset(size)
		for _, p := range positions {
			b.Set(p)
		}

		parsed, err := BitsetFromBytes(size, b.Bytes())
		if err != nil {
			t.Fatalf("parse: %v", err)
		}

		if parsed.Count() != len(positions) {
			t.Fatalf("count %d, want %d", parsed.Count(), len(positions))
		}

		for _, p := range positions {
			if !parsed.Has(p) {
				t.Fatalf("position %d lost", p)
			}
		}
	})
}
