// Package validatorset holds immutable, versioned snapshots of the validator
// registry and the participant bitsets that index into them.
package validatorset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"dato/internal/bls"
)

var (
	// ErrDuplicateIndex is returned when two identities share an index.
	ErrDuplicateIndex = errors.New("validatorset: duplicate validator index")

	// ErrInsufficientStake is returned for an identity below the minimum stake.
	ErrInsufficientStake = errors.New("validatorset: stake below minimum")

	// ErrInvalidPublicKey is returned for an identity with a malformed BLS key.
	ErrInvalidPublicKey = errors.New("validatorset: invalid BLS public key")

	// ErrStakeOverflow is returned when the total stake does not fit in 64 bits.
	ErrStakeOverflow = errors.New("validatorset: total stake overflows")
)

// Identity is a registered validator as seen by the core.
type Identity struct {
	Index     uint64 // Index is the registry-assigned, never reused index
	PublicKey []byte // PublicKey is the compressed BLS public key
	Stake     uint64 // Stake is the validator's voting weight
	Socket    string // Socket is the validator's network address
}

// Set is an immutable snapshot of the validator registry.
// Identities are ordered by ascending Index; a validator's position in that
// order is its bit in a participant Bitset.
type Set struct {
	version    uint64
	identities []Identity
	positions  map[uint64]int
	totalStake uint64
}

// New builds a snapshot. identities may be in any order.
func New(version uint64, identities []Identity, minStake uint64) (*Set, error) {
	sorted := make([]Identity, len(identities))
	copy(sorted, identities)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	s := &Set{
		version:    version,
		identities: sorted,
		positions:  make(map[uint64]int, len(sorted)),
	}

	for pos, id := range sorted {
		if _, dup := s.positions[id.Index]; dup {
			return nil, fmt.Errorf("index %d:\n%w", id.Index, ErrDuplicateIndex)
		}

		if id.Stake < minStake || id.Stake == 0 {
			return nil, fmt.Errorf("index %d has stake %d, minimum %d:\n%w", id.Index, id.Stake, minStake, ErrInsufficientStake)
		}

		if !bls.ValidPublicKey(id.PublicKey) {
			return nil, fmt.Errorf("index %d:\n%w", id.Index, ErrInvalidPublicKey)
		}

		if s.totalStake > math.MaxUint64-id.Stake {
			return nil, ErrStakeOverflow
		}

		s.positions[id.Index] = pos
		s.totalStake += id.Stake

		sorted[pos].PublicKey = append([]byte(nil), id.PublicKey...)
	}

	return s, nil
}

// Version returns the snapshot version.
func (s *Set) Version() uint64 {
	return s.version
}

// Len returns the number of validators.
func (s *Set) Len() int {
	return len(s.identities)
}

// TotalStake returns the sum of all stakes.
func (s *Set) TotalStake() uint64 {
	return s.totalStake
}

// Threshold returns the quorum weight, ceil(2/3 * totalStake).
func (s *Set) Threshold() uint64 {
	return QuorumThreshold(s.totalStake)
}

// QuorumThreshold returns ceil(2/3 * total) without overflowing.
func QuorumThreshold(total uint64) uint64 {
	return total - total/3
}

// ByIndex returns the identity with the given registry index.
func (s *Set) ByIndex(index uint64) (Identity, bool) {
	pos, ok := s.positions[index]
	if !ok {
		return Identity{}, false
	}

	return s.identities[pos], true
}

// Position returns the bitset position of a registry index, or -1.
func (s *Set) Position(index uint64) int {
	if pos, ok := s.positions[index]; ok {
		return pos
	}

	return -1
}

// At returns the identity at a bitset position.
func (s *Set) At(pos int) Identity {
	return s.identities[pos]
}

// Identities returns a copy of the ordered identities.
func (s *Set) Identities() []Identity {
	out := make([]Identity, len(s.identities))
	copy(out, s.identities)

	return out
}

// Weight sums the stake of every position set in b.
func (s *Set) Weight(b Bitset) uint64 {
	var total uint64

	for _, pos := range b.Positions() {
		if pos < len(s.identities) {
			total += s.identities[pos].Stake
		}
	}

	return total
}

// Holder publishes the current snapshot to concurrent readers.
type Holder struct {
	current atomic.Pointer[Set]
}

// NewHolder creates a holder seeded with set.
func NewHolder(set *Set) *Holder {
	h := &Holder{}
	h.current.Store(set)

	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Set {
	return h.current.Load()
}

// Store replaces the snapshot if set is newer. Returns true if replaced.
func (h *Holder) Store(set *Set) bool {
	for {
		old := h.current.Load()
		if old != nil && set.version <= old.version {
			return false
		}

		if h.current.CompareAndSwap(old, set) {
			return true
		}
	}
}
