// Package registry reads validator identities from the external registry and
// turns them into validator set snapshots. The core only reads: registration,
// deposits and withdrawals happen on the registry itself.
package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"

	"dato/internal/validatorset"
)

var (
	// ErrAlreadyRegistered is returned when an address registers twice.
	ErrAlreadyRegistered = errors.New("registry: validator already registered")

	// ErrNotRegistered is returned for an address or index with no validator.
	ErrNotRegistered = errors.New("registry: validator not registered")

	// ErrInsufficientStake is returned when a registration is below the minimum stake.
	ErrInsufficientStake = errors.New("registry: stake below minimum")

	// ErrValueMismatch is returned when the attached value differs from the declared stake.
	ErrValueMismatch = errors.New("registry: attached value does not match stake")

	// ErrTransferFailed is returned when paying out a withdrawal fails.
	ErrTransferFailed = errors.New("registry: stake transfer failed")
)

// Source produces validator set snapshots.
type Source interface {
	Snapshot(ctx context.Context) (*validatorset.Set, error)
}

// Notifier is a Source that can signal registry changes, letting a Watcher
// refresh without waiting for its poll interval.
type Notifier interface {
	Source
	Changes(ctx context.Context) (<-chan struct{}, error)
}

// Record is a registered validator.
type Record struct {
	Address   common.Address // Address is the validator's account
	Index     uint64         // Index is assigned at registration and never reused
	PublicKey []byte         // PublicKey is the compressed BLS public key
	Stake     uint64         // Stake is the deposited amount
	Socket    string         // Socket is the validator's network address
}

// identity converts a record into the core's view of a validator.
func (r Record) identity() validatorset.Identity {
	return validatorset.Identity{
		Index:     r.Index,
		PublicKey: r.PublicKey,
		Stake:     r.Stake,
		Socket:    r.Socket,
	}
}

// versioner numbers the distinct identity lists read from a registry that
// has no version of its own. The version only moves when the content does.
type versioner struct {
	mu      sync.Mutex
	digest  [32]byte
	version uint64
}

// next returns the version for ids, bumping it if ids changed since the last call.
func (v *versioner) next(ids []validatorset.Identity) uint64 {
	d := digest(ids)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.version == 0 || d != v.digest {
		v.digest = d
		v.version++
	}

	return v.version
}

// digest hashes identities in index order.
func digest(ids []validatorset.Identity) [32]byte {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, func(a, b validatorset.Identity) int {
		switch {
		case a.Index < b.Index:
			return -1
		case a.Index > b.Index:
			return 1
		default:
			return 0
		}
	})

	h := blake3.New()
	var buf [8]byte

	for _, id := range sorted {
		binary.BigEndian.PutUint64(buf[:], id.Index)
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], id.Stake)
		h.Write(buf[:])
		binary.BigEndian.PutUint32(buf[:4], uint32(len(id.PublicKey)))
		h.Write(buf[:4])
		h.Write(id.PublicKey)
		binary.BigEndian.PutUint32(buf[:4], uint32(len(id.Socket)))
		h.Write(buf[:4])
		h.Write([]byte(id.Socket))
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))

	return out
}
