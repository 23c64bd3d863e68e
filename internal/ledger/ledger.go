// Package ledger is a validator's durable record of every attestation it has
// signed. It guarantees a validator never signs two different timestamps for
// the same message hash, across restarts.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"dato/internal/attestation"
	"dato/internal/storage"
)

// Storage key prefixes.
var (
	prefixTimestamp = []byte("t:") // t:<hash> -> encoded timestamp attestation
	prefixAbsence   = []byte("a:") // a:<hash> -> encoded unavailability attestation
	prefixLog       = []byte("l:") // l:<be64 ts><hash> -> empty, ordered log index
)

const (
	// DefaultCacheSize is the number of attestations kept in memory.
	DefaultCacheSize = 65536

	shardCount = 256
)

var (
	// ErrAlreadySeen is returned when asked to sign absence for an attested hash.
	ErrAlreadySeen = errors.New("ledger: message already attested")

	// ErrAbsenceRecorded is returned when a hash was declared absent under
	// the exclusive policy and can no longer be timestamped.
	ErrAbsenceRecorded = errors.New("ledger: absence already recorded")

	// ErrConflict is returned by Import when an entry contradicts local history.
	ErrConflict = errors.New("ledger: conflicting history")
)

// Policy controls how absence claims interact with later timestamp requests.
type Policy uint8

const (
	// PolicyIndependent keeps no record of absence claims. A validator may
	// later timestamp a message it previously declared absent.
	PolicyIndependent Policy = iota

	// PolicyExclusive records absence claims and refuses to timestamp
	// those hashes afterwards.
	PolicyExclusive
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyIndependent:
		return "independent"
	case PolicyExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses a configuration name.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "independent":
		return PolicyIndependent, nil
	case "exclusive", "":
		return PolicyExclusive, nil
	default:
		return 0, fmt.Errorf("unknown unavailability policy %q", s)
	}
}

// Ledger is the attestation ledger.
// All check-and-record operations on one hash are serialized by a shard lock
// selected from the first hash byte; distinct shards proceed in parallel.
type Ledger struct {
	db     *storage.Storage
	cache  *lru.Cache[attestation.Hash, *attestation.TimestampAttestation]
	shards [shardCount]sync.Mutex
}

// New creates a ledger on top of db.
func New(db *storage.Storage, cacheSize int) (*Ledger, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	cache, err := lru.New[attestation.Hash, *attestation.TimestampAttestation](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache:\n%w", err)
	}

	return &Ledger{db: db, cache: cache}, nil
}

// RecordIfAbsent returns the stored attestation for hash if one exists
// (fresh=false). Otherwise it calls sign while holding the hash's lock,
// persists the result and returns it with fresh=true.
func (l *Ledger) RecordIfAbsent(hash attestation.Hash, sign func() (*attestation.TimestampAttestation, error)) (*attestation.TimestampAttestation, bool, error) {
	mu := l.lock(hash)
	defer mu.Unlock()

	existing, err := l.get(hash)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		return existing, false, nil
	}

	absent, err := l.db.Has(key(prefixAbsence, hash))
	if err != nil {
		return nil, false, fmt.Errorf("check absence marker:\n%w", err)
	}

	if absent {
		return nil, false, ErrAbsenceRecorded
	}

	att, err := sign()
	if err != nil {
		return nil, false, fmt.Errorf("sign attestation:\n%w", err)
	}

	if err := l.put(att); err != nil {
		return nil, false, err
	}

	return att, true, nil
}

// RecordAbsence signs an absence claim for hash unless it has been attested.
// Under PolicyExclusive the first claim is persisted and bars any later
// timestamp attestation for hash.
func (l *Ledger) RecordAbsence(hash attestation.Hash, policy Policy, sign func() (*attestation.UnavailabilityAttestation, error)) (*attestation.UnavailabilityAttestation, error) {
	mu := l.lock(hash)
	defer mu.Unlock()

	existing, err := l.get(hash)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		return nil, ErrAlreadySeen
	}

	att, err := sign()
	if err != nil {
		return nil, fmt.Errorf("sign absence:\n%w", err)
	}

	if policy != PolicyExclusive {
		return att, nil
	}

	marker := key(prefixAbsence, hash)

	recorded, err := l.db.Has(marker)
	if err != nil {
		return nil, fmt.Errorf("check absence marker:\n%w", err)
	}

	if !recorded {
		if err := l.db.Set(marker, att.Encode()); err != nil {
			return nil, fmt.Errorf("persist absence marker:\n%w", err)
		}
	}

	return att, nil
}

// HasAttested reports whether a timestamp attestation exists for hash.
func (l *Ledger) HasAttested(hash attestation.Hash) (bool, error) {
	if l.cache.Contains(hash) {
		return true, nil
	}

	return l.db.Has(key(prefixTimestamp, hash))
}

// Get returns the stored timestamp attestation for hash, or nil.
func (l *Ledger) Get(hash attestation.Hash) (*attestation.TimestampAttestation, error) {
	return l.get(hash)
}

// Absence returns the recorded absence marker for hash, or nil.
func (l *Ledger) Absence(hash attestation.Hash) (*attestation.UnavailabilityAttestation, error) {
	data, err := l.db.Get(key(prefixAbsence, hash))
	if err != nil || data == nil {
		return nil, err
	}

	return attestation.DecodeUnavailability(data)
}

// LogPosition is a place in the timestamp-ordered log.
type LogPosition struct {
	Timestamp attestation.Timestamp // Timestamp is the attested time
	MsgHash   attestation.Hash      // MsgHash orders entries sharing a timestamp
}

// Range returns the attestations with start <= timestamp <= end in timestamp
// order, at most limit entries (0 means no limit).
func (l *Ledger) Range(start, end attestation.Timestamp, limit int) ([]*attestation.TimestampAttestation, error) {
	atts, _, err := l.RangeFrom(LogPosition{Timestamp: start}, end, limit)
	return atts, err
}

// RangeFrom returns up to limit attestations at or after from with a
// timestamp no later than end, in log order. When entries remain beyond
// limit, next is the position of the first one left out; otherwise nil.
func (l *Ledger) RangeFrom(from LogPosition, end attestation.Timestamp, limit int) ([]*attestation.TimestampAttestation, *LogPosition, error) {
	if end < from.Timestamp {
		return nil, nil, nil
	}

	lower := logKey(from.Timestamp, from.MsgHash)

	var upper []byte
	if end < ^uint64(0) {
		upper = logKey(end+1, attestation.Hash{})
	} else {
		upper = storage.PrefixEnd(prefixLog)
	}

	var (
		out  []*attestation.TimestampAttestation
		next *LogPosition
	)

	errLimit := errors.New("limit reached")

	err := l.db.IterateRange(lower, upper, func(k, _ []byte) error {
		var pos LogPosition
		pos.Timestamp = binary.BigEndian.Uint64(k[len(prefixLog):])
		copy(pos.MsgHash[:], k[len(prefixLog)+8:])

		if limit > 0 && len(out) >= limit {
			next = &pos
			return errLimit
		}

		att, err := l.get(pos.MsgHash)
		if err != nil {
			return err
		}

		if att != nil {
			out = append(out, att)
		}

		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, nil, fmt.Errorf("iterate log:\n%w", err)
	}

	return out, next, nil
}

// get reads through the cache into storage.
func (l *Ledger) get(hash attestation.Hash) (*attestation.TimestampAttestation, error) {
	if att, ok := l.cache.Get(hash); ok {
		return att, nil
	}

	data, err := l.db.Get(key(prefixTimestamp, hash))
	if err != nil {
		return nil, fmt.Errorf("read attestation:\n%w", err)
	}

	if data == nil {
		return nil, nil
	}

	att, err := attestation.DecodeTimestamp(data)
	if err != nil {
		return nil, fmt.Errorf("decode stored attestation:\n%w", err)
	}

	l.cache.Add(hash, att)

	return att, nil
}

// put persists an attestation and its log index atomically.
func (l *Ledger) put(att *attestation.TimestampAttestation) error {
	err := l.db.SetBatch([]storage.KeyValue{
		{Key: key(prefixTimestamp, att.MsgHash), Value: att.Encode()},
		{Key: logKey(att.Timestamp, att.MsgHash), Value: []byte{}},
	})
	if err != nil {
		return fmt.Errorf("persist attestation:\n%w", err)
	}

	l.cache.Add(att.MsgHash, att)

	return nil
}

// lock acquires and returns the shard mutex for hash.
func (l *Ledger) lock(hash attestation.Hash) *sync.Mutex {
	mu := &l.shards[hash[0]]
	mu.Lock()

	return mu
}

func key(prefix []byte, hash attestation.Hash) []byte {
	k := make([]byte, 0, len(prefix)+len(hash))
	k = append(k, prefix...)

	return append(k, hash[:]...)
}

func logKey(ts attestation.Timestamp, hash attestation.Hash) []byte {
	k := make([]byte, 0, len(prefixLog)+8+len(hash))
	k = append(k, prefixLog...)
	k = binary.BigEndian.AppendUint64(k, ts)

	return append(k, hash[:]...)
}
