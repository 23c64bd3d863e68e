package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"dato/internal/attestation"
	"dato/internal/storage"
)

// Interchange stream layout, zstd-compressed:
//
//	[8B magic] { [1B kind] [144B attestation] }* [1B kindEnd] [32B blake3 checksum]
//
// The checksum covers every byte before it.
const (
	kindTimestamp = 0x01
	kindAbsence   = 0x02
	kindEnd       = 0xFF
)

var interchangeMagic = []byte("DATOLDG1")

// ErrBadInterchange is returned for a stream that is not a valid export.
var ErrBadInterchange = errors.New("ledger: invalid interchange data")

// Export writes every timestamp attestation and absence marker to w.
func (l *Ledger) Export(w io.Writer) (int, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create encoder:\n%w", err)
	}

	hasher := blake3.New()
	out := io.MultiWriter(enc, hasher)
	count := 0

	if _, err := out.Write(interchangeMagic); err != nil {
		enc.Close()
		return 0, err
	}

	writeEntries := func(prefix []byte, kind byte) error {
		return l.db.IteratePrefix(prefix, func(_, value []byte) error {
			if _, err := out.Write([]byte{kind}); err != nil {
				return err
			}

			if _, err := out.Write(value); err != nil {
				return err
			}

			count++

			return nil
		})
	}

	if err := writeEntries(prefixTimestamp, kindTimestamp); err != nil {
		enc.Close()
		return 0, fmt.Errorf("export attestations:\n%w", err)
	}

	if err := writeEntries(prefixAbsence, kindAbsence); err != nil {
		enc.Close()
		return 0, fmt.Errorf("export absence markers:\n%w", err)
	}

	if _, err := out.Write([]byte{kindEnd}); err != nil {
		enc.Close()
		return 0, err
	}

	var checksum [32]byte
	hasher.Sum(checksum[:0])

	if _, err := enc.Write(checksum[:]); err != nil {
		enc.Close()
		return 0, err
	}

	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("flush encoder:\n%w", err)
	}

	return count, nil
}

// Owner identifies the validator a ledger signs for.
type Owner struct {
	Index     uint64 // Index is the validator's registry index
	PublicKey []byte // PublicKey is the validator's BLS public key
}

// owns reports whether owner issued an attestation with this index and signature.
func (o Owner) owns(index uint64, verify func([]byte) bool) bool {
	return index == o.Index && verify(o.PublicKey)
}

// Import merges an exported history into the ledger. Every entry must be
// signed by owner. Entries already present are skipped. A foreign entry, a
// timestamp that differs from the local one, or one that collides with an
// absence marker fails the whole import with ErrConflict before anything is
// written.
func (l *Ledger) Import(r io.Reader, owner Owner) (int, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create decoder:\n%w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return 0, fmt.Errorf("decompress:\n%w", err)
	}

	stamps, absences, err := parseInterchange(data)
	if err != nil {
		return 0, err
	}

	for _, att := range stamps {
		if !owner.owns(att.ValidatorIndex, att.Verify) {
			return 0, fmt.Errorf("hash %s attested by validator %d, not %d or badly signed:\n%w",
				att.MsgHash, att.ValidatorIndex, owner.Index, ErrConflict)
		}
	}

	for hash, att := range absences {
		if !owner.owns(att.ValidatorIndex, att.Verify) {
			return 0, fmt.Errorf("hash %s claimed absent by validator %d, not %d or badly signed:\n%w",
				hash, att.ValidatorIndex, owner.Index, ErrConflict)
		}
	}

	for i := range l.shards {
		l.shards[i].Lock()
		defer l.shards[i].Unlock()
	}

	var pairs []storage.KeyValue

	for _, att := range stamps {
		existing, err := l.get(att.MsgHash)
		if err != nil {
			return 0, err
		}

		if existing != nil {
			if !bytes.Equal(existing.Encode(), att.Encode()) {
				return 0, fmt.Errorf("hash %s signed at %d locally, %d in import:\n%w",
					att.MsgHash, existing.Timestamp, att.Timestamp, ErrConflict)
			}

			continue
		}

		absent, err := l.db.Has(key(prefixAbsence, att.MsgHash))
		if err != nil {
			return 0, err
		}

		if absent || absences[att.MsgHash] != nil {
			return 0, fmt.Errorf("hash %s is both attested and absent:\n%w", att.MsgHash, ErrConflict)
		}

		pairs = append(pairs,
			storage.KeyValue{Key: key(prefixTimestamp, att.MsgHash), Value: att.Encode()},
			storage.KeyValue{Key: logKey(att.Timestamp, att.MsgHash), Value: []byte{}},
		)
	}

	for hash, att := range absences {
		existing, err := l.get(hash)
		if err != nil {
			return 0, err
		}

		if existing != nil {
			return 0, fmt.Errorf("hash %s is both attested and absent:\n%w", hash, ErrConflict)
		}

		recorded, err := l.db.Has(key(prefixAbsence, hash))
		if err != nil {
			return 0, err
		}

		if !recorded {
			pairs = append(pairs, storage.KeyValue{Key: key(prefixAbsence, hash), Value: att.Encode()})
		}
	}

	if len(pairs) == 0 {
		return 0, nil
	}

	if err := l.db.SetBatch(pairs); err != nil {
		return 0, fmt.Errorf("write imported entries:\n%w", err)
	}

	return len(stamps) + len(absences), nil
}

// parseInterchange validates the checksum and splits the entries by kind.
func parseInterchange(data []byte) ([]*attestation.TimestampAttestation, map[attestation.Hash]*attestation.UnavailabilityAttestation, error) {
	if len(data) < len(interchangeMagic)+1+32 || !bytes.Equal(data[:len(interchangeMagic)], interchangeMagic) {
		return nil, nil, fmt.Errorf("missing header:\n%w", ErrBadInterchange)
	}

	body := data[:len(data)-32]
	want := blake3.Sum256(body)

	if !bytes.Equal(want[:], data[len(data)-32:]) {
		return nil, nil, fmt.Errorf("checksum mismatch:\n%w", ErrBadInterchange)
	}

	var stamps []*attestation.TimestampAttestation
	absences := make(map[attestation.Hash]*attestation.UnavailabilityAttestation)
	seen := make(map[attestation.Hash]bool)

	pos := len(interchangeMagic)
	for {
		if pos >= len(body) {
			return nil, nil, fmt.Errorf("missing end marker:\n%w", ErrBadInterchange)
		}

		kind := body[pos]
		pos++

		if kind == kindEnd {
			break
		}

		if pos+attestation.EncodedSize > len(body) {
			return nil, nil, fmt.Errorf("truncated entry at %d:\n%w", pos, ErrBadInterchange)
		}

		entry := body[pos : pos+attestation.EncodedSize]
		pos += attestation.EncodedSize

		switch kind {
		case kindTimestamp:
			att, err := attestation.DecodeTimestamp(entry)
			if err != nil {
				return nil, nil, err
			}

			if seen[att.MsgHash] {
				return nil, nil, fmt.Errorf("hash %s exported twice:\n%w", att.MsgHash, ErrConflict)
			}

			seen[att.MsgHash] = true
			stamps = append(stamps, att)
		case kindAbsence:
			att, err := attestation.DecodeUnavailability(entry)
			if err != nil {
				return nil, nil, err
			}

			absences[att.MsgHash] = att
		default:
			return nil, nil, fmt.Errorf("unknown entry kind 0x%02x:\n%w", kind, ErrBadInterchange)
		}
	}

	if pos != len(body) {
		return nil, nil, fmt.Errorf("trailing data after end marker:\n%w", ErrBadInterchange)
	}

	return stamps, absences, nil
}
