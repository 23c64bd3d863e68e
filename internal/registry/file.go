package registry

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"dato/internal/validatorset"
)

// fileColumns is the CSV layout: index,pubkey,stake,socket.
const fileColumns = 4

// File is a registry kept in a CSV file, one validator per line.
// Lines starting with '#' are comments. The file is re-read on every
// snapshot, so edits are picked up by a polling Watcher.
type File struct {
	path     string
	minStake uint64
	versions versioner
}

// NewFile creates a registry backed by the CSV file at path.
func NewFile(path string, minStake uint64) *File {
	return &File{path: path, minStake: minStake}
}

// Snapshot reads the file and returns its validators as a set.
func (f *File) Snapshot(_ context.Context) (*validatorset.Set, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open registry file:\n%w", err)
	}
	defer file.Close()

	ids, err := ParseCSV(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s:\n%w", f.path, err)
	}

	return validatorset.New(f.versions.next(ids), ids, f.minStake)
}

// ParseCSV reads identities from index,pubkey,stake,socket lines.
// The public key is hex encoded.
func ParseCSV(r io.Reader) ([]validatorset.Identity, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = fileColumns
	reader.TrimLeadingSpace = true

	var ids []validatorset.Identity

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return ids, nil
		}

		if err != nil {
			return nil, err
		}

		id, err := parseRow(row)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ids = append(ids, id)
	}
}

// parseRow converts one CSV row.
func parseRow(row []string) (validatorset.Identity, error) {
	index, err := strconv.ParseUint(row[0], 10, 64)
	if err != nil {
		return validatorset.Identity{}, fmt.Errorf("index %q: %w", row[0], err)
	}

	pubkey, err := hex.DecodeString(strings.TrimPrefix(row[1], "0x"))
	if err != nil {
		return validatorset.Identity{}, fmt.Errorf("pubkey: %w", err)
	}

	stake, err := strconv.ParseUint(row[2], 10, 64)
	if err != nil {
		return validatorset.Identity{}, fmt.Errorf("stake %q: %w", row[2], err)
	}

	return validatorset.Identity{
		Index:     index,
		PublicKey: pubkey,
		Stake:     stake,
		Socket:    row[3],
	}, nil
}

// FormatCSV writes identities in the layout ParseCSV reads.
func FormatCSV(w io.Writer, ids []validatorset.Identity) error {
	writer := csv.NewWriter(w)

	for _, id := range ids {
		row := []string{
			strconv.FormatUint(id.Index, 10),
			hex.EncodeToString(id.PublicKey),
			strconv.FormatUint(id.Stake, 10),
			id.Socket,
		}

		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()

	return writer.Error()
}
