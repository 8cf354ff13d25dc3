// Package snapshot persists the capsule collection as a single JSON array.
// Every save replaces the whole file atomically: the encoder writes to a
// temporary file in the same directory which is synced and renamed over the
// target on Close, so a crash mid-write never leaves a truncated snapshot
// behind.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"

	"github.com/haukened/chronosafe/internal/domain"
)

// FileName is the well-known snapshot file name inside the data directory.
const FileName = "capsules.json"

// ErrCorrupt wraps decode failures of an existing snapshot file.
var ErrCorrupt = errors.New("snapshot corrupt")

// File reads and writes a snapshot at a fixed path.
type File struct {
	path string
	perm os.FileMode
}

// New returns a File for <dir>/capsules.json. The directory must exist.
func New(dir string) (*File, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("snapshot dir is not a directory")
	}
	return &File{path: filepath.Join(dir, FileName), perm: 0o600}, nil
}

// Path returns the snapshot file path.
func (f *File) Path() string { return f.path }

// Load decodes the entire snapshot. A missing file yields os.ErrNotExist; an
// undecodable file or an invalid record yields an error wrapping ErrCorrupt.
func (f *File) Load(ctx context.Context) ([]domain.Capsule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G304: fixed file name under the configured data directory.
	r, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return decode(r)
}

func decode(r io.Reader) ([]domain.Capsule, error) {
	var out []domain.Capsule
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	seen := make(map[domain.CapsuleID]struct{}, len(out))
	for i, c := range out {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, i, err)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrCorrupt, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return out, nil
}

// Save encodes capsules and atomically replaces the snapshot file. The
// temporary file is always closed; on any error it is removed and the
// previous snapshot stays in place.
func (f *File) Save(ctx context.Context, capsules []domain.Capsule) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if capsules == nil {
		capsules = []domain.Capsule{}
	}
	w, err := atomicwriter.New(f.path, f.perm)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := w.Close(); err == nil {
			err = cErr
		}
	}()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(capsules)
}
