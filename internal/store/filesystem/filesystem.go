// Package filesystem manages the media directory: one file per photo, video
// or voice note, named by kind prefix plus a random token. Files are written
// under a ".part" name and renamed into place once complete, so a partially
// uploaded file never carries a managed extension.
package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/chronosafe/internal/domain"
)

// PartialExt marks files that are still being written.
const PartialExt = ".part"

// File describes a file in the media directory.
type File struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// MediaStore implements the media directory on the local filesystem.
type MediaStore struct {
	root string
}

// New returns a media store rooted at dir. The directory must already exist
// with secure permissions (0700 recommended).
func New(root string) (*MediaStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("media root is not a directory")
	}
	return &MediaStore{root: root}, nil
}

func (m *MediaStore) path(ref string) (string, error) {
	if err := domain.ValidateMediaRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(m.root, ref), nil
}

// Pending is a media file being written. Commit renames it to its final name;
// Discard removes it. Exactly one of them should be called.
type Pending struct {
	f     *os.File
	part  string
	final string
	Ref   string
}

// Write appends p to the pending file.
func (p *Pending) Write(b []byte) (int, error) { return p.f.Write(b) }

// Commit syncs and closes the file and moves it to its final name.
func (p *Pending) Commit() error {
	if err := p.f.Sync(); err != nil {
		_ = p.f.Close()
		_ = os.Remove(p.part)
		return err
	}
	if err := p.f.Close(); err != nil {
		_ = os.Remove(p.part)
		return err
	}
	return os.Rename(p.part, p.final)
}

// Discard closes and removes the pending file.
func (p *Pending) Discard() error {
	cErr := p.f.Close()
	rmErr := os.Remove(p.part)
	if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return rmErr
	}
	if cErr != nil && !errors.Is(cErr, os.ErrClosed) {
		return cErr
	}
	return nil
}

// Create opens a new pending file for media of the given kind.
func (m *MediaStore) Create(kind domain.MediaKind) (*Pending, error) {
	name, err := kind.FileName(uuid.NewString())
	if err != nil {
		return nil, err
	}
	final := filepath.Join(m.root, name)
	part := final + PartialExt
	// #nosec G304: name is built from a fixed prefix, a random UUID and a fixed extension.
	f, err := os.OpenFile(part, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Pending{f: f, part: part, final: final, Ref: name}, nil
}

// Exists reports whether ref names a regular file in the media directory.
func (m *MediaStore) Exists(ref string) bool {
	p, err := m.path(ref)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Open returns the file for ref and its size.
func (m *MediaStore) Open(ref string) (io.ReadCloser, int64, error) {
	p, err := m.path(ref)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p) // #nosec G304 path validated above
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Delete removes the media file ref. An empty ref is a no-op.
func (m *MediaStore) Delete(ref string) error {
	if ref == "" {
		return nil
	}
	p, err := m.path(ref)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// List returns every managed media file in the directory. Partial uploads and
// foreign files are left out.
func (m *MediaStore) List() ([]File, error) {
	return m.list(domain.IsManagedMedia)
}

// ListPartial returns the ".part" files left by uploads in progress or
// abandoned ones.
func (m *MediaStore) ListPartial() ([]File, error) {
	return m.list(func(name string) bool { return strings.HasSuffix(name, PartialExt) })
}

func (m *MediaStore) list(keep func(string) bool) ([]File, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var out []File
	for _, e := range entries {
		if !e.Type().IsRegular() || !keep(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		out = append(out, File{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}
