// Package spool writes uploads to uniquely named temp files that callers
// release once the request is done.
package spool

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxNameLen = 64

// Spooler owns a directory shared by concurrent requests.
type Spooler struct {
	dir string
}

// New creates dir if needed.
func New(dir string) (*Spooler, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("spool directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Spooler{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *Spooler) Dir() string { return s.dir }

// File is a spooled upload. Remove must be called on every path.
type File struct {
	Path string
	Size int64
}

// Spool copies src into a new file named after filename plus a random prefix.
func (s *Spooler) Spool(src io.Reader, filename string) (*File, error) {
	path := filepath.Join(s.dir, uuid.NewString()+"-"+sanitize(filename))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	f := &File{Path: path}
	f.Size, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = f.Remove()
		return nil, fmt.Errorf("write spool file: %w", err)
	}
	return f, nil
}

// Open returns a fresh reader positioned at the start of the file.
func (f *File) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// Remove deletes the file. Removing an already deleted file is not an error.
func (f *File) Remove() error {
	if f == nil {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func sanitize(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = "upload"
	}
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	return out
}
