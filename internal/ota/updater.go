package ota

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyImage is returned by Commit when no bytes were written.
var ErrEmptyImage = errors.New("ota: empty firmware image")

// ErrChecksumMismatch is returned by Commit when the image does not
// match the expected SHA-256.
var ErrChecksumMismatch = errors.New("ota: firmware checksum mismatch")

// Updater opens a writer for a new firmware image.
type Updater interface {
	Open(req Request) (UpdateWriter, error)
}

// UpdateWriter receives one firmware image. Exactly one of Commit or
// Abort is called when the download ends.
type UpdateWriter interface {
	Write(p []byte) (int, error)
	// Commit verifies the image and makes it the one booted next.
	Commit() error
	// Abort discards everything written.
	Abort() error
}

// FileUpdater stages images next to Path and renames them over it on
// commit. Path is the executable the device runs after a restart.
type FileUpdater struct {
	Path string
}

// Open implements [Updater]. A stale partial image left behind by a
// power loss is truncated.
func (u *FileUpdater) Open(req Request) (UpdateWriter, error) {
	if u.Path == "" {
		return nil, errors.New("ota: no image path configured")
	}
	var want []byte
	if req.SHA256 != "" {
		var err error
		want, err = hex.DecodeString(strings.TrimSpace(req.SHA256))
		if err != nil || len(want) != sha256.Size {
			return nil, fmt.Errorf("ota: invalid sha256 %q", req.SHA256)
		}
	}

	partial := u.Path + ".partial"
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open staging image: %w", err)
	}
	return &fileWriter{
		f:      f,
		target: u.Path,
		sum:    sha256.New(),
		want:   want,
	}, nil
}

type fileWriter struct {
	f      *os.File
	target string
	sum    hash.Hash
	want   []byte
	n      int64
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.sum.Write(p[:n])
	w.n += int64(n)
	if err != nil {
		return n, fmt.Errorf("write staging image: %w", err)
	}
	return n, nil
}

func (w *fileWriter) Commit() error {
	name := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("sync staging image: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close staging image: %w", err)
	}
	if w.n == 0 {
		os.Remove(name)
		return ErrEmptyImage
	}
	if w.want != nil {
		if got := w.sum.Sum(nil); !bytes.Equal(got, w.want) {
			os.Remove(name)
			return fmt.Errorf("%w: got %x", ErrChecksumMismatch, got)
		}
	}
	if err := os.Chmod(name, 0o755); err != nil {
		os.Remove(name)
		return fmt.Errorf("mark image executable: %w", err)
	}
	if err := os.Rename(name, w.target); err != nil {
		os.Remove(name)
		return fmt.Errorf("install image: %w", err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	return w.discard()
}

func (w *fileWriter) discard() error {
	name := w.f.Name()
	w.f.Close()
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staging image: %w", err)
	}
	return nil
}
