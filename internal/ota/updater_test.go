package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeImage(t *testing.T, u *FileUpdater, req Request, chunks ...string) UpdateWriter {
	t.Helper()
	w, err := u.Open(req)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, c := range chunks {
		if _, err := w.Write([]byte(c)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	return w
}

func TestFileUpdater_Commit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin", "otanode")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("old"), 0o755); err != nil {
		t.Fatal(err)
	}
	u := &FileUpdater{Path: path}

	w := writeImage(t, u, Request{URL: "http://x/fw.bin"}, "new ", "firmware")
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new firmware" {
		t.Errorf("image = %q, want %q", got, "new firmware")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("image mode = %v, want executable", info.Mode())
	}
	if _, err := os.Stat(path + ".partial"); !errors.Is(err, os.ErrNotExist) {
		t.Error("staging file left behind after commit")
	}
}

func TestFileUpdater_Checksum(t *testing.T) {
	image := "signed firmware"
	sum := sha256.Sum256([]byte(image))
	good := hex.EncodeToString(sum[:])
	path := filepath.Join(t.TempDir(), "otanode")
	u := &FileUpdater{Path: path}

	w := writeImage(t, u, Request{SHA256: good}, image)
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit() with matching digest error = %v", err)
	}

	other := sha256.Sum256([]byte("something else"))
	w = writeImage(t, u, Request{SHA256: hex.EncodeToString(other[:])}, "tampered")
	if err := w.Commit(); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Commit() error = %v, want ErrChecksumMismatch", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != image {
		t.Errorf("installed image = %q after rejected commit, want previous image", got)
	}

	if _, err := u.Open(Request{SHA256: "not-hex"}); err == nil {
		t.Error("Open() accepted an invalid digest")
	}
}

func TestFileUpdater_EmptyImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otanode")
	w := writeImage(t, &FileUpdater{Path: path}, Request{})
	if err := w.Commit(); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("Commit() error = %v, want ErrEmptyImage", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("empty image was installed")
	}
}

func TestFileUpdater_Abort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otanode")
	w := writeImage(t, &FileUpdater{Path: path}, Request{}, "half an ima")
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	for _, p := range []string{path, path + ".partial"} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s exists after abort", filepath.Base(p))
		}
	}
}

func TestFileUpdater_NoPath(t *testing.T) {
	if _, err := (&FileUpdater{}).Open(Request{}); err == nil {
		t.Error("Open() without a path should fail")
	}
}
