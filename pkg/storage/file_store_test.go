package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteHashesBytesOnDiskAndCopiesToServedDir(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(filepath.Join(root, "fallback"), filepath.Join(root, "served"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	data := []byte("%PDF-1.7 letter body")
	out, err := fs.Write(filepath.Join(root, "rule-location"), "PD_Notice_C26000013_20260301120000.pdf", data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Dir(out.Path) != filepath.Join(root, "rule-location") {
		t.Fatalf("unexpected path %s", out.Path)
	}
	onDisk, err := os.ReadFile(out.Path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	sum := sha256.Sum256(onDisk)
	if out.SHA256 != hex.EncodeToString(sum[:]) || out.Size != int64(len(onDisk)) {
		t.Fatalf("hash/size mismatch: %+v", out)
	}
	served, err := os.ReadFile(out.ServedPath)
	if err != nil || string(served) != string(data) {
		t.Fatalf("served copy: %q err=%v", served, err)
	}
}

func TestWriteFallsBackWhenLocationUnusable(t *testing.T) {
	root := t.TempDir()
	fallback := filepath.Join(root, "fallback")
	fs, err := NewFileStore(fallback, filepath.Join(root, "served"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	blocker := filepath.Join(root, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	for _, dir := range []string{"", filepath.Join(blocker, "sub")} {
		out, err := fs.Write(dir, "a.pdf", []byte("pdf"))
		if err != nil {
			t.Fatalf("write %q: %v", dir, err)
		}
		if filepath.Dir(out.Path) != fallback {
			t.Fatalf("dir %q: expected fallback, got %s", dir, out.Path)
		}
	}
}

func TestListNewestFirstSkipsHidden(t *testing.T) {
	root := t.TempDir()
	served := filepath.Join(root, "served")
	fs, err := NewFileStore(filepath.Join(root, "fb"), served)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	old := filepath.Join(served, "old.pdf")
	_ = os.WriteFile(old, []byte("1"), 0o644)
	_ = os.WriteFile(filepath.Join(served, "new.pdf"), []byte("22"), 0o644)
	_ = os.WriteFile(filepath.Join(served, ".tmp"), []byte("x"), 0o644)
	past := time.Now().Add(-time.Hour)
	_ = os.Chtimes(old, past, past)

	files, err := fs.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].Name != "new.pdf" || files[0].Size != 2 {
		t.Fatalf("unexpected listing: %+v", files)
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("/letters/", "C1", "a.pdf"); got != "letters/C1/a.pdf" {
		t.Fatalf("got %q", got)
	}
	if got := ObjectKey("", "C1", "a.pdf"); got != "C1/a.pdf" {
		t.Fatalf("got %q", got)
	}
}
