package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultOutputDir receives letters whose configured location is unusable.
const DefaultOutputDir = "GeneratedLetters"

// FileStore writes rendered letters to disk and mirrors them into the
// directory the portal serves for browsing.
type FileStore struct {
	fallbackDir string
	servedDir   string
}

// Written describes a file after it landed on disk. Size and SHA256 are
// computed from the bytes read back from Path.
type Written struct {
	Path       string
	ServedPath string
	Size       int64
	SHA256     string
}

// FileInfo is one entry of the served directory listing.
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// NewFileStore creates both directories if missing.
func NewFileStore(fallbackDir, servedDir string) (*FileStore, error) {
	if strings.TrimSpace(fallbackDir) == "" {
		fallbackDir = DefaultOutputDir
	}
	if strings.TrimSpace(servedDir) == "" {
		return nil, errors.New("storage: served dir is required")
	}
	for _, dir := range []string{fallbackDir, servedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	return &FileStore{fallbackDir: fallbackDir, servedDir: servedDir}, nil
}

func (f *FileStore) ServedDir() string { return f.servedDir }

// Write stores data as name under dir, falling back to the default output
// directory when dir is blank or cannot be written, then copies the file
// into the served directory.
func (f *FileStore) Write(dir, name string, data []byte) (Written, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return Written{}, errors.New("storage: file name is required")
	}
	path, err := f.writeWithFallback(dir, name, data)
	if err != nil {
		return Written{}, err
	}
	stored, err := os.ReadFile(path)
	if err != nil {
		return Written{}, fmt.Errorf("storage: read back %s: %w", path, err)
	}
	sum := sha256.Sum256(stored)
	out := Written{Path: path, Size: int64(len(stored)), SHA256: hex.EncodeToString(sum[:])}

	served := filepath.Join(f.servedDir, name)
	if !samePath(served, path) {
		if err := copyFile(path, served); err != nil {
			return Written{}, fmt.Errorf("storage: copy to served dir: %w", err)
		}
	}
	out.ServedPath = served
	return out, nil
}

func (f *FileStore) writeWithFallback(dir, name string, data []byte) (string, error) {
	dir = strings.TrimSpace(dir)
	if usableDir(dir) {
		path := filepath.Join(dir, name)
		err := writeFileAtomic(path, data)
		if err == nil {
			return path, nil
		}
		slog.Warn("letter output dir unwritable, using fallback", "dir", dir, "fallback", f.fallbackDir, "err", err)
	}
	path := filepath.Join(f.fallbackDir, name)
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("storage: write %s: %w", path, err)
	}
	return path, nil
}

func usableDir(dir string) bool {
	return dir != "" && !strings.ContainsRune(dir, 0)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data)
}

func samePath(a, b string) bool {
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && aa == bb
}

// List returns the served directory's regular files, newest first.
func (f *FileStore) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(f.servedDir)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", f.servedDir, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), LastModified: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
