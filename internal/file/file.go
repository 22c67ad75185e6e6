package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const appDirPerm os.FileMode = 0o750

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v into filename through a temp file + rename.
func WriteJSONAtomic(filename string, v any) error {
	_, err := writeAtomic(filename, func(w io.Writer) (int64, error) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return 0, fmt.Errorf("encode json: %w", err)
		}
		return 0, nil
	})
	return err
}

// CopyAtomic streams reader into filename atomically and returns the number
// of bytes written.
func CopyAtomic(filename string, reader io.Reader) (int64, error) {
	return writeAtomic(filename, func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, reader)
		if err != nil {
			return n, fmt.Errorf("copy to temp: %w", err)
		}
		return n, nil
	})
}

func writeAtomic(filename string, write func(io.Writer) (int64, error)) (int64, error) {
	if filename == "" {
		return 0, errors.New("empty filename")
	}
	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()
	cleanup := func() {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
	}

	n, err := write(tempFile)
	if err != nil {
		cleanup()
		return n, err
	}
	// ensure data hits disk
	if err := tempFile.Sync(); err != nil {
		cleanup()
		return n, fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return n, fmt.Errorf("close temp: %w", err)
	}

	// remove existing file to avoid permission issues on Windows
	if _, err := os.Stat(filename); err == nil {
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return n, fmt.Errorf("rename temp: %w", err)
	}
	return n, nil
}

// SafeName reduces a client supplied file name to a single path element,
// falling back to fallback when nothing usable is left.
func SafeName(name, fallback string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	base := filepath.Base(name)
	if base == "/" || base == "." || base == ".." || base == "" {
		return fallback
	}
	return base
}
