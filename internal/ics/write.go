package ics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxUniquify bounds the "name (n).ics" search.
const maxUniquify = 1000

// FileName renders pattern (a Go time layout) at now.
func FileName(pattern string, now time.Time) string {
	name := now.Format(pattern)
	if filepath.Ext(name) == "" {
		name += ".ics"
	}
	return name
}

// WriteFile stores data under dir using pattern rendered at now. An existing
// file is never overwritten: the name gets a " (1)", " (2)", ... suffix
// instead. Returns the path actually written.
func WriteFile(dir, pattern string, now time.Time, data string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	name := FileName(pattern, now)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; i <= maxUniquify; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)

		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		if err := WriteAtomic(path, data); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s after %d attempts", name, maxUniquify)
}

// WriteAtomic replaces path with data via a temp file and rename.
func WriteAtomic(path, data string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ics-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
