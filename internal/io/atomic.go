package io

import (
	"os"
	"path/filepath"
)

// AppendLine appends one line to path, creating the file and its parent
// directory on first use. Callers serialize concurrent appends.
func AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteLinesAtomic replaces path with the given lines via temp file + rename,
// so a crash mid-rewrite never leaves a truncated original.
func WriteLinesAtomic(path string, lines [][]byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	for _, line := range lines {
		if _, err := file.Write(line); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := file.Write([]byte("\n")); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}
