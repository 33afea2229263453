package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extract unpacks an uploaded zip archive into dest, overwriting existing
// files. The archive bytes are staged as a temporary file inside dest and
// removed afterwards. On failure the destination is left in an indeterminate
// state; the caller is expected to validate the tree immediately and purge it
// on rejection rather than trust a partial extraction.
func Extract(data []byte, dest string) error {
	if len(data) == 0 {
		return fmt.Errorf("empty archive")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	tmp, err := os.CreateTemp(dest, "upload-*.zip")
	if err != nil {
		return fmt.Errorf("stage archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	reader, err := zip.OpenReader(tmpPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := extractEntry(file, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(file *zip.File, dest string) error {
	target, err := sanitizePath(dest, file.Name)
	if err != nil {
		return err
	}
	if file.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", file.Name, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", file.Name, err)
	}
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode().Perm()|0o600)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", file.Name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extract entry %s: %w", file.Name, err)
	}
	return dst.Close()
}

// sanitizePath rejects entries that would escape the destination (zip-slip).
func sanitizePath(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal archive path %q", name)
	}
	return filepath.Join(dest, cleaned), nil
}
