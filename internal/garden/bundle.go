package garden

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/klauspost/compress/zip"
)

// Entry is one file extracted from a bundle.
type Entry struct {
	Path    string
	Data    []byte
	Mode    fs.FileMode
	ModTime time.Time
}

// Snapshot zips every file of the garden, version-control metadata
// included, skipping paths the manifest ignores.
func Snapshot(store Store, garden string) ([]byte, error) {
	manifest, err := LoadManifest(store, garden)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err = store.Walk(garden, func(fi FileInfo) error {
		if manifest.Ignored(fi.Path) {
			return nil
		}
		data, err := store.ReadFile(garden, fi.Path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", fi.Path, err)
		}

		header := &zip.FileHeader{
			Name:     fi.Path,
			Method:   zip.Deflate,
			Modified: fi.ModTime,
		}
		header.SetMode(fi.Mode)

		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", fi.Path, err)
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to snapshot %s: %w", garden, err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish snapshot of %s: %w", garden, err)
	}
	return buf.Bytes(), nil
}

// Extract decompresses a bundle. It fails without returning partial
// results if the bundle is corrupt or names a path outside the garden.
func Extract(bundle []byte) ([]Entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}

	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		clean := CleanPath(f.Name)
		if clean == "" {
			return nil, fmt.Errorf("%w: bundle entry %q", ErrInvalidPath, f.Name)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open bundle entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", f.Name, err)
		}

		entries = append(entries, Entry{
			Path:    clean,
			Data:    data,
			Mode:    f.Mode().Perm(),
			ModTime: f.Modified,
		})
	}
	return entries, nil
}

// ResetMetadata removes the garden's version-control directory so an
// incoming snapshot's metadata replaces it wholesale.
func ResetMetadata(store Store, garden string) error {
	if err := store.RemoveAll(garden, MetadataDir); err != nil {
		return fmt.Errorf("failed to reset metadata of %s: %w", garden, err)
	}
	return nil
}

// FileCount returns the number of files in a garden, metadata excluded.
func FileCount(store Store, garden string) (int, error) {
	n := 0
	err := store.Walk(garden, func(fi FileInfo) error {
		if !IsMetadata(fi.Path) {
			n++
		}
		return nil
	})
	return n, err
}
