// Package garden reads and writes gardens: named directory trees that are
// the unit of replication.
//
// The sync engine only sees gardens through the Store interface. DirStore
// keeps each garden in its own subdirectory of a root directory.
package garden

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MetadataDir is the version-control directory inside every garden.
const MetadataDir = ".git"

// TempPrefix names the scratch files WriteFile renames into place.
const TempPrefix = ".gardensync-"

var (
	// ErrInvalidName is returned for garden names that are empty or not a
	// single path element.
	ErrInvalidName = errors.New("invalid garden name")

	// ErrInvalidPath is returned for file paths that escape their garden.
	ErrInvalidPath = errors.New("invalid garden path")

	// ErrNotFound is returned when a garden does not exist.
	ErrNotFound = errors.New("garden not found")
)

// FileInfo describes one file in a garden.
type FileInfo struct {
	Path    string // slash-separated, relative to the garden root
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
}

// Store is the filesystem collaborator the sync engine reads and writes
// gardens through.
type Store interface {
	List() ([]string, error)
	Walk(garden string, fn func(FileInfo) error) error
	ReadFile(garden, p string) ([]byte, error)
	WriteFile(garden, p string, data []byte, mode fs.FileMode, modTime time.Time) error
	Remove(garden, p string) error
	RemoveAll(garden, p string) error
	Stat(garden, p string) (FileInfo, error)
}

// DirStore stores gardens as subdirectories of Root.
type DirStore struct {
	Root string
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create gardens directory: %w", err)
	}
	return &DirStore{Root: root}, nil
}

// List returns garden names, sorted. Hidden directories are skipped.
func (s *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list gardens: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Walk calls fn for every regular file in the garden, metadata included,
// in lexical order.
func (s *DirStore) Walk(garden string, fn func(FileInfo) error) error {
	root, err := s.gardenDir(garden)
	if err != nil {
		return err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, garden)
		}
		return err
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return fn(FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			Mode:    info.Mode().Perm(),
			ModTime: info.ModTime(),
		})
	})
}

func (s *DirStore) ReadFile(garden, p string) ([]byte, error) {
	full, err := s.resolve(garden, p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// WriteFile writes data atomically, creating parent directories. A zero
// modTime leaves the filesystem's own timestamp.
func (s *DirStore) WriteFile(garden, p string, data []byte, mode fs.FileMode, modTime time.Time) error {
	full, err := s.resolve(garden, p)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", p, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", p, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(full, modTime, modTime); err != nil {
			return fmt.Errorf("failed to set mtime on %s: %w", p, err)
		}
	}
	return nil
}

// Remove deletes one file. A missing file is not an error.
func (s *DirStore) Remove(garden, p string) error {
	full, err := s.resolve(garden, p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// RemoveAll deletes p and everything under it.
func (s *DirStore) RemoveAll(garden, p string) error {
	full, err := s.resolve(garden, p)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

func (s *DirStore) Stat(garden, p string) (FileInfo, error) {
	full, err := s.resolve(garden, p)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Path:    CleanPath(p),
		Size:    info.Size(),
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
	}, nil
}

// Dir returns the on-disk directory of a garden.
func (s *DirStore) Dir(garden string) (string, error) {
	return s.gardenDir(garden)
}

func (s *DirStore) gardenDir(garden string) (string, error) {
	if err := ValidateName(garden); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, garden), nil
}

func (s *DirStore) resolve(garden, p string) (string, error) {
	root, err := s.gardenDir(garden)
	if err != nil {
		return "", err
	}
	clean := CleanPath(p)
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// ValidateName checks that name is a usable garden name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// CleanPath normalizes a garden-relative path. It returns "" for paths
// that are absolute or escape the garden.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(p, "/") {
		return ""
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return clean
}
