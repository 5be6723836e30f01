package garden

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

func newStore(t *testing.T) *DirStore {
	t.Helper()
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}
	return s
}

func write(t *testing.T, s Store, garden, p, content string) {
	t.Helper()
	if err := s.WriteFile(garden, p, []byte(content), 0o644, time.Time{}); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", p, err)
	}
}

func files(t *testing.T, s Store, garden string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := s.Walk(garden, func(fi FileInfo) error {
		data, err := s.ReadFile(garden, fi.Path)
		out[fi.Path] = string(data)
		return err
	})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	return out
}

func TestStoreRejectsEscapingPaths(t *testing.T) {
	s := newStore(t)

	for _, p := range []string{"../outside", "/etc/passwd", "a/../../b", ".", ""} {
		if err := s.WriteFile("notes", p, []byte("x"), 0, time.Time{}); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("WriteFile(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}
	for _, name := range []string{"", "..", "a/b", ".hidden"} {
		if err := s.WriteFile(name, "f", []byte("x"), 0, time.Time{}); !errors.Is(err, ErrInvalidName) {
			t.Errorf("WriteFile in garden %q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestStoreListAndModTime(t *testing.T) {
	s := newStore(t)
	write(t, s, "recipes", "soup.md", "leek")
	write(t, s, "notes", "daily/today.md", "hi")

	names, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 2 || names[0] != "notes" || names[1] != "recipes" {
		t.Errorf("Expected [notes recipes], got %v", names)
	}

	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.WriteFile("notes", "dated.md", []byte("x"), 0o600, when); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	fi, err := s.Stat("notes", "dated.md")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !fi.ModTime.Equal(when) {
		t.Errorf("Expected mtime %v, got %v", when, fi.ModTime)
	}
	if fi.Mode != 0o600 {
		t.Errorf("Expected mode 0600, got %v", fi.Mode)
	}
}

func TestSnapshotExtractRoundTrip(t *testing.T) {
	src := newStore(t)
	write(t, src, "notes", "a.md", "alpha")
	write(t, src, "notes", "sub/b.md", "beta")
	write(t, src, "notes", ".git/HEAD", "ref: refs/heads/main\n")
	write(t, src, "notes", "scratch.tmp", "ignored")
	if err := SaveManifest(src, "notes", Manifest{Name: "notes", Ignore: []string{"*.tmp"}}); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}

	bundle, err := Snapshot(src, "notes")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	entries, err := Extract(bundle)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	dst := newStore(t)
	for _, e := range entries {
		if err := dst.WriteFile("notes", e.Path, e.Data, e.Mode, e.ModTime); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	got := files(t, dst, "notes")
	want := files(t, src, "notes")
	delete(want, "scratch.tmp")

	if len(got) != len(want) {
		t.Fatalf("Expected %d files, got %d: %v", len(want), len(got), got)
	}
	for p, content := range want {
		if got[p] != content {
			t.Errorf("%s: expected %q, got %q", p, content, got[p])
		}
	}
	if _, ok := got[".git/HEAD"]; !ok {
		t.Error("Snapshot must include version-control metadata")
	}
}

func TestExtractRejectsZipSlip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("../../evil")
	_, _ = w.Write([]byte("x"))
	_ = zw.Close()

	if _, err := Extract(buf.Bytes()); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}
	if _, err := Extract([]byte("not a zip")); err == nil {
		t.Error("Expected error for corrupt bundle")
	}
}

func TestResetMetadata(t *testing.T) {
	s := newStore(t)
	write(t, s, "notes", ".git/HEAD", "x")
	write(t, s, "notes", ".git/refs/heads/main", "y")
	write(t, s, "notes", "keep.md", "z")

	if err := ResetMetadata(s, "notes"); err != nil {
		t.Fatalf("ResetMetadata failed: %v", err)
	}
	got := files(t, s, "notes")
	if len(got) != 1 || got["keep.md"] != "z" {
		t.Errorf("Expected only keep.md to remain, got %v", got)
	}

	n, err := FileCount(s, "notes")
	if err != nil || n != 1 {
		t.Errorf("Expected FileCount 1, got %d (%v)", n, err)
	}
}

func TestManifestDefaultsAndIgnore(t *testing.T) {
	s := newStore(t)
	write(t, s, "notes", "a.md", "x")

	m, err := LoadManifest(s, "notes")
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if m.Name != "notes" || m.LiveSync {
		t.Errorf("Unexpected default manifest %+v", m)
	}

	m = Manifest{LiveSync: true, Ignore: []string{"build/", "*.swp"}}
	if err := SaveManifest(s, "notes", m); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}
	loaded, _ := LoadManifest(s, "notes")
	if !loaded.LiveSync || loaded.Name != "notes" || len(loaded.Ignore) != 2 {
		t.Errorf("Manifest did not round-trip: %+v", loaded)
	}

	cases := map[string]bool{
		"build/out.bin": true,
		"deep/x.md.swp": true,
		"notes.md":      false,
		".git/index":    false,
		"build.md":      false,
	}
	for p, want := range cases {
		if got := loaded.Ignored(p); got != want {
			t.Errorf("Ignored(%q) = %v, want %v", p, got, want)
		}
	}
}
