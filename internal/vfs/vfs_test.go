package vfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutBlobDedup(t *testing.T) {
	s := newTestStore(t)

	data := []byte("the same bytes twice")
	h1, err := s.PutBlob(data, "text/plain")
	if err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	h2, err := s.PutBlob(data, "text/plain")
	if err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("identical bytes produced different hashes: %s vs %s", h1, h2)
	}

	path, err := s.GetBlobPath(h1)
	if err != nil {
		t.Fatalf("GetBlobPath failed: %v", err)
	}
	if path == "" {
		t.Fatal("blob path empty after put")
	}
	if filepath.Base(filepath.Dir(path)) != h1[:2] {
		t.Errorf("blob not sharded by hash prefix: %s", path)
	}

	got, err := s.ReadBlob(h1)
	if err != nil {
		t.Fatalf("ReadBlob failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("blob bytes do not round-trip")
	}
}

func TestPutBlobRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutBlob(nil, "text/plain"); err == nil {
		t.Fatal("empty blob accepted")
	}
}

func TestGetBlobPathUnknownHash(t *testing.T) {
	s := newTestStore(t)
	path, err := s.GetBlobPath("deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("unknown hash returned path %q", path)
	}
}

func TestSweepBlobsRemovesUnreferenced(t *testing.T) {
	s := newTestStore(t)

	orphan, err := s.PutBlob([]byte("orphan"), "text/plain")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	kept, err := s.PutBlob([]byte("kept"), "application/pdf")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := s.CreateFile(CreateFileParams{FileName: "doc.pdf", Size: 4, BlobHash: kept}); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}

	orphanPath, _ := s.GetBlobPath(orphan)
	swept, err := s.SweepBlobs()
	if err != nil {
		t.Fatalf("SweepBlobs failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Error("orphan blob file still on disk after sweep")
	}
	if path, _ := s.GetBlobPath(kept); path == "" {
		t.Error("referenced blob was swept")
	}
}

func TestSweepAfterPurge(t *testing.T) {
	s := newTestStore(t)

	hash, err := s.PutBlob([]byte("doc contents"), "application/pdf")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	f, err := s.CreateFile(CreateFileParams{FileName: "a.pdf", Size: 12, BlobHash: hash})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}

	// While referenced, sweep must not touch it.
	if swept, _ := s.SweepBlobs(); swept != 0 {
		t.Fatalf("swept %d blobs while referenced", swept)
	}

	if err := s.SoftDelete(f.ID); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if err := s.Purge(f.ID, true); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	swept, err := s.SweepBlobs()
	if err != nil {
		t.Fatalf("SweepBlobs failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d after purge, want 1", swept)
	}
}

func TestExtForMime(t *testing.T) {
	cases := []struct {
		mime string
		want string
	}{
		{"application/pdf", "pdf"},
		{"image/png", "png"},
		{"image/jpeg", "jpg"},
		{"text/plain", "txt"},
		{"application/octet-stream", "bin"},
		{"", "bin"},
	}
	for _, c := range cases {
		if got := extForMime(c.mime); got != c.want {
			t.Errorf("extForMime(%q) = %q, want %q", c.mime, got, c.want)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	got := EscapeLike(`50%_done\now`)
	want := `50\%\_done\\now`
	if got != want {
		t.Errorf("EscapeLike = %q, want %q", got, want)
	}
}
