package netstore

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &Record{
		Name:          "id265",
		Hash:          "00000000deadbeef",
		Size:          1234,
		FormatVersion: 2,
		Channels:      192,
		Blocks:        15,
		FetchedAt:     time.Now().Truncate(time.Second),
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("id265")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for a stored record")
	}
	if got.Hash != rec.Hash || got.Channels != 192 || got.Blocks != 15 {
		t.Errorf("Get = %+v, want %+v", got, rec)
	}

	missing, err := s.Get("id999")
	if err != nil {
		t.Fatalf("Get(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("Get(missing) = %+v, want nil", missing)
	}
}

func TestStoreTouchAndList(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"id2", "id1"} {
		if err := s.Put(&Record{Name: name}); err != nil {
			t.Fatalf("Put(%s): %v", name, err)
		}
	}

	before := time.Now()
	if err := s.Touch("id1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := s.Get("id1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastUsed.Before(before.Add(-time.Second)) {
		t.Errorf("Touch did not update LastUsed: %v", got.LastUsed)
	}

	if err := s.Touch("id404"); err == nil {
		t.Error("Touch of an unknown network succeeded")
	}

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 || recs[0].Name != "id1" || recs[1].Name != "id2" {
		t.Errorf("List = %v, want id1, id2 sorted", recs)
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.txt")
	if err := os.WriteFile(path, []byte("1\n0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if size != 6 {
		t.Errorf("size = %d, want 6", size)
	}
	if len(hash) != 16 {
		t.Errorf("hash = %q, want 16 hex chars", hash)
	}

	hash2, _, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if hash != hash2 {
		t.Errorf("hash not stable: %q vs %q", hash, hash2)
	}
}

func TestNameFromPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/nets/id265.txt.gz", "id265"},
		{"id265.txt", "id265"},
		{"weights.gz", "weights"},
		{"id265", "id265"},
	}
	for _, c := range cases {
		if got := NameFromPath(c.in); got != c.want {
			t.Errorf("NameFromPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDownloaderFetch(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/id265" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("1\n0.5\n"))
	}))
	defer srv.Close()

	d, err := NewDownloader(t.TempDir(), srv.URL+"/")
	if err != nil {
		t.Fatal(err)
	}

	path, err := d.Fetch("id265")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1\n0.5\n" {
		t.Errorf("fetched %q", data)
	}
	if !d.HasFile("id265") {
		t.Error("HasFile = false after Fetch")
	}

	// A second fetch must hit the cache, not the server.
	if _, err := d.Fetch("id265"); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}

	if _, err := d.Fetch("missing"); err == nil {
		t.Error("Fetch of a missing file succeeded")
	}
}
