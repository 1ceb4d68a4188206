package replay

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTakeOnce(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	id := s.Put(Session{Providers: []string{"fake"}, FilePath: ""})
	if id == "" {
		t.Fatal("Put returned empty id")
	}

	got, ok := s.Take(id)
	if !ok {
		t.Fatal("first Take must succeed")
	}
	if got.ID != id || len(got.Providers) != 1 {
		t.Errorf("unexpected session: %+v", got)
	}

	if _, ok := s.Take(id); ok {
		t.Fatal("second Take must fail: sessions are consumable exactly once")
	}
}

func TestTakeUnknown(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()
	if _, ok := s.Take("nope"); ok {
		t.Fatal("unknown id must not be takeable")
	}
}

func TestExpiryUnlinksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.webm")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(10 * time.Millisecond)
	defer s.Close()
	id := s.Put(Session{FilePath: path})

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expired session did not unlink its file")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, ok := s.Take(id); ok {
		t.Fatal("expired session must not be takeable")
	}
}

func TestCloseRemovesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.webm")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(time.Minute)
	s.Put(Session{FilePath: path})
	s.Close()
	if s.Len() != 0 {
		t.Errorf("pending sessions after Close: %d", s.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Close must unlink pending files")
	}
}

func TestMatchesProviders(t *testing.T) {
	sess := Session{Providers: []string{"b", "a"}}
	if !sess.MatchesProviders([]string{"a", "b"}) {
		t.Error("order must not matter")
	}
	if sess.MatchesProviders([]string{"a"}) {
		t.Error("shorter set must not match")
	}
	if sess.MatchesProviders([]string{"a", "c"}) {
		t.Error("different set must not match")
	}
}
