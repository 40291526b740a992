package avatar

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// pngHeader is enough for content sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestStoreWriteReadDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	if s.Hash() != "" {
		t.Fatal("new store should have no avatar")
	}
	if err := s.Write(pngHeader); err != nil {
		t.Fatal(err)
	}
	if s.Hash() != Hash(pngHeader) || len(s.Hash()) != 16 {
		t.Fatalf("hash = %q", s.Hash())
	}
	got, err := s.Read()
	if err != nil || !bytes.Equal(got, pngHeader) {
		t.Fatalf("read = %v, %v", got, err)
	}
	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Read(); got != nil || s.Hash() != "" {
		t.Fatal("delete should clear the avatar")
	}
}

func TestStoreRejectsNonImage(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Write([]byte("hello")); !errors.Is(err, ErrNotImage) {
		t.Fatalf("err = %v, want ErrNotImage", err)
	}
}

func TestStoreHashSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	if err := NewStore(dir).Write(pngHeader); err != nil {
		t.Fatal(err)
	}
	if got := NewStore(dir).Hash(); got != Hash(pngHeader) {
		t.Fatalf("reloaded hash = %q", got)
	}
}

func TestCacheKeepsLatestRef(t *testing.T) {
	c := NewCache(t.TempDir())
	if err := c.Put("peerA", "r1", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("peerA", "r2", []byte("two")); err != nil {
		t.Fatal(err)
	}
	if c.Get("peerA", "r1") != nil {
		t.Fatal("stale ref should be evicted")
	}
	if string(c.Get("peerA", "r2")) != "two" {
		t.Fatal("latest ref missing")
	}
	if c.Get("peerA", "") != nil {
		t.Fatal("empty ref never matches")
	}
}

func TestInitials(t *testing.T) {
	cases := map[string]string{
		"":             "?",
		"ada":          "AD",
		"x":            "X",
		"Ada Lovelace": "AL",
	}
	for in, want := range cases {
		if got := initials(in); got != want {
			t.Errorf("initials(%q) = %q, want %q", in, got, want)
		}
	}
	svg := string(InitialsSVG("Ada Lovelace", "u1"))
	if !strings.Contains(svg, ">AL<") {
		t.Fatalf("svg missing initials: %s", svg)
	}
}
