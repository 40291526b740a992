// Package avatar keeps the local participant's avatar image, a disk cache of
// remote avatars and the initials fallback shown when a participant has none.
package avatar

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MaxBytes is the largest avatar accepted locally or from a peer.
const MaxBytes = 512 * 1024

var ErrNotImage = errors.New("avatar: not a png, jpeg, gif or webp image")

// Store manages the local avatar file. Its hash is the avatarRef carried in
// presence, so remote caches know when to refetch.
type Store struct {
	mu      sync.RWMutex
	peerDir string
	hash    string // empty = no avatar
}

// NewStore creates an avatar store rooted at peerDir.
func NewStore(peerDir string) *Store {
	s := &Store{peerDir: peerDir}
	if data, err := os.ReadFile(s.path()); err == nil {
		s.hash = Hash(data)
	}
	return s
}

func (s *Store) path() string {
	return filepath.Join(s.peerDir, "avatar.img")
}

// Hash returns the current avatar hash, or "" if no avatar.
func (s *Store) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// Read returns the avatar bytes, or nil if no avatar exists.
func (s *Store) Read() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Write stores a new avatar after checking it is a supported image.
func (s *Store) Write(data []byte) error {
	if _, err := ContentType(data); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(), data, 0644); err != nil {
		return err
	}
	s.hash = Hash(data)
	return nil
}

// Delete removes the avatar file and clears the hash.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path())
	if os.IsNotExist(err) {
		err = nil
	}
	s.hash = ""
	return err
}

// Hash returns the 16 hex char reference of an avatar image.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ContentType sniffs data and rejects anything that is not an image.
func ContentType(data []byte) (string, error) {
	if len(data) == 0 || len(data) > MaxBytes {
		return "", fmt.Errorf("%w (%d bytes)", ErrNotImage, len(data))
	}
	ct := http.DetectContentType(data)
	switch ct {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return ct, nil
	}
	return "", fmt.Errorf("%w (%s)", ErrNotImage, ct)
}

// Cache stores remote avatars on disk keyed by peer and avatarRef.
type Cache struct {
	mu  sync.Mutex
	dir string
}

// NewCache creates a cache in {peerDir}/cache/avatars.
func NewCache(peerDir string) *Cache {
	dir := filepath.Join(peerDir, "cache", "avatars")
	_ = os.MkdirAll(dir, 0755)
	return &Cache{dir: dir}
}

func (c *Cache) path(peerID, ref string) string {
	return filepath.Join(c.dir, peerID+"-"+ref)
}

// Get returns the cached avatar, or nil when nothing matches ref.
func (c *Cache) Get(peerID, ref string) []byte {
	if ref == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path(peerID, ref))
	if err != nil {
		return nil
	}
	return data
}

// Put stores data under ref and drops older refs of the same peer.
func (c *Cache) Put(peerID, ref string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, _ := filepath.Glob(filepath.Join(c.dir, peerID+"-*"))
	for _, p := range old {
		_ = os.Remove(p)
	}
	return os.WriteFile(c.path(peerID, ref), data, 0644)
}

// InitialsSVG generates a deterministic initials avatar for label.
func InitialsSVG(label, seed string) []byte {
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="256" height="256" viewBox="0 0 256 256">
  <rect width="256" height="256" rx="128" fill="%s"/>
  <text x="128" y="128" dy=".35em" text-anchor="middle"
        font-family="sans-serif" font-size="100" font-weight="600" fill="#fff">%s</text>
</svg>`, colorFor(label+seed), initials(label))
	return []byte(svg)
}

func initials(label string) string {
	parts := strings.Fields(label)
	switch {
	case len(parts) == 0:
		return "?"
	case len(parts) >= 2:
		return strings.ToUpper(string([]rune(parts[0])[:1]) + string([]rune(parts[1])[:1]))
	}
	r := []rune(parts[0])
	if len(r) >= 2 {
		return strings.ToUpper(string(r[:2]))
	}
	return strings.ToUpper(string(r))
}

var palette = []string{
	"#e74c3c", "#e67e22", "#f1c40f", "#2ecc71", "#1abc9c",
	"#3498db", "#9b59b6", "#e91e63", "#00bcd4", "#ff5722",
	"#607d8b", "#795548", "#8bc34a", "#673ab7",
}

func colorFor(s string) string {
	h := sha256.Sum256([]byte(s))
	return palette[int(h[0])%len(palette)]
}
