package content

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fingerprintChars is how much normalized text a fingerprint covers.
const fingerprintChars = 1000

// Fingerprint hashes the first 1000 characters of text after lowercasing
// and collapsing whitespace.
func Fingerprint(text string) string {
	var sb strings.Builder
	n := 0
	space := false
	for _, r := range strings.ToLower(text) {
		if n >= fingerprintChars {
			break
		}
		if unicode.IsSpace(r) {
			if space || sb.Len() == 0 {
				continue
			}
			space = true
			r = ' '
		} else {
			space = false
		}
		sb.WriteRune(r)
		n++
	}
	sum := sha256.Sum256([]byte(strings.TrimRight(sb.String(), " ")))
	return hex.EncodeToString(sum[:])
}

// DedupIndex maps fingerprints to the first URL that produced them. It
// keeps the most recent entries up to its size.
type DedupIndex struct {
	c *lru.Cache[string, string]
}

// NewDedupIndex bounds the index at size fingerprints.
func NewDedupIndex(size int) *DedupIndex {
	c, _ := lru.New[string, string](max(1, size))
	return &DedupIndex{c: c}
}

// Check records fingerprint for url. It reports whether another URL owned
// the fingerprint first, and which.
func (d *DedupIndex) Check(fingerprint, url string) (duplicate bool, first string) {
	if found, _ := d.c.ContainsOrAdd(fingerprint, url); !found {
		return false, url
	}
	first, _ = d.c.Get(fingerprint)
	return first != url, first
}

// Len returns the number of fingerprints held.
func (d *DedupIndex) Len() int { return d.c.Len() }

// Clear empties the index.
func (d *DedupIndex) Clear() { d.c.Purge() }

// urlSet is the bounded set of URLs already processed.
type urlSet struct {
	c *lru.Cache[string, struct{}]
}

func newURLSet(size int) *urlSet {
	c, _ := lru.New[string, struct{}](max(1, size))
	return &urlSet{c: c}
}

// add reports whether url was new.
func (s *urlSet) add(url string) bool {
	found, _ := s.c.ContainsOrAdd(url, struct{}{})
	return !found
}

func (s *urlSet) has(url string) bool { return s.c.Contains(url) }
func (s *urlSet) len() int            { return s.c.Len() }
func (s *urlSet) clear()              { s.c.Purge() }
