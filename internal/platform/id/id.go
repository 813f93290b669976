// Package id generates identifiers and random tokens.
package id

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 identifier derived from a
// random UUIDv4.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// Source is a mutex-guarded random byte source. Concurrent callers never
// consume overlapping random state. The zero reader means crypto/rand.
type Source struct {
	mu     sync.Mutex
	reader io.Reader
}

// NewSource returns a Source backed by reader. A nil reader selects
// crypto/rand; tests inject a deterministic reader.
func NewSource(reader io.Reader) *Source {
	if reader == nil {
		reader = rand.Reader
	}
	return &Source{reader: reader}
}

// Bytes returns a fresh n-byte random token.
func (s *Source) Bytes(n int) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("random source is not configured")
	}
	if n <= 0 {
		return nil, fmt.Errorf("token size must be greater than zero")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	token := make([]byte, n)
	if _, err := io.ReadFull(s.reader, token); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return token, nil
}
