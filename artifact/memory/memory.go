// Package memory is an in-process artifact.Store. Signed URLs carry a
// random token that Resolve maps back to the object until it expires.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/courier/artifact"
)

var _ artifact.Store = (*Store)(nil)

type grant struct {
	key     string
	expires time.Time
}

// Store keeps artifacts in a map.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	grants  map[string]grant
	baseURL string
	now     func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithBaseURL sets the prefix of signed URLs.
func WithBaseURL(u string) Option {
	return func(s *Store) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		objects: make(map[string][]byte),
		grants:  make(map[string]grant),
		baseURL: "memory://artifacts",
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores a copy of data.
func (s *Store) Put(_ context.Context, key string, data []byte, _ string) (artifact.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return artifact.Object{Key: key, Size: int64(len(data))}, nil
}

// Exists reports whether key is stored.
func (s *Store) Exists(_ context.Context, key string) (artifact.Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return artifact.Object{}, false, nil
	}
	return artifact.Object{Key: key, Size: int64(len(data))}, true, nil
}

// Sign issues a token for key valid for ttl.
func (s *Store) Sign(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("artifact/memory: sign %q: object not found", key)
	}
	token := uuid.NewString()
	expires := s.now().Add(ttl)
	s.grants[token] = grant{key: key, expires: expires}

	q := url.Values{}
	q.Set("token", token)
	q.Set("expires", fmt.Sprint(expires.Unix()))
	return s.baseURL + "/" + key + "?" + q.Encode(), nil
}

// Resolve returns the artifact bytes for a token issued by Sign.
func (s *Store) Resolve(token string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[token]
	if !ok || !s.now().Before(g.expires) {
		return nil, false
	}
	data, ok := s.objects[g.key]
	return data, ok
}
