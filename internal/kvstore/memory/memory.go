// Package memory provides an in-process kvstore.Store used by unit tests
// and by dev mode when no database is configured. Semantics match the
// postgres backend: per-key versions, all-or-nothing atomic writes.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/fastprodman/cyberclock/internal/kvstore"
)

var _ kvstore.Store = (*Store)(nil)

type entry struct {
	value   []byte
	version int64
}

type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	nextVer int64
}

func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		nextVer: 1,
	}
}

func (s *Store) Get(_ context.Context, key string) (kvstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return kvstore.Entry{}, kvstore.ErrNotFound
	}

	return kvstore.Entry{
		Key:     key,
		Value:   append([]byte(nil), e.value...),
		Version: e.version,
	}, nil
}

func (s *Store) AtomicWrite(_ context.Context, checks []kvstore.Check, sets []kvstore.Set, deletes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range checks {
		e, ok := s.entries[c.Key]
		if !ok {
			if c.Version != kvstore.VersionAbsent {
				return kvstore.ErrConflict
			}

			continue
		}

		if e.version != c.Version {
			return kvstore.ErrConflict
		}
	}

	for _, w := range sets {
		s.entries[w.Key] = entry{
			value:   append([]byte(nil), w.Value...),
			version: s.nextVer,
		}
		s.nextVer++
	}

	for _, key := range deletes {
		delete(s.entries, key)
	}

	return nil
}

func (s *Store) Scan(_ context.Context, prefix string) ([]kvstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []kvstore.Entry

	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		out = append(out, kvstore.Entry{
			Key:     key,
			Value:   append([]byte(nil), e.value...),
			Version: e.version,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}
