package store

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Collect once the store has been closed.
var ErrClosed = errors.New("store closed")

// Config bounds what a store accepts. Zero values disable a bound.
type Config struct {
	// MaxRecords caps the number of distinct keys
	MaxRecords int
	// MaxValueSize caps the length of a single value in bytes
	MaxValueSize int
}

// Store is the node-local mapping of key to value. It holds primaries and
// replicas alike; a node has exactly one.
type Store struct {
	mu     sync.RWMutex
	data   map[Key][]byte
	config Config
	closed atomic.Bool

	hits    atomic.Int64
	misses  atomic.Int64
	puts    atomic.Int64
	removes atomic.Int64
}

// New creates an empty store. A nil config means unbounded.
func New(config *Config) *Store {
	s := &Store{data: make(map[Key][]byte)}
	if config != nil {
		s.config = *config
	}
	return s
}

// Put inserts or overwrites the value stored under key.
func (s *Store) Put(key Key, value []byte) ResultCode {
	if s.closed.Load() {
		return InternalFailure
	}
	if s.config.MaxValueSize > 0 && len(value) > s.config.MaxValueSize {
		return InvalidValue
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && s.config.MaxRecords > 0 && len(s.data) >= s.config.MaxRecords {
		return OutOfSpace
	}
	s.data[key] = valueCopy
	s.puts.Add(1)
	return Success
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key Key) ([]byte, ResultCode) {
	if s.closed.Load() {
		return nil, InternalFailure
	}

	s.mu.RLock()
	value, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		s.misses.Add(1)
		return nil, KeyNotFound
	}
	s.hits.Add(1)

	result := make([]byte, len(value))
	copy(result, value)
	return result, Success
}

// Remove deletes key, reporting KeyNotFound when nothing was stored.
func (s *Store) Remove(key Key) ResultCode {
	if s.closed.Load() {
		return InternalFailure
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists {
		return KeyNotFound
	}
	delete(s.data, key)
	s.removes.Add(1)
	return Success
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Collect returns copies of every record whose key satisfies match.
func (s *Store) Collect(match func(Key) bool) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0)
	for k, v := range s.data {
		if match != nil && !match(k) {
			continue
		}
		value := make([]byte, len(v))
		copy(value, v)
		records = append(records, Record{Key: k, Value: value})
	}
	return records, nil
}

// RemoveMatching deletes every record whose key satisfies match and returns
// how many were removed. A nil match removes everything.
func (s *Store) RemoveMatching(match func(Key) bool) int {
	if s.closed.Load() {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.data {
		if match == nil || match(k) {
			delete(s.data, k)
			removed++
		}
	}
	s.removes.Add(int64(removed))
	return removed
}

// Stats holds store counters.
type Stats struct {
	Records int   `json:"records"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Puts    int64 `json:"puts"`
	Removes int64 `json:"removes"`
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Records: s.Len(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Puts:    s.puts.Load(),
		Removes: s.removes.Load(),
	}
}

// Close releases the records. Further operations fail.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	s.data = make(map[Key][]byte)
	s.mu.Unlock()
	return nil
}
