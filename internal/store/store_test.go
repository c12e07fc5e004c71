package store

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	s := New(nil)
	defer s.Close()

	key := KeyFromString("alpha")

	assert.Equal(t, Success, s.Put(key, []byte("one")))
	value, code := s.Get(key)
	assert.Equal(t, Success, code)
	assert.Equal(t, []byte("one"), value)

	t.Run("put overwrites", func(t *testing.T) {
		assert.Equal(t, Success, s.Put(key, []byte("two")))
		value, code := s.Get(key)
		assert.Equal(t, Success, code)
		assert.Equal(t, []byte("two"), value)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("remove then get", func(t *testing.T) {
		assert.Equal(t, Success, s.Remove(key))
		value, code := s.Get(key)
		assert.Equal(t, KeyNotFound, code)
		assert.Nil(t, value)
	})

	t.Run("remove absent key", func(t *testing.T) {
		assert.Equal(t, KeyNotFound, s.Remove(key))
	})
}

func TestStore_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		fill   int
		value  []byte
		want   ResultCode
	}{
		{name: "unbounded", config: nil, fill: 100, value: []byte("v"), want: Success},
		{name: "value too large", config: &Config{MaxValueSize: 4}, value: []byte("12345"), want: InvalidValue},
		{name: "value at limit", config: &Config{MaxValueSize: 5}, value: []byte("12345"), want: Success},
		{name: "store full", config: &Config{MaxRecords: 3}, fill: 3, value: []byte("v"), want: OutOfSpace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.config)
			for i := 0; i < tt.fill; i++ {
				require.Equal(t, Success, s.Put(KeyFromString(fmt.Sprintf("fill-%d", i)), []byte("x")))
			}
			assert.Equal(t, tt.want, s.Put(KeyFromString("target"), tt.value))
		})
	}

	t.Run("overwrite allowed when full", func(t *testing.T) {
		s := New(&Config{MaxRecords: 1})
		key := KeyFromString("only")
		require.Equal(t, Success, s.Put(key, []byte("a")))
		assert.Equal(t, Success, s.Put(key, []byte("b")))
	})
}

func TestStore_ValuesAreCopied(t *testing.T) {
	s := New(nil)
	key := KeyFromString("copy")
	value := []byte("original")

	require.Equal(t, Success, s.Put(key, value))
	value[0] = 'X'

	got, _ := s.Get(key)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, _ := s.Get(key)
	assert.Equal(t, []byte("original"), again)
}

func TestStore_PutIsIdempotent(t *testing.T) {
	s := New(nil)
	key := KeyFromString("replica")

	require.Equal(t, Success, s.Put(key, []byte("v")))
	first, _ := s.Collect(nil)
	require.Equal(t, Success, s.Put(key, []byte("v")))
	second, _ := s.Collect(nil)

	assert.Equal(t, first, second)
}

func TestStore_CollectAndRemoveMatching(t *testing.T) {
	s := New(nil)
	for i := 0; i < 10; i++ {
		require.Equal(t, Success, s.Put(KeyFromString(fmt.Sprintf("k%d", i)), []byte{byte(i)}))
	}

	even := func(k Key) bool { return k[0]%2 == 0 }

	records, err := s.Collect(even)
	require.NoError(t, err)
	for _, r := range records {
		assert.True(t, even(r.Key))
	}

	removed := s.RemoveMatching(even)
	assert.Equal(t, len(records), removed)
	assert.Equal(t, 10-removed, s.Len())

	left, err := s.Collect(nil)
	require.NoError(t, err)
	for _, r := range left {
		assert.False(t, even(r.Key))
	}
}

func TestStore_Concurrent(t *testing.T) {
	s := New(nil)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := KeyFromString(fmt.Sprintf("w%d-%d", w, i))
				s.Put(key, []byte{byte(i)})
				s.Get(key)
				if i%2 == 0 {
					s.Remove(key)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 8*100, s.Len())
}

func TestStore_Stats(t *testing.T) {
	s := New(nil)
	key := KeyFromString("stats")

	s.Put(key, []byte("v"))
	s.Get(key)
	s.Get(KeyFromString("missing"))
	s.Remove(key)

	stats := s.Stats()
	assert.Equal(t, 0, stats.Records)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, int64(1), stats.Removes)
}

func TestStore_Closed(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, InternalFailure, s.Put(KeyFromString("a"), nil))
	_, code := s.Get(KeyFromString("a"))
	assert.Equal(t, InternalFailure, code)
	_, err := s.Collect(nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, s.RemoveMatching(nil))
}

func TestStore_NilMatchSelectsAll(t *testing.T) {
	s := New(nil)
	defer s.Close()
	for i := 0; i < 5; i++ {
		require.Equal(t, Success, s.Put(KeyFromString(fmt.Sprintf("k%d", i)), []byte{byte(i)}))
	}

	records, err := s.Collect(nil)
	require.NoError(t, err)
	assert.Len(t, records, 5)

	assert.Equal(t, 5, s.RemoveMatching(nil))
	assert.Zero(t, s.Len())
	assert.Equal(t, int64(5), s.Stats().Removes)
}

func TestKey(t *testing.T) {
	k := KeyFromString("name")

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
	assert.Equal(t, k.ID(), parsed.ID())

	_, err = ParseKey("zz")
	assert.Error(t, err)

	_, err = ParseKey("abcd")
	assert.Error(t, err)

	other := KeyFromString("other")
	assert.False(t, bytes.Equal(k[:], other[:]))
}

func TestResultCode_String(t *testing.T) {
	assert.Equal(t, "SUCCESS", Success.String())
	assert.Equal(t, "KEY_NOT_FOUND", KeyNotFound.String())
	assert.Equal(t, "NO_OWNER", NoOwner.String())
	assert.Equal(t, "RESULT(0x7f)", ResultCode(0x7f).String())
}
