package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestStorage creates a temporary on-disk storage for testing.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("t:hash")
	value := []byte("attestation")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("get returned %q, want %q", got, value)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got != nil {
		t.Errorf("get returned %q, want nil", got)
	}

	ok, err := s.Has([]byte("missing"))
	if err != nil {
		t.Fatalf("has: %v", err)
	}

	if ok {
		t.Error("has should be false for missing key")
	}
}

func TestSetBatchAtomic(t *testing.T) {
	s := newTestStorage(t)

	pairs := []KeyValue{
		{Key: []byte("t:1"), Value: []byte("a")},
		{Key: []byte("l:1"), Value: nil},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("set batch: %v", err)
	}

	for _, kv := range pairs {
		ok, err := s.Has(kv.Key)
		if err != nil {
			t.Fatalf("has %q: %v", kv.Key, err)
		}

		if !ok {
			t.Errorf("key %q missing after batch", kv.Key)
		}
	}
}

func TestIteratePrefix(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"a:1", "a:2", "b:1", "a:3"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	var keys []string
	err := s.IteratePrefix([]byte("a:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}

	want := []string{"a:1", "a:2", "a:3"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}

	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d: got %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestIterateRangeBounds(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"l:1", "l:2", "l:3", "l:4"} {
		if err := s.Set([]byte(k), nil); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	count := 0
	err := s.IterateRange([]byte("l:2"), []byte("l:4"), func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}

	if count != 2 {
		t.Errorf("got %d keys in [l:2, l:4), want 2", count)
	}
}

func TestPrefixEnd(t *testing.T) {
	if got := PrefixEnd([]byte{0x01, 0xFF}); !bytes.Equal(got, []byte{0x02}) {
		t.Errorf("got %x, want 02", got)
	}

	if got := PrefixEnd([]byte{0xFF, 0xFF}); got != nil {
		t.Errorf("got %x, want nil", got)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !bytes.Equal(got, []byte("v")) {
		t.Errorf("value lost across reopen: %q", got)
	}
}

func TestInMemory(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close()

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, err := os.Stat("k"); err == nil {
		t.Error("in-memory storage should not touch the working directory")
	}

	ok, err := s.Has([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("has: %v %v", ok, err)
	}
}

func TestDeferredDurabilityFlushesOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := Open(path, Options{Durability: DurabilityDeferred, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.SetBatch([]KeyValue{{Key: []byte("a"), Value: []byte("1")}}); err != nil {
		t.Fatalf("set batch: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Get([]byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !bytes.Equal(got, []byte("1")) {
		t.Errorf("deferred write lost: %q", got)
	}
}

func TestClosed(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if err := s.Set([]byte("k"), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("set after close: got %v, want ErrClosed", err)
	}

	if _, err := s.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("get after close: got %v, want ErrClosed", err)
	}
}

func TestIterateStopsOnError(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"x:1", "x:2", "x:3"} {
		if err := s.Set([]byte(k), nil); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	stop := errors.New("stop")
	seen := 0

	err := s.IteratePrefix([]byte("x:"), func(_, _ []byte) error {
		seen++
		if seen == 2 {
			return stop
		}

		return nil
	})

	if !errors.Is(err, stop) {
		t.Fatalf("got %v, want callback error", err)
	}

	if seen != 2 {
		t.Errorf("callback ran %d times after stopping, want 2", seen)
	}
}
