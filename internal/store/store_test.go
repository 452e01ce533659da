package store_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/softmotions/ejdb/internal/store"
)

func openStore(t *testing.T, opts store.Options) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.hdb")
	s, err := store.Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 17})
	if err := s.Put([]byte("alpha"), []byte("1"), store.PutUpsert); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]byte("beta"), []byte("2"), store.PutUpsert); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := s.Get([]byte("alpha"))
	if err != nil || string(v) != "1" {
		t.Fatalf("Get alpha = %q, %v", v, err)
	}
	v, err = s.Get([]byte("beta"))
	if err != nil || string(v) != "2" {
		t.Fatalf("Get beta = %q, %v", v, err)
	}
	if _, err := s.Get([]byte("missing")); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutKeepRejectsExisting(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 7})
	if err := s.Put([]byte("k"), []byte("v1"), store.PutUpsert); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]byte("k"), []byte("v2"), store.PutKeep); err != store.ErrKeyExists {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	v, _ := s.Get([]byte("k"))
	if string(v) != "v1" {
		t.Fatalf("expected original value preserved, got %q", v)
	}
}

func TestPutCatAppends(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 7})
	if err := s.Put([]byte("k"), []byte("ab"), store.PutUpsert); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]byte("k"), []byte("cd"), store.PutCat); err != nil {
		t.Fatalf("Put cat: %v", err)
	}
	v, _ := s.Get([]byte("k"))
	if string(v) != "abcd" {
		t.Fatalf("expected concatenated value, got %q", v)
	}
}

func TestOverwriteGrowsAndShrinks(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 7})
	key := []byte("k")
	if err := s.Put(key, []byte("short"), store.PutUpsert); err != nil {
		t.Fatalf("Put: %v", err)
	}
	longVal := []byte("a much much longer value than before, forcing relocation")
	if err := s.Put(key, longVal, store.PutUpsert); err != nil {
		t.Fatalf("Put long: %v", err)
	}
	v, err := s.Get(key)
	if err != nil || string(v) != string(longVal) {
		t.Fatalf("Get after grow = %q, %v", v, err)
	}
	if err := s.Put(key, []byte("tiny"), store.PutUpsert); err != nil {
		t.Fatalf("Put shrink: %v", err)
	}
	v, err = s.Get(key)
	if err != nil || string(v) != "tiny" {
		t.Fatalf("Get after shrink = %q, %v", v, err)
	}
}

func TestOutUnlinksAndReinsertWorks(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 3})
	keys := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, k := range keys {
		if err := s.Put([]byte(k), []byte(k+"-val"), store.PutUpsert); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	for _, k := range []string{"c", "a", "g"} {
		if err := s.Out([]byte(k)); err != nil {
			t.Fatalf("Out %s: %v", k, err)
		}
		if _, err := s.Get([]byte(k)); err != store.ErrNotFound {
			t.Fatalf("expected %s removed, got %v", k, err)
		}
	}
	for _, k := range []string{"b", "d", "e", "f"} {
		v, err := s.Get([]byte(k))
		if err != nil || string(v) != k+"-val" {
			t.Fatalf("survivor %s: %q, %v", k, v, err)
		}
	}
	if err := s.Put([]byte("c"), []byte("reborn"), store.PutUpsert); err != nil {
		t.Fatalf("reinsert c: %v", err)
	}
	v, err := s.Get([]byte("c"))
	if err != nil || string(v) != "reborn" {
		t.Fatalf("reinsert c = %q, %v", v, err)
	}
}

func TestOutNotFound(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 5})
	if err := s.Out([]byte("nope")); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIterateVisitsAllLiveRecords(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 5})
	want := map[string]string{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%03d", i)
		v := fmt.Sprintf("val-%03d", i)
		if err := s.Put([]byte(k), []byte(v), store.PutUpsert); err != nil {
			t.Fatalf("Put: %v", err)
		}
		want[k] = v
	}
	for i := 0; i < 50; i += 5 {
		k := fmt.Sprintf("key-%03d", i)
		if err := s.Out([]byte(k)); err != nil {
			t.Fatalf("Out: %v", err)
		}
		delete(want, k)
	}
	got := map[string]string{}
	if err := s.Iterate(func(k, v []byte) bool {
		got[string(k)] = string(v)
		return true
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("record %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestIterateEarlyStop(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 5})
	for i := 0; i < 10; i++ {
		s.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"), store.PutUpsert)
	}
	count := 0
	s.Iterate(func(k, v []byte) bool {
		count++
		return count < 3
	})
	if count != 3 {
		t.Fatalf("expected early stop at 3 visits, got %d", count)
	}
}

func TestAsyncPutFlushesBeforeSyncRead(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 5})
	if err := s.EnableAsync(4); err != nil {
		t.Fatalf("EnableAsync: %v", err)
	}
	if err := s.PutAsync([]byte("k"), []byte("queued"), store.PutUpsert); err != nil {
		t.Fatalf("PutAsync: %v", err)
	}
	v, err := s.Get([]byte("k"))
	if err != nil || string(v) != "queued" {
		t.Fatalf("Get should see queued async write, got %q, %v", v, err)
	}
}

func TestAsyncPutAutoFlushAtCapacity(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 5})
	if err := s.EnableAsync(3); err != nil {
		t.Fatalf("EnableAsync: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.PutAsync([]byte(fmt.Sprintf("k%d", i)), []byte("v"), store.PutUpsert); err != nil {
			t.Fatalf("PutAsync: %v", err)
		}
	}
	count := 0
	s.Iterate(func(k, v []byte) bool { count++; return true })
	if count != 3 {
		t.Fatalf("expected auto-flush at capacity to land all 3 writes, got %d", count)
	}
}

func TestDefragShrinksTailFreeRegion(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 5})
	for i := 0; i < 5; i++ {
		s.Put([]byte(fmt.Sprintf("k%d", i)), []byte("some value payload"), store.PutUpsert)
	}
	if err := s.Out([]byte("k4")); err != nil {
		t.Fatalf("Out: %v", err)
	}
	if _, err := s.Defrag(10); err != nil {
		t.Fatalf("Defrag: %v", err)
	}
	for _, k := range []string{"k0", "k1", "k2", "k3"} {
		if _, err := s.Get([]byte(k)); err != nil {
			t.Fatalf("survivor %s lost after defrag: %v", k, err)
		}
	}
}

func TestOptimizeRebuildsPreservingData(t *testing.T) {
	s := openStore(t, store.Options{BucketCount: 3})
	want := map[string]string{}
	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("key-%02d", i)
		v := fmt.Sprintf("val-%02d", i)
		s.Put([]byte(k), []byte(v), store.PutUpsert)
		want[k] = v
	}
	if err := s.Optimize(11); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	for k, v := range want {
		got, err := s.Get([]byte(k))
		if err != nil || string(got) != v {
			t.Fatalf("after optimize, %s = %q, %v, want %q", k, got, err, v)
		}
	}
}

func TestReopenPreservesDataAndFreePool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.hdb")
	s, err := store.Open(path, store.Options{BucketCount: 13})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		s.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"), store.PutUpsert)
	}
	s.Out([]byte("k3"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := store.Open(path, store.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.Get([]byte("k3")); err != store.ErrNotFound {
		t.Fatalf("expected k3 still deleted after reopen, got %v", err)
	}
	v, err := s2.Get([]byte("k7"))
	if err != nil || string(v) != "v" {
		t.Fatalf("k7 after reopen = %q, %v", v, err)
	}
	if err := s2.Put([]byte("k10"), []byte("fresh"), store.PutUpsert); err != nil {
		t.Fatalf("Put after reopen: %v", err)
	}
}
