package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/softmotions/ejdb/internal/wal"
)

func openMain(t *testing.T, dir string, initial []byte) *os.File {
	t.Helper()
	path := filepath.Join(dir, "main")
	if err := os.WriteFile(path, initial, 0o600); err != nil {
		t.Fatalf("seed main: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open main: %v", err)
	}
	return f
}

func TestCommitTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	main := openMain(t, dir, []byte("0123456789"))
	defer main.Close()

	l, err := wal.Open(main, filepath.Join(dir, "main.wal"), wal.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	before := make([]byte, 3)
	if _, err := main.ReadAt(before, 2); err != nil {
		t.Fatalf("read before-image: %v", err)
	}
	if err := l.Record(2, before); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := main.WriteAt([]byte("XYZ"), 2); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := main.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := l.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := make([]byte, 10)
	main.ReadAt(got, 0)
	if string(got) != "01XYZ56789" {
		t.Fatalf("unexpected main contents after commit: %q", got)
	}
}

func TestAbortRestoresBytesAndSize(t *testing.T) {
	dir := t.TempDir()
	main := openMain(t, dir, []byte("0123456789"))
	defer main.Close()

	l, err := wal.Open(main, filepath.Join(dir, "main.wal"), wal.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	before := make([]byte, 3)
	main.ReadAt(before, 2)
	if err := l.Record(2, before); err != nil {
		t.Fatalf("Record: %v", err)
	}
	main.WriteAt([]byte("XYZ"), 2)
	main.WriteAt([]byte("appended"), 10)

	if err := l.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	fi, err := main.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != 10 {
		t.Fatalf("expected file truncated back to 10 bytes, got %d", fi.Size())
	}
	got := make([]byte, 10)
	main.ReadAt(got, 0)
	if string(got) != "0123456789" {
		t.Fatalf("expected restored original bytes, got %q", got)
	}
}

func TestCrashRecoveryReplaysOnOpen(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main")
	os.WriteFile(mainPath, []byte("0123456789"), 0o600)
	main, _ := os.OpenFile(mainPath, os.O_RDWR, 0o600)

	walPath := filepath.Join(dir, "main.wal")
	l, _ := wal.Open(main, walPath, wal.Options{})
	l.Begin()
	before := make([]byte, 3)
	main.ReadAt(before, 0)
	l.Record(0, before)
	main.WriteAt([]byte("ABC"), 0)
	// Simulate a crash: neither Commit nor Abort is called, and the
	// process handle to l is dropped without closing the WAL file.
	main.Close()

	// Re-open: the WAL is non-empty, so Open must replay it in reverse.
	main2, err := os.OpenFile(mainPath, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("reopen main: %v", err)
	}
	defer main2.Close()
	l2, err := wal.Open(main2, walPath, wal.Options{})
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	defer l2.Close()

	got := make([]byte, 10)
	main2.ReadAt(got, 0)
	if string(got) != "0123456789" {
		t.Fatalf("expected crash recovery to restore original bytes, got %q", got)
	}
}

func TestBeginTimeoutWhenLatchHeld(t *testing.T) {
	dir := t.TempDir()
	main := openMain(t, dir, []byte("0123456789"))
	defer main.Close()
	l, _ := wal.Open(main, filepath.Join(dir, "main.wal"), wal.Options{MaxBeginWait: 0})
	defer l.Close()
	if err := l.Begin(); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if err := l.Begin(); err == nil {
		t.Fatalf("expected timeout acquiring an already-held write latch")
	} else if err != wal.ErrBeginTimeout {
		t.Fatalf("expected ErrBeginTimeout, got %v", err)
	}
	l.Abort()
}
