// Package btree implements the ordered secondary-index structure used by
// every field-path index an ejdb collection maintains: a sorted mapping
// from an encoded index key to the set of primary-store keys (document
// IDs) that produced it, with a cursor contract supporting both forward
// and reverse range scans from an arbitrary jump point.
//
// Durability follows the same append-and-fsync discipline as package wal,
// but because every mutation here is already a single idempotent
// "add this docID under this key" or "remove this docID from this key"
// fact, the on-disk form is a redo log of those facts rather than a
// before/after-image WAL: Open replays the whole log to rebuild the
// in-memory sorted structure, and Compact rewrites the log down to the
// current live state once it has grown large relative to it.
package btree

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	opInsert byte = 1
	opDelete byte = 2
)

// Tree is one ordered index: a sorted slice of distinct encoded keys, each
// mapping to a sorted, deduplicated list of document IDs.
type Tree struct {
	mu      sync.RWMutex
	path    string
	logFile *os.File

	keys [][]byte
	docs [][][]byte // docs[i] are the document IDs for keys[i], sorted

	opsSinceCompact int
}

// Open loads (or creates) the index log at path and replays it.
func Open(path string) (*Tree, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("btree: open %s: %w", path, err)
	}
	t := &Tree{path: path, logFile: f}
	if err := t.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tree) replay() error {
	if _, err := t.logFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(t.logFile)
	for {
		op, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("btree: replay: %w", err)
		}
		key, err := readBytes(r)
		if err != nil {
			return fmt.Errorf("btree: replay: %w", err)
		}
		doc, err := readBytes(r)
		if err != nil {
			return fmt.Errorf("btree: replay: %w", err)
		}
		switch op {
		case opInsert:
			t.applyInsert(key, doc)
		case opDelete:
			t.applyDelete(key, doc)
		default:
			return fmt.Errorf("btree: replay: unknown opcode %d", op)
		}
	}
	if _, err := t.logFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendBytes(buf []byte, b []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf = append(buf, tmp[:n]...)
	return append(buf, b...)
}

func (t *Tree) writeLog(op byte, key, doc []byte) error {
	buf := make([]byte, 0, 1+len(key)+len(doc)+2*binary.MaxVarintLen64)
	buf = append(buf, op)
	buf = appendBytes(buf, key)
	buf = appendBytes(buf, doc)
	if _, err := t.logFile.Write(buf); err != nil {
		return err
	}
	return t.logFile.Sync()
}

func (t *Tree) keyIndex(key []byte) (int, bool) {
	i := sort.Search(len(t.keys), func(i int) bool { return bytes.Compare(t.keys[i], key) >= 0 })
	if i < len(t.keys) && bytes.Equal(t.keys[i], key) {
		return i, true
	}
	return i, false
}

func (t *Tree) applyInsert(key, doc []byte) {
	idx, found := t.keyIndex(key)
	if !found {
		t.keys = append(t.keys, nil)
		copy(t.keys[idx+1:], t.keys[idx:])
		t.keys[idx] = append([]byte(nil), key...)
		t.docs = append(t.docs, nil)
		copy(t.docs[idx+1:], t.docs[idx:])
		t.docs[idx] = nil
	}
	list := t.docs[idx]
	di := sort.Search(len(list), func(i int) bool { return bytes.Compare(list[i], doc) >= 0 })
	if di < len(list) && bytes.Equal(list[di], doc) {
		return // already present
	}
	list = append(list, nil)
	copy(list[di+1:], list[di:])
	list[di] = append([]byte(nil), doc...)
	t.docs[idx] = list
}

func (t *Tree) applyDelete(key, doc []byte) {
	idx, found := t.keyIndex(key)
	if !found {
		return
	}
	list := t.docs[idx]
	di := sort.Search(len(list), func(i int) bool { return bytes.Compare(list[i], doc) >= 0 })
	if di >= len(list) || !bytes.Equal(list[di], doc) {
		return
	}
	list = append(list[:di], list[di+1:]...)
	if len(list) == 0 {
		t.keys = append(t.keys[:idx], t.keys[idx+1:]...)
		t.docs = append(t.docs[:idx], t.docs[idx+1:]...)
		return
	}
	t.docs[idx] = list
}

// Insert records that doc produced key, so that it appears in range scans
// ordered by key.
func (t *Tree) Insert(key, doc []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLog(opInsert, key, doc); err != nil {
		return err
	}
	t.applyInsert(key, doc)
	t.opsSinceCompact++
	return nil
}

// Delete removes the (key, doc) association.
func (t *Tree) Delete(key, doc []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLog(opDelete, key, doc); err != nil {
		return err
	}
	t.applyDelete(key, doc)
	t.opsSinceCompact++
	return nil
}

// Len returns the number of distinct keys currently indexed.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}

// Compact rewrites the log down to the minimal set of insert records
// needed to reproduce the current live state, discarding history. It
// should be called periodically once OpsSinceCompact() grows large
// relative to Len().
func (t *Tree) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tmpPath := t.path + ".compact"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for i, key := range t.keys {
		for _, doc := range t.docs[i] {
			buf := make([]byte, 0, 1+len(key)+len(doc)+2*binary.MaxVarintLen64)
			buf = append(buf, opInsert)
			buf = appendBytes(buf, key)
			buf = appendBytes(buf, doc)
			if _, err := w.Write(buf); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := t.logFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(t.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if _, err := nf.Seek(0, io.SeekEnd); err != nil {
		nf.Close()
		return err
	}
	t.logFile = nf
	t.opsSinceCompact = 0
	return nil
}

// OpsSinceCompact reports how many mutations have been appended since the
// last Compact (or Open, if Compact has never run).
func (t *Tree) OpsSinceCompact() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.opsSinceCompact
}

func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logFile.Close()
}

// Cursor scans a Tree's (key, docID) pairs in key order, flattening each
// key's document-ID list into individual steps. It operates over a
// point-in-time snapshot taken when the cursor is created, so concurrent
// mutations never invalidate an in-progress scan.
type Cursor struct {
	keys    [][]byte
	docs    [][][]byte
	keyIdx  int
	docIdx  int
	reverse bool
	started bool
}

// Cursor returns a new snapshot cursor positioned before the first entry.
func (t *Tree) Cursor() *Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Cursor{
		keys: append([][]byte(nil), t.keys...),
		docs: append([][][]byte(nil), t.docs...),
	}
	return c
}

// Jump positions the cursor so that Next returns the first entry whose key
// is >= target (forward mode) or the first entry whose key is <= target
// (reverse mode, set via SetReverse first). Returns false if there is no
// such entry.
func (c *Cursor) Jump(target []byte) bool {
	idx := sort.Search(len(c.keys), func(i int) bool { return bytes.Compare(c.keys[i], target) >= 0 })
	if c.reverse {
		if idx < len(c.keys) && bytes.Equal(c.keys[idx], target) {
			c.keyIdx = idx
		} else {
			c.keyIdx = idx - 1
		}
		c.docIdx = -1
		if c.keyIdx < 0 {
			return false
		}
	} else {
		c.keyIdx = idx
		c.docIdx = -1
		if c.keyIdx >= len(c.keys) {
			return false
		}
	}
	c.started = true
	return true
}

// SetReverse switches scan direction; call before Jump/Next.
func (c *Cursor) SetReverse(reverse bool) { c.reverse = reverse }

// Reset positions the cursor before the first (forward) or after the last
// (reverse) entry.
func (c *Cursor) Reset() {
	c.started = false
	c.keyIdx = 0
	c.docIdx = -1
	if c.reverse {
		c.keyIdx = len(c.keys) - 1
	}
}

// Next advances the cursor and returns the next (key, docID) pair.
func (c *Cursor) Next() (key []byte, doc []byte, ok bool) {
	if !c.started {
		c.started = true
		if c.reverse {
			c.keyIdx = len(c.keys) - 1
		} else {
			c.keyIdx = 0
		}
		c.docIdx = -1
	}
	for c.keyIdx >= 0 && c.keyIdx < len(c.keys) {
		list := c.docs[c.keyIdx]
		if c.reverse {
			if c.docIdx == -1 {
				c.docIdx = len(list) - 1
			}
			if c.docIdx >= 0 {
				k, d := c.keys[c.keyIdx], list[c.docIdx]
				c.docIdx--
				if c.docIdx < 0 {
					c.keyIdx--
					c.docIdx = -1
				}
				return k, d, true
			}
			c.keyIdx--
			c.docIdx = -1
			continue
		}
		c.docIdx++
		if c.docIdx < len(list) {
			return c.keys[c.keyIdx], list[c.docIdx], true
		}
		c.keyIdx++
		c.docIdx = -1
	}
	return nil, nil, false
}
