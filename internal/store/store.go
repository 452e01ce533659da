package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/softmotions/ejdb/internal/util"
	"github.com/softmotions/ejdb/internal/wal"
)

// PutMode selects the conflict behavior of Put, mirroring the three update
// strategies spec §4.2 lists: plain upsert, insert-only, and append-to-
// existing-value.
type PutMode int

const (
	// PutUpsert overwrites any existing value for the key.
	PutUpsert PutMode = iota
	// PutKeep fails with ErrKeyExists if the key is already present.
	PutKeep
	// PutCat appends the new bytes to any existing value for the key.
	PutCat
)

// defaultBucketCount is used when Options.BucketCount is zero. It is a
// prime comfortably larger than the trivial case so that PrimaryHash64 %
// bnum spreads keys reasonably before the first Optimize call.
const defaultBucketCount = 262139

// Options configures a store file. BucketCount is only consulted when the
// file does not already exist; reopening an existing file reads the bucket
// count from its on-disk header. NoWAL applies on every open, and a file
// created with NoWAL keeps the WAL disabled on later opens.
type Options struct {
	BucketCount uint64
	NoWAL       bool
}

// Store is a bucketed on-disk hash table: each bucket holds a binary
// search tree of records ordered by (hash-residue, key), per spec §4.2.
// Every structural mutation — record writes, bucket-head rewrites, header
// rewrites — goes through overwriteAt, which records a WAL before-image
// for any byte range that already held data.
type Store struct {
	mu   sync.RWMutex
	path string
	opts Options

	file  *os.File
	hdr   *header
	wal   *wal.Log
	free  *freePool
	async *asyncBuffer

	readOnly bool
}

// EnableAsync turns on the bounded async-put coalescing buffer with the
// given capacity (number of distinct queued keys before an automatic
// flush). Calling it more than once replaces the buffer, flushing any
// writes already queued in the old one first.
func (s *Store) EnableAsync(capacity int) error {
	s.mu.Lock()
	old := s.async
	s.async = newAsyncBuffer(s, capacity)
	s.mu.Unlock()
	if old != nil {
		return old.Flush()
	}
	return nil
}

// PutAsync queues a write in the async buffer (enabling it with a default
// capacity if it has not been enabled yet) instead of applying it
// synchronously.
func (s *Store) PutAsync(key, value []byte, mode PutMode) error {
	s.mu.Lock()
	if s.async == nil {
		s.async = newAsyncBuffer(s, 0)
	}
	a := s.async
	s.mu.Unlock()
	return a.Put(key, value, mode)
}

// FlushAsync drains every write currently queued in the async buffer.
func (s *Store) FlushAsync() error {
	s.mu.Lock()
	a := s.async
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Flush()
}

func (s *Store) flushAsyncKey(key []byte) error {
	s.mu.RLock()
	a := s.async
	s.mu.RUnlock()
	if a == nil {
		return nil
	}
	return a.FlushKey(key)
}

// Open creates the file at path if it does not exist (using opts) or opens
// it if it does, validating the header and loading the persisted free
// pool and the companion write-ahead log.
func Open(path string, opts Options) (*Store, error) {
	if opts.BucketCount == 0 {
		opts.BucketCount = defaultBucketCount
	}
	_, statErr := os.Stat(path)
	creating := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{path: path, opts: opts, file: f}

	if creating {
		s.hdr = &header{
			magic:   Magic,
			version: packedVersion(),
			bnum:    opts.BucketCount,
		}
		if opts.NoWAL {
			s.hdr.flags |= FlagNoWAL
		}
		s.hdr.fsiz = uint64(s.hdr.dynamicRegionOffset())
		if err := s.initLayout(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		hb := make([]byte, HeaderSize)
		if _, err := f.ReadAt(hb, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("store: read header: %w", err)
		}
		hdr, err := decodeHeader(hb)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.hdr = hdr
	}

	walLog, err := wal.Open(f, path+".wal", wal.Options{NoWAL: opts.NoWAL || s.hdr.flags&FlagNoWAL != 0})
	if err != nil {
		f.Close()
		return nil, err
	}
	s.wal = walLog

	if s.hdr.poolOff != 0 {
		buf := make([]byte, s.hdr.poolSize)
		if _, err := f.ReadAt(buf, int64(s.hdr.poolOff)); err != nil {
			f.Close()
			return nil, fmt.Errorf("store: read free pool: %w", err)
		}
		regions, err := decodeFreePool(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.free = newFreePool()
		for _, r := range regions {
			s.free.insertRaw(r)
		}
	} else {
		s.free = newFreePool()
	}

	return s, nil
}

// initLayout writes the header and a zeroed bucket array for a freshly
// created file.
func (s *Store) initLayout() error {
	if _, err := s.file.WriteAt(s.hdr.encode(), 0); err != nil {
		return err
	}
	zeros := make([]byte, s.hdr.bucketArraySize())
	if _, err := s.file.WriteAt(zeros, s.hdr.bucketArrayOffset()); err != nil {
		return err
	}
	return s.file.Sync()
}

// overwriteAt writes data at off, recording a WAL before-image for
// whatever portion of [off, off+len(data)) currently falls within the
// store's known file size, and grows the tracked file size if the write
// extends past it.
func (s *Store) overwriteAt(off int64, data []byte) error {
	curSize := int64(s.hdr.fsiz)
	if off < curSize {
		recordLen := int64(len(data))
		if off+recordLen > curSize {
			recordLen = curSize - off
		}
		before := make([]byte, recordLen)
		if _, err := s.file.ReadAt(before, off); err != nil {
			return fmt.Errorf("store: read before-image at %d: %w", off, err)
		}
		if err := s.wal.Record(off, before); err != nil {
			return err
		}
	}
	if _, err := s.file.WriteAt(data, off); err != nil {
		return err
	}
	if end := off + int64(len(data)); end > curSize {
		s.hdr.fsiz = uint64(end)
	}
	return nil
}

func (s *Store) writeHeader() error {
	return s.overwriteAt(0, s.hdr.encode())
}

func (s *Store) readBucketHead(bucket uint64) (int64, error) {
	buf := make([]byte, 8)
	if _, err := s.file.ReadAt(buf, s.hdr.bucketArrayOffset()+int64(bucket)*8); err != nil {
		return 0, fmt.Errorf("store: read bucket head: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func (s *Store) writeBucketHead(bucket uint64, offset int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(offset))
	return s.overwriteAt(s.hdr.bucketArrayOffset()+int64(bucket)*8, buf)
}

func (s *Store) readRecordHeaderAndKey(offset int64) (*recordHeader, []byte, error) {
	buf := make([]byte, recordHeaderSize)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, nil, fmt.Errorf("store: read record header at %d: %w", offset, err)
	}
	rh, err := decodeRecordHeader(buf)
	if err != nil {
		return nil, nil, err
	}
	key := make([]byte, rh.keySize)
	if rh.keySize > 0 {
		if _, err := s.file.ReadAt(key, offset+recordHeaderSize); err != nil {
			return nil, nil, fmt.Errorf("store: read record key at %d: %w", offset, err)
		}
	}
	return rh, key, nil
}

func (s *Store) readRecordValue(offset int64, rh *recordHeader) ([]byte, error) {
	val := make([]byte, rh.valSize)
	if rh.valSize > 0 {
		if _, err := s.file.ReadAt(val, offset+recordHeaderSize+int64(rh.keySize)); err != nil {
			return nil, fmt.Errorf("store: read record value at %d: %w", offset, err)
		}
	}
	return val, nil
}

func buildRecordBytes(rh *recordHeader, key, value []byte) []byte {
	total := recordHeaderSize + len(key) + len(value) + int(rh.padSize)
	buf := make([]byte, total)
	copy(buf, encodeRecordHeader(rh))
	copy(buf[recordHeaderSize:], key)
	copy(buf[recordHeaderSize+len(key):], value)
	return buf
}

func compareResidueKey(ra byte, ka []byte, rb byte, kb []byte) int {
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	n := len(ka)
	if len(kb) < n {
		n = len(kb)
	}
	for i := 0; i < n; i++ {
		if ka[i] != kb[i] {
			if ka[i] < kb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ka) < len(kb):
		return -1
	case len(ka) > len(kb):
		return 1
	default:
		return 0
	}
}

// findNode descends the bucket's BST chain looking for key. If found,
// nodeOff is its offset and rh/nodeKey its decoded header/key. If absent,
// nodeOff is 0 and (parentOff, parentIsLeft, parentIsHead) describe where
// a new node must be linked in: parentIsHead means the bucket itself is
// empty and the new node becomes its head.
func (s *Store) findNode(bucket uint64, residue byte, key []byte) (nodeOff, parentOff int64, parentIsLeft, parentIsHead bool, rh *recordHeader, nodeKey []byte, err error) {
	head, err := s.readBucketHead(bucket)
	if err != nil {
		return 0, 0, false, false, nil, nil, err
	}
	if head == 0 {
		return 0, 0, false, true, nil, nil, nil
	}
	cur := head
	parent := int64(0)
	parentLeft := false
	parentHead := true
	for cur != 0 {
		crh, ckey, err := s.readRecordHeaderAndKey(cur)
		if err != nil {
			return 0, 0, false, false, nil, nil, err
		}
		cmp := compareResidueKey(residue, key, crh.residue, ckey)
		if cmp == 0 {
			return cur, parent, parentLeft, parentHead, crh, ckey, nil
		}
		parent = cur
		parentHead = false
		if cmp < 0 {
			parentLeft = true
			cur = int64(crh.left)
		} else {
			parentLeft = false
			cur = int64(crh.right)
		}
	}
	return 0, parent, parentLeft, parentHead, nil, nil, nil
}

// setChildPointer rewrites the pointer that currently leads to a node,
// either the bucket head slot (parentIsHead) or one child field of
// parentOff's record header.
func (s *Store) setChildPointer(parentOff int64, parentIsLeft, parentIsHead bool, bucket uint64, child uint64) error {
	if parentIsHead {
		return s.writeBucketHead(bucket, int64(child))
	}
	buf := make([]byte, recordHeaderSize)
	if _, err := s.file.ReadAt(buf, parentOff); err != nil {
		return err
	}
	if parentIsLeft {
		binary.LittleEndian.PutUint64(buf[2:10], child)
	} else {
		binary.LittleEndian.PutUint64(buf[10:18], child)
	}
	return s.overwriteAt(parentOff, buf)
}

func (s *Store) rewriteNodeChildren(offset int64, left, right uint64) error {
	buf := make([]byte, recordHeaderSize)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[2:10], left)
	binary.LittleEndian.PutUint64(buf[10:18], right)
	return s.overwriteAt(offset, buf)
}

// allocate returns an offset with at least n free bytes, drawing from the
// free pool first and falling back to a tail append.
func (s *Store) allocate(n int64) int64 {
	if r, ok := s.free.Reserve(n); ok {
		return r.Offset
	}
	return int64(s.hdr.fsiz)
}

func bucketOf(key []byte, bnum uint64) (uint64, byte) {
	h := util.PrimaryHash64(key)
	return util.BucketIndex(h, bnum), util.BucketResidue(h)
}

// Put inserts or updates key according to mode.
func (s *Store) Put(key, value []byte, mode PutMode) error {
	if err := s.flushAsyncKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	bucket, residue := bucketOf(key, s.hdr.bnum)

	if err := s.wal.Begin(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			s.wal.Abort()
		}
	}()

	nodeOff, parentOff, parentIsLeft, parentIsHead, rh, _, err := s.findNode(bucket, residue, key)
	if err != nil {
		return err
	}

	switch {
	case nodeOff != 0 && mode == PutKeep:
		return ErrKeyExists

	case nodeOff != 0:
		finalValue := value
		if mode == PutCat {
			old, err := s.readRecordValue(nodeOff, rh)
			if err != nil {
				return err
			}
			finalValue = append(append([]byte{}, old...), value...)
		}
		needed := int64(len(key)) + int64(len(finalValue))
		if needed <= recordPayloadCapacity(rh) {
			newRH := &recordHeader{
				residue: rh.residue,
				left:    rh.left,
				right:   rh.right,
				keySize: uint64(len(key)),
				valSize: uint64(len(finalValue)),
				padSize: uint64(recordPayloadCapacity(rh) - needed),
			}
			if err := s.overwriteAt(nodeOff, buildRecordBytes(newRH, key, finalValue)); err != nil {
				return err
			}
		} else {
			newOff := s.allocate(recordHeaderSize + needed)
			newRH := &recordHeader{residue: rh.residue, left: rh.left, right: rh.right, keySize: uint64(len(key)), valSize: uint64(len(finalValue))}
			if err := s.overwriteAt(newOff, buildRecordBytes(newRH, key, finalValue)); err != nil {
				return err
			}
			s.free.Release(freeRegion{Offset: nodeOff, Size: recordTotalSize(rh)})
			if err := s.setChildPointer(parentOff, parentIsLeft, parentIsHead, bucket, uint64(newOff)); err != nil {
				return err
			}
		}

	default:
		newOff := s.allocate(recordHeaderSize + int64(len(key)) + int64(len(value)))
		newRH := &recordHeader{residue: residue, keySize: uint64(len(key)), valSize: uint64(len(value))}
		if err := s.overwriteAt(newOff, buildRecordBytes(newRH, key, value)); err != nil {
			return err
		}
		if err := s.setChildPointer(parentOff, parentIsLeft, parentIsHead, bucket, uint64(newOff)); err != nil {
			return err
		}
		s.hdr.rnum++
	}

	if err := s.writeHeader(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	if err := s.wal.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Get returns the value stored for key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	if err := s.flushAsyncKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, residue := bucketOf(key, s.hdr.bnum)
	nodeOff, _, _, _, rh, _, err := s.findNode(bucket, residue, key)
	if err != nil {
		return nil, err
	}
	if nodeOff == 0 {
		return nil, ErrNotFound
	}
	return s.readRecordValue(nodeOff, rh)
}

// Out deletes key, or returns ErrNotFound.
func (s *Store) Out(key []byte) error {
	if err := s.flushAsyncKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	bucket, residue := bucketOf(key, s.hdr.bnum)

	if err := s.wal.Begin(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			s.wal.Abort()
		}
	}()

	nodeOff, parentOff, parentIsLeft, parentIsHead, rh, _, err := s.findNode(bucket, residue, key)
	if err != nil {
		return err
	}
	if nodeOff == 0 {
		return ErrNotFound
	}

	var newChild uint64
	switch {
	case rh.left == 0 && rh.right == 0:
		newChild = 0
	case rh.left == 0:
		newChild = rh.right
	case rh.right == 0:
		newChild = rh.left
	default:
		succParent := nodeOff
		succOff := int64(rh.right)
		succRH, _, err := s.readRecordHeaderAndKey(succOff)
		if err != nil {
			return err
		}
		for succRH.left != 0 {
			succParent = succOff
			succOff = int64(succRH.left)
			succRH, _, err = s.readRecordHeaderAndKey(succOff)
			if err != nil {
				return err
			}
		}
		newRight := rh.right
		if succParent != nodeOff {
			if err := s.setChildPointer(succParent, true, false, 0, succRH.right); err != nil {
				return err
			}
		} else {
			newRight = succRH.right
		}
		if err := s.rewriteNodeChildren(succOff, rh.left, newRight); err != nil {
			return err
		}
		newChild = uint64(succOff)
	}

	if err := s.setChildPointer(parentOff, parentIsLeft, parentIsHead, bucket, newChild); err != nil {
		return err
	}
	s.free.Release(freeRegion{Offset: nodeOff, Size: recordTotalSize(rh)})
	s.hdr.rnum--

	if err := s.writeHeader(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	if err := s.wal.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Iterate visits every live record in unspecified (per-bucket in-order)
// order, stopping early if visit returns false.
func (s *Store) Iterate(visit func(key, value []byte) bool) error {
	if err := s.FlushAsync(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for b := uint64(0); b < s.hdr.bnum; b++ {
		head, err := s.readBucketHead(b)
		if err != nil {
			return err
		}
		cont, err := s.walkInOrder(head, visit)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *Store) walkInOrder(offset int64, visit func(key, value []byte) bool) (bool, error) {
	if offset == 0 {
		return true, nil
	}
	rh, key, err := s.readRecordHeaderAndKey(offset)
	if err != nil {
		return false, err
	}
	cont, err := s.walkInOrder(int64(rh.left), visit)
	if err != nil || !cont {
		return cont, err
	}
	val, err := s.readRecordValue(offset, rh)
	if err != nil {
		return false, err
	}
	if !visit(key, val) {
		return false, nil
	}
	return s.walkInOrder(int64(rh.right), visit)
}

// RecordCount returns the number of live records.
func (s *Store) RecordCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hdr.rnum
}

// Sync flushes the underlying file to stable storage.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Sync()
}

func (s *Store) persistFreePool() error {
	regions := s.free.Regions()
	data := encodeFreePool(regions)
	off := int64(s.hdr.fsiz)
	if err := s.overwriteAt(off, data); err != nil {
		return err
	}
	s.hdr.poolOff = uint64(off)
	s.hdr.poolSize = uint64(len(data))
	return s.writeHeader()
}

// Close persists the free pool and header, syncs, and closes the file and
// its WAL.
func (s *Store) Close() error {
	s.mu.RLock()
	a := s.async
	s.mu.RUnlock()
	if a != nil {
		if err := a.Flush(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.wal.Begin(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			s.wal.Abort()
		}
	}()
	if err := s.persistFreePool(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	if err := s.wal.Commit(); err != nil {
		return err
	}
	committed = true
	if err := s.wal.Close(); err != nil {
		return err
	}
	return s.file.Close()
}

// Defrag reclaims trailing free space by truncating the file whenever the
// highest-offset free region touches end-of-file, up to maxSteps times
// (each step can only remove one such region, since Release already
// merges adjacent free regions together). It is a cheap, always-safe
// compaction primitive suitable for periodic background maintenance;
// Optimize performs the heavier full rewrite that also defragments
// interior holes.
func (s *Store) Defrag(maxSteps int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return 0, ErrReadOnly
	}
	if err := s.wal.Begin(); err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			s.wal.Abort()
		}
	}()
	moved := 0
	for i := 0; i < maxSteps; i++ {
		regions := s.free.byOff
		if len(regions) == 0 {
			break
		}
		last := regions[len(regions)-1]
		if uint64(last.Offset+last.Size) != s.hdr.fsiz {
			break
		}
		s.free.removeFromOffsetIndex(last)
		s.free.removeFromSizeHeap(last)
		if err := s.file.Truncate(last.Offset); err != nil {
			return moved, err
		}
		s.hdr.fsiz = uint64(last.Offset)
		moved++
	}
	if moved > 0 {
		if err := s.writeHeader(); err != nil {
			return moved, err
		}
		if err := s.file.Sync(); err != nil {
			return moved, err
		}
	}
	if err := s.wal.Commit(); err != nil {
		return moved, err
	}
	committed = true
	return moved, nil
}

// Optimize performs a full offline-style compaction: every live record is
// rewritten in bucket order into a fresh file (optionally re-bucketed to
// newBucketCount, or the current bucket count if zero), eliminating all
// fragmentation and shrinking the file to its live-data footprint. The
// store's identity (its path) is preserved; the old file is replaced
// atomically via rename.
func (s *Store) Optimize(newBucketCount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	if newBucketCount == 0 {
		newBucketCount = s.hdr.bnum
	}
	tmpPath := s.path + ".opt"
	os.Remove(tmpPath)
	os.Remove(tmpPath + ".wal")

	ns, err := Open(tmpPath, Options{BucketCount: newBucketCount, NoWAL: s.opts.NoWAL})
	if err != nil {
		return err
	}

	var copyErr error
	for b := uint64(0); b < s.hdr.bnum && copyErr == nil; b++ {
		head, err := s.readBucketHead(b)
		if err != nil {
			copyErr = err
			break
		}
		_, copyErr = s.walkInOrderCollect(head, ns)
	}
	if copyErr != nil {
		ns.Close()
		os.Remove(tmpPath)
		os.Remove(tmpPath + ".wal")
		return copyErr
	}
	if err := ns.Close(); err != nil {
		return err
	}

	if err := s.wal.Close(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	os.Remove(s.path + ".wal")
	if err := os.Rename(tmpPath+".wal", s.path+".wal"); err != nil && !os.IsNotExist(err) {
		return err
	}

	reopened, err := Open(s.path, s.opts)
	if err != nil {
		return err
	}
	s.file = reopened.file
	s.hdr = reopened.hdr
	s.wal = reopened.wal
	s.free = reopened.free
	return nil
}

func (s *Store) walkInOrderCollect(offset int64, dst *Store) (bool, error) {
	if offset == 0 {
		return true, nil
	}
	rh, key, err := s.readRecordHeaderAndKey(offset)
	if err != nil {
		return false, err
	}
	if _, err := s.walkInOrderCollect(int64(rh.left), dst); err != nil {
		return false, err
	}
	val, err := s.readRecordValue(offset, rh)
	if err != nil {
		return false, err
	}
	if err := dst.Put(key, val, PutUpsert); err != nil {
		return false, err
	}
	if _, err := s.walkInOrderCollect(int64(rh.right), dst); err != nil {
		return false, err
	}
	return true, nil
}
