package store

import (
	"container/heap"
	"encoding/binary"
	"sort"
)

// freeRegion is one free byte range [Offset, Offset+Size) in the dynamic
// region of the file.
type freeRegion struct {
	Offset int64
	Size   int64
}

// freePool is the in-memory free-block pool from spec §4.2: a min-heap
// keyed by region size for best-fit allocation, with a secondary
// offset-ordered view for opportunistic neighbor merging on dealloc.
type freePool struct {
	bySize sizeHeap
	byOff  []freeRegion // kept sorted by Offset
}

func newFreePool() *freePool {
	return &freePool{}
}

type sizeHeap []freeRegion

func (h sizeHeap) Len() int            { return len(h) }
func (h sizeHeap) Less(i, j int) bool  { return h[i].Size < h[j].Size }
func (h sizeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sizeHeap) Push(x interface{}) { *h = append(*h, x.(freeRegion)) }
func (h *sizeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Reserve finds the smallest free region that fits n bytes (best fit) and
// removes it from the pool, returning (region, true); if oversized, the
// leftover tail is re-inserted as a new free region. Returns (zero, false)
// if no region fits and the caller must append at the file tail.
func (p *freePool) Reserve(n int64) (freeRegion, bool) {
	// Best-fit scan: the size-heap gives us O(1) smallest-overall but best
	// *fit* (smallest region >= n) requires a scan; pool sizes stay small
	// in practice (bounded by live fragmentation), so a linear scan over
	// the heap's backing slice is acceptable and keeps the heap invariant
	// simple to maintain incrementally.
	bestIdx := -1
	var best freeRegion
	for i, r := range p.bySize {
		if r.Size >= n && (bestIdx == -1 || r.Size < best.Size) {
			bestIdx = i
			best = r
		}
	}
	if bestIdx == -1 {
		return freeRegion{}, false
	}
	heap.Remove(&p.bySize, bestIdx)
	p.removeFromOffsetIndex(best)
	if best.Size > n {
		leftover := freeRegion{Offset: best.Offset + n, Size: best.Size - n}
		p.insertRaw(leftover)
		best.Size = n
	}
	return best, true
}

// Release returns a region to the pool, merging with any immediately
// adjacent free neighbors.
func (p *freePool) Release(r freeRegion) {
	idx := sort.Search(len(p.byOff), func(i int) bool { return p.byOff[i].Offset >= r.Offset })
	// merge with left neighbor
	if idx > 0 {
		left := p.byOff[idx-1]
		if left.Offset+left.Size == r.Offset {
			p.removeAtOffsetIdx(idx - 1)
			p.removeFromSizeHeap(left)
			r.Offset = left.Offset
			r.Size += left.Size
			idx--
		}
	}
	// merge with right neighbor
	if idx < len(p.byOff) {
		right := p.byOff[idx]
		if r.Offset+r.Size == right.Offset {
			p.removeAtOffsetIdx(idx)
			p.removeFromSizeHeap(right)
			r.Size += right.Size
		}
	}
	p.insertRaw(r)
}

func (p *freePool) insertRaw(r freeRegion) {
	if r.Size <= 0 {
		return
	}
	heap.Push(&p.bySize, r)
	idx := sort.Search(len(p.byOff), func(i int) bool { return p.byOff[i].Offset >= r.Offset })
	p.byOff = append(p.byOff, freeRegion{})
	copy(p.byOff[idx+1:], p.byOff[idx:])
	p.byOff[idx] = r
}

func (p *freePool) removeFromOffsetIndex(r freeRegion) {
	idx := sort.Search(len(p.byOff), func(i int) bool { return p.byOff[i].Offset >= r.Offset })
	if idx < len(p.byOff) && p.byOff[idx] == r {
		p.removeAtOffsetIdx(idx)
	}
}

func (p *freePool) removeAtOffsetIdx(idx int) {
	p.byOff = append(p.byOff[:idx], p.byOff[idx+1:]...)
}

func (p *freePool) removeFromSizeHeap(r freeRegion) {
	for i, v := range p.bySize {
		if v == r {
			heap.Remove(&p.bySize, i)
			return
		}
	}
}

// Regions returns a snapshot sorted by offset, used to persist the pool at
// close and for diagnostics.
func (p *freePool) Regions() []freeRegion {
	out := make([]freeRegion, len(p.byOff))
	copy(out, p.byOff)
	return out
}

// encodeFreePool packs the pool as a sequence of (offset, size) varint
// pairs sorted by offset, persisted in the dynamic region at close and
// reloaded at open (spec §4.2: "persisted at close as a packed array
// sorted by offset and reloaded at open").
func encodeFreePool(regions []freeRegion) []byte {
	buf := make([]byte, 0, len(regions)*2*binary.MaxVarintLen64+binary.MaxVarintLen64)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(regions)))
	buf = append(buf, tmp[:n]...)
	for _, r := range regions {
		n = binary.PutUvarint(tmp[:], uint64(r.Offset))
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(r.Size))
		buf = append(buf, tmp[:n]...)
	}
	return buf
}

func decodeFreePool(data []byte) ([]freeRegion, error) {
	pos := 0
	count, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return nil, errCorruptFreePool
	}
	pos += n
	out := make([]freeRegion, 0, count)
	for i := uint64(0); i < count; i++ {
		off, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, errCorruptFreePool
		}
		pos += n
		size, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, errCorruptFreePool
		}
		pos += n
		out = append(out, freeRegion{Offset: int64(off), Size: int64(size)})
	}
	return out, nil
}
