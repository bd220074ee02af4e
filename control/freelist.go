package control

import (
	"sort"
	"sync/atomic"
)

// freeNode is one lock-free free-list entry: a byte offset into the
// managed segment of a block belonging to this size class.
type freeNode struct {
	next   atomic.Pointer[freeNode]
	offset int64
}

// freeList is a single size class's lock-free stack, the same push/pop CAS
// loop shape as GreyLog.
type freeList struct {
	size int
	head atomic.Pointer[freeNode]
}

func (fl *freeList) donate(offset int64) {
	n := &freeNode{offset: offset}
	for {
		old := fl.head.Load()
		n.next.Store(old)
		if fl.head.CompareAndSwap(old, n) {
			return
		}
	}
}

func (fl *freeList) take() (int64, bool) {
	for {
		old := fl.head.Load()
		if old == nil {
			return 0, false
		}
		next := old.next.Load()
		if fl.head.CompareAndSwap(old, next) {
			return old.offset, true
		}
	}
}

// FreeListSet holds one lock-free free list per size class. Size classes
// are fixed at construction (typically powers of two or a small bucketed
// series) and blocks are always donated and taken in units of a whole
// class, never split or coalesced — compaction is explicitly out of scope.
type FreeListSet struct {
	classes []freeList
}

// NewFreeListSet builds one free list per requested size class, sorted
// ascending so ClassFor can binary-search the smallest class that fits a
// request.
func NewFreeListSet(sizeClasses []int) *FreeListSet {
	sorted := append([]int(nil), sizeClasses...)
	sort.Ints(sorted)
	fs := &FreeListSet{classes: make([]freeList, len(sorted))}
	for i, s := range sorted {
		fs.classes[i].size = s
	}
	return fs
}

// ClassFor returns the index of the smallest size class that can satisfy a
// request of n bytes, or -1 if no class is large enough.
func (fs *FreeListSet) ClassFor(n int) int {
	idx := sort.Search(len(fs.classes), func(i int) bool {
		return fs.classes[i].size >= n
	})
	if idx == len(fs.classes) {
		return -1
	}
	return idx
}

// ClassSize returns the byte size of the given class index.
func (fs *FreeListSet) ClassSize(class int) int {
	return fs.classes[class].size
}

// Donate returns a freed block to its size class's free list, called by the
// sweeper for every reclaimed White object.
func (fs *FreeListSet) Donate(class int, offset int64) {
	fs.classes[class].donate(offset)
}

// Take pops a free block from the given size class, or reports none
// available; the allocator falls back to bumping the segment frontier.
func (fs *FreeListSet) Take(class int) (int64, bool) {
	return fs.classes[class].take()
}

// NumClasses reports how many size classes are configured.
func (fs *FreeListSet) NumClasses() int {
	return len(fs.classes)
}
