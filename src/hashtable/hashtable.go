// Package hashtable provides a sharded, lock-per-bucket hash table keyed by
// uintptr, used by spt for its uva -> descriptor lookup. Adapted from the
// teacher's biscuit/src/hashtable, generified: the original keyed on
// interface{} and type-switched on ustr.Ustr/int/string; this module has
// exactly one key domain (virtual addresses) so the key type is fixed to
// uintptr and held as a Go type parameter for the stored value instead.
package hashtable

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem[V any] struct {
	key  uintptr
	val  V
	next unsafe.Pointer // *elem[V], accessed via atomic load/store
}

type bucket[V any] struct {
	sync.Mutex
	first unsafe.Pointer // *elem[V]
}

// Table is a hash table mapping uintptr keys to values of type V. Get is
// lock-free; Set and Del take the bucket lock. This matches the teacher
// hashtable's design: readers (fault handlers, the clock scan) vastly
// outnumber writers (insert/destroy), so paying for a lock only on the
// write path is worth the atomic-pointer bookkeeping on the read path.
type Table[V any] struct {
	buckets []*bucket[V]
}

// New allocates a table with nbuckets shards.
func New[V any](nbuckets int) *Table[V] {
	t := &Table[V]{buckets: make([]*bucket[V], nbuckets)}
	for i := range t.buckets {
		t.buckets[i] = &bucket[V]{}
	}
	return t
}

func (t *Table[V]) bucketFor(key uintptr) *bucket[V] {
	h := uintptr(2654435761) * key
	return t.buckets[int(h%uintptr(len(t.buckets)))]
}

func loadElem[V any](p *unsafe.Pointer) *elem[V] {
	return (*elem[V])(atomic.LoadPointer(p))
}

func storeElem[V any](p *unsafe.Pointer, e *elem[V]) {
	atomic.StorePointer(p, unsafe.Pointer(e))
}

// Get returns the value stored for key, without taking any lock.
func (t *Table[V]) Get(key uintptr) (V, bool) {
	b := t.bucketFor(key)
	for e := loadElem[V](&b.first); e != nil; e = loadElem[V](&e.next) {
		if e.key == key {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts key/val, returning false if key was already present (the
// existing value is left untouched, matching the teacher's Set semantics).
func (t *Table[V]) Set(key uintptr, val V) bool {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()

	for e := (*elem[V])(b.first); e != nil; e = (*elem[V])(e.next) {
		if e.key == key {
			return false
		}
	}
	n := &elem[V]{key: key, val: val, next: b.first}
	storeElem[V](&b.first, n)
	return true
}

// Del removes key. It panics if key is not present, matching the teacher's
// "deleting what you don't have is a bug" convention.
func (t *Table[V]) Del(key uintptr) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()

	var prev *elem[V]
	for e := (*elem[V])(b.first); e != nil; e = (*elem[V])(e.next) {
		if e.key == key {
			if prev == nil {
				storeElem[V](&b.first, (*elem[V])(e.next))
			} else {
				storeElem[V](&prev.next, (*elem[V])(e.next))
			}
			return
		}
		prev = e
	}
	panic("hashtable: del of non-existing key")
}

// Iter calls f for every key/value pair. Iteration stops early if f returns
// true. Iter does not take any bucket lock; concurrent Set/Del may or may
// not be observed mid-iteration, the same weak guarantee the teacher's Iter
// provides.
func (t *Table[V]) Iter(f func(key uintptr, val V) bool) bool {
	for _, b := range t.buckets {
		for e := loadElem[V](&b.first); e != nil; e = loadElem[V](&e.next) {
			if f(e.key, e.val) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of entries currently stored. It takes every
// bucket's lock in turn, so the result is a snapshot, not a consistent
// global count under concurrent writers.
func (t *Table[V]) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.Lock()
		for e := (*elem[V])(b.first); e != nil; e = (*elem[V])(e.next) {
			n++
		}
		b.Unlock()
	}
	return n
}
