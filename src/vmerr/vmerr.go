// Package vmerr defines the error-code convention used throughout vmcore.
//
// Like the teacher kernel's defs.Err_t, a vmerr.Errno is a plain signed int:
// zero means success, negative means a named failure. There is no wrapping,
// no error interface, and no allocation on the failure path. Callers compare
// against OK or against a specific constant; they never format an Errno into
// a string except for logging.
package vmerr

// Errno is a kernel-style error code: 0 on success, negative on failure.
type Errno int

const (
	OK Errno = 0

	// EFAULT indicates a fault address has no supplemental page table entry
	// and is outside any growable region (stack, mmap, exec segment).
	EFAULT Errno = -1

	// ENOMEM indicates no frame could be obtained: the allocator is out of
	// free frames and the frame table holds no frame to evict.
	ENOMEM Errno = -2

	// EINVAL indicates a malformed request: unaligned address, zero-length
	// mapping, reserved descriptor, or similar caller error.
	EINVAL Errno = -3

	// EOVERLAP indicates a requested mmap range overlaps an existing
	// mapping or a region already backed by the supplemental page table.
	EOVERLAP Errno = -4

	// EIO indicates a collaborator (block device or file object) reported
	// a read or write failure.
	EIO Errno = -5

	// ENOHEAP indicates the swap store has no free slot for a page being
	// swapped out.
	ENOHEAP Errno = -6
)

var names = map[Errno]string{
	OK:       "ok",
	EFAULT:   "EFAULT",
	ENOMEM:   "ENOMEM",
	EINVAL:   "EINVAL",
	EOVERLAP: "EOVERLAP",
	EIO:      "EIO",
	ENOHEAP:  "ENOHEAP",
}

// String implements fmt.Stringer for diagnostic logging.
func (e Errno) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return "unknown errno"
}

// Ok reports whether e represents success.
func (e Errno) Ok() bool {
	return e == OK
}
