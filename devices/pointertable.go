package devices

import (
	"encoding/binary"

	"github.com/gomlx/embedplan/types/fatal"
)

// handleBytes is the width of one entry in a PointerTable: one opaque device
// handle word.
const handleBytes = 8

// PointerTable is a typed table of device buffer handles, used to hand a
// heterogeneous list of buffers (e.g. per-lookup key arrays of different
// lengths) to a kernel in one upload.
//
// Each entry is one opaque 8-byte handle word with a declared element stride:
// the byte width of the elements the pointed-to buffers hold. Kernels use the
// stride to index into the pointed-to buffers without per-entry type tags; the
// host keeps the handle list and re-uploads it once per step.
//
// The table replaces raw pointer-array casts: the host/device synchronization
// contract is explicit (Upload enqueues, Stream.Sync completes), and entries
// are handles, never dereferenceable host pointers.
type PointerTable struct {
	elemStride int64
	handles    []Buffer
	table      Buffer
	staging    []byte
}

// NewPointerTable creates a table with capacity entries whose pointed-to
// buffers hold elements of elemStride bytes. The device-side array is
// allocated immediately so its address is stable across steps.
func NewPointerTable(alloc Allocator, capacity int, elemStride int64) *PointerTable {
	if capacity <= 0 {
		fatal.Contractf("pointer table needs positive capacity, got %d", capacity)
	}
	if elemStride <= 0 {
		fatal.Contractf("pointer table needs positive element stride, got %d", elemStride)
	}
	return &PointerTable{
		elemStride: elemStride,
		handles:    make([]Buffer, 0, capacity),
		table:      alloc.Allocate(int64(capacity) * handleBytes),
		staging:    make([]byte, capacity*handleBytes),
	}
}

// ElemStride returns the declared byte width of the pointed-to elements.
func (pt *PointerTable) ElemStride() int64 { return pt.elemStride }

// Len returns the number of entries currently set.
func (pt *PointerTable) Len() int { return len(pt.handles) }

// Capacity returns the maximum number of entries.
func (pt *PointerTable) Capacity() int { return len(pt.staging) / handleBytes }

// Reset drops all entries, keeping the device allocation.
func (pt *PointerTable) Reset() { pt.handles = pt.handles[:0] }

// Append adds one buffer handle to the table.
func (pt *PointerTable) Append(buf Buffer) {
	if len(pt.handles) >= pt.Capacity() {
		fatal.Contractf("pointer table full: capacity %d", pt.Capacity())
	}
	pt.handles = append(pt.handles, buf)
}

// At returns the i-th entry's buffer handle (host side).
func (pt *PointerTable) At(i int) Buffer { return pt.handles[i] }

// DeviceTable returns the device buffer holding the uploaded handle words.
func (pt *PointerTable) DeviceTable() Buffer { return pt.table }

// Upload encodes the handle words and enqueues the host->device copy on the
// given stream (blocking if stream is nil). The internal staging area is
// owned by the table, so the caller may mutate its own buffers right away;
// the table itself must not be Reset or Appended to until the stream syncs.
func (pt *PointerTable) Upload(stream Stream) {
	for ii, h := range pt.handles {
		binary.LittleEndian.PutUint64(pt.staging[ii*handleBytes:], h.Word())
	}
	pt.table.CopyFromHost(pt.staging[:len(pt.handles)*handleBytes], 0, stream)
}
