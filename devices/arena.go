package devices

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/embedplan/types/fatal"
	"k8s.io/klog/v2"
)

// rangeAlignment is the byte alignment of every reserved range. 256 bytes
// keeps each range on a cache-line and copy-engine friendly boundary.
const rangeAlignment = 256

// Range is a byte range inside an Arena: offset + length, never a pointer.
// Ranges stay valid across the arena's backing (re-)allocation.
type Range struct {
	Offset   int64
	NumBytes int64
}

// Arena is a shared allocation channel: several gradient groups reserve byte
// ranges up front, then one backing buffer is allocated for all of them, so a
// single collective call can cover every group's gradients.
//
// Lifecycle: Reserve any number of ranges, then Allocate once, then Resolve
// ranges into the backing buffer. Reserving after Allocate, or resolving
// before it, is a contract violation. Groups hold only Ranges; the arena owns
// the backing buffer, so resizing between steps (Release + re-Allocate) can
// never leave a dangling reference behind.
type Arena struct {
	channel  int
	alloc    Allocator
	reserved int64
	backing  Buffer
}

// NewArena creates an empty arena for the given channel id on the allocator's
// device.
func NewArena(alloc Allocator, channel int) *Arena {
	return &Arena{channel: channel, alloc: alloc}
}

// Channel returns the arena's channel id.
func (a *Arena) Channel() int { return a.channel }

// Device returns the device the backing buffer lives on.
func (a *Arena) Device() DeviceNum { return a.alloc.Device() }

// Reserved returns the total bytes reserved so far, including alignment
// padding.
func (a *Arena) Reserved() int64 { return a.reserved }

// Allocated reports whether the backing buffer exists.
func (a *Arena) Allocated() bool { return a.backing != nil }

// Reserve claims numBytes from the arena and returns its range. The range's
// offset is aligned; its NumBytes is the requested size, not the padded one.
func (a *Arena) Reserve(numBytes int64) Range {
	if a.backing != nil {
		fatal.Contractf("arena channel %d: Reserve after Allocate", a.channel)
	}
	if numBytes <= 0 {
		fatal.Contractf("arena channel %d: Reserve of %d bytes", a.channel, numBytes)
	}
	r := Range{Offset: a.reserved, NumBytes: numBytes}
	padded := (numBytes + rangeAlignment - 1) / rangeAlignment * rangeAlignment
	a.reserved += padded
	return r
}

// Allocate materializes the backing buffer covering every reserved range.
func (a *Arena) Allocate() {
	if a.backing != nil {
		fatal.Contractf("arena channel %d: Allocate called twice", a.channel)
	}
	if a.reserved == 0 {
		fatal.Contractf("arena channel %d: Allocate with no reservations", a.channel)
	}
	a.backing = a.alloc.Allocate(a.reserved)
	klog.V(1).Infof("arena channel %d: allocated %s on device %d",
		a.channel, humanize.IBytes(uint64(a.reserved)), a.alloc.Device())
}

// Release drops the backing buffer; existing Ranges survive and become
// resolvable again after the next Allocate.
func (a *Arena) Release() { a.backing = nil }

// Resolve returns the backing buffer and the range's byte offset inside it.
func (a *Arena) Resolve(r Range) (Buffer, int64) {
	if a.backing == nil {
		fatal.Contractf("arena channel %d: Resolve before Allocate", a.channel)
	}
	if r.Offset < 0 || r.Offset+r.NumBytes > a.reserved {
		fatal.Contractf("arena channel %d: range [%d, %d) outside reserved %d bytes",
			a.channel, r.Offset, r.Offset+r.NumBytes, a.reserved)
	}
	return a.backing, r.Offset
}
