// Package devices defines the interface the embedding planning layer uses to
// talk to accelerator memory: an Allocator that owns one device's memory, a
// Stream that orders asynchronous copies on it, and Buffer handles for the
// allocations themselves.
//
// The planning layer never launches kernels and never dereferences device
// memory; it only allocates buffers and enqueues host<->device copies that
// parameterize external lookup/allreduce kernels. Copy calls with a non-nil
// Stream return once the transfer is *enqueued*, not completed: the caller
// must not reuse the host staging slice until Stream.Sync returns. A nil
// Stream requests a blocking default-stream copy instead -- a simplicity /
// latency tradeoff left to the caller.
//
// To simplify error handling, implementations are expected to throw (panic)
// a fatal.ResourceError with a stack trace in case of errors.
// See package github.com/gomlx/exceptions.
//
// The package also provides a host (in-process) implementation used by tests
// and CPU-only runs, with the same enqueue-then-Sync semantics.
package devices

import (
	"github.com/gomlx/embedplan/types/fatal"
)

// DeviceNum identifies which device holds a buffer or executes a copy.
// It's up to the implementation to interpret it.
type DeviceNum int

// Buffer is a handle to one contiguous device allocation.
//
// Buffers are opaque: the planning layer moves bytes in and out of them but
// never inspects device memory directly.
type Buffer interface {
	// Device returns the device holding this buffer.
	Device() DeviceNum

	// NumBytes returns the allocation size.
	NumBytes() int64

	// Word returns the buffer's opaque 8-byte handle as seen by device
	// kernels. It is what gets written into pointer tables.
	Word() uint64

	// CopyFromHost enqueues a copy of len(src) bytes from the host slice into
	// the buffer starting at byteOffset. With a nil stream the copy blocks
	// until complete; otherwise it is asynchronous on the stream.
	CopyFromHost(src []byte, byteOffset int64, stream Stream)

	// CopyToHost enqueues a copy of len(dst) bytes from the buffer starting at
	// byteOffset into the host slice. Same stream semantics as CopyFromHost.
	CopyToHost(dst []byte, byteOffset int64, stream Stream)
}

// Stream orders asynchronous copies on one device. Work enqueued on a stream
// completes in enqueue order; Sync blocks until everything enqueued so far
// has completed.
type Stream interface {
	Device() DeviceNum
	Sync()
}

// Allocator owns the memory of one device.
type Allocator interface {
	Device() DeviceNum

	// Allocate returns a new zero-initialized buffer of the given size.
	// Throws fatal.ResourceError if the device is out of memory.
	Allocate(numBytes int64) Buffer
}

// hostAllocator is the in-process Allocator: buffers are plain host slices.
type hostAllocator struct {
	device     DeviceNum
	nextHandle uint64
}

// NewHostAllocator returns an Allocator whose "device" memory lives in
// process memory. Used by tests and CPU-only runs.
func NewHostAllocator(device DeviceNum) Allocator {
	return &hostAllocator{device: device}
}

func (a *hostAllocator) Device() DeviceNum { return a.device }

func (a *hostAllocator) Allocate(numBytes int64) Buffer {
	if numBytes < 0 {
		fatal.Contractf("Allocate with negative size %d", numBytes)
	}
	a.nextHandle++
	return &hostBuffer{
		device: a.device,
		handle: a.nextHandle,
		data:   make([]byte, numBytes),
	}
}

type hostBuffer struct {
	device DeviceNum
	handle uint64
	data   []byte
}

func (b *hostBuffer) Device() DeviceNum { return b.device }
func (b *hostBuffer) NumBytes() int64   { return int64(len(b.data)) }
func (b *hostBuffer) Word() uint64      { return b.handle }

func (b *hostBuffer) CopyFromHost(src []byte, byteOffset int64, stream Stream) {
	b.checkRange(int64(len(src)), byteOffset)
	if stream == nil {
		copy(b.data[byteOffset:], src)
		return
	}
	enqueueOn(stream, b.device, func() {
		copy(b.data[byteOffset:], src)
	})
}

func (b *hostBuffer) CopyToHost(dst []byte, byteOffset int64, stream Stream) {
	b.checkRange(int64(len(dst)), byteOffset)
	if stream == nil {
		copy(dst, b.data[byteOffset:])
		return
	}
	enqueueOn(stream, b.device, func() {
		copy(dst, b.data[byteOffset:])
	})
}

func (b *hostBuffer) checkRange(numBytes, byteOffset int64) {
	if byteOffset < 0 || byteOffset+numBytes > int64(len(b.data)) {
		fatal.Contractf("copy of %d bytes at offset %d out of range of buffer with %d bytes",
			numBytes, byteOffset, len(b.data))
	}
}

// HostStream is the host Stream: enqueued copies are deferred until Sync, so
// tests exercise the same "don't touch staging until Sync" contract real
// devices impose.
type HostStream struct {
	device  DeviceNum
	pending []func()
}

// NewHostStream returns a stream for the given host "device".
func NewHostStream(device DeviceNum) *HostStream {
	return &HostStream{device: device}
}

func (s *HostStream) Device() DeviceNum { return s.device }

// Sync runs every pending copy in enqueue order.
func (s *HostStream) Sync() {
	pending := s.pending
	s.pending = nil
	for _, fn := range pending {
		fn()
	}
}

func enqueueOn(stream Stream, device DeviceNum, fn func()) {
	hs, ok := stream.(*HostStream)
	if !ok {
		fatal.Contractf("host buffer enqueued on non-host stream %T", stream)
	}
	if hs.device != device {
		fatal.Contractf("buffer on device %d enqueued on stream of device %d", device, hs.device)
	}
	hs.pending = append(hs.pending, fn)
}
