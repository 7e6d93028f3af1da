/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements the typed buffer container the planning layer
// hands to kernels: a flat host array with a shape (dtype + dimensions) and an
// optional device materialization.
//
// It is deliberately small -- not a general tensor library. The planning
// layer only ever builds flat index/size/offset arrays and uploads them, so a
// Tensor here is a host slice plus a devices.Buffer, with the upload enqueued
// on a caller-supplied stream (asynchronous -- see the devices package for
// the staging-buffer contract).
//
// DTypes come from github.com/gomlx/gopjrt/dtypes; float16 values use
// github.com/x448/float16.
//
// Concurrency: a Tensor is exclusively owned by the thread driving its
// device's training step; there is no internal locking.
package tensors

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/embedplan/devices"
	"github.com/gomlx/embedplan/types/fatal"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape is the dtype and dimensions of a Tensor.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// MakeShape returns a Shape with the given dtype and dimensions.
// Dimensions must be non-negative.
func MakeShape(dtype dtypes.DType, dimensions ...int) Shape {
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("MakeShape: negative dimension in %v", dimensions)
		}
	}
	return Shape{DType: dtype, Dimensions: dimensions}
}

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Size returns the number of elements: the product of all dimensions, 1 for a scalar.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the shape's elements.
func (s Shape) Memory() uintptr { return s.DType.Memory() * uintptr(s.Size()) }

// Equal compares dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.DType != other.DType || len(s.Dimensions) != len(other.Dimensions) {
		return false
	}
	for ii, dim := range s.Dimensions {
		if dim != other.Dimensions[ii] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Tensor is a flat host array with a Shape and, after UploadTo, a device copy.
type Tensor struct {
	shape  Shape
	flat   []byte
	device devices.Buffer
}

// FromShape creates a zero-initialized tensor of the given shape.
func FromShape(shape Shape) *Tensor {
	return &Tensor{shape: shape, flat: make([]byte, shape.Memory())}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// initialized with the flattened values. len(data) must match the shape size.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := MakeShape(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions: got %d values for shape %s", len(data), shape)
	}
	t := FromShape(shape)
	copy(MutableFlatData[T](t), data)
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() Shape { return t.shape }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Bytes returns the host data as raw bytes, owned by the tensor.
func (t *Tensor) Bytes() []byte { return t.flat }

// ConstFlatData returns the host data as a flat []T, owned by the tensor and
// not to be modified. Panics if T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor) []T {
	return flatData[T](t)
}

// MutableFlatData returns the host data as a mutable flat []T. The device
// copy, if any, goes out of sync until the next Upload.
func MutableFlatData[T dtypes.Supported](t *Tensor) []T {
	return flatData[T](t)
}

func flatData[T dtypes.Supported](t *Tensor) []T {
	dtype := dtypes.FromGenericsType[T]()
	if t.shape.DType != dtype {
		var v T
		exceptions.Panicf("flat data access with [%T] is incompatible with tensor dtype %s", v, t.shape.DType)
	}
	if len(t.flat) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.flat[0])), t.shape.Size())
}

// UploadTo allocates the device copy (first call only) and enqueues the
// host->device transfer on the stream. A nil stream blocks until the copy
// completes; otherwise the host data must not be mutated until the stream
// syncs. Returns the device buffer.
func (t *Tensor) UploadTo(alloc devices.Allocator, stream devices.Stream) devices.Buffer {
	if t.device == nil {
		t.device = alloc.Allocate(int64(len(t.flat)))
	}
	if len(t.flat) > 0 {
		t.device.CopyFromHost(t.flat, 0, stream)
	}
	return t.device
}

// Upload re-enqueues the host->device transfer. The tensor must have been
// uploaded through UploadTo before.
func (t *Tensor) Upload(stream devices.Stream) {
	if t.device == nil {
		fatal.Contractf("Upload before UploadTo: tensor %s has no device buffer", t.shape)
	}
	if len(t.flat) > 0 {
		t.device.CopyFromHost(t.flat, 0, stream)
	}
}

// DeviceBuffer returns the device copy, or nil if the tensor was never
// uploaded.
func (t *Tensor) DeviceBuffer() devices.Buffer { return t.device }
