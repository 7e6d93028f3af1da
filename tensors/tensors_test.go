package tensors

import (
	"testing"

	"github.com/gomlx/embedplan/devices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestShape(t *testing.T) {
	scalar := MakeShape(dtypes.Float64)
	require.Equal(t, 0, scalar.Rank())
	require.Equal(t, 1, scalar.Size())
	require.Equal(t, 8, int(scalar.Memory()))

	shape := MakeShape(dtypes.Int32, 4, 3)
	require.Equal(t, 2, shape.Rank())
	require.Equal(t, 12, shape.Size())
	require.Equal(t, 4*12, int(shape.Memory()))
	assert.True(t, shape.Equal(MakeShape(dtypes.Int32, 4, 3)))
	assert.False(t, shape.Equal(MakeShape(dtypes.Int64, 4, 3)))
	assert.Equal(t, "(Int32)[4 3]", shape.String())
}

func TestFlatData(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.Equal(t, 6, tensor.Size())
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, ConstFlatData[int32](tensor))

	MutableFlatData[int32](tensor)[0] = 42
	assert.Equal(t, int32(42), ConstFlatData[int32](tensor)[0])

	assert.Panics(t, func() { ConstFlatData[float32](tensor) })
}

func TestFloat16(t *testing.T) {
	half := float16.Fromfloat32(0.5)
	tensor := FromFlatDataAndDimensions([]float16.Float16{half, half}, 2)
	require.Equal(t, dtypes.Float16, tensor.DType())
	require.Equal(t, 4, len(tensor.Bytes()))
	assert.Equal(t, float32(0.5), ConstFlatData[float16.Float16](tensor)[0].Float32())
}

func TestUpload(t *testing.T) {
	alloc := devices.NewHostAllocator(0)
	stream := devices.NewHostStream(0)

	tensor := FromFlatDataAndDimensions([]uint32{7, 8, 9}, 3)
	buf := tensor.UploadTo(alloc, stream)
	require.NotNil(t, buf)
	require.Equal(t, int64(12), buf.NumBytes())
	stream.Sync()

	got := make([]byte, 12)
	buf.CopyToHost(got, 0, nil)
	assert.Equal(t, tensor.Bytes(), got)

	// Second upload reuses the same device buffer.
	MutableFlatData[uint32](tensor)[1] = 80
	assert.Same(t, buf, tensor.UploadTo(alloc, nil))
	buf.CopyToHost(got, 0, nil)
	assert.Equal(t, tensor.Bytes(), got)
}
