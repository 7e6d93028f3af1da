package embedding

import (
	"testing"

	"github.com/gomlx/embedplan/devices"
	"github.com/gomlx/embedplan/tensors"
	"github.com/gomlx/embedplan/types/fatal"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputLayout(t *testing.T) {
	// Vector sizes [8, 8, 16] in feature-major layout.
	c := NewCollection(newTestConfig())
	attr := NewOutputAttr(c)

	require.Equal(t, 3, attr.NumLookups())
	assert.Equal(t, FeatureMajor, attr.Layout())
	assert.Equal(t, 0, attr.StartOffset(0))
	assert.Equal(t, 8, attr.StartOffset(1))
	assert.Equal(t, 16, attr.StartOffset(2))
	assert.True(t, attr.IsRagged())
	assert.True(t, attr.IsAligned(), "feature-major blocks are contiguous per lookup")
	assert.Equal(t, 16, attr.MaxEVSize())
	assert.Equal(t, 8+8+16, attr.ElementsPerSample())
	assert.Equal(t, CombinerSum, attr.CombinerOf(0))
	assert.Equal(t, CombinerConcat, attr.CombinerOf(1))
	assert.Equal(t, 8*(8+8+16), attr.OutputElements(c.BatchSize()))
}

func TestOutputAlignment(t *testing.T) {
	// Ragged batch-major rows have no uniform stride.
	cfg := newTestConfig()
	cfg.OutputLayout = BatchMajor
	attr := NewOutputAttr(NewCollection(cfg))
	assert.True(t, attr.IsRagged())
	assert.False(t, attr.IsAligned())

	// Uniform widths align in either layout.
	cfg.Lookups[2].EVSize = 8
	attr = NewOutputAttr(NewCollection(cfg))
	assert.False(t, attr.IsRagged())
	assert.True(t, attr.IsAligned())
}

func TestHotnessCache(t *testing.T) {
	cfg := newTestConfig()
	c := NewCollection(cfg)
	attr := NewOutputAttr(c)
	require.Equal(t, 10+2+3, attr.HotnessSum())
	assert.Equal(t, 10, attr.Hotness(0))

	// The cache is refreshed explicitly when the batch composition changes.
	cfg.Lookups[0].MaxHotness = 20
	rebuilt := NewCollection(cfg)
	attr.Recompute(rebuilt)
	assert.Equal(t, 20+2+3, attr.HotnessSum())

	// A collection with a different lookup set cannot refresh this layout.
	cfg.Lookups = cfg.Lookups[:2]
	smaller := NewCollection(cfg)
	e := exceptions.TryCatch[*fatal.ContractViolationError](func() { attr.Recompute(smaller) })
	require.NotNil(t, e)
	assert.Contains(t, e.Error(), "layout built for 3")
}

func TestOutputAttrUpload(t *testing.T) {
	alloc := devices.NewHostAllocator(0)
	stream := devices.NewHostStream(0)
	attr := NewOutputAttr(NewCollection(newTestConfig()))

	attr.Upload(alloc, stream)
	stream.Sync()

	require.NotNil(t, attr.DeviceEVSizes())
	got := make([]byte, attr.DeviceStartOffsets().Shape().Memory())
	attr.DeviceStartOffsets().DeviceBuffer().CopyToHost(got, 0, nil)
	assert.Equal(t, attr.DeviceStartOffsets().Bytes(), got)
	assert.Equal(t, []int32{0, 8, 16, 32}, tensors.ConstFlatData[int32](attr.DeviceStartOffsets()))
	assert.Equal(t, []int8{int8(CombinerSum), int8(CombinerConcat), int8(CombinerConcat)},
		tensors.ConstFlatData[int8](attr.DeviceCombiners()))
}
