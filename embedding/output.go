package embedding

import (
	"github.com/gomlx/embedplan/devices"
	"github.com/gomlx/embedplan/tensors"
	"github.com/gomlx/embedplan/types/fatal"
	"github.com/gomlx/embedplan/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
)

// OutputAttr describes the layout of the dense embedding output buffer: for
// every lookup (in declaration order) its vector size, combiner code and
// cumulative start offset, plus the flags kernels use to pick a branch-free
// code path.
//
// The per-lookup arrays are kept on the host and mirrored to the device as
// int32/int8 tensors via Upload; kernels index them by lookup id.
//
// Hotness is batch-dependent, so it lives in an explicit derived-value cache:
// Recompute refreshes it from the collection and must be called whenever the
// batch composition changes between graph rebuilds. It is never refreshed
// implicitly behind a read-looking accessor.
type OutputAttr struct {
	numLookups int
	layout     Layout
	dtype      dtypes.DType

	evSizes      []int32 // per lookup
	startOffsets []int32 // prefix sums over evSizes, len numLookups+1
	combiners    []int8  // Combiner codes per lookup

	maxEVSize         int
	elementsPerSample int
	isRagged          bool
	isAligned         bool

	// Derived cache, refreshed by Recompute.
	hotness    []int32
	hotnessSum int

	// Device mirrors.
	dEVSizes      *tensors.Tensor
	dStartOffsets *tensors.Tensor
	dCombiners    *tensors.Tensor
}

// NewOutputAttr computes the output layout of the whole collection.
func NewOutputAttr(c *Collection) *OutputAttr {
	numLookups := c.NumLookups()
	a := &OutputAttr{
		numLookups:   numLookups,
		layout:       c.Config().OutputLayout,
		dtype:        c.Config().DTypes.Emb,
		evSizes:      make([]int32, numLookups),
		startOffsets: make([]int32, numLookups+1),
		combiners:    make([]int8, numLookups),
	}
	for ii := 0; ii < numLookups; ii++ {
		lookup := c.Lookup(ii)
		a.evSizes[ii] = int32(lookup.EVSize)
		a.combiners[ii] = int8(lookup.Combiner)
		a.startOffsets[ii+1] = a.startOffsets[ii] + int32(lookup.EVSize)
		if lookup.EVSize > a.maxEVSize {
			a.maxEVSize = lookup.EVSize
		}
		a.elementsPerSample += lookup.EVSize
	}
	for _, evSize := range a.evSizes[1:] {
		if evSize != a.evSizes[0] {
			a.isRagged = true
			break
		}
	}
	// Feature-major blocks are each contiguous with their own uniform stride;
	// batch-major rows only align when every vector has the same width.
	a.isAligned = a.layout == FeatureMajor || !a.isRagged
	a.Recompute(c)
	return a
}

// Recompute refreshes the batch-dependent hotness cache from the collection.
// The collection must cover the same lookups the layout was built for.
func (a *OutputAttr) Recompute(c *Collection) {
	if c.NumLookups() != a.numLookups {
		fatal.Contractf("Recompute with %d lookups, layout built for %d", c.NumLookups(), a.numLookups)
	}
	a.hotness = xslices.Map(xslices.Iota(0, a.numLookups), func(lookupID int) int32 {
		return int32(c.Lookup(lookupID).MaxHotness)
	})
	a.hotnessSum = 0
	for _, h := range a.hotness {
		a.hotnessSum += int(h)
	}
}

// NumLookups covered by the layout.
func (a *OutputAttr) NumLookups() int { return a.numLookups }

// Layout returns the presentation mode of the output buffer.
func (a *OutputAttr) Layout() Layout { return a.layout }

// DType of the output embedding vectors.
func (a *OutputAttr) DType() dtypes.DType { return a.dtype }

// EVSize returns the lookup's output vector width.
func (a *OutputAttr) EVSize(lookupID int) int { return int(a.evSizes[lookupID]) }

// StartOffset returns the lookup's start offset, in elements, inside one
// concatenated output row.
func (a *OutputAttr) StartOffset(lookupID int) int { return int(a.startOffsets[lookupID]) }

// CombinerOf returns the lookup's combiner.
func (a *OutputAttr) CombinerOf(lookupID int) Combiner { return Combiner(a.combiners[lookupID]) }

// MaxEVSize is the largest vector width of any lookup.
func (a *OutputAttr) MaxEVSize() int { return a.maxEVSize }

// ElementsPerSample is the total output width of one sample: the sum of all
// vector widths.
func (a *OutputAttr) ElementsPerSample() int { return a.elementsPerSample }

// IsRagged reports whether vector widths are non-uniform across lookups.
func (a *OutputAttr) IsRagged() bool { return a.isRagged }

// IsAligned reports whether per-lookup blocks share a uniform stride, letting
// kernels run branch-free.
func (a *OutputAttr) IsAligned() bool { return a.isAligned }

// Hotness returns the lookup's maximum pooled keys per sample, from the
// derived cache.
func (a *OutputAttr) Hotness(lookupID int) int { return int(a.hotness[lookupID]) }

// HotnessSum is the sum of hotness over all lookups, from the derived cache.
// Used to pre-size intermediate key buffers.
func (a *OutputAttr) HotnessSum() int { return a.hotnessSum }

// OutputElements returns the total element count of the dense output buffer
// for the given batch size.
func (a *OutputAttr) OutputElements(batchSize int) int {
	return batchSize * a.elementsPerSample
}

// Upload enqueues the device mirrors of the per-lookup arrays on the stream
// (blocking when stream is nil). Allocations happen on the first call only.
func (a *OutputAttr) Upload(alloc devices.Allocator, stream devices.Stream) {
	if a.dEVSizes == nil {
		a.dEVSizes = tensors.FromFlatDataAndDimensions(a.evSizes, a.numLookups)
		a.dStartOffsets = tensors.FromFlatDataAndDimensions(a.startOffsets, a.numLookups+1)
		a.dCombiners = tensors.FromFlatDataAndDimensions(a.combiners, a.numLookups)
	}
	a.dEVSizes.UploadTo(alloc, stream)
	a.dStartOffsets.UploadTo(alloc, stream)
	a.dCombiners.UploadTo(alloc, stream)
}

// DeviceEVSizes returns the device mirror of the per-lookup vector widths
// (int32), nil before Upload.
func (a *OutputAttr) DeviceEVSizes() *tensors.Tensor { return a.dEVSizes }

// DeviceStartOffsets returns the device mirror of the per-lookup start
// offsets (int32, numLookups+1 entries), nil before Upload.
func (a *OutputAttr) DeviceStartOffsets() *tensors.Tensor { return a.dStartOffsets }

// DeviceCombiners returns the device mirror of the per-lookup combiner codes
// (int8), nil before Upload.
func (a *OutputAttr) DeviceCombiners() *tensors.Tensor { return a.dCombiners }
