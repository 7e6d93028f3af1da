package embedding

import (
	"github.com/gomlx/embedplan/devices"
	"github.com/gomlx/embedplan/tensors"
	"github.com/gomlx/embedplan/types/fatal"
	"github.com/gomlx/gopjrt/dtypes"
)

// DataParallelCompression is the side table of a deduplicated data-parallel
// forward pass: for every original key position, the reverse index maps the
// compressed position back to it, and the destination bucket id says which
// output bucket consumes it. A wrong reverse index silently assigns a
// gradient to the wrong embedding row, so these buffers are
// correctness-critical.
type DataParallelCompression struct {
	ReverseIdx    *tensors.Tensor // offset dtype
	DstBucketIDs  *tensors.Tensor // offset dtype
	NumReverseIdx int
}

// ModelParallelCompression is the model-parallel counterpart, with separate
// reverse indices for the "model" side (keys as stored on the owning device)
// and the "network" side (keys as requested by the consuming device), plus
// per-device send/receive counts for the exchange.
type ModelParallelCompression struct {
	// SendKeysPerDevice / RecvKeysPerDevice are host-side counts, one entry
	// per device, offset dtype.
	SendKeysPerDevice *tensors.Tensor
	RecvKeysPerDevice *tensors.Tensor

	ModelReverseIdx      *tensors.Tensor // offset dtype
	NumModelReverseIdx   int
	NetworkReverseIdx    *tensors.Tensor // offset dtype
	NumNetworkReverseIdx int
	NetworkDstBucketIDs  *tensors.Tensor // offset dtype
}

// CompressionInput groups the optional dense-compression side tables of one
// step. The model-parallel half is nil when no table group is placed
// ModelParallel.
type CompressionInput struct {
	DataParallel  DataParallelCompression
	ModelParallel *ModelParallelCompression

	// NumKeysPerTableOffset delimits, per table, the slice of compressed
	// keys belonging to it (numTables+1 entries, offset dtype); TableIDs
	// lists the table per segment (int32).
	NumKeysPerTableOffset *tensors.Tensor
	TableIDs              *tensors.Tensor
}

// Input is one batch's keys and bucket ranges, with buffers pre-sized for
// the collection's worst case (batch size x hotness sum) and repopulated by
// the ingestion layer every step.
type Input struct {
	Keys *tensors.Tensor // key dtype, capacity batch*hotnessSum
	// NumKeys is the device-side live key count ([1] uint64); HostNumKeys
	// mirrors it on the host.
	NumKeys     *tensors.Tensor
	HostNumKeys int

	// BucketRange is the CSR-style offset array delimiting, per (sample,
	// lookup) bucket, its slice of Keys. batch*numLookups+1 entries.
	BucketRange      *tensors.Tensor
	NumKeysPerBucket *tensors.Tensor

	// Compression is nil unless the collection has dense (Concat) groups.
	Compression *CompressionInput
}

// NewInput allocates the input buffers for one device, sized from the
// collection, and enqueues their zero-initialization upload on the stream.
// The compression side tables exist only if the collection has dense groups,
// and their model-parallel half only if some table group is ModelParallel.
func NewInput(c *Collection, alloc devices.Allocator, stream devices.Stream) *Input {
	cfg := c.Config()
	capacity := keyCapacity(c)
	numBuckets := c.BatchSize() * c.NumLookups()

	in := &Input{
		Keys:             deviceTensor(alloc, stream, cfg.DTypes.Key, capacity),
		NumKeys:          deviceTensor(alloc, stream, dtypes.Uint64, 1),
		BucketRange:      deviceTensor(alloc, stream, cfg.DTypes.Offset, numBuckets+1),
		NumKeysPerBucket: deviceTensor(alloc, stream, cfg.DTypes.Offset, numBuckets),
	}

	if !hasDenseGroup(c) {
		return in
	}
	comp := &CompressionInput{
		DataParallel: DataParallelCompression{
			ReverseIdx:   deviceTensor(alloc, stream, cfg.DTypes.Offset, capacity),
			DstBucketIDs: deviceTensor(alloc, stream, cfg.DTypes.Offset, capacity),
		},
		NumKeysPerTableOffset: deviceTensor(alloc, stream, cfg.DTypes.Offset, c.NumTables()+1),
		TableIDs:              deviceTensor(alloc, stream, dtypes.Int32, c.NumTables()),
	}
	if c.HasModelParallel() {
		comp.ModelParallel = &ModelParallelCompression{
			SendKeysPerDevice:   tensors.FromShape(tensors.MakeShape(cfg.DTypes.Offset, c.NumDevices())),
			RecvKeysPerDevice:   tensors.FromShape(tensors.MakeShape(cfg.DTypes.Offset, c.NumDevices())),
			ModelReverseIdx:     deviceTensor(alloc, stream, cfg.DTypes.Offset, capacity),
			NetworkReverseIdx:   deviceTensor(alloc, stream, cfg.DTypes.Offset, capacity),
			NetworkDstBucketIDs: deviceTensor(alloc, stream, cfg.DTypes.Offset, capacity),
		}
	}
	in.Compression = comp
	return in
}

func keyCapacity(c *Collection) int {
	sum := 0
	for ii := 0; ii < c.NumLookups(); ii++ {
		sum += c.Lookup(ii).MaxHotness
	}
	return c.BatchSize() * sum
}

func hasDenseGroup(c *Collection) bool {
	for ii := 0; ii < c.NumGroups(); ii++ {
		if c.Group(ii).Kind != GroupSparse {
			return true
		}
	}
	return false
}

func deviceTensor(alloc devices.Allocator, stream devices.Stream, dtype dtypes.DType, size int) *tensors.Tensor {
	t := tensors.FromShape(tensors.MakeShape(dtype, size))
	t.UploadTo(alloc, stream)
	return t
}

// DistributionInput hands the per-lookup key and bucket-range buffers of a
// data-parallel batch to kernels as two device pointer tables (one handle per
// lookup), uploaded in one asynchronous copy each.
type DistributionInput struct {
	numLookups  int
	keyDType    dtypes.DType
	offsetDType dtypes.DType

	keysTable        *devices.PointerTable
	bucketRangeTable *devices.PointerTable
}

// NewDistributionInput allocates the pointer tables for numLookups lookups.
func NewDistributionInput(alloc devices.Allocator, numLookups int, keyDType, offsetDType dtypes.DType) *DistributionInput {
	if numLookups <= 0 {
		fatal.Configf("distribution input needs at least one lookup, got %d", numLookups)
	}
	return &DistributionInput{
		numLookups:       numLookups,
		keyDType:         keyDType,
		offsetDType:      offsetDType,
		keysTable:        devices.NewPointerTable(alloc, numLookups, int64(keyDType.Memory())),
		bucketRangeTable: devices.NewPointerTable(alloc, numLookups, int64(offsetDType.Memory())),
	}
}

// CopyTensorList records the step's per-lookup key and bucket-range tensors
// and enqueues both handle-table uploads on the stream. Every tensor must
// already have a device buffer (see tensors.Tensor.UploadTo) of the declared
// dtype.
func (d *DistributionInput) CopyTensorList(keys, bucketRanges []*tensors.Tensor, stream devices.Stream) {
	if len(keys) != d.numLookups || len(bucketRanges) != d.numLookups {
		fatal.Contractf("CopyTensorList: got %d key and %d bucket-range tensors for %d lookups",
			len(keys), len(bucketRanges), d.numLookups)
	}
	d.keysTable.Reset()
	d.bucketRangeTable.Reset()
	for ii := 0; ii < d.numLookups; ii++ {
		d.keysTable.Append(deviceBufferOf(keys[ii], d.keyDType))
		d.bucketRangeTable.Append(deviceBufferOf(bucketRanges[ii], d.offsetDType))
	}
	d.keysTable.Upload(stream)
	d.bucketRangeTable.Upload(stream)
}

// KeysPointers returns the device pointer table of the per-lookup key
// buffers.
func (d *DistributionInput) KeysPointers() *devices.PointerTable { return d.keysTable }

// BucketRangePointers returns the device pointer table of the per-lookup
// bucket-range buffers.
func (d *DistributionInput) BucketRangePointers() *devices.PointerTable { return d.bucketRangeTable }

func deviceBufferOf(t *tensors.Tensor, want dtypes.DType) devices.Buffer {
	if t.DType() != want {
		fatal.Contractf("tensor dtype %s, pointer table declared %s", t.DType(), want)
	}
	buf := t.DeviceBuffer()
	if buf == nil {
		fatal.Contractf("tensor %s has no device buffer; upload it first", t.Shape())
	}
	return buf
}
