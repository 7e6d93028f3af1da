package embedding

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/embedplan/devices"
	"github.com/gomlx/embedplan/tensors"
	"github.com/gomlx/embedplan/types/fatal"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// AllreduceWgradInitializer plans the gradient buffers of one lookup group
// for the allreduce path: the row storage covers every unique table's *full*
// embedding matrix (vocabulary x vector width), not just the rows a step
// touches, so the buffer can go straight into a dense collective exchange.
//
// Two data modes: InitData allocates a private buffer (one collective call
// per group, AllreduceDense); InitDataGrouped places the buffer in a shared
// arena channel so many groups are exchanged in one collective call
// (AllreduceGroupDense). Which strategy applies is configuration the caller
// already decided; this planner only consumes it.
type AllreduceWgradInitializer struct {
	Alloc      devices.Allocator
	Stream     devices.Stream
	Collection *Collection
	GroupIdx   int

	// VocabularySizes is indexed by table id; every table of the group must
	// have a positive entry.
	VocabularySizes []int

	wgrad *Wgrad
}

// Init attaches the target plan. The plan must be unbound.
func (ai *AllreduceWgradInitializer) Init(w *Wgrad) *AllreduceWgradInitializer {
	if w.State() != StateUnbound {
		fatal.Contractf("AllreduceWgradInitializer.Init on a plan in state %s", w.State())
	}
	ai.wgrad = w
	return ai
}

// InitIndices builds the group's WgradAttr and the table-covering index
// arrays: one entry per embedding row of every unique table, keys being row
// ids, start offsets the running element offset. With a uniform vector width
// the offsets are a plain multiple of the row index, which downstream kernels
// exploit via Attr.IsSameEVSize.
func (ai *AllreduceWgradInitializer) InitIndices() *AllreduceWgradInitializer {
	w := ai.mustWgrad()
	if w.State() != StateUnbound {
		fatal.Contractf("InitIndices on a plan in state %s", w.State())
	}
	c := ai.Collection
	if len(ai.VocabularySizes) != c.NumTables() {
		fatal.Configf("got %d vocabulary sizes for %d tables", len(ai.VocabularySizes), c.NumTables())
	}
	w.Attr = NewWgradAttr(c, ai.GroupIdx)
	w.Attr.Upload(ai.Alloc, ai.Stream)

	totalRows := 0
	totalElements := int64(0)
	for ii, tableID := range w.Attr.SortedUniqueTableIDs() {
		vocab := ai.VocabularySizes[tableID]
		if vocab <= 0 {
			fatal.Configf("table %d needs a positive vocabulary size, got %d", tableID, vocab)
		}
		totalRows += vocab
		totalElements += int64(vocab) * int64(w.Attr.EVSizeOfUnique(ii))
	}

	keyDType := c.Config().DTypes.Key
	w.maxUniqueKeys = totalRows
	w.MaxBufferElements = totalElements
	w.UniqueKeys = tensors.FromShape(tensors.MakeShape(keyDType, totalRows))
	w.NumUniqueKeys = tensors.FromFlatDataAndDimensions([]uint64{uint64(totalRows)}, 1)
	w.TableIDs = tensors.FromShape(tensors.MakeShape(dtypes.Int32, totalRows))
	w.EVStartIndices = tensors.FromShape(tensors.MakeShape(dtypes.Uint32, totalRows+1))

	// Dense coverage is static: every row of every table participates, so
	// the index arrays are filled once here instead of per step.
	setKey := rowKeyWriter(w.UniqueKeys)
	tableIDs := tensors.MutableFlatData[int32](w.TableIDs)
	starts := tensors.MutableFlatData[uint32](w.EVStartIndices)
	row := 0
	offset := uint32(0)
	for ii, tableID := range w.Attr.SortedUniqueTableIDs() {
		evSize := uint32(w.Attr.EVSizeOfUnique(ii))
		for rowID := 0; rowID < ai.VocabularySizes[tableID]; rowID++ {
			setKey(row, rowID)
			tableIDs[row] = tableID
			starts[row] = offset
			offset += evSize
			row++
		}
	}
	starts[row] = offset

	for _, t := range []*tensors.Tensor{w.UniqueKeys, w.NumUniqueKeys, w.TableIDs, w.EVStartIndices} {
		t.UploadTo(ai.Alloc, ai.Stream)
	}
	w.state = StateIndicesBuilt
	klog.V(1).Infof("allreduce wgrad group %d: %d rows over %d tables, %s row storage",
		ai.GroupIdx, totalRows, w.Attr.NumTables,
		humanize.IBytes(uint64(totalElements)*uint64(w.Attr.DType().Memory())))
	return ai
}

// InitData allocates a private row buffer for the group and binds it.
func (ai *AllreduceWgradInitializer) InitData() *AllreduceWgradInitializer {
	w := ai.mustWgrad()
	if w.State() != StateIndicesBuilt {
		fatal.Contractf("InitData on a plan in state %s", w.State())
	}
	numBytes := w.MaxBufferElements * int64(w.Attr.DType().Memory())
	w.BindData(ai.Alloc.Allocate(numBytes), 0)
	return ai
}

// InitDataGrouped reserves the group's rows inside the shared arena channel
// instead of allocating privately. The plan holds only the reserved range;
// the caller allocates the arena once every group has reserved.
func (ai *AllreduceWgradInitializer) InitDataGrouped(arena *devices.Arena) *AllreduceWgradInitializer {
	w := ai.mustWgrad()
	if w.State() != StateIndicesBuilt {
		fatal.Contractf("InitDataGrouped on a plan in state %s", w.State())
	}
	numBytes := w.MaxBufferElements * int64(w.Attr.DType().Memory())
	w.BindArena(arena, arena.Reserve(numBytes))
	return ai
}

// Wgrad returns the attached plan.
func (ai *AllreduceWgradInitializer) Wgrad() *Wgrad { return ai.wgrad }

// rowKeyWriter returns a setter writing row ids into the key tensor with the
// configured key dtype.
func rowKeyWriter(keys *tensors.Tensor) func(pos, rowID int) {
	switch keys.DType() {
	case dtypes.Int64:
		flat := tensors.MutableFlatData[int64](keys)
		return func(pos, rowID int) { flat[pos] = int64(rowID) }
	case dtypes.Int32:
		flat := tensors.MutableFlatData[int32](keys)
		return func(pos, rowID int) { flat[pos] = int32(rowID) }
	case dtypes.Uint64:
		flat := tensors.MutableFlatData[uint64](keys)
		return func(pos, rowID int) { flat[pos] = uint64(rowID) }
	case dtypes.Uint32:
		flat := tensors.MutableFlatData[uint32](keys)
		return func(pos, rowID int) { flat[pos] = uint32(rowID) }
	}
	fatal.Configf("key dtype %s not supported for allreduce row ids", keys.DType())
	return nil
}

func (ai *AllreduceWgradInitializer) mustWgrad() *Wgrad {
	if ai.wgrad == nil {
		fatal.Contractf("AllreduceWgradInitializer used before Init")
	}
	return ai.wgrad
}
