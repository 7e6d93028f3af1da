package embedding

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/embedplan/devices"
	"github.com/gomlx/embedplan/tensors"
	"github.com/gomlx/embedplan/types/fatal"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// WgradAttr holds, for one lookup group, the mappings needed to address
// gradient buffers: the lookup->table map, the lookup/table ids co-sorted by
// table, and the deduplicated table ids. Tables may repeat across lookups, so
// gradients are accumulated per *unique* table -- one row-block each, never
// duplicated.
type WgradAttr struct {
	// NumTables is the number of distinct tables the group touches.
	NumTables int
	// NumLookups is the number of lookups in the group.
	NumLookups int

	lookupToTable   []int32 // per group-local lookup position
	sortedLookupIDs []int32
	sortedTableIDs  []int32
	uniqueTableIDs  []int32 // sorted, deduplicated
	tableEVSizes    []int32 // per unique table

	dtype dtypes.DType // wgrad element type

	// IsSameEVSize is true iff every table in the group shares one vector
	// width; kernels then index buffers branch-free with SameEVSize.
	IsSameEVSize bool
	SameEVSize   int

	// Device mirrors.
	dLookupToTable   *tensors.Tensor
	dSortedLookupIDs *tensors.Tensor
	dSortedTableIDs  *tensors.Tensor
	dUniqueTableIDs  *tensors.Tensor
	dTableEVSizes    *tensors.Tensor
}

// NewWgradAttr builds the gradient-addressing attributes for the group at
// groupIdx. A group with no lookups is a fatal ConfigurationError.
func NewWgradAttr(c *Collection, groupIdx int) *WgradAttr {
	group := c.Group(groupIdx)
	if len(group.LookupIDs) == 0 {
		fatal.Configf("lookup group %d (%s) has no lookups", groupIdx, group.Kind)
	}
	a := &WgradAttr{
		NumLookups: len(group.LookupIDs),
		dtype:      c.Config().DTypes.Wgrad,
	}

	a.lookupToTable = make([]int32, a.NumLookups)
	lookupIDs := make([]int32, a.NumLookups)
	for ii, lookupID := range group.LookupIDs {
		a.lookupToTable[ii] = int32(c.Lookup(lookupID).TableID)
		lookupIDs[ii] = int32(lookupID)
	}

	a.sortedLookupIDs, a.sortedTableIDs =
		sortByTable(c.Config().SortStrategy, lookupIDs, a.lookupToTable)

	// Deduplicate the sorted table ids and record ev sizes per unique table.
	evSizeOf := make(map[int32]int32, a.NumLookups)
	for _, lookupID := range group.LookupIDs {
		lookup := c.Lookup(lookupID)
		tableID := int32(lookup.TableID)
		if prev, found := evSizeOf[tableID]; found && prev != int32(lookup.EVSize) {
			fatal.Configf("table %d has lookups with ev_size %d and %d in the same group",
				tableID, prev, lookup.EVSize)
		}
		evSizeOf[tableID] = int32(lookup.EVSize)
	}
	for ii, tableID := range a.sortedTableIDs {
		if ii > 0 && tableID == a.sortedTableIDs[ii-1] {
			continue
		}
		a.uniqueTableIDs = append(a.uniqueTableIDs, tableID)
		a.tableEVSizes = append(a.tableEVSizes, evSizeOf[tableID])
	}
	a.NumTables = len(a.uniqueTableIDs)

	a.IsSameEVSize = true
	for _, evSize := range a.tableEVSizes {
		if evSize != a.tableEVSizes[0] {
			a.IsSameEVSize = false
			break
		}
	}
	if a.IsSameEVSize {
		a.SameEVSize = int(a.tableEVSizes[0])
	}
	return a
}

// sortByTable co-sorts (lookupIDs, tableIDs) pairs by table id, ties broken
// by lookup id. Both strategies produce the identical ordering; the choice is
// a performance knob.
func sortByTable(strategy SortStrategy, lookupIDs, tableIDs []int32) (sortedLookups, sortedTables []int32) {
	switch strategy {
	case SortRadix:
		return radixSortByTable(lookupIDs, tableIDs)
	case SortSegmented:
		return segmentedSortByTable(lookupIDs, tableIDs)
	}
	fatal.Configf("sort strategy %s not supported", strategy)
	return nil, nil
}

// radixSortByTable is a counting sort keyed on table id. Stable, so the
// lookup-id tie-break falls out of the input order (lookup ids of a group are
// stored ascending).
func radixSortByTable(lookupIDs, tableIDs []int32) (sortedLookups, sortedTables []int32) {
	maxTable := int32(0)
	for _, t := range tableIDs {
		if t > maxTable {
			maxTable = t
		}
	}
	counts := make([]int32, maxTable+2)
	for _, t := range tableIDs {
		counts[t+1]++
	}
	for ii := 1; ii < len(counts); ii++ {
		counts[ii] += counts[ii-1]
	}
	sortedLookups = make([]int32, len(lookupIDs))
	sortedTables = make([]int32, len(tableIDs))
	for ii, t := range tableIDs {
		pos := counts[t]
		counts[t]++
		sortedLookups[pos] = lookupIDs[ii]
		sortedTables[pos] = t
	}
	return
}

// segmentedSortByTable sorts index pairs with a stable comparison sort.
func segmentedSortByTable(lookupIDs, tableIDs []int32) (sortedLookups, sortedTables []int32) {
	order := make([]int, len(lookupIDs))
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if tableIDs[a] != tableIDs[b] {
			return int(tableIDs[a] - tableIDs[b])
		}
		return int(lookupIDs[a] - lookupIDs[b])
	})
	sortedLookups = make([]int32, len(lookupIDs))
	sortedTables = make([]int32, len(tableIDs))
	for pos, idx := range order {
		sortedLookups[pos] = lookupIDs[idx]
		sortedTables[pos] = tableIDs[idx]
	}
	return
}

// LookupToTable returns the table id of each group-local lookup position.
func (a *WgradAttr) LookupToTable() []int32 { return a.lookupToTable }

// SortedLookupIDs returns the group's lookup ids sorted by their table id,
// ties by lookup id.
func (a *WgradAttr) SortedLookupIDs() []int32 { return a.sortedLookupIDs }

// SortedTableIDs returns the table ids in the same order as SortedLookupIDs.
func (a *WgradAttr) SortedTableIDs() []int32 { return a.sortedTableIDs }

// SortedUniqueTableIDs returns the strictly increasing, duplicate-free table
// ids of the group.
func (a *WgradAttr) SortedUniqueTableIDs() []int32 { return a.uniqueTableIDs }

// UniqueTableIDs returns the table ids whose gradients get one row-block
// each. When every lookup hits a distinct table the plain lookup->table map
// is already duplicate-free and is returned as-is (no compression needed);
// otherwise the sorted deduplicated set is returned.
func (a *WgradAttr) UniqueTableIDs() []int32 {
	if a.NumTables == a.NumLookups {
		return a.lookupToTable
	}
	return a.uniqueTableIDs
}

// EVSizeOfUnique returns the vector width of the i-th unique table.
func (a *WgradAttr) EVSizeOfUnique(i int) int { return int(a.tableEVSizes[i]) }

// DType of the gradient elements.
func (a *WgradAttr) DType() dtypes.DType { return a.dtype }

// Upload enqueues the device mirrors of the mapping arrays (int32) on the
// stream. Allocations happen on the first call only.
func (a *WgradAttr) Upload(alloc devices.Allocator, stream devices.Stream) {
	if a.dLookupToTable == nil {
		a.dLookupToTable = tensors.FromFlatDataAndDimensions(a.lookupToTable, a.NumLookups)
		a.dSortedLookupIDs = tensors.FromFlatDataAndDimensions(a.sortedLookupIDs, a.NumLookups)
		a.dSortedTableIDs = tensors.FromFlatDataAndDimensions(a.sortedTableIDs, a.NumLookups)
		a.dUniqueTableIDs = tensors.FromFlatDataAndDimensions(a.uniqueTableIDs, a.NumTables)
		a.dTableEVSizes = tensors.FromFlatDataAndDimensions(a.tableEVSizes, a.NumTables)
	}
	for _, t := range []*tensors.Tensor{
		a.dLookupToTable, a.dSortedLookupIDs, a.dSortedTableIDs, a.dUniqueTableIDs, a.dTableEVSizes,
	} {
		t.UploadTo(alloc, stream)
	}
}

// WgradState tracks the per-step lifecycle of a Wgrad plan.
type WgradState int8

const (
	// StateUnbound: freshly declared, no index buffers yet.
	StateUnbound WgradState = iota
	// StateIndicesBuilt: index buffers are allocated and sized.
	StateIndicesBuilt
	// StateDataBound: the gradient row storage is bound.
	StateDataBound
	// StatePopulated: this step's key set is recorded. Transient --
	// overwritten every step, no history retained.
	StatePopulated
)

func (s WgradState) String() string {
	switch s {
	case StateUnbound:
		return "Unbound"
	case StateIndicesBuilt:
		return "IndicesBuilt"
	case StateDataBound:
		return "DataBound"
	case StatePopulated:
		return "Populated"
	}
	return "WgradState(?)"
}

// Wgrad is one lookup group's gradient buffer plan: a contiguous row buffer
// holding one gradient row per unique key touched this step, plus the
// parallel index arrays kernels use to scatter into it. Ownership is
// exclusive to the group that declared it.
//
// Lifecycle per group: Unbound -> IndicesBuilt (initializer's InitIndices)
// -> DataBound (InitData / BindData) -> Populated (Populate, every step).
// Out-of-order transitions throw ContractViolationError.
type Wgrad struct {
	Attr *WgradAttr

	// UniqueKeys [maxUniqueKeys], key dtype.
	UniqueKeys *tensors.Tensor
	// NumUniqueKeys [1], uint64: the live key count for the step.
	NumUniqueKeys *tensors.Tensor
	// TableIDs [maxUniqueKeys], int32: owning table per unique key.
	TableIDs *tensors.Tensor
	// EVStartIndices [maxUniqueKeys+1], uint32: per-key element offset into
	// the row buffer.
	EVStartIndices *tensors.Tensor

	// MaxBufferElements is the worst-case element capacity the row storage
	// must provide.
	MaxBufferElements int64

	maxUniqueKeys int

	// Row storage: either a privately bound buffer or an arena range.
	data       devices.Buffer
	dataOffset int64
	arena      *devices.Arena
	arenaRange devices.Range
	grouped    bool

	state WgradState
	step  int
}

// State returns the plan's lifecycle state.
func (w *Wgrad) State() WgradState { return w.state }

// Step returns the step number of the last Populate.
func (w *Wgrad) Step() int { return w.step }

// MaxUniqueKeys is the key capacity of the index buffers.
func (w *Wgrad) MaxUniqueKeys() int { return w.maxUniqueKeys }

// BindData binds caller-owned device storage for the gradient rows, starting
// at byteOffset. The plan computes layout only; it never owns this memory.
// Requires indices to be built first; an under-sized buffer fails here, at
// bind time, not at use time. Rebinding a DataBound or Populated plan is
// allowed: the caller may move the rows between steps, and the next Populate
// overwrites the key set anyway. The state drops back to DataBound.
func (w *Wgrad) BindData(buf devices.Buffer, byteOffset int64) {
	if w.state == StateUnbound {
		fatal.Contractf("BindData before InitIndices")
	}
	need := w.MaxBufferElements * int64(w.Attr.DType().Memory())
	if buf.NumBytes()-byteOffset < need {
		fatal.Contractf("gradient buffer under-sized: need %d bytes at offset %d, buffer has %d",
			need, byteOffset, buf.NumBytes())
	}
	w.data, w.dataOffset = buf, byteOffset
	w.arena, w.grouped = nil, false
	w.state = StateDataBound
}

// BindArena places the gradient rows in a shared allocation channel: the plan
// holds only the range, the arena owns the backing buffer.
func (w *Wgrad) BindArena(arena *devices.Arena, r devices.Range) {
	if w.state == StateUnbound {
		fatal.Contractf("BindArena before InitIndices")
	}
	need := w.MaxBufferElements * int64(w.Attr.DType().Memory())
	if r.NumBytes < need {
		fatal.Contractf("arena range under-sized: need %d bytes, range has %d", need, r.NumBytes)
	}
	w.arena, w.arenaRange, w.grouped = arena, r, true
	w.data = nil
	w.state = StateDataBound
}

// Data resolves the bound row storage to (buffer, byte offset). For
// arena-bound plans this requires the arena to be allocated.
func (w *Wgrad) Data() (devices.Buffer, int64) {
	if w.state < StateDataBound {
		fatal.Contractf("Wgrad.Data in state %s", w.state)
	}
	if w.grouped {
		return w.arena.Resolve(w.arenaRange)
	}
	return w.data, w.dataOffset
}

// Populate records this step's compressed key set: the caller has filled the
// host sides of UniqueKeys, TableIDs and EVStartIndices for the first
// numUnique keys. Uploads the index arrays on the stream and marks the plan
// populated for the step. The previous step's contents are overwritten.
func (w *Wgrad) Populate(numUnique, step int, alloc devices.Allocator, stream devices.Stream) {
	if w.state < StateDataBound {
		fatal.Contractf("Populate in state %s", w.state)
	}
	if numUnique > w.maxUniqueKeys {
		fatal.Contractf("Populate with %d unique keys, capacity %d", numUnique, w.maxUniqueKeys)
	}
	tensors.MutableFlatData[uint64](w.NumUniqueKeys)[0] = uint64(numUnique)
	for _, t := range []*tensors.Tensor{w.UniqueKeys, w.NumUniqueKeys, w.TableIDs, w.EVStartIndices} {
		t.UploadTo(alloc, stream)
	}
	w.state = StatePopulated
	w.step = step
}

// WgradInitializer plans the data-parallel gradient buffers of one lookup
// group: index buffers sized from the group's worst case, row storage bound
// to caller-provided memory. Calls chain in lifecycle order:
//
//	wgrad := &Wgrad{}
//	(&WgradInitializer{...}).Init(wgrad).InitIndices().InitData(buf)
type WgradInitializer struct {
	Alloc      devices.Allocator
	Stream     devices.Stream
	Collection *Collection
	GroupIdx   int

	wgrad *Wgrad
}

// Init attaches the target plan. The plan must be unbound.
func (wi *WgradInitializer) Init(w *Wgrad) *WgradInitializer {
	if w.State() != StateUnbound {
		fatal.Contractf("WgradInitializer.Init on a plan in state %s", w.State())
	}
	wi.wgrad = w
	return wi
}

// InitIndices builds the group's WgradAttr, sizes and allocates the index
// buffers and uploads the attribute mirrors. The unique-key capacity is
// bounded by batch size times the group's hotness sum -- the most keys one
// step can touch.
func (wi *WgradInitializer) InitIndices() *WgradInitializer {
	w := wi.mustWgrad()
	if w.State() != StateUnbound {
		fatal.Contractf("InitIndices on a plan in state %s", w.State())
	}
	c := wi.Collection
	w.Attr = NewWgradAttr(c, wi.GroupIdx)
	w.Attr.Upload(wi.Alloc, wi.Stream)

	group := c.Group(wi.GroupIdx)
	maxUniqueKeys := 0
	maxElements := int64(0)
	for _, lookupID := range group.LookupIDs {
		lookup := c.Lookup(lookupID)
		keys := c.BatchSize() * lookup.MaxHotness
		maxUniqueKeys += keys
		maxElements += int64(keys) * int64(lookup.EVSize)
	}
	wi.allocIndexBuffers(maxUniqueKeys, maxElements)
	klog.V(1).Infof("wgrad group %d: %d key capacity, %s row storage",
		wi.GroupIdx, maxUniqueKeys,
		humanize.IBytes(uint64(maxElements)*uint64(w.Attr.DType().Memory())))
	return wi
}

// InitData binds caller-owned row storage, completing the plan.
func (wi *WgradInitializer) InitData(buf devices.Buffer) *WgradInitializer {
	wi.mustWgrad().BindData(buf, 0)
	return wi
}

// Wgrad returns the attached plan.
func (wi *WgradInitializer) Wgrad() *Wgrad { return wi.wgrad }

func (wi *WgradInitializer) mustWgrad() *Wgrad {
	if wi.wgrad == nil {
		fatal.Contractf("WgradInitializer used before Init")
	}
	return wi.wgrad
}

func (wi *WgradInitializer) allocIndexBuffers(maxUniqueKeys int, maxElements int64) {
	w := wi.wgrad
	keyDType := wi.Collection.Config().DTypes.Key
	w.maxUniqueKeys = maxUniqueKeys
	w.MaxBufferElements = maxElements
	w.UniqueKeys = tensors.FromShape(tensors.MakeShape(keyDType, maxUniqueKeys))
	w.NumUniqueKeys = tensors.FromShape(tensors.MakeShape(dtypes.Uint64, 1))
	w.TableIDs = tensors.FromShape(tensors.MakeShape(dtypes.Int32, maxUniqueKeys))
	w.EVStartIndices = tensors.FromShape(tensors.MakeShape(dtypes.Uint32, maxUniqueKeys+1))
	for _, t := range []*tensors.Tensor{w.UniqueKeys, w.NumUniqueKeys, w.TableIDs, w.EVStartIndices} {
		t.UploadTo(wi.Alloc, wi.Stream)
	}
	w.state = StateIndicesBuilt
}
