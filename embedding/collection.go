package embedding

import (
	"fmt"
	"slices"

	"github.com/gomlx/embedplan/tensors"
	"github.com/gomlx/embedplan/types/fatal"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// LookupParam describes one requested embedding lookup. Immutable after
// creation.
type LookupParam struct {
	// LookupID is the lookup's position in the collection's declaration order.
	LookupID int
	// TableID is the owning embedding table.
	TableID int
	// Combiner pools the retrieved vectors.
	Combiner Combiner
	// MaxHotness is the maximum number of keys pooled into this lookup for
	// one sample.
	MaxHotness int
	// EVSize is the width of the output embedding vector.
	EVSize int
}

func (p LookupParam) String() string {
	return fmt.Sprintf("lookup %d: table %d, combiner %s, hotness %d, ev_size %d",
		p.LookupID, p.TableID, p.Combiner, p.MaxHotness, p.EVSize)
}

// TableGroup assigns one placement strategy to a set of tables. A table
// belongs to at most one group; membership is fixed at configuration time.
type TableGroup struct {
	Placement Placement
	TableIDs  []int
}

// GroupTarget says where a lookup group's shards live: on a remote table
// group, or in the device-local frequent-key cache. It replaces the classic
// "-1 means local cache" sentinel with a tagged value, and gives every
// local-cache group a distinct id (one per originating table group) so
// multiple CacheFrequent splits stay distinguishable downstream.
type GroupTarget struct {
	tableGroup int
	cacheID    int
}

// Remote targets the table group at the given index.
func Remote(tableGroupIdx int) GroupTarget {
	return GroupTarget{tableGroup: tableGroupIdx, cacheID: -1}
}

// LocalCache targets the device-local cache with the given id.
func LocalCache(cacheID int) GroupTarget {
	return GroupTarget{tableGroup: -1, cacheID: cacheID}
}

// IsLocalCache reports whether the group is served from the local cache, with
// no cross-device shard lookup.
func (t GroupTarget) IsLocalCache() bool { return t.tableGroup < 0 }

// TableGroup returns the targeted table-group index. Calling it on a
// local-cache target is a contract violation.
func (t GroupTarget) TableGroup() int {
	if t.IsLocalCache() {
		fatal.Contractf("GroupTarget.TableGroup on a local-cache target (cache id %d)", t.cacheID)
	}
	return t.tableGroup
}

// CacheID returns the local-cache id. Calling it on a remote target is a
// contract violation.
func (t GroupTarget) CacheID() int {
	if !t.IsLocalCache() {
		fatal.Contractf("GroupTarget.CacheID on a remote target (table group %d)", t.tableGroup)
	}
	return t.cacheID
}

func (t GroupTarget) String() string {
	if t.IsLocalCache() {
		return fmt.Sprintf("LocalCache(%d)", t.cacheID)
	}
	return fmt.Sprintf("Remote(%d)", t.tableGroup)
}

// LookupGroup is the unit every gradient plan operates on: the lookups of one
// table group sharing one pooling/compression semantics.
type LookupGroup struct {
	Target    GroupTarget
	Placement Placement
	Kind      GroupKind
	LookupIDs []int
}

// DTypes carries the element types of the collection's buffers.
type DTypes struct {
	Key    dtypes.DType // lookup keys
	Index  dtypes.DType // sort/permutation indices
	Offset dtypes.DType // bucket ranges (CSR offsets)
	Emb    dtypes.DType // embedding vectors
	Wgrad  dtypes.DType // weight gradients
}

// DefaultDTypes returns the usual choice: 64-bit keys, 32-bit indices and
// offsets, float32 embeddings and gradients.
func DefaultDTypes() DTypes {
	return DTypes{
		Key:    dtypes.Int64,
		Index:  dtypes.Uint32,
		Offset: dtypes.Uint32,
		Emb:    dtypes.Float32,
		Wgrad:  dtypes.Float32,
	}
}

func (d DTypes) validate() {
	for _, field := range []struct {
		name  string
		dtype dtypes.DType
	}{
		{"key", d.Key}, {"index", d.Index}, {"offset", d.Offset},
		{"emb", d.Emb}, {"wgrad", d.Wgrad},
	} {
		if field.dtype == dtypes.InvalidDType {
			fatal.Configf("%s dtype not set -- start from DefaultDTypes()", field.name)
		}
	}
}

// CollectionConfig is the static configuration a Collection is built from.
type CollectionConfig struct {
	NumTables int
	Lookups   []LookupParam

	// ShardMatrix is indexed by [device][table]: true iff the device holds a
	// shard of the table. Its row count defines the number of devices.
	ShardMatrix [][]bool

	TableGroups []TableGroup

	// BatchSize is the global batch size used to bound per-step buffers.
	BatchSize int

	DTypes DTypes

	InputLayout  Layout
	OutputLayout Layout

	SortStrategy     SortStrategy
	KeysPreprocess   KeysPreprocess
	Allreduce        AllreduceStrategy
	Communication    Communication
	DenseCompression DenseCompression
}

// FrequentKeys is the registered side data for one CacheFrequent table: the
// host tensor of its most frequent keys.
type FrequentKeys struct {
	TableID int
	Keys    *tensors.Tensor
}

// Collection is the embedding-collection descriptor: the static plan every
// other type in this package derives from. Built once by NewCollection;
// read-only afterward, safe for concurrent reads.
type Collection struct {
	cfg    CollectionConfig
	groups []LookupGroup

	// tableToGroup[tableID] is the table-group index, -1 if unassigned.
	tableToGroup []int

	frequentKeys []FrequentKeys
}

// NewCollection validates the configuration, partitions the lookups into
// groups and returns the descriptor. Any problem is a fatal
// ConfigurationError: this runs once at startup and a bad plan must never
// reach a kernel.
//
// Grouping, for each table group in order: lookups pooled with Sum/Average
// form one Sparse group; Concat lookups form one Dense group under Unique
// compression, or an InfrequentDense group plus a local-cache FrequentDense
// group under CacheFrequent.
func NewCollection(cfg CollectionConfig) *Collection {
	c := &Collection{cfg: cfg}
	c.validate()
	c.buildGroups()
	return c
}

func (c *Collection) validate() {
	cfg := &c.cfg
	if cfg.NumTables <= 0 {
		fatal.Configf("collection needs at least one table, got %d", cfg.NumTables)
	}
	if cfg.BatchSize <= 0 {
		fatal.Configf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if len(cfg.Lookups) == 0 {
		fatal.Configf("collection needs at least one lookup")
	}
	cfg.DTypes.validate()

	for ii, lookup := range cfg.Lookups {
		if lookup.LookupID != ii {
			fatal.Configf("lookup at position %d declares id %d", ii, lookup.LookupID)
		}
		if lookup.TableID < 0 || lookup.TableID >= cfg.NumTables {
			fatal.Configf("%s: table out of range [0, %d)", lookup, cfg.NumTables)
		}
		if lookup.MaxHotness <= 0 || lookup.EVSize <= 0 {
			fatal.Configf("%s: hotness and ev_size must be positive", lookup)
		}
	}

	if len(cfg.ShardMatrix) == 0 {
		fatal.Configf("shard matrix has no devices")
	}
	for device, row := range cfg.ShardMatrix {
		if len(row) != cfg.NumTables {
			fatal.Configf("shard matrix row for device %d has %d tables, want %d",
				device, len(row), cfg.NumTables)
		}
	}

	c.tableToGroup = make([]int, cfg.NumTables)
	for ii := range c.tableToGroup {
		c.tableToGroup[ii] = -1
	}
	for groupIdx, tableGroup := range cfg.TableGroups {
		if len(tableGroup.TableIDs) == 0 {
			fatal.Configf("table group %d is empty", groupIdx)
		}
		for _, tableID := range tableGroup.TableIDs {
			if tableID < 0 || tableID >= cfg.NumTables {
				fatal.Configf("table group %d: table %d out of range [0, %d)",
					groupIdx, tableID, cfg.NumTables)
			}
			if prev := c.tableToGroup[tableID]; prev >= 0 {
				fatal.Configf("table %d in both table groups %d and %d", tableID, prev, groupIdx)
			}
			c.tableToGroup[tableID] = groupIdx
		}
		c.validatePlacement(groupIdx, tableGroup)
	}

	// The group partition must be total: a lookup whose table is in no table
	// group would silently never be planned.
	for _, lookup := range cfg.Lookups {
		if c.tableToGroup[lookup.TableID] < 0 {
			fatal.Configf("%s: table %d belongs to no table group", lookup, lookup.TableID)
		}
	}
}

func (c *Collection) validatePlacement(groupIdx int, tableGroup TableGroup) {
	switch tableGroup.Placement {
	case ModelParallel:
		for _, tableID := range tableGroup.TableIDs {
			if c.numShards(tableID) == 0 {
				fatal.Configf("table group %d is ModelParallel but table %d has no shard on any device",
					groupIdx, tableID)
			}
		}
	case DataParallel:
		for _, tableID := range tableGroup.TableIDs {
			if n := c.numShards(tableID); n != len(c.cfg.ShardMatrix) {
				klog.Warningf("DataParallel table %d is only replicated on %d of %d devices",
					tableID, n, len(c.cfg.ShardMatrix))
			}
		}
	default:
		fatal.Configf("table group %d: placement %s not supported", groupIdx, tableGroup.Placement)
	}
}

func (c *Collection) buildGroups() {
	cfg := &c.cfg
	nextCacheID := 0
	for groupIdx, tableGroup := range cfg.TableGroups {
		var sparseIDs, denseIDs []int
		for _, lookup := range cfg.Lookups {
			if !slices.Contains(tableGroup.TableIDs, lookup.TableID) {
				continue
			}
			switch lookup.Combiner {
			case CombinerSum, CombinerAverage:
				sparseIDs = append(sparseIDs, lookup.LookupID)
			case CombinerConcat:
				denseIDs = append(denseIDs, lookup.LookupID)
			default:
				fatal.Configf("%s: combiner not supported in embedding collection", lookup)
			}
		}
		if len(sparseIDs) > 0 {
			c.groups = append(c.groups, LookupGroup{
				Target:    Remote(groupIdx),
				Placement: tableGroup.Placement,
				Kind:      GroupSparse,
				LookupIDs: sparseIDs,
			})
		}
		if len(denseIDs) == 0 {
			continue
		}
		switch cfg.DenseCompression {
		case CompressionUnique:
			c.groups = append(c.groups, LookupGroup{
				Target:    Remote(groupIdx),
				Placement: tableGroup.Placement,
				Kind:      GroupDense,
				LookupIDs: denseIDs,
			})
		case CompressionCacheFrequent:
			c.groups = append(c.groups, LookupGroup{
				Target:    Remote(groupIdx),
				Placement: tableGroup.Placement,
				Kind:      GroupInfrequentDense,
				LookupIDs: denseIDs,
			})
			c.groups = append(c.groups, LookupGroup{
				Target:    LocalCache(nextCacheID),
				Placement: tableGroup.Placement,
				Kind:      GroupFrequentDense,
				LookupIDs: slices.Clone(denseIDs),
			})
			nextCacheID++
		default:
			fatal.Configf("dense compression strategy %s not supported in embedding collection",
				cfg.DenseCompression)
		}
	}
}

// Config returns the configuration the collection was built from.
func (c *Collection) Config() CollectionConfig { return c.cfg }

// NumTables in the collection.
func (c *Collection) NumTables() int { return c.cfg.NumTables }

// NumLookups in the collection.
func (c *Collection) NumLookups() int { return len(c.cfg.Lookups) }

// NumDevices covered by the shard matrix.
func (c *Collection) NumDevices() int { return len(c.cfg.ShardMatrix) }

// BatchSize the collection was planned for.
func (c *Collection) BatchSize() int { return c.cfg.BatchSize }

// Lookup returns the lookup with the given id.
func (c *Collection) Lookup(lookupID int) LookupParam { return c.cfg.Lookups[lookupID] }

// NumGroups returns the number of lookup groups built.
func (c *Collection) NumGroups() int { return len(c.groups) }

// Group returns the lookup group at the given index.
func (c *Collection) Group(groupIdx int) *LookupGroup { return &c.groups[groupIdx] }

// LookupInGroup reports whether the lookup belongs to the group.
func (c *Collection) LookupInGroup(groupIdx, lookupID int) bool {
	return slices.Contains(c.groups[groupIdx].LookupIDs, lookupID)
}

// HasShard reports whether device holds a shard serving the given lookup in
// the given group: the lookup must be a group member and the device must hold
// a nonzero shard of the lookup's table.
func (c *Collection) HasShard(device int, groupIdx, lookupID int) bool {
	tableID := c.cfg.Lookups[lookupID].TableID
	return c.LookupInGroup(groupIdx, lookupID) && c.cfg.ShardMatrix[device][tableID]
}

// ShardRank returns the device's shard rank for the table and the table's
// shard count. Shards are ordered by ascending device index; that ordering is
// an external contract the kernels assume. Querying a device that holds no
// shard is a contract violation -- callers check HasShard first.
func (c *Collection) ShardRank(device, tableID int) (rank, numShards int) {
	rank = -1
	for shardDevice, row := range c.cfg.ShardMatrix {
		if !row[tableID] {
			continue
		}
		if shardDevice == device {
			rank = numShards
		}
		numShards++
	}
	if rank < 0 {
		fatal.Contractf("ShardRank: device %d holds no shard of table %d", device, tableID)
	}
	return
}

// HasModelParallel reports whether any table group is placed ModelParallel.
func (c *Collection) HasModelParallel() bool {
	for _, tableGroup := range c.cfg.TableGroups {
		if tableGroup.Placement == ModelParallel {
			return true
		}
	}
	return false
}

// SetFrequentKeys registers the frequent-key side data used by the
// local-cache groups of a CacheFrequent configuration.
func (c *Collection) SetFrequentKeys(data []FrequentKeys) {
	if c.cfg.DenseCompression != CompressionCacheFrequent {
		fatal.Contractf("SetFrequentKeys under %s compression", c.cfg.DenseCompression)
	}
	for _, fk := range data {
		if fk.TableID < 0 || fk.TableID >= c.cfg.NumTables {
			fatal.Contractf("SetFrequentKeys: table %d out of range [0, %d)", fk.TableID, c.cfg.NumTables)
		}
		if fk.Keys == nil {
			fatal.Contractf("SetFrequentKeys: table %d has nil keys", fk.TableID)
		}
	}
	c.frequentKeys = data
}

// FrequentKeys returns the registered frequent-key side data, nil if none.
func (c *Collection) FrequentKeys() []FrequentKeys { return c.frequentKeys }

func (c *Collection) numShards(tableID int) (n int) {
	for _, row := range c.cfg.ShardMatrix {
		if row[tableID] {
			n++
		}
	}
	return
}
