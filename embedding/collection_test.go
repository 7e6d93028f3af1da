package embedding

import (
	"testing"

	"github.com/gomlx/embedplan/types/fatal"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConfig builds the shared fixture: 3 tables over 4 devices, one
// ModelParallel table group, one Sum and two Concat lookups.
func newTestConfig() CollectionConfig {
	return CollectionConfig{
		NumTables: 3,
		Lookups: []LookupParam{
			{LookupID: 0, TableID: 0, Combiner: CombinerSum, MaxHotness: 10, EVSize: 8},
			{LookupID: 1, TableID: 1, Combiner: CombinerConcat, MaxHotness: 2, EVSize: 8},
			{LookupID: 2, TableID: 2, Combiner: CombinerConcat, MaxHotness: 3, EVSize: 16},
		},
		ShardMatrix: [][]bool{
			{true, true, false},
			{false, true, true},
			{true, true, true},
			{false, true, false},
		},
		TableGroups: []TableGroup{{Placement: ModelParallel, TableIDs: []int{0, 1, 2}}},
		BatchSize:   8,
		DTypes:      DefaultDTypes(),
	}
}

func configError(t *testing.T, fn func()) *fatal.ConfigurationError {
	t.Helper()
	e := exceptions.TryCatch[*fatal.ConfigurationError](fn)
	require.NotNil(t, e, "expected a ConfigurationError")
	return e
}

func TestGroupPartitionIsTotalAndDisjoint(t *testing.T) {
	c := NewCollection(newTestConfig()) // Unique compression.

	seen := make(map[int]int)
	for groupIdx := 0; groupIdx < c.NumGroups(); groupIdx++ {
		for _, lookupID := range c.Group(groupIdx).LookupIDs {
			seen[lookupID]++
		}
	}
	require.Len(t, seen, c.NumLookups())
	for lookupID := 0; lookupID < c.NumLookups(); lookupID++ {
		assert.Equalf(t, 1, seen[lookupID], "lookup %d must be in exactly one group", lookupID)
	}
}

func TestGroupingByCombiner(t *testing.T) {
	c := NewCollection(newTestConfig())
	require.Equal(t, 2, c.NumGroups())

	sparse := c.Group(0)
	assert.Equal(t, GroupSparse, sparse.Kind)
	assert.Equal(t, []int{0}, sparse.LookupIDs)
	assert.Equal(t, Remote(0), sparse.Target)

	dense := c.Group(1)
	assert.Equal(t, GroupDense, dense.Kind)
	assert.Equal(t, []int{1, 2}, dense.LookupIDs)
	assert.Equal(t, Remote(0), dense.Target)
}

func TestCacheFrequentSplit(t *testing.T) {
	cfg := newTestConfig()
	cfg.DenseCompression = CompressionCacheFrequent
	c := NewCollection(cfg)

	// One Sparse group, one InfrequentDense tied to the table group, one
	// FrequentDense served from the local cache.
	require.Equal(t, 3, c.NumGroups())
	assert.Equal(t, GroupSparse, c.Group(0).Kind)
	assert.Equal(t, []int{0}, c.Group(0).LookupIDs)

	infrequent := c.Group(1)
	assert.Equal(t, GroupInfrequentDense, infrequent.Kind)
	assert.Equal(t, Remote(0), infrequent.Target)
	assert.Equal(t, []int{1, 2}, infrequent.LookupIDs)

	frequent := c.Group(2)
	assert.Equal(t, GroupFrequentDense, frequent.Kind)
	assert.True(t, frequent.Target.IsLocalCache())
	assert.Equal(t, 0, frequent.Target.CacheID())
	assert.Equal(t, []int{1, 2}, frequent.LookupIDs)
}

func TestCacheFrequentDistinctCacheIDs(t *testing.T) {
	cfg := newTestConfig()
	cfg.DenseCompression = CompressionCacheFrequent
	cfg.TableGroups = []TableGroup{
		{Placement: ModelParallel, TableIDs: []int{0, 1}},
		{Placement: ModelParallel, TableIDs: []int{2}},
	}
	c := NewCollection(cfg)

	var cacheIDs []int
	for ii := 0; ii < c.NumGroups(); ii++ {
		if group := c.Group(ii); group.Kind == GroupFrequentDense {
			cacheIDs = append(cacheIDs, group.Target.CacheID())
		}
	}
	// One local-cache group per originating table group, each with its own id.
	assert.Equal(t, []int{0, 1}, cacheIDs)
}

func TestHasShardEquivalence(t *testing.T) {
	cfg := newTestConfig()
	c := NewCollection(cfg)
	for device := 0; device < c.NumDevices(); device++ {
		for groupIdx := 0; groupIdx < c.NumGroups(); groupIdx++ {
			for lookupID := 0; lookupID < c.NumLookups(); lookupID++ {
				want := c.LookupInGroup(groupIdx, lookupID) &&
					cfg.ShardMatrix[device][cfg.Lookups[lookupID].TableID]
				assert.Equalf(t, want, c.HasShard(device, groupIdx, lookupID),
					"device=%d group=%d lookup=%d", device, groupIdx, lookupID)
			}
		}
	}
}

func TestShardRank(t *testing.T) {
	c := NewCollection(newTestConfig())

	// Table 2 is sharded on devices 1 and 2, in ascending device order.
	rank, numShards := c.ShardRank(1, 2)
	assert.Equal(t, 0, rank)
	assert.Equal(t, 2, numShards)
	rank, numShards = c.ShardRank(2, 2)
	assert.Equal(t, 1, rank)
	assert.Equal(t, 2, numShards)

	// Stable: repeated queries return the identical answer.
	for ii := 0; ii < 3; ii++ {
		r, n := c.ShardRank(2, 2)
		assert.Equal(t, 1, r)
		assert.Equal(t, 2, n)
	}

	// Ranks of a table form the contiguous range [0, numShards).
	seen := make(map[int]bool)
	for device := 0; device < c.NumDevices(); device++ {
		if !c.Config().ShardMatrix[device][1] {
			continue
		}
		r, n := c.ShardRank(device, 1)
		assert.Equal(t, 4, n)
		assert.False(t, seen[r], "duplicate rank")
		assert.GreaterOrEqual(t, r, 0)
		assert.Less(t, r, n)
		seen[r] = true
	}
	assert.Len(t, seen, 4)

	// Device 3 holds no shard of table 0: a programming error, not a
	// recoverable condition.
	e := exceptions.TryCatch[*fatal.ContractViolationError](func() { c.ShardRank(3, 0) })
	require.NotNil(t, e)
}

func TestGroupTarget(t *testing.T) {
	remote := Remote(2)
	assert.False(t, remote.IsLocalCache())
	assert.Equal(t, 2, remote.TableGroup())
	assert.Equal(t, "Remote(2)", remote.String())

	cache := LocalCache(1)
	assert.True(t, cache.IsLocalCache())
	assert.Equal(t, 1, cache.CacheID())
	assert.Equal(t, "LocalCache(1)", cache.String())

	require.NotNil(t, exceptions.TryCatch[*fatal.ContractViolationError](func() { cache.TableGroup() }))
	require.NotNil(t, exceptions.TryCatch[*fatal.ContractViolationError](func() { remote.CacheID() }))
}

func TestConfigurationErrors(t *testing.T) {
	t.Run("unsupported combiner", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.Lookups[1].Combiner = Combiner(9)
		e := configError(t, func() { NewCollection(cfg) })
		assert.Contains(t, e.Error(), "combiner not supported")
	})
	t.Run("unsupported compression", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.DenseCompression = DenseCompression(5)
		e := configError(t, func() { NewCollection(cfg) })
		assert.Contains(t, e.Error(), "compression strategy")
	})
	t.Run("empty table group", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.TableGroups = append(cfg.TableGroups, TableGroup{Placement: DataParallel})
		configError(t, func() { NewCollection(cfg) })
	})
	t.Run("table in two groups", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.TableGroups = []TableGroup{
			{Placement: ModelParallel, TableIDs: []int{0, 1, 2}},
			{Placement: ModelParallel, TableIDs: []int{2}},
		}
		configError(t, func() { NewCollection(cfg) })
	})
	t.Run("model-parallel table with no shard", func(t *testing.T) {
		cfg := newTestConfig()
		for device := range cfg.ShardMatrix {
			cfg.ShardMatrix[device][0] = false
		}
		configError(t, func() { NewCollection(cfg) })
	})
	t.Run("lookup table in no group", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.TableGroups = []TableGroup{{Placement: ModelParallel, TableIDs: []int{1, 2}}}
		configError(t, func() { NewCollection(cfg) })
	})
	t.Run("malformed shard matrix", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.ShardMatrix[1] = []bool{true, true}
		configError(t, func() { NewCollection(cfg) })
	})
	t.Run("missing dtypes", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.DTypes = DTypes{}
		configError(t, func() { NewCollection(cfg) })
	})
	t.Run("non-positive batch", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.BatchSize = 0
		configError(t, func() { NewCollection(cfg) })
	})
}

func TestSetFrequentKeys(t *testing.T) {
	cfg := newTestConfig()
	c := NewCollection(cfg)
	// Under Unique compression there is no cache to feed.
	e := exceptions.TryCatch[*fatal.ContractViolationError](func() { c.SetFrequentKeys(nil) })
	require.NotNil(t, e)
}
