// Package embedding implements the planning layer for a collection of sparse
// embedding tables trained across multiple devices: which device owns which
// shard of which table, how per-lookup outputs are laid out in the dense
// output buffer, and how backward-pass gradients (wgrad) are grouped,
// deduplicated and shaped for collective communication.
//
// Nothing here launches kernels or moves embedding rows. The package produces
// metadata -- group partitions, layouts, index permutations, buffer plans --
// consumed by external lookup/allreduce kernels. The cost of getting this
// metadata wrong is silent training corruption rather than a crash, so the
// invariants are enforced aggressively: configuration problems and broken
// call-ordering contracts throw fatal errors (see the types/fatal package)
// instead of being papered over.
//
// The main types, in dependency order:
//
//   - Collection: built once from static configuration; partitions lookups
//     into groups by placement and combiner semantics, answers
//     shard-ownership queries.
//   - OutputAttr: the per-lookup layout of the dense embedding output buffer.
//   - WgradAttr: per-group sorted/unique table-id mappings for gradient
//     addressing.
//   - Wgrad + WgradInitializer / AllreduceWgradInitializer: gradient buffer
//     plans for the data-parallel and model-parallel paths.
//   - Input: the per-step keys/bucket ranges and compression side tables.
//
// Concurrency: a Collection is read-only after construction and safe for
// concurrent reads. Every other type is exclusively owned by the thread
// driving its device's training step; there is no internal locking.
package embedding

import "fmt"

// Combiner is the pooling operation applied to the embedding vectors
// retrieved for one lookup in one sample.
type Combiner int8

const (
	// CombinerSum adds the vectors of all keys pooled into the lookup.
	CombinerSum Combiner = iota
	// CombinerAverage averages them.
	CombinerAverage
	// CombinerConcat concatenates them; lookups with this combiner form
	// "dense" groups (one output vector per key rather than per lookup).
	CombinerConcat
)

func (c Combiner) String() string {
	switch c {
	case CombinerSum:
		return "Sum"
	case CombinerAverage:
		return "Average"
	case CombinerConcat:
		return "Concat"
	}
	return fmt.Sprintf("Combiner(%d)", int8(c))
}

// Placement is the strategy assigning a table group's rows to devices.
type Placement int8

const (
	// DataParallel replicates each table on every device.
	DataParallel Placement = iota
	// ModelParallel shards each table over the devices marked in the shard
	// matrix.
	ModelParallel
)

func (p Placement) String() string {
	switch p {
	case DataParallel:
		return "DataParallel"
	case ModelParallel:
		return "ModelParallel"
	}
	return fmt.Sprintf("Placement(%d)", int8(p))
}

// Layout selects how per-lookup vectors are arranged in the dense output
// buffer.
type Layout int8

const (
	// FeatureMajor stores each lookup's vectors as its own contiguous block
	// across the batch.
	FeatureMajor Layout = iota
	// BatchMajor concatenates each sample's per-lookup vectors.
	BatchMajor
)

func (l Layout) String() string {
	switch l {
	case FeatureMajor:
		return "FeatureMajor"
	case BatchMajor:
		return "BatchMajor"
	}
	return fmt.Sprintf("Layout(%d)", int8(l))
}

// SortStrategy selects the algorithm used to co-sort lookup and table ids
// when building gradient groups. A performance knob only: both strategies
// produce the identical ordering.
type SortStrategy int8

const (
	SortRadix SortStrategy = iota
	SortSegmented
)

func (s SortStrategy) String() string {
	switch s {
	case SortRadix:
		return "Radix"
	case SortSegmented:
		return "Segmented"
	}
	return fmt.Sprintf("SortStrategy(%d)", int8(s))
}

// KeysPreprocess selects the key preprocessing applied before lookup.
type KeysPreprocess int8

const (
	KeysPreprocessNone KeysPreprocess = iota
	// KeysPreprocessAddOffset shifts each table's keys by a per-table offset
	// so keys of different tables can share one sorted keyspace.
	KeysPreprocessAddOffset
)

func (k KeysPreprocess) String() string {
	switch k {
	case KeysPreprocessNone:
		return "None"
	case KeysPreprocessAddOffset:
		return "AddOffset"
	}
	return fmt.Sprintf("KeysPreprocess(%d)", int8(k))
}

// AllreduceStrategy selects how data-parallel gradients are exchanged.
// Consumed by AllreduceWgradInitializer; decided by the caller.
type AllreduceStrategy int8

const (
	// AllreduceSparse exchanges only the touched rows.
	AllreduceSparse AllreduceStrategy = iota
	// AllreduceDense exchanges a dense buffer covering each table's full
	// embedding matrix, one collective call per group.
	AllreduceDense
	// AllreduceGroupDense places the dense buffers of several groups in one
	// shared allocation channel so they are exchanged in a single collective
	// call. Fewer, larger calls: collective overhead is per-call, not
	// per-byte, at small message sizes.
	AllreduceGroupDense
)

func (a AllreduceStrategy) String() string {
	switch a {
	case AllreduceSparse:
		return "Sparse"
	case AllreduceDense:
		return "Dense"
	case AllreduceGroupDense:
		return "GroupDense"
	}
	return fmt.Sprintf("AllreduceStrategy(%d)", int8(a))
}

// Communication selects the cross-device exchange topology.
type Communication int8

const (
	CommUniform Communication = iota
	CommHierarchical
)

func (c Communication) String() string {
	switch c {
	case CommUniform:
		return "Uniform"
	case CommHierarchical:
		return "Hierarchical"
	}
	return fmt.Sprintf("Communication(%d)", int8(c))
}

// DenseCompression selects how Concat-combiner lookups are deduplicated.
type DenseCompression int8

const (
	// CompressionUnique deduplicates keys within the step.
	CompressionUnique DenseCompression = iota
	// CompressionCacheFrequent additionally serves the most frequent keys
	// from a local cache, splitting each dense group into an infrequent
	// (remote) and a frequent (local-cache) half.
	CompressionCacheFrequent
)

func (d DenseCompression) String() string {
	switch d {
	case CompressionUnique:
		return "Unique"
	case CompressionCacheFrequent:
		return "CacheFrequent"
	}
	return fmt.Sprintf("DenseCompression(%d)", int8(d))
}

// GroupKind classifies a lookup group by its pooling/compression semantics.
type GroupKind int8

const (
	// GroupSparse pools Sum/Average lookups.
	GroupSparse GroupKind = iota
	// GroupDense holds Concat lookups under Unique compression.
	GroupDense
	// GroupFrequentDense is the locally cached half of a CacheFrequent split.
	GroupFrequentDense
	// GroupInfrequentDense is the remote half of a CacheFrequent split.
	GroupInfrequentDense
)

func (k GroupKind) String() string {
	switch k {
	case GroupSparse:
		return "Sparse"
	case GroupDense:
		return "Dense"
	case GroupFrequentDense:
		return "FrequentDense"
	case GroupInfrequentDense:
		return "InfrequentDense"
	}
	return fmt.Sprintf("GroupKind(%d)", int8(k))
}
