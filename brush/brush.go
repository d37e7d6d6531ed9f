// Package brush implements the pluggable per-point coloring contract
// (component C1) and the brush registry/factory (component C2) described
// by the coloring pipeline spec.
package brush

import (
	"context"

	"github.com/hobu/plasio-cache/stats"
)

// FieldType names the wire type of a schema field. After normalization
// (spec §6) every field is a 4-byte float, but the declared type is kept
// so a brush can distinguish an originally-integral field (e.g.
// classification) from a continuous one.
type FieldType int

// Field types a tile's schema may declare.
const (
	FieldFloating FieldType = iota
	FieldUnsigned
)

// FieldDescriptor describes one field of a tile's point schema.
type FieldDescriptor struct {
	Name string
	Type FieldType
	Size int
}

// Schema is the ordered field list carried by a tile, per spec §3.
type Schema []FieldDescriptor

// Index returns the position of name within the schema, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether the schema declares every field in names.
func (s Schema) Has(names ...string) bool {
	for _, n := range names {
		if s.Index(n) < 0 {
			return false
		}
	}
	return true
}

// TransferDirection names which side of the worker boundary a transfer is
// moving across. No stock brush differentiates on it today; it is kept so
// a future asymmetric brush can, per the spec's design notes.
type TransferDirection int

// Transfer directions.
const (
	MainToWorker TransferDirection = iota
	WorkerToMain
)

// Strategy names which other cached tiles a newly-inserted tile may have
// invalidated (spec §4.1's nodeSelectionStrategy).
type Strategy int

// Node selection strategies.
const (
	StrategyNone Strategy = iota
	StrategyAncestors
	StrategyAll
)

// RampSelector names which GPU color-ramp uniform a brush contributes to.
type RampSelector int

// Ramp uniform selectors.
const (
	RampNone RampSelector = iota
	RampZRange
	RampIntensityRange
)

// RampConfig is a brush's contribution to the shared GPU color-ramp
// uniforms, per spec §4.1.
type RampConfig struct {
	Selector RampSelector
	Start    [3]uint8
	End      [3]uint8
}

// TransferableBuffer names one piece of backing storage a BeginTransfer
// call is moving, not copying, across the worker boundary. Go has no
// structured-clone transfer list; this is a descriptive marker honored by
// convention — callers must not read or write Data until the transfer's
// matching EndTransfer (or the color job's result) arrives.
type TransferableBuffer struct {
	Name string
	Data any
}

// BufferParams is the per-tile context a brush needs to prepare, color,
// and decide on recoloring: the tile's schema, its point count and
// render-space bounds, and a handle onto the cumulative cross-tile stats
// (spec's pointCloudBufferStats).
type BufferParams struct {
	Schema            Schema
	TotalPoints       int
	RenderSpaceBounds [6]float32
	Stats             *stats.PointCloudStats
}

// Brush is the contract every coloring variant implements (spec §4.1).
type Brush interface {
	// RequiredSchemaFields names the schema fields this brush needs to be
	// usable on a tile.
	RequiredSchemaFields() []string

	// Serialize captures the brush's configuration by value so it can be
	// persisted or reconstructed later. Must round-trip with Deserialize,
	// modulo transient prepare-computed state.
	Serialize() (any, error)

	// Deserialize restores configuration previously produced by Serialize.
	Deserialize(payload any) error

	// BeginTransfer prepares the brush's full current state (configuration
	// plus any prepare-computed parameters) for a cross-thread hop.
	BeginTransfer(dir TransferDirection) (params any, transferList []TransferableBuffer, err error)

	// EndTransfer adopts params produced by a matching BeginTransfer.
	EndTransfer(dir TransferDirection, params any) error

	// Prepare computes this brush's per-tile coloring parameters from the
	// current aggregate stats and the staging attributes of the tile's
	// parent and present children. It may be skipped (quiescent "no
	// color" mode) rather than failing when the stats are unsuitable.
	// Must be paired with Unprepare.
	Prepare(ctx context.Context, bp BufferParams, parentStaging any, childStaging []any) error

	// StagingAttributes snapshots the state Prepare computed, using the
	// same inputs, so a later insert can decide whether this tile needs
	// recoloring. The returned value must compare correctly with ==.
	StagingAttributes(bp BufferParams, parentStaging any, childStaging []any) any

	// NodeSelectionStrategy declares which other cached tiles this
	// brush's involvement in an insert may invalidate.
	NodeSelectionStrategy(bp BufferParams) (Strategy, any)

	// BufferNeedsRecolor is a predicate on another tile's cached staging
	// attribute for this brush's slot; true means that tile must be
	// re-queued for recoloring.
	BufferNeedsRecolor(bp BufferParams, strategyParams, otherStaging any) bool

	// ColorPoint writes an RGB triple for a single point. fieldIndex maps
	// schema field name to that field's offset within point.
	ColorPoint(out *[3]uint8, point []float32, fieldIndex map[string]int)

	// Unprepare releases any per-run state allocated by Prepare.
	Unprepare(bp BufferParams)

	// RampConfiguration selects which GPU color-ramp uniform, if any,
	// this brush contributes to.
	RampConfiguration() RampConfig
}

// FieldIndex builds the fieldIndex map ColorPoint expects from a schema.
func FieldIndex(schema Schema) map[string]int {
	idx := make(map[string]int, len(schema))
	for i, f := range schema {
		idx[f.Name] = i
	}
	return idx
}
