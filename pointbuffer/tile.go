// Package pointbuffer implements the point-buffer cache (C5) and its
// recolor scheduler (C6): the tile map every push/remove/flush mutates,
// and the serial driver that re-runs coloring on tiles whose brush
// staging has drifted.
package pointbuffer

import (
	"github.com/golang/geo/r3"

	"github.com/hobu/plasio-cache/brush"
	"github.com/hobu/plasio-cache/stats"
)

// Tile is one cached, decoded, and colored chunk of the point cloud.
type Tile struct {
	InputBuffer       []float32
	Schema            brush.Schema
	BufferStats       stats.TileStats
	RenderSpaceBounds [6]float32
	TotalPoints       int
	OutputBuffer      []float32
	OutputPointSize   int

	// StagingAttributes is indexed by brush slot, length == numBrushes.
	StagingAttributes []any

	// Update is set true by a recolor and cleared by the renderer once
	// it has uploaded OutputBuffer; a freshly-inserted tile (the initial
	// push) leaves this false since the caller performs that upload
	// itself, per spec.
	Update bool
}

// Bounds returns RenderSpaceBounds' min and max corners as vectors.
func (t *Tile) Bounds() (min, max r3.Vector) {
	b := t.RenderSpaceBounds
	return r3.Vector{X: float64(b[0]), Y: float64(b[1]), Z: float64(b[2])},
		r3.Vector{X: float64(b[3]), Y: float64(b[4]), Z: float64(b[5])}
}

func (t *Tile) staging(slot int) any {
	if slot < 0 || slot >= len(t.StagingAttributes) {
		return nil
	}
	return t.StagingAttributes[slot]
}
