package pointbuffer

import (
	"context"
	"sort"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"github.com/hobu/plasio-cache/brush"
	"github.com/hobu/plasio-cache/colorworker"
	"github.com/hobu/plasio-cache/stats"
	"github.com/hobu/plasio-cache/tilelock"
	"github.com/hobu/plasio-cache/treepath"
)

var tilesCached = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pointbuffer_tiles_cached",
	Help: "Number of tiles currently held in the point-buffer cache.",
})

// RenderNotifier is fired after each successful recolor so the renderer
// knows to re-check Tile.Update.
type RenderNotifier func()

// CacheOptions configures a Cache.
type CacheOptions struct {
	// NumBrushes is the fixed brush-slot count every push and recolor
	// operates over.
	NumBrushes int
	// RenderRequest is invoked after each successful recolor, if set.
	RenderRequest RenderNotifier
}

// PushParams mirrors spec §6's inbound push record field-for-field.
type PushParams struct {
	Data              []float32
	TotalPoints       int
	Schema            brush.Schema
	TreePath          treepath.Path
	RenderSpaceBounds [6]float32
	BufferStats       stats.TileStats
	// GeoTransform is opaque scale/offset/bounds metadata carried through
	// unchanged; the cache does not interpret it.
	GeoTransform any
}

// PushResult is returned by Push.
type PushResult struct {
	Update bool
	Buf    []float32
}

// Cache is the point-buffer cache (C5): the single shared owner of the
// tile map for a viewer session, paired with its recolor scheduler (C6).
// The cooperative single-threaded control core of spec §5 is realized as
// Cache.mu serializing map/queue edits; it is released before any of the
// three suspension points (prepare barrier, worker job, tile lock) block.
type Cache struct {
	mu    sync.Mutex
	tiles map[treepath.Path]*Tile

	logger    golog.Logger
	pool      *colorworker.Pool
	statsAcc  *stats.PointCloudStats
	lockTable *tilelock.Table
	scheduler *Scheduler

	numBrushes    int
	renderRequest RenderNotifier
}

// NewCache constructs an empty cache wired to pool for coloring jobs and
// statsAcc for the cumulative cross-tile histogram. The scheduler's
// driver goroutine runs against context.Background() rather than any
// one caller's Push context, since a recolor it triggers may long
// outlive the push that enqueued it.
func NewCache(logger golog.Logger, pool *colorworker.Pool, statsAcc *stats.PointCloudStats, opts CacheOptions) *Cache {
	c := &Cache{
		tiles:         make(map[treepath.Path]*Tile),
		logger:        logger,
		pool:          pool,
		statsAcc:      statsAcc,
		lockTable:     tilelock.New(),
		numBrushes:    opts.NumBrushes,
		renderRequest: opts.RenderRequest,
	}
	c.scheduler = newScheduler(context.Background(), logger, c.recolorNode)
	return c
}

// Get returns the tile cached at path, if any.
func (c *Cache) Get(path treepath.Path) (*Tile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tiles[path]
	return t, ok
}

// neighbors returns the parent tile (if cached) and the present children
// of path, in octant order, per spec §4.5 step 1.
func (c *Cache) neighbors(path treepath.Path) (*Tile, [8]*Tile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var parent *Tile
	if p, ok := path.Parent(); ok {
		parent = c.tiles[p]
	}

	var children [8]*Tile
	for i := 0; i < 8; i++ {
		if t, ok := c.tiles[path.Child(i)]; ok {
			children[i] = t
		}
	}
	return parent, children
}

func stagingFor(t *Tile, slot int) any {
	if t == nil {
		return nil
	}
	return t.staging(slot)
}

// filterSchemaMismatches returns a copy of brushes with any brush whose
// RequiredSchemaFields names a field schema lacks replaced by nil, per
// spec §7's SchemaMismatch(field): that brush is skipped for this tile
// only (no prepare, no color, no staging), never treated as a fatal
// push error.
func (c *Cache) filterSchemaMismatches(path treepath.Path, brushes []brush.Brush, schema brush.Schema) []brush.Brush {
	out := make([]brush.Brush, len(brushes))
	copy(out, brushes)
	for slot, b := range out {
		if b == nil {
			continue
		}
		if err := brush.CheckRequiredFields(b, schema); err != nil {
			c.logger.Warnw("brush skipped for tile: schema mismatch", "path", path, "slot", slot, "err", err)
			out[slot] = nil
		}
	}
	return out
}

// prepareBrushes runs Prepare for every non-nil brush in brushes, in
// parallel, against bp, using parent and children's staging attributes
// for the matching slot. All must resolve before proceeding, per spec
// §4.5 step 3. Unlike an errgroup barrier, a failure in one brush does
// not cancel the others: every brush's error is combined into the
// return value, following the teacher's bigError/multierr.Combine
// pattern for fan-out work.
func (c *Cache) prepareBrushes(ctx context.Context, brushes []brush.Brush, bp brush.BufferParams, parent *Tile, children [8]*Tile) error {
	var wg sync.WaitGroup
	var bigErr error
	var bigErrMu sync.Mutex

	for slot, b := range brushes {
		slot, b := slot, b
		if b == nil {
			continue
		}
		wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			parentStaging := stagingFor(parent, slot)
			var childStaging []any
			for _, ct := range children {
				if ct != nil {
					childStaging = append(childStaging, stagingFor(ct, slot))
				}
			}
			if err := b.Prepare(ctx, bp, parentStaging, childStaging); err != nil {
				bigErrMu.Lock()
				bigErr = multierr.Combine(bigErr, err)
				bigErrMu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Wrap(bigErr, "preparing brushes")
}

// unprepareBrushes releases every non-nil brush's per-run state in
// parallel, per spec §4.5 step 8.
func (c *Cache) unprepareBrushes(brushes []brush.Brush, bp brush.BufferParams) {
	var wg sync.WaitGroup
	for _, b := range brushes {
		if b == nil {
			continue
		}
		wg.Add(1)
		b := b
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			b.Unprepare(bp)
		})
	}
	wg.Wait()
}

// snapshotStaging captures StagingAttributes for every non-nil brush,
// using the same inputs prepareBrushes used, per spec §4.5 step 7.
func snapshotStaging(brushes []brush.Brush, bp brush.BufferParams, parent *Tile, children [8]*Tile) []any {
	out := make([]any, len(brushes))
	for slot, b := range brushes {
		if b == nil {
			continue
		}
		parentStaging := stagingFor(parent, slot)
		var childStaging []any
		for _, ct := range children {
			if ct != nil {
				childStaging = append(childStaging, stagingFor(ct, slot))
			}
		}
		out[slot] = b.StagingAttributes(bp, parentStaging, childStaging)
	}
	return out
}

// Push implements spec §4.5's push operation.
func (c *Cache) Push(ctx context.Context, params PushParams, brushes []brush.Brush) (PushResult, error) {
	if c.numBrushes > 0 && len(brushes) != c.numBrushes {
		return PushResult{}, errors.Errorf("push %s: got %d brushes, cache configured for %d", params.TreePath, len(brushes), c.numBrushes)
	}

	brushes = c.filterSchemaMismatches(params.TreePath, brushes, params.Schema)

	parent, children := c.neighbors(params.TreePath)

	// Step 2: merge stats before preparing brushes, so every brush sees a
	// consistent running total that includes the incoming tile.
	c.statsAcc.Accumulate(params.BufferStats)

	bp := brush.BufferParams{
		Schema:            params.Schema,
		TotalPoints:       params.TotalPoints,
		RenderSpaceBounds: params.RenderSpaceBounds,
		Stats:             c.statsAcc,
	}

	if err := c.prepareBrushes(ctx, brushes, bp, parent, children); err != nil {
		return PushResult{}, err
	}

	outputPointSize := 3 + len(brushes)
	output := make([]float32, params.TotalPoints*outputPointSize)

	// Every channel is in scope on an initial push: a genuinely empty or
	// schema-mismatched slot still gets its black pixel written.
	touched := make([]bool, len(brushes))
	for i := range touched {
		touched[i] = true
	}

	if err := c.lockTable.Lock(ctx, params.TreePath); err != nil {
		return PushResult{}, errors.Wrap(err, "acquiring tile lock")
	}

	inputBuffer, workerErr := c.colorBuffer(ctx, brushes, touched, params.Data, params.Schema, params.TotalPoints, output, outputPointSize)

	c.lockTable.Unlock(params.TreePath)

	if workerErr != nil {
		c.logger.Warnw("color job failed, inserting uncolored tile", "path", params.TreePath, "err", workerErr)
	} else {
		params.Data = inputBuffer
	}

	staging := snapshotStaging(brushes, bp, parent, children)
	c.unprepareBrushes(brushes, bp)

	tile := &Tile{
		InputBuffer:       params.Data,
		Schema:            params.Schema,
		BufferStats:       params.BufferStats,
		RenderSpaceBounds: params.RenderSpaceBounds,
		TotalPoints:       params.TotalPoints,
		OutputBuffer:      output,
		OutputPointSize:   outputPointSize,
		StagingAttributes: staging,
	}

	c.mu.Lock()
	c.tiles[params.TreePath] = tile
	tilesCached.Set(float64(len(c.tiles)))
	c.mu.Unlock()

	c.computeImpactSet(params.TreePath, brushes, bp)

	return PushResult{Update: false, Buf: output}, nil
}

// colorBuffer dispatches one coloring job to the worker pool and awaits
// its result. touched is slot-aligned with brushes: touched[slot] ==
// false tells the worker to leave that output channel untouched rather
// than writing black for it, the case a partial recolor's
// not-in-this-round slots need. On worker failure the output buffer is
// left zero-filled (its initial allocated state) and the error is
// returned for logging, but never propagated to the caller — per spec
// §7 the tile is still inserted.
func (c *Cache) colorBuffer(ctx context.Context, brushes []brush.Brush, touched []bool, input []float32, schema brush.Schema, totalPoints int, output []float32, outputPointSize int) ([]float32, error) {
	tp, err := brush.BeginTransferForBrushes(brushes, brush.MainToWorker)
	if err != nil {
		return input, err
	}

	resultChan := c.pool.Push(colorworker.Job{
		Params: colorworker.JobParams{
			Brushes:         brushes,
			Touched:         touched,
			BrushTransfer:   tp,
			TotalPoints:     totalPoints,
			InputBuffer:     input,
			Schema:          schema,
			OutputBuffer:    output,
			OutputPointSize: outputPointSize,
		},
	})

	select {
	case result := <-resultChan:
		if result.Err != nil {
			return input, result.Err
		}
		return result.Output.InputBuffer, nil
	case <-ctx.Done():
		return input, ctx.Err()
	}
}

// computeImpactSet implements spec §4.5 step 10: for each brush, find
// which other cached tiles its involvement in this push may have
// invalidated, and enqueue those for recolor. Slots are independent —
// each writes only its own StagingAttributes index and scheduler
// entries are coalesced per (path,slot) — so they fan out concurrently
// via errgroup; no error is combined, unlike the prepare step's
// WaitGroup and multierr barrier.
// Within a single slot, candidates are still walked in strategy order
// (nearest ancestor first), since a brush's BufferNeedsRecolor may
// depend on that ordering.
func (c *Cache) computeImpactSet(path treepath.Path, brushes []brush.Brush, bp brush.BufferParams) {
	var g errgroup.Group
	for slot, b := range brushes {
		slot, b := slot, b
		if b == nil {
			continue
		}
		g.Go(func() error {
			c.computeSlotImpact(path, slot, b, bp)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) computeSlotImpact(path treepath.Path, slot int, b brush.Brush, bp brush.BufferParams) {
	strategy, strategyParams := b.NodeSelectionStrategy(bp)

	var candidates []treepath.Path
	switch strategy {
	case brush.StrategyNone:
		return
	case brush.StrategyAncestors:
		candidates = path.Ancestors()
	case brush.StrategyAll:
		candidates = c.otherCachedPaths(path)
	}

	for _, candidate := range candidates {
		ct, ok := c.Get(candidate)
		if !ok {
			continue
		}
		otherStaging := ct.staging(slot)
		if otherStaging == nil || b.BufferNeedsRecolor(bp, strategyParams, otherStaging) {
			candidateBP := brush.BufferParams{
				Schema:            ct.Schema,
				TotalPoints:       ct.TotalPoints,
				RenderSpaceBounds: ct.RenderSpaceBounds,
				Stats:             c.statsAcc,
			}
			c.scheduler.Enqueue(candidate, slot, b, candidateBP)
		}
	}
}

// otherCachedPaths returns every cached path other than exclude, sorted
// lexicographically (depth-first traversal order for this alphabet), per
// spec §4.5 step 10's ALL strategy.
func (c *Cache) otherCachedPaths(exclude treepath.Path) []treepath.Path {
	c.mu.Lock()
	out := make([]treepath.Path, 0, len(c.tiles))
	for p := range c.tiles {
		if p != exclude {
			out = append(out, p)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// recolorNode repeats the prepare/color/unprepare cycle of spec §4.5
// steps 3-8 for one recolor queue entry, reusing the tile's own
// InputBuffer and OutputBuffer. It is the Scheduler's drive function.
// Only the entry's non-nil slots are re-prepared and recolored; other
// channels of OutputBuffer, including those of nil entries, are left
// untouched. A queued brush that fails this tile's schema check still
// overwrites its channel to black.
func (c *Cache) recolorNode(ctx context.Context, path treepath.Path, brushesBySlot []brush.Brush, bp brush.BufferParams) {
	tile, ok := c.Get(path)
	if !ok {
		// Removed before the scheduler reached it: spec §4.5 remove
		// scrubs the queue, but a recolor already in flight when remove
		// runs lands here and is silently dropped (QueueAborted).
		return
	}

	// touched must be captured from brushesBySlot's nil-ness before the
	// schema-mismatch filter runs: every slot the scheduler queued this
	// entry for holds a non-nil brush and is authoritative for this
	// round, so even if its brush then fails the schema check the worker
	// overwrites that channel rather than leave it alone. A nil slot was
	// never queued for this entry (the scheduler only enqueues non-nil
	// brushes) and stays untouched, as does any slot beyond
	// brushesBySlot's length.
	touched := make([]bool, len(brushesBySlot))
	for slot, b := range brushesBySlot {
		touched[slot] = b != nil
	}

	brushesBySlot = c.filterSchemaMismatches(path, brushesBySlot, tile.Schema)

	parent, children := c.neighbors(path)

	if err := c.prepareBrushes(ctx, brushesBySlot, bp, parent, children); err != nil {
		c.logger.Warnw("recolor prepare failed", "path", path, "err", err)
		return
	}

	if err := c.lockTable.Lock(ctx, path); err != nil {
		c.unprepareBrushes(brushesBySlot, bp)
		return
	}

	inputBuffer, workerErr := c.colorBuffer(ctx, brushesBySlot, touched, tile.InputBuffer, tile.Schema, tile.TotalPoints, tile.OutputBuffer, tile.OutputPointSize)

	c.lockTable.Unlock(path)

	staging := snapshotStaging(brushesBySlot, bp, parent, children)
	c.unprepareBrushes(brushesBySlot, bp)

	// Spec §9: a recolor already dispatched is allowed to complete, but
	// its result is written back only if the tile is still present.
	current, stillPresent := c.Get(path)
	if !stillPresent || current != tile {
		return
	}

	if workerErr != nil {
		c.logger.Warnw("recolor color job failed", "path", path, "err", workerErr)
		return
	}

	c.mu.Lock()
	tile.InputBuffer = inputBuffer
	for slot, s := range staging {
		if brushesBySlot[slot] == nil {
			continue
		}
		if slot >= len(tile.StagingAttributes) {
			grown := make([]any, slot+1)
			copy(grown, tile.StagingAttributes)
			tile.StagingAttributes = grown
		}
		tile.StagingAttributes[slot] = s
	}
	tile.Update = true
	c.mu.Unlock()

	if c.renderRequest != nil {
		c.renderRequest()
	}
}

// Remove deletes the tile at path and cancels any pending recolor for
// it, per spec §4.5.
func (c *Cache) Remove(path treepath.Path) {
	c.mu.Lock()
	delete(c.tiles, path)
	tilesCached.Set(float64(len(c.tiles)))
	c.mu.Unlock()
	c.scheduler.scrub(path)
}

// Flush clears the tile map, the recolor queue, and the cumulative
// stats accumulator, per spec §4.5. In-flight coloring jobs already
// dispatched to the worker pool are left to complete; recolorNode
// discards its result once the tile it would update is no longer
// present, while a Push already in progress still inserts its own tile.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.tiles = make(map[treepath.Path]*Tile)
	c.mu.Unlock()
	tilesCached.Set(0)
	c.scheduler.clear()
	c.statsAcc.Reset()
}
