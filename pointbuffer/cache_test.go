package pointbuffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/hobu/plasio-cache/brush"
	"github.com/hobu/plasio-cache/colorenc"
	"github.com/hobu/plasio-cache/colorworker"
	"github.com/hobu/plasio-cache/stats"
	"github.com/hobu/plasio-cache/treepath"
)

func testCache(t *testing.T, numBrushes int, renderRequest RenderNotifier) *Cache {
	t.Helper()
	pool := colorworker.NewPool(context.Background(), golog.NewTestLogger(t), colorworker.PoolOptions{NumWorkers: 2})
	t.Cleanup(pool.Stop)
	return NewCache(golog.NewTestLogger(t), pool, stats.NewPointCloudStats(), CacheOptions{NumBrushes: numBrushes, RenderRequest: renderRequest})
}

func testPushParams(path treepath.Path, totalPoints int, zValues []float32) PushParams {
	data := make([]float32, totalPoints*3)
	for i, z := range zValues {
		data[i*3+0] = 0
		data[i*3+1] = 0
		data[i*3+2] = z
	}
	hist := stats.Histogram{}
	for _, z := range zValues {
		hist[int(z)]++
	}
	return PushParams{
		Data:        data,
		TotalPoints: totalPoints,
		Schema:      brush.Schema{{Name: "x"}, {Name: "y"}, {Name: "z"}},
		TreePath:    path,
		BufferStats: stats.TileStats{"z": hist},
	}
}

func newRampBrush(t *testing.T) brush.Brush {
	t.Helper()
	b, err := brush.DefaultFactory.CreateBrush("local://ramp?field=z&step=1&start=%23000000&end=%23ffffff")
	test.That(t, err, test.ShouldBeNil)
	return b
}

// noneBrush always declares StrategyNone: pushing it never impacts any
// other cached tile.
type noneBrush struct{}

func (noneBrush) RequiredSchemaFields() []string { return nil }
func (noneBrush) Serialize() (any, error)        { return nil, nil }
func (noneBrush) Deserialize(any) error          { return nil }
func (noneBrush) BeginTransfer(brush.TransferDirection) (any, []brush.TransferableBuffer, error) {
	return nil, nil, nil
}
func (noneBrush) EndTransfer(brush.TransferDirection, any) error { return nil }
func (noneBrush) Prepare(context.Context, brush.BufferParams, any, []any) error { return nil }
func (noneBrush) StagingAttributes(brush.BufferParams, any, []any) any { return struct{}{} }
func (noneBrush) NodeSelectionStrategy(brush.BufferParams) (brush.Strategy, any) {
	return brush.StrategyNone, nil
}
func (noneBrush) BufferNeedsRecolor(brush.BufferParams, any, any) bool { return false }
func (noneBrush) ColorPoint(out *[3]uint8, _ []float32, _ map[string]int) {
	out[0], out[1], out[2] = 0, 0, 0
}
func (noneBrush) Unprepare(brush.BufferParams)         {}
func (noneBrush) RampConfiguration() brush.RampConfig { return brush.RampConfig{} }

// ancestorsBrush declares StrategyAncestors and tags each tile's staging
// with a marker taken from RenderSpaceBounds[0] (the test gives every
// pushed tile a distinct marker), so BufferNeedsRecolor can record the
// order candidates were evaluated in.
type ancestorsBrush struct {
	mu    sync.Mutex
	order []float32
}

func (b *ancestorsBrush) RequiredSchemaFields() []string { return nil }
func (b *ancestorsBrush) Serialize() (any, error)        { return nil, nil }
func (b *ancestorsBrush) Deserialize(any) error          { return nil }
func (b *ancestorsBrush) BeginTransfer(brush.TransferDirection) (any, []brush.TransferableBuffer, error) {
	return nil, nil, nil
}
func (b *ancestorsBrush) EndTransfer(brush.TransferDirection, any) error { return nil }
func (b *ancestorsBrush) Prepare(context.Context, brush.BufferParams, any, []any) error {
	return nil
}
func (b *ancestorsBrush) StagingAttributes(bp brush.BufferParams, _ any, _ []any) any {
	return bp.RenderSpaceBounds[0]
}
func (b *ancestorsBrush) NodeSelectionStrategy(brush.BufferParams) (brush.Strategy, any) {
	return brush.StrategyAncestors, nil
}
func (b *ancestorsBrush) BufferNeedsRecolor(_ brush.BufferParams, _ any, otherStaging any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = append(b.order, otherStaging.(float32))
	return false
}
func (b *ancestorsBrush) ColorPoint(out *[3]uint8, _ []float32, _ map[string]int) {
	out[0], out[1], out[2] = 0, 0, 0
}
func (b *ancestorsBrush) Unprepare(brush.BufferParams)         {}
func (b *ancestorsBrush) RampConfiguration() brush.RampConfig { return brush.RampConfig{} }

// markerBrush always declares StrategyNone and paints every point a
// fixed, non-black color, so a test can tell "left untouched" (still
// the marker color) apart from "zeroed" (black) after a sibling slot's
// recolor.
type markerBrush struct{ noneBrush }

func (markerBrush) ColorPoint(out *[3]uint8, _ []float32, _ map[string]int) {
	out[0], out[1], out[2] = 42, 84, 126
}

// failingBrush fails to begin transfer, forcing colorBuffer's worker
// dispatch step to error out before ever reaching the pool.
type failingBrush struct{ noneBrush }

func (failingBrush) BeginTransfer(brush.TransferDirection) (any, []brush.TransferableBuffer, error) {
	return nil, nil, errors.New("simulated transfer failure")
}

func TestPushSingleRampTile(t *testing.T) {
	c := testCache(t, 1, nil)
	ramp := newRampBrush(t)

	params := testPushParams(treepath.Root, 4, []float32{0, 5, 10, 15})
	params.BufferStats = stats.TileStats{"z": stats.Histogram{0: 1, 10: 1, 20: 1, 30: 1}}

	result, err := c.Push(context.Background(), params, []brush.Brush{ramp})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Update, test.ShouldBeFalse)

	expectedH := []float32{0, 31, 63, 95}
	for i, h := range expectedH {
		r, g, b := colorenc.Unpack(result.Buf[i*4+3])
		clamped := uint8(h)
		test.That(t, r, test.ShouldEqual, clamped)
		test.That(t, g, test.ShouldEqual, clamped)
		test.That(t, b, test.ShouldEqual, clamped)
	}
}

func TestPushEnforcesConfiguredBrushCount(t *testing.T) {
	c := testCache(t, 2, nil)
	_, err := c.Push(context.Background(), testPushParams(treepath.Root, 1, []float32{0}), []brush.Brush{newRampBrush(t)})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCoalescingRecolorFiresRenderCallbackOnce(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	done := make(chan struct{}, 8)
	c := testCache(t, 1, func() {
		mu.Lock()
		fired++
		mu.Unlock()
		done <- struct{}{}
	})

	ramp := newRampBrush(t)
	_, err := c.Push(context.Background(), testPushParams(treepath.Root.Child(0), 2, []float32{0, 1}), []brush.Brush{ramp})
	test.That(t, err, test.ShouldBeNil)

	ramp2 := newRampBrush(t)
	_, err = c.Push(context.Background(), testPushParams(treepath.Root.Child(0).Child(0), 2, []float32{2, 3}), []brush.Brush{ramp2})
	test.That(t, err, test.ShouldBeNil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("render callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	test.That(t, fired, test.ShouldEqual, 1)

	tile, ok := c.Get(treepath.Root.Child(0))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tile.Update, test.ShouldBeTrue)
}

func TestPushWithNoneStrategyImpactsNothing(t *testing.T) {
	c := testCache(t, 1, nil)
	_, err := c.Push(context.Background(), testPushParams(treepath.Root, 1, []float32{0}), []brush.Brush{noneBrush{}})
	test.That(t, err, test.ShouldBeNil)

	_, err = c.Push(context.Background(), testPushParams(treepath.Root.Child(0), 1, []float32{0}), []brush.Brush{noneBrush{}})
	test.That(t, err, test.ShouldBeNil)

	c.scheduler.mu.Lock()
	defer c.scheduler.mu.Unlock()
	test.That(t, c.scheduler.queue, test.ShouldBeEmpty)
}

func TestPushWithAncestorsStrategyOrdersImpactSet(t *testing.T) {
	c := testCache(t, 1, nil)
	shared := &ancestorsBrush{}

	pathR := treepath.Root
	pathR1 := treepath.Root.Child(1)
	pathR12 := treepath.Root.Child(1).Child(2)
	pathR123 := treepath.Root.Child(1).Child(2).Child(3)

	markers := map[treepath.Path]float32{pathR: 1, pathR1: 2, pathR12: 3, pathR123: 4}

	for _, path := range []treepath.Path{pathR, pathR1, pathR12} {
		params := testPushParams(path, 1, []float32{0})
		params.RenderSpaceBounds[0] = markers[path]
		_, err := c.Push(context.Background(), params, []brush.Brush{shared})
		test.That(t, err, test.ShouldBeNil)
	}

	shared.mu.Lock()
	shared.order = nil
	shared.mu.Unlock()

	params := testPushParams(pathR123, 1, []float32{0})
	params.RenderSpaceBounds[0] = markers[pathR123]
	_, err := c.Push(context.Background(), params, []brush.Brush{shared})
	test.That(t, err, test.ShouldBeNil)

	shared.mu.Lock()
	defer shared.mu.Unlock()
	test.That(t, shared.order, test.ShouldResemble, []float32{3, 2, 1})
}

// TestPartialRecolorLeavesUntouchedSlotsAlone exercises a multi-brush
// tile where one slot (StrategyNone) is never re-enqueued and another
// (StrategyAll, ramp) is re-enqueued by a later push. The coalesced
// recolor entry's brushesBySlot is [nil, ramp] sized to the ramp slot,
// so colorJob must distinguish that nil from a genuinely empty slot and
// leave the marker slot's channel untouched rather than zeroing it.
func TestPartialRecolorLeavesUntouchedSlotsAlone(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	done := make(chan struct{}, 8)
	c := testCache(t, 2, func() {
		mu.Lock()
		fired++
		mu.Unlock()
		done <- struct{}{}
	})

	params := testPushParams(treepath.Root, 1, []float32{0})
	_, err := c.Push(context.Background(), params, []brush.Brush{markerBrush{}, newRampBrush(t)})
	test.That(t, err, test.ShouldBeNil)

	tileBefore, ok := c.Get(treepath.Root)
	test.That(t, ok, test.ShouldBeTrue)
	markerChannelBefore := tileBefore.OutputBuffer[3]
	r, g, b := colorenc.Unpack(markerChannelBefore)
	test.That(t, r, test.ShouldEqual, uint8(42))
	test.That(t, g, test.ShouldEqual, uint8(84))
	test.That(t, b, test.ShouldEqual, uint8(126))

	childParams := testPushParams(treepath.Root.Child(0), 1, []float32{20})
	_, err = c.Push(context.Background(), childParams, []brush.Brush{markerBrush{}, newRampBrush(t)})
	test.That(t, err, test.ShouldBeNil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("render callback never fired")
	}

	tileAfter, ok := c.Get(treepath.Root)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tileAfter.Update, test.ShouldBeTrue)

	markerChannelAfter := tileAfter.OutputBuffer[3]
	r, g, b = colorenc.Unpack(markerChannelAfter)
	test.That(t, r, test.ShouldEqual, uint8(42))
	test.That(t, g, test.ShouldEqual, uint8(84))
	test.That(t, b, test.ShouldEqual, uint8(126))
}

// requiresFieldBrush declares a required schema field a test tile may
// or may not actually carry, so Push's schema-mismatch filtering can be
// exercised directly.
type requiresFieldBrush struct {
	noneBrush
	field string
}

func (b requiresFieldBrush) RequiredSchemaFields() []string { return []string{b.field} }

func (requiresFieldBrush) ColorPoint(out *[3]uint8, _ []float32, _ map[string]int) {
	out[0], out[1], out[2] = 200, 200, 200
}

func TestPushSkipsBrushWithSchemaMismatch(t *testing.T) {
	c := testCache(t, 1, nil)

	params := testPushParams(treepath.Root, 1, []float32{0})
	result, err := c.Push(context.Background(), params, []brush.Brush{requiresFieldBrush{field: "intensity"}})
	test.That(t, err, test.ShouldBeNil)

	r, g, b := colorenc.Unpack(result.Buf[3])
	test.That(t, r, test.ShouldEqual, uint8(0))
	test.That(t, g, test.ShouldEqual, uint8(0))
	test.That(t, b, test.ShouldEqual, uint8(0))
}

func TestWorkerFailureIsolation(t *testing.T) {
	c := testCache(t, 1, nil)

	params := testPushParams(treepath.Root, 2, []float32{0, 1})
	result, err := c.Push(context.Background(), params, []brush.Brush{failingBrush{}})
	test.That(t, err, test.ShouldBeNil)
	for _, v := range result.Buf {
		test.That(t, v, test.ShouldEqual, float32(0))
	}

	tile, ok := c.Get(treepath.Root)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tile.TotalPoints, test.ShouldEqual, 2)

	_, err = c.Push(context.Background(), testPushParams(treepath.Root.Child(0), 1, []float32{0}), []brush.Brush{noneBrush{}})
	test.That(t, err, test.ShouldBeNil)
}

func TestRemoveDeletesTileAndScrubsQueue(t *testing.T) {
	c := testCache(t, 1, nil)
	_, err := c.Push(context.Background(), testPushParams(treepath.Root, 1, []float32{0}), []brush.Brush{noneBrush{}})
	test.That(t, err, test.ShouldBeNil)

	c.Remove(treepath.Root)
	_, ok := c.Get(treepath.Root)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestFlushClearsEverything(t *testing.T) {
	c := testCache(t, 1, nil)
	_, err := c.Push(context.Background(), testPushParams(treepath.Root, 1, []float32{0}), []brush.Brush{noneBrush{}})
	test.That(t, err, test.ShouldBeNil)

	c.Flush()

	_, ok := c.Get(treepath.Root)
	test.That(t, ok, test.ShouldBeFalse)
	_, _, exists := c.statsAcc.FieldRange("z")
	test.That(t, exists, test.ShouldBeFalse)
}
