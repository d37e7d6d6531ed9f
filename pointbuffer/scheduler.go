package pointbuffer

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	goutils "go.viam.com/utils"

	"github.com/hobu/plasio-cache/brush"
	"github.com/hobu/plasio-cache/treepath"
)

var schedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pointbuffer_recolor_queue_depth",
	Help: "Number of tiles currently queued for recoloring.",
})

// recolorEntry is one FIFO queue entry: a tile path, the per-slot
// brushes whose staging drifted, and the BufferParams to prepare those
// brushes against — built from the impacted tile's own schema/bounds,
// not the triggering tile's. brushesBySlot is sized to the highest
// invalidated slot plus one, not the tile's full brush count, and holds
// a brush only at the slots enqueued this round: a nil entry within that
// range, like a slot beyond the slice's length, was never part of this
// round and its channel is left untouched. recolorNode derives that
// distinction before driving the job.
type recolorEntry struct {
	path          treepath.Path
	brushesBySlot []brush.Brush
	bufferParams  brush.BufferParams
}

// Scheduler is the recolor queue (C6): a FIFO list of recolorEntry with
// an index for O(1) coalescing lookups by path, and a single driver
// goroutine that processes the queue serially. Serial execution is
// mandatory (spec §4.6): it guarantees a recoloring brush always reads a
// consistent snapshot of sibling staging, since nothing else is mutating
// them concurrently.
type Scheduler struct {
	mu      sync.Mutex
	queue   []*recolorEntry
	index   map[treepath.Path]*recolorEntry
	running bool

	logger golog.Logger
	ctx    context.Context
	drive  func(ctx context.Context, path treepath.Path, brushesBySlot []brush.Brush, bp brush.BufferParams)
}

func newScheduler(ctx context.Context, logger golog.Logger, drive func(ctx context.Context, path treepath.Path, brushesBySlot []brush.Brush, bp brush.BufferParams)) *Scheduler {
	return &Scheduler{
		index:  make(map[treepath.Path]*recolorEntry),
		logger: logger,
		ctx:    ctx,
		drive:  drive,
	}
}

// Enqueue adds (or coalesces into an existing entry for the same path)
// one brush slot's recolor obligation. Coalescing splices the new slot
// in by index and moves the entry to the tail of the queue, per spec
// §4.6's "most-recent-impact semantics".
func (s *Scheduler) Enqueue(path treepath.Path, slot int, b brush.Brush, bp brush.BufferParams) {
	s.mu.Lock()

	e, ok := s.index[path]
	if ok {
		s.removeFromQueueLocked(e)
		if slot >= len(e.brushesBySlot) {
			grown := make([]brush.Brush, slot+1)
			copy(grown, e.brushesBySlot)
			e.brushesBySlot = grown
		}
		e.brushesBySlot[slot] = b
		e.bufferParams = bp
		s.queue = append(s.queue, e)
	} else {
		brushesBySlot := make([]brush.Brush, slot+1)
		brushesBySlot[slot] = b
		e = &recolorEntry{path: path, brushesBySlot: brushesBySlot, bufferParams: bp}
		s.index[path] = e
		s.queue = append(s.queue, e)
	}

	shouldStart := !s.running
	if shouldStart {
		s.running = true
	}
	schedulerQueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()

	if shouldStart {
		goutils.PanicCapturingGo(func() {
			s.run(s.ctx)
		})
	}
}

// scrub removes path's queued entry, if any. Used by Cache.Remove to
// cancel a pending recolor per spec §4.5.
func (s *Scheduler) scrub(path treepath.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[path]
	if !ok {
		return
	}
	s.removeFromQueueLocked(e)
	delete(s.index, path)
	schedulerQueueDepth.Set(float64(len(s.queue)))
}

// clear empties the queue entirely, for Cache.Flush.
func (s *Scheduler) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.index = make(map[treepath.Path]*recolorEntry)
	schedulerQueueDepth.Set(0)
}

func (s *Scheduler) removeFromQueueLocked(e *recolorEntry) {
	for i, qe := range s.queue {
		if qe == e {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// run is the single driver: pops the head, recolors it, and loops until
// the queue drains, clearing running on exit. It is always started via
// goutils.PanicCapturingGo from Enqueue's false->true transition, so it
// never runs synchronously inside a push's call stack — the "yield to
// break recursion" fairness hint of spec §9 is realized by that
// goroutine boundary.
func (s *Scheduler) run(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.index, e.path)
		schedulerQueueDepth.Set(float64(len(s.queue)))
		s.mu.Unlock()

		s.drive(ctx, e.path, e.brushesBySlot, e.bufferParams)
	}
}
