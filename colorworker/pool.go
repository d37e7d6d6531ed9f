// Package colorworker implements the bounded worker pool that dispatches
// per-tile coloring jobs with transferable-buffer semantics (component
// C3 of the coloring pipeline).
package colorworker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	goutils "go.viam.com/utils"

	"github.com/hobu/plasio-cache/brush"
	"github.com/hobu/plasio-cache/colorenc"
)

var (
	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "colorworker_jobs_active",
		Help: "Number of coloring jobs currently running on the worker pool.",
	})
	jobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "colorworker_jobs_failed_total",
		Help: "Total number of coloring jobs that failed to complete.",
	})
)

// pointBatchSize is the design constant spec §4.3 calls out: points are
// colored in batches of this size, balancing cooperative yield against
// per-batch overhead.
const pointBatchSize = 10_000

// DefaultNumWorkers is the pool size used when PoolOptions.NumWorkers is
// not set, per spec §4.3.
const DefaultNumWorkers = 5

// PoolOptions configures a Pool.
type PoolOptions struct {
	// NumWorkers bounds how many jobs may run concurrently. Defaults to
	// DefaultNumWorkers.
	NumWorkers int
}

// JobParams mirrors the worker transfer protocol message shape of spec
// §6: everything a worker needs to color one tile's points, including
// the buffers and brushes it takes ownership of for the duration of the
// job. Brushes is slot-aligned with a nil entry for an empty slot;
// BrushTransfer is the BeginTransferForBrushes(MainToWorker) output the
// caller produced for the same brush list, adopted on the worker side
// via EndTransferOntoBrushes before coloring starts.
//
// Touched is slot-aligned with Brushes and disambiguates the two
// reasons a slot can be nil: Touched[slot] == true means this job is
// authoritative for that output channel this round (a genuinely empty
// brush slot writes black), while Touched[slot] == false means the
// channel is outside this job's scope entirely and must be left as-is
// in OutputBuffer — the case a partial recolor's untouched slots need.
// A nil Touched is equivalent to all-true (every channel is in scope),
// which is always correct for an initial Push.
type JobParams struct {
	Brushes         []brush.Brush
	Touched         []bool
	BrushTransfer   brush.BrushesTransferParams
	TotalPoints     int
	InputBuffer     []float32
	Schema          brush.Schema
	OutputBuffer    []float32
	OutputPointSize int
}

// Job is one unit of work pushed to the pool.
type Job struct {
	ID            uint64
	CorrelationID uuid.UUID
	Params        JobParams
}

// JobResult is what a successfully completed job hands back: the
// (possibly unchanged) input buffer and the filled output buffer, the
// same backing arrays the job was given — spec invariant 6.
type JobResult struct {
	InputBuffer  []float32
	OutputBuffer []float32
}

// Result is delivered on a job's future channel.
type Result struct {
	ID     uint64
	Output JobResult
	Err    error
}

// WorkerFailedError wraps the underlying cause of a worker's failure to
// complete a job (crash, decode error), per spec §7.
type WorkerFailedError struct {
	Reason error
}

func (e *WorkerFailedError) Error() string {
	return "color worker failed: " + e.Reason.Error()
}

func (e *WorkerFailedError) Unwrap() error { return e.Reason }

// Pool is a bounded pool of color workers. At most NumWorkers jobs run
// concurrently; the internal job channel is unbuffered, so an additional
// Push blocks until a worker is free to receive its job.
type Pool struct {
	logger golog.Logger
	jobs   chan queuedJob
	nextID uint64
	wg     sync.WaitGroup
}

type queuedJob struct {
	job    Job
	result chan Result
}

// NewPool starts a pool of NumWorkers (default DefaultNumWorkers) color
// workers, supervised the way the teacher supervises background
// goroutines: via goutils.PanicCapturingGo rather than a bare go
// statement, so a panicking worker surfaces instead of silently taking
// down the process.
func NewPool(ctx context.Context, logger golog.Logger, opts PoolOptions) *Pool {
	numWorkers := opts.NumWorkers
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}

	p := &Pool{
		logger: logger,
		jobs:   make(chan queuedJob),
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		goutils.PanicCapturingGo(func() {
			defer p.wg.Done()
			p.runWorker(ctx)
		})
	}

	return p
}

// Push dispatches a job to the pool and returns a future channel that
// delivers exactly one Result. The caller must not touch job.Params'
// buffers or brushes until the future resolves.
func (p *Pool) Push(job Job) <-chan Result {
	job.ID = atomic.AddUint64(&p.nextID, 1)
	if job.CorrelationID == uuid.Nil {
		job.CorrelationID = uuid.New()
	}
	result := make(chan Result, 1)
	p.jobs <- queuedJob{job: job, result: result}
	return result
}

// Stop closes the job channel and waits for all workers to drain and
// exit. A job a worker has already received runs to completion before
// that worker exits; a Push after Stop panics on the closed channel.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context) {
	for qj := range p.jobs {
		jobsActive.Inc()
		result := p.colorJob(ctx, qj.job)
		jobsActive.Dec()
		if result.Err != nil {
			jobsFailedTotal.Inc()
		}
		qj.result <- result
	}
}

func (p *Pool) colorJob(ctx context.Context, job Job) Result {
	if err := brush.EndTransferOntoBrushes(job.Params.Brushes, brush.MainToWorker, job.Params.BrushTransfer); err != nil {
		p.logger.Warnw("color job failed to adopt brush transfer", "jobID", job.ID, "err", err)
		return Result{ID: job.ID, Err: &WorkerFailedError{Reason: err}}
	}

	fieldIndex := brush.FieldIndex(job.Params.Schema)
	pointSize := len(job.Params.Schema)
	out := job.Params.OutputBuffer
	outStride := job.Params.OutputPointSize

	for start := 0; start < job.Params.TotalPoints; start += pointBatchSize {
		end := start + pointBatchSize
		if end > job.Params.TotalPoints {
			end = job.Params.TotalPoints
		}

		select {
		case <-ctx.Done():
			return Result{ID: job.ID, Err: &WorkerFailedError{Reason: ctx.Err()}}
		default:
		}

		for i := start; i < end; i++ {
			point := job.Params.InputBuffer[i*pointSize : (i+1)*pointSize]
			outOffset := i * outStride
			out[outOffset] = point[0]
			out[outOffset+1] = point[1]
			out[outOffset+2] = point[2]

			for slot, b := range job.Params.Brushes {
				if job.Params.Touched != nil && !job.Params.Touched[slot] {
					continue
				}
				channelOffset := outOffset + 3 + slot
				if b == nil {
					out[channelOffset] = 0
					continue
				}
				var rgb [3]uint8
				b.ColorPoint(&rgb, point, fieldIndex)
				out[channelOffset] = colorenc.Pack(rgb[0], rgb[1], rgb[2])
			}
		}
	}

	return Result{
		ID: job.ID,
		Output: JobResult{
			InputBuffer:  job.Params.InputBuffer,
			OutputBuffer: out,
		},
	}
}
