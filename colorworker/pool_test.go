package colorworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/hobu/plasio-cache/brush"
	"github.com/hobu/plasio-cache/colorenc"
	"github.com/hobu/plasio-cache/stats"
)

func testSchema() brush.Schema {
	return brush.Schema{{Name: "x"}, {Name: "y"}, {Name: "z"}}
}

// preparedRampBrush builds a local://ramp brush and runs Prepare against
// hist so its scale parameters are computed, the way pointbuffer.Cache
// does before handing a brush list to the pool.
func preparedRampBrush(t *testing.T, hist *stats.PointCloudStats, schema brush.Schema) brush.Brush {
	t.Helper()
	b, err := brush.DefaultFactory.CreateBrush("local://ramp?field=z&step=1&start=%23000000&end=%23ffffff")
	test.That(t, err, test.ShouldBeNil)

	bp := brush.BufferParams{Schema: schema, TotalPoints: 2, Stats: hist}
	test.That(t, b.Prepare(context.Background(), bp, nil, nil), test.ShouldBeNil)
	return b
}

func TestPoolColorsPointsWithRampBrush(t *testing.T) {
	pool := NewPool(context.Background(), golog.NewTestLogger(t), PoolOptions{NumWorkers: 2})
	defer pool.Stop()

	schema := testSchema()
	hist := stats.NewPointCloudStats()
	hist.Accumulate(stats.TileStats{"z": stats.Histogram{0: 1, 1: 1}})
	ramp := preparedRampBrush(t, hist, schema)

	brushes := []brush.Brush{ramp}
	tp, err := brush.BeginTransferForBrushes(brushes, brush.MainToWorker)
	test.That(t, err, test.ShouldBeNil)

	points := []float32{
		0, 0, 0,
		0, 0, 2,
	}
	out := make([]float32, 2*4)

	job := Job{
		Params: JobParams{
			Brushes:         brushes,
			BrushTransfer:   tp,
			TotalPoints:     2,
			InputBuffer:     points,
			Schema:          schema,
			OutputBuffer:    out,
			OutputPointSize: 4,
		},
	}

	result := <-pool.Push(job)
	test.That(t, result.Err, test.ShouldBeNil)

	r0, g0, b0 := colorenc.Unpack(result.Output.OutputBuffer[3])
	test.That(t, r0, test.ShouldEqual, uint8(0))
	test.That(t, g0, test.ShouldEqual, uint8(0))
	test.That(t, b0, test.ShouldEqual, uint8(0))

	r1, g1, b1 := colorenc.Unpack(result.Output.OutputBuffer[7])
	test.That(t, r1, test.ShouldEqual, uint8(255))
	test.That(t, g1, test.ShouldEqual, uint8(255))
	test.That(t, b1, test.ShouldEqual, uint8(255))
}

func TestPoolBoundedConcurrency(t *testing.T) {
	pool := NewPool(context.Background(), golog.NewTestLogger(t), PoolOptions{NumWorkers: 2})
	defer pool.Stop()

	schema := testSchema()
	results := make([]<-chan Result, 8)
	for i := range results {
		out := make([]float32, 4)
		results[i] = pool.Push(Job{
			Params: JobParams{
				TotalPoints:     1,
				InputBuffer:     []float32{0, 0, 0},
				Schema:          schema,
				OutputBuffer:    out,
				OutputPointSize: 4,
			},
		})
	}

	for i, r := range results {
		select {
		case res := <-r:
			test.That(t, res.Err, test.ShouldBeNil)
		case <-time.After(5 * time.Second):
			t.Fatalf("job %d never completed", i)
		}
	}
}

func TestPoolTransferMismatchFailsAsWorkerFailedError(t *testing.T) {
	pool := NewPool(context.Background(), golog.NewTestLogger(t), PoolOptions{})
	defer pool.Stop()

	ramp := preparedRampBrush(t, stats.NewPointCloudStats(), testSchema())

	result := <-pool.Push(Job{
		Params: JobParams{
			Brushes:         []brush.Brush{ramp},
			BrushTransfer:   brush.BrushesTransferParams{}, // deliberately empty: Params too short for one brush
			TotalPoints:     0,
			Schema:          testSchema(),
			OutputBuffer:    nil,
			OutputPointSize: 4,
		},
	})

	test.That(t, result.Err, test.ShouldNotBeNil)
	var wfe *WorkerFailedError
	test.That(t, errors.As(result.Err, &wfe), test.ShouldBeTrue)
}
