package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/flowtrack/internal/store"
	"github.com/rendis/flowtrack/pkg/schema"
)

// latencyUpdater stands in for a store whose every write takes delay.
type latencyUpdater struct {
	delay  time.Duration
	writes atomic.Int64
}

func (u *latencyUpdater) UpdateExecution(ctx context.Context, _ string, _ store.ExecutionUpdate) error {
	select {
	case <-time.After(u.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	u.writes.Add(1)
	return nil
}

// BenchmarkWorkerPool_FlushWrites dispatches one flush per iteration, spread
// over many executions, against a store with fixed write latency.
func BenchmarkWorkerPool_FlushWrites(b *testing.B) {
	for _, size := range []int{1, 4, 16, 64} {
		b.Run(fmt.Sprintf("pool=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size, nil)
			defer pool.Shutdown()
			st := &latencyUpdater{delay: 100 * time.Microsecond}
			progress := 50
			update := store.ExecutionUpdate{Progress: &progress}
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				id := fmt.Sprintf("ex-%d", i%256)
				if err := pool.Submit(ctx, func(ctx context.Context) error {
					return st.UpdateExecution(ctx, id, update)
				}); err != nil {
					b.Fatal(err)
				}
			}
			pool.Wait()
			b.ReportMetric(float64(st.writes.Load())/b.Elapsed().Seconds(), "writes/s")
		})
	}
}

// BenchmarkService_ExecutionLifecycle runs whole executions (start, every
// step, finalize) against libSQL with background flushes going through the
// pool.
func BenchmarkService_ExecutionLifecycle(b *testing.B) {
	f := newServiceFixture(b, withFlushInterval(time.Millisecond))
	ctx := context.Background()
	keys := []string{"fetch", "parse", "load", "report"}
	def := &schema.WorkflowDefinition{Name: "etl"}
	for i, k := range keys {
		sd := schema.StepDefinition{Key: k}
		if i > 0 {
			sd.DependsOn = []string{keys[i-1]}
		}
		def.Steps = append(def.Steps, sd)
	}
	wf := f.define(b, def)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		state, err := f.svc.StartExecution(ctx, wf.ID)
		if err != nil {
			b.Fatal(err)
		}
		for _, k := range keys {
			if _, err := f.svc.StartStep(ctx, state.ExecutionID, k); err != nil {
				b.Fatal(err)
			}
			if _, err := f.svc.CompleteStep(ctx, state.ExecutionID, k, map[string]any{"n": i}); err != nil {
				b.Fatal(err)
			}
		}
		if _, err := f.svc.Finalize(ctx, state.ExecutionID, schema.ExecutionStatusCompleted, nil); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	b.ReportMetric(float64(f.pool.Metrics().Completed)/float64(b.N), "flushes/op")
}
