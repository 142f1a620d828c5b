package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func BenchmarkWorkerPool(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size)
			defer pool.Shutdown()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				pool.Submit(ctx, func(ctx context.Context) error {
					return nil
				}, nil)
			}
			pool.Wait()
		})
	}
}

func BenchmarkWorkerPool_IOBound(b *testing.B) {
	pool := NewWorkerPool(50)
	defer pool.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 100; j++ {
			pool.Submit(ctx, func(ctx context.Context) error {
				time.Sleep(time.Microsecond) // Simulate minimal I/O
				return nil
			}, nil)
		}
		pool.Wait()
	}
}
