package coordinator

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/lock"
)

func BenchmarkTryLockUnlock(b *testing.B) {
	c := New(lock.NewInMemory(), WithService("bench"))
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := c.TryLock(ctx, "bench", 0, time.Second)
		if err != nil {
			b.Fatalf("trylock: %v", err)
		}
		c.Unlock(ctx, h)
	}
}

func BenchmarkTryLockUnlockParallel(b *testing.B) {
	c := New(lock.NewInMemory(), WithService("bench"))
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := "bench:" + strconv.Itoa(i%64)
			i++
			h, err := c.TryLock(ctx, key, 0, time.Second)
			if err != nil {
				continue
			}
			c.Unlock(ctx, h)
		}
	})
}
