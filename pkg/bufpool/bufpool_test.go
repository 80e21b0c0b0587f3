package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Size Class Tests
// ============================================================================

func TestSizeClasses(t *testing.T) {
	pool := NewPool(nil)

	tests := []struct {
		name string
		size int
		cap  int
	}{
		{"Zero", 0, DefaultSmallSize},
		{"ControlRequest", 120, DefaultSmallSize},
		{"SmallBoundary", DefaultSmallSize, DefaultSmallSize},
		{"JustAboveSmall", DefaultSmallSize + 1, DefaultMediumSize},
		{"CreditUnit", DefaultMediumSize, DefaultMediumSize},
		{"JustAboveMedium", DefaultMediumSize + 1, DefaultLargeSize},
		{"MegabyteWrite", 1<<20 + 4 + 64 + 48, DefaultLargeSize},
		{"LargeBoundary", DefaultLargeSize, DefaultLargeSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := pool.Get(tt.size)
			defer pool.Put(buf)

			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.cap, cap(buf))
		})
	}
}

func TestOversizedBuffersAreNotPooled(t *testing.T) {
	pool := NewPool(nil)

	buf := pool.Get(DefaultLargeSize + 1)
	assert.Len(t, buf, DefaultLargeSize+1)
	assert.Equal(t, len(buf), cap(buf))
	pool.Put(buf)

	gets, oversized := pool.Stats()
	assert.Equal(t, uint64(1), gets)
	assert.Equal(t, uint64(1), oversized)
}

// ============================================================================
// Put Tests
// ============================================================================

func TestPut(t *testing.T) {
	pool := NewPool(nil)

	t.Run("ReusedBufferHasFullCapacity", func(t *testing.T) {
		buf := pool.Get(10)
		pool.Put(buf)

		again := pool.Get(DefaultSmallSize)
		defer pool.Put(again)
		assert.Len(t, again, DefaultSmallSize)
	})

	t.Run("Nil", func(t *testing.T) {
		require.NotPanics(t, func() { pool.Put(nil) })
	})

	t.Run("Foreign", func(t *testing.T) {
		require.NotPanics(t, func() { pool.Put(make([]byte, 17)) })
		require.NotPanics(t, func() { pool.Put(make([]byte, DefaultSmallSize)) })
	})
}

// ============================================================================
// Config Tests
// ============================================================================

func TestNewPoolConfig(t *testing.T) {
	t.Run("Custom", func(t *testing.T) {
		pool := NewPool(&Config{SmallSize: 1024, MediumSize: 8192, LargeSize: 65536})
		assert.Equal(t, Config{SmallSize: 1024, MediumSize: 8192, LargeSize: 65536}, pool.Config())

		assert.Equal(t, 1024, cap(pool.Get(500)))
		assert.Equal(t, 8192, cap(pool.Get(2000)))
		assert.Equal(t, 65536, cap(pool.Get(10000)))
	})

	t.Run("ZeroValuesUseDefaults", func(t *testing.T) {
		assert.Equal(t, DefaultConfig(), NewPool(&Config{}).Config())
		assert.Equal(t, DefaultConfig(), NewPool(nil).Config())
	})

	t.Run("NonIncreasingClassesAreRaised", func(t *testing.T) {
		cfg := NewPool(&Config{SmallSize: 128 << 10, MediumSize: 64 << 10}).Config()
		assert.Equal(t, 128<<10, cfg.SmallSize)
		assert.Greater(t, cfg.MediumSize, cfg.SmallSize)
		assert.Greater(t, cfg.LargeSize, cfg.MediumSize)
	})
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentGetAndPut(t *testing.T) {
	pool := NewPool(&Config{SmallSize: 512, MediumSize: 4096, LargeSize: 32768})

	const goroutines = 10
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := range goroutines {
		go func() {
			defer wg.Done()
			for j := range iterations {
				buf := pool.Get((i*100 + j) % 40000)
				if len(buf) > 0 {
					buf[0] = byte(i)
				}
				pool.Put(buf)
			}
		}()
	}
	wg.Wait()

	gets, _ := pool.Stats()
	assert.Equal(t, uint64(goroutines*iterations), gets)
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkGet(b *testing.B) {
	pool := NewPool(nil)
	for _, size := range []int{1024, 32 << 10, 512 << 10} {
		b.Run("", func(b *testing.B) {
			for b.Loop() {
				pool.Put(pool.Get(size))
			}
		})
	}
}

func BenchmarkGetParallel(b *testing.B) {
	pool := NewPool(nil)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pool.Put(pool.Get(1024))
		}
	})
}
