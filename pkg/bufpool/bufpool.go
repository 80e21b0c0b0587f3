// Package bufpool provides a tiered pool of byte slices for outgoing SMB
// frames.
//
// Three size classes cover the usual frame shapes:
//   - Small buffers (default 4KB): negotiate, session setup, tree connect
//     and other control requests
//   - Medium buffers (default 64KB): one credit worth of payload, and the
//     largest SMB1 message
//   - Large buffers (default 1MB plus framing): bulk reads and writes
//
// Requests above the large class are allocated directly and never pooled.
//
// There is no package-level pool. A Pool is created by its owner and handed
// to the connections that share it.
//
//	pool := bufpool.NewPool(nil)
//	buf := pool.Get(size)
//	defer pool.Put(buf)
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Default buffer size classes.
const (
	// DefaultSmallSize holds control requests (4KB).
	DefaultSmallSize = 4 << 10

	// DefaultMediumSize holds a 64KB credit unit.
	DefaultMediumSize = 64 << 10

	// DefaultLargeSize holds a 1MB payload with its SMB2 and NetBIOS
	// headers.
	DefaultLargeSize = 1<<20 + 4<<10
)

// Pool manages byte slices organized by size class.
type Pool struct {
	small      sync.Pool
	medium     sync.Pool
	large      sync.Pool
	smallSize  int
	mediumSize int
	largeSize  int

	gets      atomic.Uint64
	oversized atomic.Uint64
}

// Config holds the size classes of a Pool.
type Config struct {
	// SmallSize is the size of small buffers (default: 4KB)
	SmallSize int `mapstructure:"small_size" yaml:"small_size"`

	// MediumSize is the size of medium buffers (default: 64KB)
	MediumSize int `mapstructure:"medium_size" yaml:"medium_size"`

	// LargeSize is the size of large buffers (default: 1MB plus headers)
	LargeSize int `mapstructure:"large_size" yaml:"large_size"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
	}
}

// NewPool creates a buffer pool. A nil config or zero sizes select the
// defaults. Classes must be increasing; a class not larger than the one
// below it is raised to the default.
func NewPool(cfg *Config) *Pool {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.SmallSize > 0 {
			c.SmallSize = cfg.SmallSize
		}
		if cfg.MediumSize > c.SmallSize {
			c.MediumSize = cfg.MediumSize
		}
		if cfg.LargeSize > c.MediumSize {
			c.LargeSize = cfg.LargeSize
		}
	}
	if c.MediumSize <= c.SmallSize {
		c.MediumSize = max(DefaultMediumSize, c.SmallSize*2)
	}
	if c.LargeSize <= c.MediumSize {
		c.LargeSize = max(DefaultLargeSize, c.MediumSize*2)
	}

	p := &Pool{
		smallSize:  c.SmallSize,
		mediumSize: c.MediumSize,
		largeSize:  c.LargeSize,
	}
	p.small.New = sizedAlloc(p.smallSize)
	p.medium.New = sizedAlloc(p.mediumSize)
	p.large.New = sizedAlloc(p.largeSize)
	return p
}

func sizedAlloc(n int) func() any {
	return func() any {
		buf := make([]byte, n)
		return &buf
	}
}

// Config returns the size classes in use.
func (p *Pool) Config() Config {
	return Config{SmallSize: p.smallSize, MediumSize: p.mediumSize, LargeSize: p.largeSize}
}

// Get returns a slice of length size. Its capacity is that of the size
// class serving it. The caller returns it with Put once the frame is
// written.
func (p *Pool) Get(size int) []byte {
	p.gets.Add(1)

	var bufPtr *[]byte
	switch {
	case size <= p.smallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= p.mediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= p.largeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		p.oversized.Add(1)
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get. Buffers whose capacity matches
// no size class are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	switch cap(buf) {
	case p.smallSize:
		p.small.Put(&full)
	case p.mediumSize:
		p.medium.Put(&full)
	case p.largeSize:
		p.large.Put(&full)
	}
}

// Stats reports how many buffers were requested and how many of those
// were too large to pool.
func (p *Pool) Stats() (gets, oversized uint64) {
	return p.gets.Load(), p.oversized.Load()
}
