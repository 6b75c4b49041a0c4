package sim

import "sync"

type CacheOpKind int

const (
	Flush CacheOpKind = iota
	Invalidate
)

type CacheOp struct {
	Kind CacheOpKind
	Virt uintptr
	N    int
}

// Cache records every maintenance call made on it. Simulated memory is
// coherent, so nothing else happens.
type Cache struct {
	mu  sync.Mutex
	ops []CacheOp
}

func (c *Cache) Flush(virt uintptr, n int)      { c.record(Flush, virt, n) }
func (c *Cache) Invalidate(virt uintptr, n int) { c.record(Invalidate, virt, n) }

func (c *Cache) record(k CacheOpKind, virt uintptr, n int) {
	c.mu.Lock()
	c.ops = append(c.ops, CacheOp{k, virt, n})
	c.mu.Unlock()
}

// Ops returns the calls recorded since the last Reset, oldest first.
func (c *Cache) Ops() []CacheOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CacheOp(nil), c.ops...)
}

// Count is how many calls of kind k covered virt.
func (c *Cache) Count(k CacheOpKind, virt uintptr) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range c.ops {
		if op.Kind == k && virt >= op.Virt && virt < op.Virt+uintptr(op.N) {
			n++
		}
	}
	return n
}

func (c *Cache) Reset() {
	c.mu.Lock()
	c.ops = nil
	c.mu.Unlock()
}
