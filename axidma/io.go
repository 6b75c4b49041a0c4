package axidma

import (
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// RegisterIO reads and writes 32-bit memory-mapped registers. base is the
// physical address of a channel's register block.
type RegisterIO interface {
	ReadReg(base uintptr, offset uint32) uint32
	WriteReg(base uintptr, offset uint32, value uint32)
}

// Cache maintains coherency between the CPU and the DMA engine for a range of
// virtual addresses. Flush pushes CPU writes out to memory; Invalidate drops
// stale lines so the next read sees what the engine wrote.
type Cache interface {
	Flush(virt uintptr, n int)
	Invalidate(virt uintptr, n int)
}

// Translator converts buffer addresses between the CPU's view and the bus
// address the engine needs.
type Translator interface {
	VirtToPhys(virt uintptr) uint64
	PhysToVirt(phys uint64) uintptr
}

// NopCache is for coherent interconnects (ACP, HPC) and uncached mappings.
type NopCache struct{}

func (NopCache) Flush(uintptr, int)      {}
func (NopCache) Invalidate(uintptr, int) {}

// Identity is the translator for systems without an MMU or IOMMU remapping.
type Identity struct{}

func (Identity) VirtToPhys(v uintptr) uint64 { return uint64(v) }
func (Identity) PhysToVirt(p uint64) uintptr { return uintptr(p) }

// Platform bundles what the engine needs from its surroundings. Only Regs is
// required.
type Platform struct {
	Regs    RegisterIO
	Cache   Cache
	Addr    Translator
	Log     logrus.FieldLogger
	Metrics metrics.Registry
}

func (p *Platform) defaults() {
	if p.Cache == nil {
		p.Cache = NopCache{}
	}
	if p.Addr == nil {
		p.Addr = Identity{}
	}
	if p.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		p.Log = l
	}
	if p.Metrics == nil {
		p.Metrics = metrics.DefaultRegistry
	}
}

// Word access into shared memory. Offsets are always 4-byte aligned within a
// descriptor, and descriptors are at least 64-byte aligned.
func loadWord(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

func storeWord(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}

// LoadWord and StoreWord give other packages (the simulator in particular) the
// same view of descriptor memory that the driver has.
func LoadWord(b []byte, off int) uint32     { return loadWord(b, off) }
func StoreWord(b []byte, off int, v uint32) { storeWord(b, off, v) }
