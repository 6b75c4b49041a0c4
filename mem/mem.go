// Package mem gives user space access to a DMA engine's registers and to a
// physically contiguous buffer area through /dev/mem.
package mem

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Jon-Bright/dmactl/axidma"
)

const MEM_FILE = "/dev/mem"

var ErrOutOfMemory = errors.New("dma region exhausted")

// pageSplit rounds physAddr down to a page boundary, returning the address to
// map and the offset of physAddr within the mapping.
func pageSplit(physAddr uint64, pageSize int) (uint64, int) {
	mask := ^uint64(pageSize - 1)
	mapAddr := physAddr & mask
	return mapAddr, int(physAddr - mapAddr)
}

// mapMem opens /dev/mem and maps size bytes at physAddr. Since the mapping has
// to start at a page boundary, it returns the mapping and the offset of
// physAddr in it. O_SYNC gives an uncached mapping on most ARM kernels.
func mapMem(physAddr uint64, size int, l logrus.FieldLogger) (mmap.MMap, int, error) {
	f, err := os.OpenFile(MEM_FILE, os.O_RDWR|os.O_SYNC, os.ModePerm)
	if err != nil {
		return nil, 0, fmt.Errorf("couldn't open %s: %v", MEM_FILE, err)
	}
	defer f.Close() // Ignore error

	mapAddr, offs := pageSplit(physAddr, unix.Getpagesize())
	size += offs
	l.WithField("map_addr", fmt.Sprintf("%#x", mapAddr)).WithField("size", size).Debug("Mapping physical memory")
	mm, err := mmap.MapRegion(f, size, mmap.RDWR, 0, int64(mapAddr))
	if err != nil {
		return nil, 0, fmt.Errorf("couldn't map region (%#x, %v): %v", physAddr, size, err)
	}
	return mm, offs, nil
}

// Regs is a mapped register window. It implements axidma.RegisterIO for
// channel bases inside the window.
type Regs struct {
	Base uint64
	mm   mmap.MMap
	offs int
}

func MapRegs(base uint64, size int, l logrus.FieldLogger) (*Regs, error) {
	mm, offs, err := mapMem(base, size, l)
	if err != nil {
		return nil, err
	}
	return &Regs{Base: base, mm: mm, offs: offs}, nil
}

func (r *Regs) index(base uintptr, offset uint32) int {
	i := int(uint64(base)+uint64(offset)-r.Base) + r.offs
	if i < r.offs || i+4 > len(r.mm) {
		panic(fmt.Sprintf("register %#x+%#x outside window at %#x", base, offset, r.Base))
	}
	return i
}

func (r *Regs) ReadReg(base uintptr, offset uint32) uint32 {
	return axidma.LoadWord(r.mm, r.index(base, offset))
}

func (r *Regs) WriteReg(base uintptr, offset, value uint32) {
	axidma.StoreWord(r.mm, r.index(base, offset), value)
}

func (r *Regs) Close() error {
	if r.mm == nil {
		return nil
	}
	err := r.mm.Unmap()
	r.mm = nil
	return err
}

// Region is a mapped, physically contiguous area for descriptors and data
// buffers, such as memory reserved from the kernel at boot. It implements
// axidma.Cache and axidma.Translator.
//
// The mapping is made through /dev/mem opened with O_SYNC, which the kernel
// maps uncached, so there are no cache lines to clean or discard. Flush and
// Invalidate only order the CPU's accesses around them.
type Region struct {
	Phys uint64

	mm    mmap.MMap
	buf   []byte
	virt  uintptr
	offs  int
	next  int
	fence atomic.Uint32
}

func MapRegion(phys uint64, size int, l logrus.FieldLogger) (*Region, error) {
	mm, offs, err := mapMem(phys, size, l)
	if err != nil {
		return nil, err
	}
	return newRegion(phys, mm, offs, size), nil
}

func newRegion(phys uint64, mm []byte, offs, size int) *Region {
	buf := mm[offs : offs+size]
	return &Region{
		Phys: phys,
		mm:   mm,
		buf:  buf,
		virt: uintptr(unsafe.Pointer(&buf[0])),
		offs: offs,
	}
}

func (r *Region) Size() int { return len(r.buf) }

// Alloc carves n bytes aligned to align out of the region. Allocations are
// never returned.
func (r *Region) Alloc(n, align int) (axidma.Region, error) {
	if align <= 0 {
		align = 1
	}
	// Align on the bus address; the mapping offset may differ.
	pad := int((uint64(align) - (r.Phys+uint64(r.next))%uint64(align)) % uint64(align))
	start := r.next + pad
	if n <= 0 || start+n > len(r.buf) {
		return axidma.Region{}, fmt.Errorf("%w: %d bytes wanted, %d left", ErrOutOfMemory, n, len(r.buf)-start)
	}
	r.next = start + n
	return axidma.Region{
		Virt: r.virt + uintptr(start),
		Phys: r.Phys + uint64(start),
		Buf:  r.buf[start : start+n],
	}, nil
}

// Bytes returns the n bytes at bus address phys.
func (r *Region) Bytes(phys uint64, n int) ([]byte, error) {
	if phys < r.Phys || n < 0 || phys-r.Phys+uint64(n) > uint64(len(r.buf)) {
		return nil, fmt.Errorf("bus address %#x+%d outside region %#x+%d", phys, n, r.Phys, len(r.buf))
	}
	off := int(phys - r.Phys)
	return r.buf[off : off+n], nil
}

func (r *Region) VirtToPhys(v uintptr) uint64 { return r.Phys + uint64(v-r.virt) }
func (r *Region) PhysToVirt(p uint64) uintptr { return r.virt + uintptr(p-r.Phys) }

// barrier is a sequentially consistent atomic, which Go's memory model
// doesn't let loads or stores move across.
func (r *Region) barrier() { r.fence.Add(1) }

func (r *Region) Flush(virt uintptr, n int)      { r.barrier() }
func (r *Region) Invalidate(virt uintptr, n int) { r.barrier() }

func (r *Region) Close() error {
	if r.mm == nil {
		return nil
	}
	err := r.mm.Unmap()
	r.mm, r.buf = nil, nil
	return err
}
