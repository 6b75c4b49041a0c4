package sim

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/Jon-Bright/dmactl/axidma"
)

const pageSize = 4096

var ErrOutOfMemory = errors.New("simulated memory exhausted")

// Memory is a flat stretch of simulated physical memory starting at bus address
// Phys. It is backed by ordinary Go memory, page aligned, so descriptors laid
// out in it have real CPU addresses too. Memory translates between the two.
type Memory struct {
	Phys uint64

	buf  []byte
	virt uintptr
	next int
}

func NewMemory(phys uint64, size int) *Memory {
	raw := make([]byte, size+pageSize)
	offs := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % pageSize); rem != 0 {
		offs = pageSize - rem
	}
	buf := raw[offs : offs+size]
	return &Memory{
		Phys: phys,
		buf:  buf,
		virt: uintptr(unsafe.Pointer(&buf[0])),
	}
}

func (m *Memory) Size() int { return len(m.buf) }

// Alloc carves n bytes aligned to align out of the memory. Allocations are
// never returned.
func (m *Memory) Alloc(n, align int) (axidma.Region, error) {
	if align <= 0 {
		align = 1
	}
	start := (m.next + align - 1) / align * align
	if n <= 0 || start+n > len(m.buf) {
		return axidma.Region{}, fmt.Errorf("%w: %d bytes wanted, %d left", ErrOutOfMemory, n, len(m.buf)-start)
	}
	m.next = start + n
	return m.Region(start, n), nil
}

// Region describes n bytes at byte offset off without reserving them.
func (m *Memory) Region(off, n int) axidma.Region {
	return axidma.Region{
		Virt: m.virt + uintptr(off),
		Phys: m.Phys + uint64(off),
		Buf:  m.buf[off : off+n],
	}
}

// Bytes returns the n bytes at bus address phys.
func (m *Memory) Bytes(phys uint64, n int) ([]byte, error) {
	if phys < m.Phys || n < 0 || phys-m.Phys+uint64(n) > uint64(len(m.buf)) {
		return nil, fmt.Errorf("bus address %#x+%d outside simulated memory %#x+%d", phys, n, m.Phys, len(m.buf))
	}
	off := int(phys - m.Phys)
	return m.buf[off : off+n], nil
}

func (m *Memory) VirtToPhys(v uintptr) uint64 { return m.Phys + uint64(v-m.virt) }
func (m *Memory) PhysToVirt(p uint64) uintptr { return m.virt + uintptr(p-m.Phys) }
