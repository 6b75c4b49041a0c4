package axidma

import (
	"fmt"
	"unsafe"
)

// Bd is a handle on one buffer descriptor. For descriptors that belong to a
// ring, buf aliases the ring's shared memory, so every setter is immediately
// visible to the engine once the range is flushed. Software may only change the
// first BD_HW_NUM_BYTES while the descriptor is in the Free, Pre or Post group.
type Bd struct {
	buf  []byte
	virt uintptr
	phys uint64
	idx  int
}

// NewBd returns a descriptor that is not part of any ring, for use as a Clone
// template.
func NewBd() *Bd {
	b := make([]byte, BD_SIZE)
	return &Bd{buf: b, virt: uintptr(unsafe.Pointer(&b[0])), idx: -1}
}

// Index is the descriptor's slot in its ring, or -1 for a detached descriptor.
func (bd *Bd) Index() int       { return bd.idx }
func (bd *Bd) Virt() uintptr    { return bd.virt }
func (bd *Bd) PhysAddr() uint64 { return bd.phys }

// Read and Write give raw word access by byte offset.
func (bd *Bd) Read(off int) uint32     { return loadWord(bd.buf, off) }
func (bd *Bd) Write(off int, v uint32) { storeWord(bd.buf, off, v) }

func (bd *Bd) addrExt() bool { return bd.Read(BD_ADDRLEN_OFFSET) != 0 }

// NextDesc is the physical address the descriptor links to.
func (bd *Bd) NextDesc() uint64 {
	n := uint64(bd.Read(BD_NDESC_OFFSET))
	if bd.addrExt() {
		n |= uint64(bd.Read(BD_NDESC_MSB_OFFSET)) << 32
	}
	return n
}

// HasStsCntrl reports whether the hardware was built with a status/control
// stream, as cached in the descriptor when the ring was created.
func (bd *Bd) HasStsCntrl() bool { return bd.Read(BD_HAS_STSCNTRL_OFFSET) != 0 }

func (bd *Bd) HasDRE() bool { return bd.Read(BD_HAS_DRE_OFFSET)&BD_HAS_DRE_MASK != 0 }

// WordLen is the memory-map data width in bytes.
func (bd *Bd) WordLen() uint32 { return bd.Read(BD_HAS_DRE_OFFSET) & BD_WORDLEN_MASK }

// SetBufAddr sets the bus address of the data buffer. Without the data
// realignment engine the address must be a multiple of the data width.
func (bd *Bd) SetBufAddr(addr uint64) error {
	wl := uint64(bd.WordLen())
	if wl > 0 && addr&(wl-1) != 0 && !bd.HasDRE() {
		return fmt.Errorf("%w: buffer address %#x not aligned to %d byte words and no DRE", ErrInvalidParameter, addr, wl)
	}
	bd.Write(BD_BUFA_OFFSET, lower32(addr))
	bd.Write(BD_BUFA_MSB_OFFSET, upper32(addr))
	return nil
}

// SetBufAddrMicroMode sets the buffer address for micro DMA builds, which need
// 4KiB aligned buffers.
func (bd *Bd) SetBufAddrMicroMode(addr uint64) error {
	if addr&MICROMODE_BUF_ALIGN != 0 {
		return fmt.Errorf("%w: buffer address %#x not 4KiB aligned for micro mode", ErrInvalidParameter, addr)
	}
	bd.Write(BD_BUFA_OFFSET, lower32(addr))
	bd.Write(BD_BUFA_MSB_OFFSET, upper32(addr))
	return nil
}

func (bd *Bd) BufAddr() uint64 {
	a := uint64(bd.Read(BD_BUFA_OFFSET))
	if bd.addrExt() {
		a |= uint64(bd.Read(BD_BUFA_MSB_OFFSET)) << 32
	}
	return a
}

// SetLength sets the number of bytes to transfer. mask is the channel's
// maximum transfer length, which doubles as the width of the length field.
func (bd *Bd) SetLength(n, mask uint32) error {
	if n == 0 || n > mask {
		return fmt.Errorf("%w: length %d outside 1..%d", ErrInvalidParameter, n, mask)
	}
	bd.Write(BD_CTRL_LEN_OFFSET, bd.Read(BD_CTRL_LEN_OFFSET)&^mask|n)
	return nil
}

// Length is the requested transfer length.
func (bd *Bd) Length(mask uint32) uint32 { return bd.Read(BD_CTRL_LEN_OFFSET) & mask }

// ActualLength is what the engine reports it transferred.
func (bd *Bd) ActualLength(mask uint32) uint32 { return bd.Read(BD_STS_OFFSET) & mask }

// SetCtrl replaces the SOF/EOF bits, leaving the length alone.
func (bd *Bd) SetCtrl(flags uint32) {
	v := bd.Read(BD_CTRL_LEN_OFFSET) &^ BD_CTRL_ALL
	bd.Write(BD_CTRL_LEN_OFFSET, v|flags&BD_CTRL_ALL)
}

func (bd *Bd) Ctrl() uint32 { return bd.Read(BD_CTRL_LEN_OFFSET) & BD_CTRL_ALL }

// Sts returns the status bits (completion, errors, RX SOF/EOF) without the
// length field.
func (bd *Bd) Sts() uint32 { return bd.Read(BD_STS_OFFSET) & BD_STS_ALL }

func (bd *Bd) HwCompleted() bool { return bd.Read(BD_STS_OFFSET)&BD_STS_COMPLETE != 0 }

// Err returns the decode/slave/internal error bits the engine reported.
func (bd *Bd) Err() uint32 { return bd.Read(BD_STS_OFFSET) & BD_STS_ALL_ERR }

func (bd *Bd) clearComplete() {
	bd.Write(BD_STS_OFFSET, bd.Read(BD_STS_OFFSET)&^BD_STS_COMPLETE)
}

// SetId stores an arbitrary software tag. The engine never touches it.
func (bd *Bd) SetId(id uint32) { bd.Write(BD_ID_OFFSET, id) }
func (bd *Bd) Id() uint32      { return bd.Read(BD_ID_OFFSET) }

// SetAppWord sets one of the five user application words passed on the
// control stream.
func (bd *Bd) SetAppWord(i int, w uint32) error {
	if !bd.HasStsCntrl() {
		return fmt.Errorf("%w: no status/control stream in hardware build", ErrInvalidParameter)
	}
	if i < 0 || i > LAST_APPWORD {
		return fmt.Errorf("%w: app word %d", ErrInvalidParameter, i)
	}
	bd.Write(BD_USR0_OFFSET+i*4, w)
	return nil
}

func (bd *Bd) AppWord(i int) (uint32, error) {
	if !bd.HasStsCntrl() {
		return 0, fmt.Errorf("%w: no status/control stream in hardware build", ErrInvalidParameter)
	}
	if i < 0 || i > LAST_APPWORD {
		return 0, fmt.Errorf("%w: app word %d", ErrInvalidParameter, i)
	}
	return bd.Read(BD_USR0_OFFSET + i*4), nil
}

func (bd *Bd) setField(off int, mask, shift, v uint32) {
	bd.Write(off, bd.Read(off)&^mask|(v<<shift)&mask)
}

// Multichannel and 2-D transfer fields.
func (bd *Bd) SetTDest(v uint32) {
	bd.setField(BD_MCCTL_OFFSET, BD_TDEST_FIELD_MASK, BD_TDEST_FIELD_SHIFT, v)
}
func (bd *Bd) SetTId(v uint32) {
	bd.setField(BD_MCCTL_OFFSET, BD_TID_FIELD_MASK, BD_TID_FIELD_SHIFT, v)
}
func (bd *Bd) SetTUser(v uint32) {
	bd.setField(BD_MCCTL_OFFSET, BD_TUSER_FIELD_MASK, BD_TUSER_FIELD_SHIFT, v)
}
func (bd *Bd) SetARCache(v uint32) {
	bd.setField(BD_MCCTL_OFFSET, BD_ARCACHE_FIELD_MASK, BD_ARCACHE_FIELD_SHIFT, v)
}
func (bd *Bd) SetARUser(v uint32) {
	bd.setField(BD_MCCTL_OFFSET, BD_ARUSER_FIELD_MASK, BD_ARUSER_FIELD_SHIFT, v)
}
func (bd *Bd) SetStride(v uint32) {
	bd.setField(BD_STRIDE_VSIZE_OFFSET, BD_STRIDE_FIELD_MASK, BD_STRIDE_FIELD_SHIFT, v)
}
func (bd *Bd) SetVSize(v uint32) {
	bd.setField(BD_STRIDE_VSIZE_OFFSET, BD_VSIZE_FIELD_MASK, BD_VSIZE_FIELD_SHIFT, v)
}

// MCCtl returns the raw multichannel control word.
func (bd *Bd) MCCtl() uint32 { return bd.Read(BD_MCCTL_OFFSET) }

// Clear zeroes the descriptor-specific words (buffer address through the last
// app word) and leaves the next pointer and the cached capability words.
func (bd *Bd) Clear() {
	for off := BD_START_CLEAR; off < BD_START_CLEAR+BD_BYTES_TO_CLEAR; off += 4 {
		bd.Write(off, 0)
	}
}

func (bd *Bd) String() string {
	return fmt.Sprintf("bd[%d]@%#x next %#x buf %#x ctrl %08X sts %08X id %08X",
		bd.idx, bd.phys, bd.NextDesc(), bd.BufAddr(), bd.Read(BD_CTRL_LEN_OFFSET), bd.Read(BD_STS_OFFSET), bd.Id())
}
