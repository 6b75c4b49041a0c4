package axidma

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type RunState int

const (
	Halted RunState = iota + 1
	NotHalted
)

func (s RunState) String() string {
	switch s {
	case Halted:
		return "halted"
	case NotHalted:
		return "running"
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

// Group is one of the four arcs a ring is partitioned into. Descriptors move
// Free -> Pre -> Hw -> Post -> Free and never skip a group.
type Group int

const (
	GroupFree Group = iota
	GroupPre
	GroupHw
	GroupPost
)

func (g Group) String() string {
	return [...]string{"free", "pre", "hw", "post"}[g]
}

// Region is memory handed to Create to hold the descriptors. Buf must cover
// the whole ring; Virt and Phys are the CPU and bus addresses of Buf[0].
type Region struct {
	Virt uintptr
	Phys uint64
	Buf  []byte
}

// BdRing is the descriptor ring of one channel together with the bookkeeping
// for its four groups. Heads are slot indices into bds; each group occupies
// the contiguous arc starting at its head:
//
//	Post [PostHead, HwHead)  Hw [HwHead, PreHead)  Pre [PreHead, FreeHead)  Free [FreeHead, PostHead)
//
// A BdRing is not safe for concurrent use.
type BdRing struct {
	ChanBase        uintptr
	IsRxChannel     bool
	RunState        RunState
	HasStsCntrlStrm bool
	HasDRE          bool
	DataWidth       uint32 // bytes
	AddrExt         bool
	MaxTransferLen  uint32
	RingIndex       int

	name    string
	regs    RegisterIO
	cache   Cache
	addr    Translator
	l       logrus.FieldLogger
	metrics *ringMetrics

	firstVirt  uintptr
	firstPhys  uint64
	separation uintptr
	bds        []Bd

	freeHead, preHead, hwHead, hwTail, postHead int
	restart                                     int

	freeCnt, preCnt, hwCnt, postCnt, allCnt int
}

func newBdRing(name string, p *Platform) *BdRing {
	return &BdRing{
		name:     name,
		RunState: Halted,
		regs:     p.Regs,
		cache:    p.Cache,
		addr:     p.Addr,
		l:        p.Log.WithField("ring", name),
		metrics:  newRingMetrics(p.Metrics, name),
	}
}

// Name identifies the ring in logs and metrics: "tx", "rx0", "rx1", ...
func (r *BdRing) Name() string { return r.name }

// BdRingSeparation is the stride between descriptors for a given alignment:
// the descriptor size rounded up to the alignment.
func BdRingSeparation(alignment uint32) uintptr {
	return (BD_SIZE + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}

// BdRingCntCalc is how many descriptors fit in n bytes.
func BdRingCntCalc(alignment uint32, n int) int {
	return n / int(BdRingSeparation(alignment))
}

// BdRingMemCalc is how many bytes count descriptors need.
func BdRingMemCalc(alignment uint32, count int) int {
	return int(BdRingSeparation(alignment)) * count
}

// Create lays out count descriptors in region, links them into a closed ring,
// caches the channel capabilities in each one and flushes them. All
// descriptors start out Free. Any previous ring state is discarded. The
// region's Phys must be what the platform translates Virt to.
func (r *BdRing) Create(region Region, alignment uint32, count int) error {
	if count <= 0 {
		r.l.WithField("count", count).Debug("Ring create with non-positive descriptor count")
		return fmt.Errorf("%w: descriptor count %d", ErrInvalidParameter, count)
	}
	r.allCnt, r.freeCnt, r.preCnt, r.hwCnt, r.postCnt = 0, 0, 0, 0, 0
	r.bds = nil

	if alignment < BD_MINIMUM_ALIGNMENT {
		return fmt.Errorf("%w: alignment %d below minimum %d", ErrInvalidParameter, alignment, BD_MINIMUM_ALIGNMENT)
	}
	if alignment&(alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d not a power of two", ErrInvalidParameter, alignment)
	}
	if region.Phys%uint64(alignment) != 0 || uint64(region.Virt)%uint64(alignment) != 0 {
		return fmt.Errorf("%w: physical %#x or virtual %#x address not %d byte aligned", ErrInvalidParameter, region.Phys, region.Virt, alignment)
	}

	sep := BdRingSeparation(alignment)
	size := sep * uintptr(count)
	if size/uintptr(count) != sep || region.Virt+size-1 < region.Virt || region.Phys+uint64(size)-1 < region.Phys {
		r.l.WithField("virt", region.Virt).WithField("size", size).Debug("Ring create crosses zero")
		return fmt.Errorf("%w: %d bytes at %#x", ErrRingSpansZero, size, region.Virt)
	}
	if uintptr(len(region.Buf)) < size {
		return fmt.Errorf("%w: region of %d bytes cannot hold %d descriptors of %d bytes", ErrInvalidParameter, len(region.Buf), count, sep)
	}
	if phys := r.addr.VirtToPhys(region.Virt); phys != region.Phys {
		return fmt.Errorf("%w: virtual %#x translates to %#x, not %#x", ErrInvalidParameter, region.Virt, phys, region.Phys)
	}

	mem := region.Buf[:size]
	for i := range mem {
		mem[i] = 0
	}

	var addrExt uint32
	if r.AddrExt {
		addrExt = 1
	}
	var stsCntrl uint32
	if r.HasStsCntrlStrm {
		stsCntrl = 1
	}
	dre := r.DataWidth
	if r.HasDRE {
		dre |= 1 << BD_HAS_DRE_SHIFT
	}

	bds := make([]Bd, count)
	for i := range bds {
		off := uintptr(i) * sep
		bd := &bds[i]
		bd.buf = mem[off : off+BD_SIZE]
		bd.virt = region.Virt + off
		bd.phys = region.Phys + uint64(off)
		bd.idx = i

		next := region.Phys + uint64(off+sep)
		if i == count-1 {
			next = region.Phys
		}
		bd.Write(BD_ADDRLEN_OFFSET, addrExt)
		bd.Write(BD_NDESC_OFFSET, lower32(next)&DESC_LSB_MASK)
		bd.Write(BD_NDESC_MSB_OFFSET, upper32(next))
		bd.Write(BD_HAS_STSCNTRL_OFFSET, stsCntrl)
		bd.Write(BD_HAS_DRE_OFFSET, dre)
		r.cache.Flush(bd.virt, BD_HW_NUM_BYTES)
	}

	r.bds = bds
	r.firstVirt = region.Virt
	r.firstPhys = region.Phys
	r.separation = sep
	r.RunState = Halted
	r.allCnt = count
	r.freeCnt = count
	r.freeHead, r.preHead, r.hwHead, r.hwTail, r.postHead = 0, 0, 0, 0, 0
	r.restart = 0
	r.l.WithField("count", count).WithField("phys", fmt.Sprintf("%#x", region.Phys)).
		WithField("separation", sep).Debug("Created descriptor ring")
	return nil
}

func (r *BdRing) AllCount() int  { return r.allCnt }
func (r *BdRing) FreeCount() int { return r.freeCnt }
func (r *BdRing) PreCount() int  { return r.preCnt }
func (r *BdRing) HwCount() int   { return r.hwCnt }
func (r *BdRing) PostCount() int { return r.postCnt }

func (r *BdRing) Separation() uintptr     { return r.separation }
func (r *BdRing) FirstBdAddr() uintptr    { return r.firstVirt }
func (r *BdRing) FirstBdPhysAddr() uint64 { return r.firstPhys }

func (r *BdRing) LastBdAddr() uintptr {
	if r.allCnt == 0 {
		return r.firstVirt
	}
	return r.firstVirt + uintptr(r.allCnt-1)*r.separation
}

func (r *BdRing) bd(i int) *Bd {
	if r.allCnt == 0 {
		return nil
	}
	return &r.bds[i]
}

// Bd returns the descriptor in slot i.
func (r *BdRing) Bd(i int) *Bd {
	if i < 0 || i >= r.allCnt {
		return nil
	}
	return &r.bds[i]
}

func (r *BdRing) FreeHead() *Bd { return r.bd(r.freeHead) }
func (r *BdRing) PreHead() *Bd  { return r.bd(r.preHead) }
func (r *BdRing) HwHead() *Bd   { return r.bd(r.hwHead) }
func (r *BdRing) HwTail() *Bd   { return r.bd(r.hwTail) }
func (r *BdRing) PostHead() *Bd { return r.bd(r.postHead) }

// Restart is the descriptor the channel resumes from on the next Start.
func (r *BdRing) Restart() *Bd { return r.bd(r.restart) }

func (r *BdRing) seekAhead(i, n int) int { return (i + n) % r.allCnt }
func (r *BdRing) seekBack(i, n int) int  { return ((i-n)%r.allCnt + r.allCnt) % r.allCnt }

// Next and Prev step one descriptor around the ring.
func (r *BdRing) Next(bd *Bd) *Bd { return &r.bds[r.seekAhead(bd.idx, 1)] }
func (r *BdRing) Prev(bd *Bd) *Bd { return &r.bds[r.seekBack(bd.idx, 1)] }

func (r *BdRing) owns(bd *Bd) bool {
	return bd != nil && bd.idx >= 0 && bd.idx < r.allCnt && &r.bds[bd.idx] == bd
}

// BdToPhys and PhysToBd translate between descriptors and the bus addresses
// the engine uses for them.
func (r *BdRing) BdToPhys(bd *Bd) uint64 { return r.firstPhys + uint64(bd.idx)*uint64(r.separation) }

func (r *BdRing) PhysToBd(phys uint64) *Bd {
	i, ok := r.physToIndex(phys)
	if !ok {
		return nil
	}
	return &r.bds[i]
}

func (r *BdRing) physToIndex(phys uint64) (int, bool) {
	if r.allCnt == 0 || phys < r.firstPhys {
		return 0, false
	}
	off := phys - r.firstPhys
	if off%uint64(r.separation) != 0 {
		return 0, false
	}
	i := off / uint64(r.separation)
	if i >= uint64(r.allCnt) {
		return 0, false
	}
	return int(i), true
}

// inArc reports whether slot i lies in the n-slot arc starting at head.
func (r *BdRing) inArc(i, head, n int) bool {
	return (i-head+r.allCnt)%r.allCnt < n
}

// GroupOf reports which group bd currently belongs to.
func (r *BdRing) GroupOf(bd *Bd) (Group, error) {
	if !r.owns(bd) {
		return 0, fmt.Errorf("%w: descriptor not in ring %s", ErrInvalidParameter, r.name)
	}
	switch {
	case r.inArc(bd.idx, r.freeHead, r.freeCnt):
		return GroupFree, nil
	case r.inArc(bd.idx, r.preHead, r.preCnt):
		return GroupPre, nil
	case r.inArc(bd.idx, r.hwHead, r.hwCnt):
		return GroupHw, nil
	case r.inArc(bd.idx, r.postHead, r.postCnt):
		return GroupPost, nil
	}
	return 0, fmt.Errorf("%w: descriptor %d in no group", ErrRingCorrupted, bd.idx)
}

// Alloc reserves n descriptors from the Free group and moves them to Pre. The
// returned descriptor is the first of the n; the rest follow it via Next.
// Either all n are reserved or none are.
func (r *BdRing) Alloc(n int) (*Bd, error) {
	if n <= 0 {
		r.l.WithField("n", n).Debug("Alloc of non-positive descriptor count")
		return nil, fmt.Errorf("%w: alloc of %d descriptors", ErrInvalidParameter, n)
	}
	if r.freeCnt < n {
		r.l.WithField("n", n).WithField("free", r.freeCnt).Debug("Not enough descriptors to alloc")
		return nil, fmt.Errorf("%w: want %d, %d free", ErrInsufficientBuffers, n, r.freeCnt)
	}
	first := &r.bds[r.freeHead]
	r.freeHead = r.seekAhead(r.freeHead, n)
	r.freeCnt -= n
	r.preCnt += n
	r.metrics.allocated.Inc(int64(n))
	return first, nil
}

// UnAlloc returns the n most recently allocated descriptors, starting at
// first, to the Free group.
func (r *BdRing) UnAlloc(n int, first *Bd) error {
	if n <= 0 {
		r.l.WithField("n", n).Debug("UnAlloc of non-positive descriptor count")
		return fmt.Errorf("%w: unalloc of %d descriptors", ErrInvalidParameter, n)
	}
	if r.preCnt < n {
		r.l.WithField("n", n).WithField("pre", r.preCnt).Debug("Fewer pre-allocated descriptors than requested")
		return fmt.Errorf("%w: unalloc %d with %d allocated", ErrOutOfSequence, n, r.preCnt)
	}
	if !r.owns(first) || r.seekAhead(first.idx, n) != r.freeHead {
		r.l.WithField("n", n).Debug("UnAlloc does not end at free head")
		return fmt.Errorf("%w: unalloc of %d does not end at the free head", ErrOutOfSequence, n)
	}
	r.freeHead = r.seekBack(r.freeHead, n)
	r.freeCnt += n
	r.preCnt -= n
	r.metrics.allocated.Dec(int64(n))
	return nil
}

// ToHw hands n descriptors, which must be the head of the Pre group, to the
// engine. Every descriptor must have a non-zero length; on a transmit channel
// the first must carry SOF and the last EOF. Nothing is changed unless the
// whole batch is acceptable. If the channel is running the tail descriptor
// register is updated so the engine picks the work up at once.
func (r *BdRing) ToHw(n int, first *Bd) error {
	if n < 0 {
		r.l.WithField("n", n).Debug("ToHw with negative descriptor count")
		return fmt.Errorf("%w: submit of %d descriptors", ErrInvalidParameter, n)
	}
	if n == 0 {
		return nil
	}
	if r.preCnt < n || !r.owns(first) || first.idx != r.preHead {
		r.l.WithField("n", n).WithField("pre", r.preCnt).Debug("ToHw batch is not the head of the pre group")
		return fmt.Errorf("%w: submit of %d is not the head of %d allocated", ErrOutOfSequence, n, r.preCnt)
	}

	i := first.idx
	for k := 0; k < n; k++ {
		bd := &r.bds[i]
		ctrl := bd.Read(BD_CTRL_LEN_OFFSET)
		if !r.IsRxChannel && k == 0 && ctrl&BD_CTRL_TXSOF == 0 {
			r.l.Debug("Tx first descriptor does not have SOF")
			return fmt.Errorf("%w: first tx descriptor without SOF", ErrRejectedTransfer)
		}
		if bd.Length(r.MaxTransferLen) == 0 {
			r.l.WithField("bd", bd.idx).Debug("Zero length descriptor")
			return fmt.Errorf("%w: descriptor %d has zero length", ErrRejectedTransfer, bd.idx)
		}
		if !r.IsRxChannel && k == n-1 && ctrl&BD_CTRL_TXEOF == 0 {
			r.l.Debug("Tx last descriptor does not have EOF")
			return fmt.Errorf("%w: last tx descriptor without EOF", ErrRejectedTransfer)
		}
		i = r.seekAhead(i, 1)
	}

	last := first
	i = first.idx
	for k := 0; k < n; k++ {
		last = &r.bds[i]
		last.clearComplete()
		r.cache.Flush(last.virt, BD_HW_NUM_BYTES)
		i = r.seekAhead(i, 1)
	}

	r.preHead = r.seekAhead(r.preHead, n)
	r.preCnt -= n
	r.hwTail = last.idx
	r.hwCnt += n
	r.metrics.submitted.Inc(int64(n))

	if r.RunState == NotHalted {
		r.writeTailDesc(last.phys)
	}
	return nil
}

// FromHw collects up to limit descriptors the engine has finished with,
// moving them from Hw to Post. It stops at the first descriptor the engine has
// not completed and holds back the descriptors of a packet whose last
// descriptor is not yet complete. It returns the number collected and the first
// of them; 0 means nothing is ready.
func (r *BdRing) FromHw(limit int) (int, *Bd) {
	if r.hwCnt == 0 {
		return 0, nil
	}
	if limit > r.hwCnt {
		limit = r.hwCnt
	}

	cur := r.hwHead
	count, partial := 0, 0
	for count < limit {
		bd := &r.bds[cur]
		r.cache.Invalidate(bd.virt, BD_HW_NUM_BYTES)
		sts := bd.Read(BD_STS_OFFSET)
		ctrl := bd.Read(BD_CTRL_LEN_OFFSET)
		if sts&BD_STS_COMPLETE == 0 {
			break
		}
		count++
		if (!r.IsRxChannel && ctrl&BD_CTRL_TXEOF != 0) || (r.IsRxChannel && sts&BD_STS_RXEOF != 0) {
			partial = 0
		} else {
			partial++
		}
		if cur == r.hwTail {
			break
		}
		cur = r.seekAhead(cur, 1)
	}

	count -= partial
	if count == 0 {
		return 0, nil
	}
	first := &r.bds[r.hwHead]
	r.hwCnt -= count
	r.postCnt += count
	r.hwHead = r.seekAhead(r.hwHead, count)
	r.metrics.completed.Inc(int64(count))
	return count, first
}

// Free returns n descriptors, which must be the head of the Post group, to
// the Free group.
func (r *BdRing) Free(n int, first *Bd) error {
	if n < 0 {
		r.l.WithField("n", n).Debug("Free with negative descriptor count")
		return fmt.Errorf("%w: free of %d descriptors", ErrInvalidParameter, n)
	}
	if n == 0 {
		return nil
	}
	if r.postCnt < n || !r.owns(first) || first.idx != r.postHead {
		r.l.WithField("n", n).WithField("post", r.postCnt).Debug("Free batch is not the head of the post group")
		return fmt.Errorf("%w: free of %d is not the head of %d processed", ErrOutOfSequence, n, r.postCnt)
	}
	r.freeCnt += n
	r.postCnt -= n
	r.postHead = r.seekAhead(r.postHead, n)
	r.metrics.freed.Inc(int64(n))
	return nil
}
