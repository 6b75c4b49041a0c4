package axidma_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jon-Bright/dmactl/axidma"
	"github.com/Jon-Bright/dmactl/sim"
)

func TestSeparation(t *testing.T) {
	assert.Equal(t, uintptr(128), axidma.BdRingSeparation(64))
	assert.Equal(t, uintptr(128), axidma.BdRingSeparation(128))
	assert.Equal(t, uintptr(256), axidma.BdRingSeparation(256))
	assert.Equal(t, 8, axidma.BdRingCntCalc(64, 1024+100))
	assert.Equal(t, 1024, axidma.BdRingMemCalc(64, 8))
}

func TestCreate(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.cache.Reset()
	r.createRing(t, tx, 8)

	assert.Equal(t, [5]int{8, 8, 0, 0, 0}, counts(tx))
	assert.Equal(t, uintptr(128), tx.Separation())
	assert.Equal(t, axidma.Halted, tx.RunState)
	for i := 0; i < 8; i++ {
		bd := tx.Bd(i)
		next := tx.Bd((i + 1) % 8)
		assert.Equal(t, next.PhysAddr(), bd.NextDesc(), "bd %d", i)
		assert.Equal(t, uint32(4), bd.WordLen())
		assert.False(t, bd.HasDRE())
		assert.Equal(t, 1, r.cache.Count(sim.Flush, bd.Virt()), "bd %d flushed once", i)
	}
	for _, op := range r.cache.Ops() {
		assert.Equal(t, axidma.BD_HW_NUM_BYTES, op.N)
	}
	assert.Equal(t, tx.FirstBdAddr()+7*128, tx.LastBdAddr())
	for _, bd := range []*axidma.Bd{tx.FreeHead(), tx.PreHead(), tx.HwHead(), tx.HwTail(), tx.PostHead()} {
		assert.Same(t, tx.Bd(0), bd)
	}
	assert.NoError(t, tx.Check())
}

func TestCreateInvalid(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	good, err := r.mem.Alloc(4096, 4096)
	require.NoError(t, err)
	top := ^uintptr(0) &^ 0xFFF

	tests := []struct {
		name      string
		region    axidma.Region
		alignment uint32
		count     int
		want      error
	}{
		{"zero count", good, 64, 0, axidma.ErrInvalidParameter},
		{"negative count", good, 64, -1, axidma.ErrInvalidParameter},
		{"alignment below minimum", good, 32, 4, axidma.ErrInvalidParameter},
		{"alignment not power of two", good, 96, 4, axidma.ErrInvalidParameter},
		{"misaligned address", axidma.Region{Virt: good.Virt + 16, Phys: good.Phys + 16, Buf: good.Buf[16:]}, 64, 4, axidma.ErrInvalidParameter},
		{"region too small", axidma.Region{Virt: good.Virt, Phys: good.Phys, Buf: good.Buf[:256]}, 64, 4, axidma.ErrInvalidParameter},
		{"spans zero", axidma.Region{Virt: top, Phys: 0x20000000, Buf: good.Buf}, 64, 64, axidma.ErrRingSpansZero},
		{"bus address mismatch", axidma.Region{Virt: good.Virt, Phys: good.Phys + 4096, Buf: good.Buf}, 64, 4, axidma.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tx.Create(tt.region, tt.alignment, tt.count)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, tx.AllCount())
		})
	}
}

func TestAllocUnAllocRoundTrip(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)

	_, err := tx.Alloc(2)
	require.NoError(t, err)
	before := tx.Summary()
	freeHead := tx.FreeHead()

	first, err := tx.Alloc(3)
	require.NoError(t, err)
	assert.Same(t, freeHead, first)
	assert.Equal(t, [5]int{8, 3, 5, 0, 0}, counts(tx))

	require.NoError(t, tx.UnAlloc(3, first))
	assert.Equal(t, before, tx.Summary())
	assert.Same(t, freeHead, tx.FreeHead())
}

func TestAllocBoundary(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)

	before := tx.Summary()
	_, err := tx.Alloc(9)
	assert.ErrorIs(t, err, axidma.ErrInsufficientBuffers)
	assert.Equal(t, before, tx.Summary())

	for _, n := range []int{0, -3} {
		_, err = tx.Alloc(n)
		assert.ErrorIs(t, err, axidma.ErrInvalidParameter)
	}
	assert.Equal(t, before, tx.Summary())

	_, err = tx.Alloc(8)
	require.NoError(t, err)
	assert.Equal(t, 0, tx.FreeCount())
	assert.Equal(t, 8, tx.PreCount())

	_, err = tx.Alloc(1)
	assert.ErrorIs(t, err, axidma.ErrInsufficientBuffers)
}

func TestUnAllocOutOfSequence(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)

	a, err := tx.Alloc(2)
	require.NoError(t, err)
	b, err := tx.Alloc(2)
	require.NoError(t, err)
	before := tx.Summary()

	assert.ErrorIs(t, tx.UnAlloc(2, a), axidma.ErrOutOfSequence, "not the most recent allocation")
	assert.ErrorIs(t, tx.UnAlloc(5, a), axidma.ErrOutOfSequence, "more than allocated")
	assert.ErrorIs(t, tx.UnAlloc(0, b), axidma.ErrInvalidParameter)
	assert.ErrorIs(t, tx.UnAlloc(2, axidma.NewBd()), axidma.ErrOutOfSequence, "foreign descriptor")
	assert.Equal(t, before, tx.Summary())

	require.NoError(t, tx.UnAlloc(2, b))
	require.NoError(t, tx.UnAlloc(2, a))
	assert.Equal(t, 8, tx.FreeCount())
}

func TestToHw(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)

	first, err := tx.Alloc(3)
	require.NoError(t, err)
	assert.Equal(t, 3, tx.PreCount())
	assert.Equal(t, 5, tx.FreeCount())

	bd := first
	for i, ctrl := range []uint32{axidma.BD_CTRL_TXSOF, 0, axidma.BD_CTRL_TXEOF} {
		r.fill(t, tx, bd, 100+i, ctrl, nil)
		complete(bd, 0) // stale completion from an earlier pass
		bd = tx.Next(bd)
	}
	r.cache.Reset()
	require.NoError(t, tx.ToHw(3, first))

	assert.Equal(t, [5]int{8, 5, 0, 3, 0}, counts(tx))
	assert.Same(t, first, tx.HwHead())
	assert.Same(t, tx.Bd(2), tx.HwTail())
	ops := r.cache.Ops()
	require.Len(t, ops, 3)
	for i, op := range ops {
		assert.Equal(t, sim.Flush, op.Kind)
		assert.Equal(t, tx.Bd(i).Virt(), op.Virt)
		assert.Equal(t, axidma.BD_HW_NUM_BYTES, op.N)
		assert.False(t, tx.Bd(i).HwCompleted(), "bd %d", i)
	}
	assert.Zero(t, tx.TailDesc(), "halted ring leaves the tail register alone")
}

func TestToHwRejected(t *testing.T) {
	tests := []struct {
		name string
		rx   bool
		ctrl []uint32
		lens []int
		want error
	}{
		{"zero length in middle", false, []uint32{axidma.BD_CTRL_TXSOF, 0, axidma.BD_CTRL_TXEOF}, []int{64, 0, 64}, axidma.ErrRejectedTransfer},
		{"zero length last", false, []uint32{axidma.BD_CTRL_TXSOF, 0, axidma.BD_CTRL_TXEOF}, []int{64, 64, 0}, axidma.ErrRejectedTransfer},
		{"no SOF", false, []uint32{0, 0, axidma.BD_CTRL_TXEOF}, []int{64, 64, 64}, axidma.ErrRejectedTransfer},
		{"no EOF", false, []uint32{axidma.BD_CTRL_TXSOF, 0, 0}, []int{64, 64, 64}, axidma.ErrRejectedTransfer},
		{"rx without SOF and EOF", true, []uint32{0, 0, 0}, []int{64, 64, 64}, nil},
		{"rx zero length", true, []uint32{0, 0, 0}, []int{64, 0, 64}, axidma.ErrRejectedTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, sgConfig())
			ring := r.e.TxRing
			if tt.rx {
				ring = r.e.RxRing(0)
			}
			r.createRing(t, ring, 8)
			first, err := ring.Alloc(3)
			require.NoError(t, err)
			bd := first
			for i := range tt.ctrl {
				r.fill(t, ring, bd, 64, tt.ctrl[i], nil)
				if tt.lens[i] == 0 {
					bd.Write(axidma.BD_CTRL_LEN_OFFSET, bd.Ctrl())
				}
				complete(bd, 0)
				bd = ring.Next(bd)
			}
			before := ring.Summary()
			err = ring.ToHw(3, first)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, ring.Summary())
			assert.Equal(t, 0, ring.HwCount())
			for i := 0; i < 3; i++ {
				assert.True(t, ring.Bd(i).HwCompleted(), "rejected batch left bd %d untouched", i)
			}
		})
	}
}

func TestToHwSequencing(t *testing.T) {
	r := newRig(t, sgConfig())
	rx := r.e.RxRing(0)
	r.createRing(t, rx, 8)
	first, err := rx.Alloc(4)
	require.NoError(t, err)
	bd := first
	for i := 0; i < 4; i++ {
		r.fill(t, rx, bd, 64, 0, nil)
		bd = rx.Next(bd)
	}
	before := rx.Summary()
	for n := 1; n <= 4; n++ {
		assert.ErrorIs(t, rx.ToHw(n, rx.Next(first)), axidma.ErrOutOfSequence, "n=%d", n)
		assert.ErrorIs(t, rx.ToHw(n, rx.Bd(7)), axidma.ErrOutOfSequence, "n=%d", n)
	}
	assert.ErrorIs(t, rx.ToHw(5, first), axidma.ErrOutOfSequence)
	assert.ErrorIs(t, rx.ToHw(-1, first), axidma.ErrInvalidParameter)
	assert.Equal(t, before, rx.Summary())

	require.NoError(t, rx.ToHw(2, first))
	require.NoError(t, rx.ToHw(2, rx.PreHead()))
	assert.Equal(t, 4, rx.HwCount())
}

func TestNoOps(t *testing.T) {
	r := newRig(t, sgConfig())
	rx := r.e.RxRing(0)
	r.createRing(t, rx, 8)
	r.postRx(t, rx, 3, 64)
	before := rx.Summary()

	assert.NoError(t, rx.ToHw(0, rx.Bd(5)))
	assert.NoError(t, rx.Free(0, rx.Bd(6)))
	assert.NoError(t, rx.ToHw(0, nil))
	n, bd := rx.FromHw(axidma.ALL_BDS)
	assert.Zero(t, n)
	assert.Nil(t, bd)
	assert.Equal(t, before, rx.Summary())
}

func TestFromHw(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)
	r.sendTx(t, tx, []byte("a"), []byte("b"), []byte("c"))

	complete(tx.Bd(0), 0)
	complete(tx.Bd(1), 0)
	r.cache.Reset()
	n, first := tx.FromHw(axidma.ALL_BDS)
	assert.Equal(t, 2, n)
	assert.Same(t, tx.Bd(0), first)
	assert.Equal(t, [5]int{8, 5, 0, 1, 2}, counts(tx))
	assert.Same(t, tx.Bd(2), tx.HwHead())
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, r.cache.Count(sim.Invalidate, tx.Bd(i).Virt()), "bd %d examined once", i)
	}
	assert.Zero(t, r.cache.Count(sim.Flush, tx.Bd(0).Virt()))

	n, _ = tx.FromHw(axidma.ALL_BDS)
	assert.Zero(t, n, "nothing new completed")

	complete(tx.Bd(2), 0)
	n, first = tx.FromHw(1)
	assert.Equal(t, 1, n)
	assert.Same(t, tx.Bd(2), first)
	assert.Equal(t, 3, tx.PostCount())
}

func TestFromHwStopsAtIncomplete(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)
	r.sendTx(t, tx, []byte("a"), []byte("b"), []byte("c"))

	complete(tx.Bd(0), 0)
	complete(tx.Bd(2), 0)
	n, _ := tx.FromHw(axidma.ALL_BDS)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, tx.HwCount())
}

func TestFromHwPartialPacket(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)

	// One single-descriptor packet, then one spanning three descriptors.
	first, err := tx.Alloc(4)
	require.NoError(t, err)
	bd := first
	for _, ctrl := range []uint32{axidma.BD_CTRL_TXSOF | axidma.BD_CTRL_TXEOF, axidma.BD_CTRL_TXSOF, 0, axidma.BD_CTRL_TXEOF} {
		r.fill(t, tx, bd, 16, ctrl, nil)
		bd = tx.Next(bd)
	}
	require.NoError(t, tx.ToHw(4, first))

	complete(tx.Bd(0), 0)
	complete(tx.Bd(1), 0)
	complete(tx.Bd(2), 0)
	n, _ := tx.FromHw(axidma.ALL_BDS)
	assert.Equal(t, 1, n, "trailing partial packet held back")
	assert.Equal(t, 3, tx.HwCount())

	complete(tx.Bd(3), 0)
	n, first = tx.FromHw(axidma.ALL_BDS)
	assert.Equal(t, 3, n)
	assert.Same(t, tx.Bd(1), first)
}

func TestFromHwRxPartialPacket(t *testing.T) {
	r := newRig(t, sgConfig())
	rx := r.e.RxRing(0)
	r.createRing(t, rx, 8)
	r.postRx(t, rx, 3, 64)

	complete(rx.Bd(0), axidma.BD_STS_RXSOF)
	complete(rx.Bd(1), 0)
	n, _ := rx.FromHw(axidma.ALL_BDS)
	assert.Zero(t, n)

	complete(rx.Bd(2), axidma.BD_STS_RXEOF)
	n, _ = rx.FromHw(axidma.ALL_BDS)
	assert.Equal(t, 3, n)
}

func TestFree(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)
	r.sendTx(t, tx, []byte("a"), []byte("b"), []byte("c"))
	for i := 0; i < 3; i++ {
		complete(tx.Bd(i), 0)
	}
	n, first := tx.FromHw(axidma.ALL_BDS)
	require.Equal(t, 3, n)
	before := tx.Summary()

	assert.ErrorIs(t, tx.Free(2, tx.Bd(1)), axidma.ErrOutOfSequence)
	assert.ErrorIs(t, tx.Free(4, first), axidma.ErrOutOfSequence)
	assert.ErrorIs(t, tx.Free(-1, first), axidma.ErrInvalidParameter)
	assert.Equal(t, before, tx.Summary())

	require.NoError(t, tx.Free(2, first))
	require.NoError(t, tx.Free(1, tx.PostHead()))
	assert.Equal(t, [5]int{8, 8, 0, 0, 0}, counts(tx))
	assert.Same(t, tx.Bd(3), tx.PostHead())
}

func TestNavigation(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 4)

	assert.Same(t, tx.Bd(0), tx.Next(tx.Bd(3)))
	assert.Same(t, tx.Bd(3), tx.Prev(tx.Bd(0)))
	assert.Same(t, tx.Bd(2), tx.Next(tx.Bd(1)))

	bd := tx.Bd(2)
	assert.Equal(t, bd.PhysAddr(), tx.BdToPhys(bd))
	assert.Same(t, bd, tx.PhysToBd(bd.PhysAddr()))
	assert.Nil(t, tx.PhysToBd(bd.PhysAddr()+4))
	assert.Nil(t, tx.PhysToBd(tx.FirstBdPhysAddr()+4*128))
	assert.Nil(t, tx.PhysToBd(0))
	assert.Nil(t, tx.Bd(4))
	assert.Equal(t, bd.PhysAddr(), r.mem.VirtToPhys(bd.Virt()))
}

func TestGroupOf(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 8)
	r.sendTx(t, tx, []byte("a"), []byte("b"), []byte("c"))
	complete(tx.Bd(0), 0)
	n, _ := tx.FromHw(axidma.ALL_BDS)
	require.Equal(t, 1, n)
	_, err := tx.Alloc(2)
	require.NoError(t, err)

	want := []axidma.Group{
		axidma.GroupPost, axidma.GroupHw, axidma.GroupHw, axidma.GroupPre,
		axidma.GroupPre, axidma.GroupFree, axidma.GroupFree, axidma.GroupFree,
	}
	for i, g := range want {
		got, err := tx.GroupOf(tx.Bd(i))
		require.NoError(t, err)
		assert.Equal(t, g, got, "bd %d", i)
	}
	_, err = tx.GroupOf(axidma.NewBd())
	assert.ErrorIs(t, err, axidma.ErrInvalidParameter)
}
