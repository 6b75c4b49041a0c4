package axidma_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jon-Bright/dmactl/axidma"
	"github.com/Jon-Bright/dmactl/sim"
)

func TestCheck(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing

	assert.ErrorIs(t, tx.Check(), axidma.ErrNoDescriptorList)

	r.createRing(t, tx, 8)
	r.cache.Reset()
	require.NoError(t, tx.Check())
	for i := 0; i < 8; i++ {
		assert.Equal(t, 1, r.cache.Count(sim.Invalidate, tx.Bd(i).Virt()))
	}

	tx.RunState = axidma.NotHalted
	assert.ErrorIs(t, tx.Check(), axidma.ErrIsStarted)
	tx.RunState = axidma.Halted

	tx.Bd(5).Write(axidma.BD_NDESC_OFFSET, uint32(tx.Bd(0).PhysAddr()))
	assert.ErrorIs(t, tx.Check(), axidma.ErrRingCorrupted)
}

func TestCheckLastLinksToFirst(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing
	r.createRing(t, tx, 3)
	tx.Bd(2).Write(axidma.BD_NDESC_OFFSET, uint32(tx.Bd(1).PhysAddr()))
	assert.ErrorIs(t, tx.Check(), axidma.ErrRingCorrupted)
}

// TestInvariants drives a receive ring through random legal operations and
// checks the group bookkeeping after every step.
func TestInvariants(t *testing.T) {
	r := newRig(t, sgConfig())
	rx := r.e.RxRing(0)
	r.createRing(t, rx, 16)
	rng := rand.New(rand.NewSource(1))

	type batch struct {
		first *axidma.Bd
		n     int
	}
	var pre []batch
	var post []batch

	for step := 0; step < 2000; step++ {
		switch rng.Intn(5) {
		case 0:
			if rx.FreeCount() == 0 {
				continue
			}
			n := rng.Intn(rx.FreeCount()) + 1
			first, err := rx.Alloc(n)
			require.NoError(t, err)
			bd := first
			for i := 0; i < n; i++ {
				require.NoError(t, bd.SetLength(64, rx.MaxTransferLen))
				bd = rx.Next(bd)
			}
			pre = append(pre, batch{first, n})
		case 1:
			if len(pre) == 0 {
				continue
			}
			b := pre[len(pre)-1]
			require.NoError(t, rx.UnAlloc(b.n, b.first))
			pre = pre[:len(pre)-1]
		case 2:
			if len(pre) == 0 {
				continue
			}
			b := pre[0]
			require.NoError(t, rx.ToHw(b.n, b.first))
			pre = pre[1:]
		case 3:
			if rx.HwCount() == 0 {
				continue
			}
			bd := rx.HwHead()
			for i := rng.Intn(rx.HwCount()) + 1; i > 0; i-- {
				complete(bd, axidma.BD_STS_RXSOF|axidma.BD_STS_RXEOF)
				bd = rx.Next(bd)
			}
			n, first := rx.FromHw(rng.Intn(rx.HwCount()) + 1)
			if n > 0 {
				post = append(post, batch{first, n})
			}
		case 4:
			if len(post) == 0 {
				continue
			}
			b := post[0]
			require.NoError(t, rx.Free(b.n, b.first))
			post = post[1:]
		}

		require.Equal(t, rx.AllCount(), rx.FreeCount()+rx.PreCount()+rx.HwCount()+rx.PostCount(), "step %d", step)
		for _, bd := range []*axidma.Bd{rx.FreeHead(), rx.PreHead(), rx.HwHead(), rx.HwTail(), rx.PostHead()} {
			require.GreaterOrEqual(t, bd.Virt(), rx.FirstBdAddr())
			require.LessOrEqual(t, bd.Virt(), rx.LastBdAddr())
		}
		require.NoError(t, rx.Check(), "step %d: %s", step, rx.Summary())
	}
}

func TestClone(t *testing.T) {
	r := newRig(t, sgConfig())
	tx := r.e.TxRing

	tmpl := axidma.NewBd()
	tmpl.Write(axidma.BD_BUFA_OFFSET, 0x1000)
	tmpl.Write(axidma.BD_CTRL_LEN_OFFSET, axidma.BD_CTRL_TXSOF|axidma.BD_CTRL_TXEOF|256)
	tmpl.Write(axidma.BD_STS_OFFSET, axidma.BD_STS_COMPLETE|7)
	tmpl.SetTDest(3)

	assert.ErrorIs(t, tx.Clone(tmpl), axidma.ErrNoDescriptorList)

	r.createRing(t, tx, 4)
	r.cache.Reset()
	require.NoError(t, tx.Clone(tmpl))
	for i := 0; i < 4; i++ {
		bd := tx.Bd(i)
		assert.Equal(t, uint64(0x1000), bd.BufAddr())
		assert.Equal(t, uint32(256), bd.Length(tx.MaxTransferLen))
		assert.Equal(t, uint32(axidma.BD_CTRL_TXSOF|axidma.BD_CTRL_TXEOF), bd.Ctrl())
		assert.False(t, bd.HwCompleted())
		assert.Equal(t, uint32(7), bd.ActualLength(tx.MaxTransferLen))
		assert.Equal(t, uint32(3), bd.MCCtl()&axidma.BD_TDEST_FIELD_MASK)
		assert.Equal(t, tx.Next(bd).PhysAddr(), bd.NextDesc(), "next pointer kept")
		assert.Equal(t, uint32(4), bd.WordLen(), "capabilities kept")
		assert.Equal(t, 1, r.cache.Count(sim.Flush, bd.Virt()))
	}
	require.NoError(t, tx.Check())

	_, err := tx.Alloc(1)
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Clone(tmpl), axidma.ErrOutOfSequence)

	tx.RunState = axidma.NotHalted
	assert.ErrorIs(t, tx.Clone(tmpl), axidma.ErrIsStarted)
}
