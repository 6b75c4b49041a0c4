package axidma_test

import (
	"io"
	"os"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Jon-Bright/dmactl/axidma"
	"github.com/Jon-Bright/dmactl/sim"
)

const (
	testBase = 0x40400000
	testPhys = 0x10000000
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	if os.Getenv("TEST_LOGS") == "" {
		l.SetOutput(io.Discard)
		return l
	}
	l.SetLevel(logrus.DebugLevel)
	return l
}

func sgConfig() axidma.Config {
	return axidma.Config{
		BaseAddr:      testBase,
		HasMm2S:       true,
		HasS2Mm:       true,
		HasSg:         true,
		Mm2SDataWidth: 32,
		S2MmDataWidth: 32,
		AddrWidth:     32,
	}
}

type write struct {
	base   uintptr
	offset uint32
	value  uint32
}

// recRegs remembers every register write on its way to the simulator.
type recRegs struct {
	axidma.RegisterIO
	writes []write
}

func (r *recRegs) WriteReg(base uintptr, offset, value uint32) {
	r.writes = append(r.writes, write{base, offset, value})
	r.RegisterIO.WriteReg(base, offset, value)
}

type rig struct {
	e     *axidma.Engine
	dma   *sim.DMA
	mem   *sim.Memory
	cache *sim.Cache
	regs  *recRegs
	reg   metrics.Registry
}

func newRig(t *testing.T, cfg axidma.Config) *rig {
	t.Helper()
	r, err := tryRig(cfg, 3)
	require.NoError(t, err)
	return r
}

func tryRig(cfg axidma.Config, resetPolls int) (*rig, error) {
	l := testLogger()
	mem := sim.NewMemory(testPhys, 1<<20)
	dma := sim.New(sim.Config{
		BaseAddr:   testBase,
		SG:         cfg.HasSg,
		ResetPolls: resetPolls,
		RxChannels: cfg.S2MmNumChannels,
		StsCntrl:   cfg.HasStsCntrlStrm,
	}, mem, l)
	r := &rig{
		dma:   dma,
		mem:   mem,
		cache: &sim.Cache{},
		regs:  &recRegs{RegisterIO: dma},
		reg:   metrics.NewRegistry(),
	}
	e, err := axidma.NewEngine(cfg, axidma.Platform{
		Regs:    r.regs,
		Cache:   r.cache,
		Addr:    mem,
		Log:     l,
		Metrics: r.reg,
	})
	r.e = e
	return r, err
}

func (r *rig) createRing(t *testing.T, ring *axidma.BdRing, n int) {
	t.Helper()
	region, err := r.mem.Alloc(axidma.BdRingMemCalc(axidma.BD_MINIMUM_ALIGNMENT, n), axidma.BD_MINIMUM_ALIGNMENT)
	require.NoError(t, err)
	require.NoError(t, ring.Create(region, axidma.BD_MINIMUM_ALIGNMENT, n))
}

// fill points bd at a fresh buffer of n bytes holding data, if any.
func (r *rig) fill(t *testing.T, ring *axidma.BdRing, bd *axidma.Bd, n int, ctrl uint32, data []byte) axidma.Region {
	t.Helper()
	buf, err := r.mem.Alloc(n, 64)
	require.NoError(t, err)
	copy(buf.Buf, data)
	require.NoError(t, bd.SetBufAddr(buf.Phys))
	require.NoError(t, bd.SetLength(uint32(n), ring.MaxTransferLen))
	bd.SetCtrl(ctrl)
	return buf
}

// postRx hands n receive buffers of size bytes to ring and returns them.
func (r *rig) postRx(t *testing.T, ring *axidma.BdRing, n, size int) []axidma.Region {
	t.Helper()
	first, err := ring.Alloc(n)
	require.NoError(t, err)
	var bufs []axidma.Region
	bd := first
	for i := 0; i < n; i++ {
		bufs = append(bufs, r.fill(t, ring, bd, size, 0, nil))
		bd = ring.Next(bd)
	}
	require.NoError(t, ring.ToHw(n, first))
	return bufs
}

// sendTx queues one packet per entry of pkts, each in a single descriptor.
func (r *rig) sendTx(t *testing.T, ring *axidma.BdRing, pkts ...[]byte) {
	t.Helper()
	first, err := ring.Alloc(len(pkts))
	require.NoError(t, err)
	bd := first
	for _, p := range pkts {
		r.fill(t, ring, bd, len(p), axidma.BD_CTRL_TXSOF|axidma.BD_CTRL_TXEOF, p)
		bd = ring.Next(bd)
	}
	require.NoError(t, ring.ToHw(len(pkts), first))
}

func complete(bd *axidma.Bd, extra uint32) {
	bd.Write(axidma.BD_STS_OFFSET, bd.Read(axidma.BD_STS_OFFSET)|axidma.BD_STS_COMPLETE|extra)
}

func counts(r *axidma.BdRing) [5]int {
	return [5]int{r.AllCount(), r.FreeCount(), r.PreCount(), r.HwCount(), r.PostCount()}
}
