package sim

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Jon-Bright/dmactl/axidma"
)

// Config is the hardware build being modelled.
type Config struct {
	BaseAddr uintptr
	SG       bool
	// ResetPolls is how many reads of a control register still show the
	// reset bit after a reset is issued. Negative means the reset never
	// completes.
	ResetPolls int
	RxChannels int
	StsCntrl   bool
	LenMask    uint32
}

type packet struct {
	data  []byte
	tdest uint32
	app   [axidma.LAST_APPWORD + 1]uint32
}

// ring is the engine's view of one descriptor chain: where it is and where it
// has been told to stop. atTail means cdesc has been processed already.
type ring struct {
	cdesc, tdesc uint64
	armed        bool
	atTail       bool
}

type channel struct {
	name    string
	cr, sr  uint32
	rings   []ring
	addr    uint64
	bufflen uint32
	pending bool
}

func (c *channel) running() bool { return c.sr&axidma.SR_HALTED == 0 }

// DMA models an AXI DMA core with its MM2S output looped back to its S2MM
// input. It implements the register interface the driver uses and moves data
// through a Memory when stepped. Methods are safe to call concurrently, so a
// DMA can be left running on its own goroutine like real hardware.
type DMA struct {
	mu  sync.Mutex
	cfg Config
	mem *Memory
	l   logrus.FieldLogger

	tx, rx    channel
	resetting bool
	resetLeft int

	gather packet
	queues [][]packet
	rxOff  []int
}

func New(cfg Config, mem *Memory, l logrus.FieldLogger) *DMA {
	if cfg.RxChannels <= 0 {
		cfg.RxChannels = 1
	}
	if cfg.LenMask == 0 {
		cfg.LenMask = axidma.MAX_TRANSFER_LEN
	}
	if l == nil {
		lg := logrus.New()
		lg.SetOutput(io.Discard)
		l = lg
	}
	d := &DMA{
		cfg:    cfg,
		mem:    mem,
		l:      l.WithField("sim", "axidma"),
		tx:     channel{name: "mm2s", sr: axidma.SR_HALTED, rings: make([]ring, 1)},
		rx:     channel{name: "s2mm", sr: axidma.SR_HALTED, rings: make([]ring, cfg.RxChannels)},
		queues: make([][]packet, cfg.RxChannels),
		rxOff:  make([]int, cfg.RxChannels),
	}
	return d
}

func (d *DMA) decode(base uintptr, offset uint32) (*channel, uint32) {
	a := uint32(base-d.cfg.BaseAddr) + offset
	if a < axidma.RX_OFFSET {
		return &d.tx, a
	}
	return &d.rx, a - axidma.RX_OFFSET
}

// descReg maps a register offset to a ring's descriptor pointer. word is 0/1
// for the current descriptor low/high word and 2/3 for the tail.
func (c *channel) descReg(off uint32) (r *ring, word int, ok bool) {
	switch off {
	case axidma.CDESC_OFFSET, axidma.CDESC_MSB_OFFSET, axidma.TDESC_OFFSET, axidma.TDESC_MSB_OFFSET:
		return &c.rings[0], int(off-axidma.CDESC_OFFSET) / 4, true
	}
	if off < axidma.RX_CDESC0_OFFSET {
		return nil, 0, false
	}
	i := int((off-axidma.RX_CDESC0_OFFSET)/axidma.RX_NDESC_OFFSET) + 1
	sub := (off - axidma.RX_CDESC0_OFFSET) % axidma.RX_NDESC_OFFSET
	if i >= len(c.rings) || sub > 0xC {
		return nil, 0, false
	}
	return &c.rings[i], int(sub) / 4, true
}

func (d *DMA) ReadReg(base uintptr, offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, off := d.decode(base, offset)
	switch off {
	case axidma.CR_OFFSET:
		if d.resetting {
			if d.resetLeft != 0 {
				if d.resetLeft > 0 {
					d.resetLeft--
				}
				return c.cr | axidma.CR_RESET
			}
			d.resetting = false
		}
		return c.cr
	case axidma.SR_OFFSET:
		return c.sr
	case axidma.SRCADDR_OFFSET:
		return uint32(c.addr)
	case axidma.SRCADDR_MSB_OFFSET:
		return uint32(c.addr >> 32)
	case axidma.BUFFLEN_OFFSET:
		return c.bufflen
	}
	if r, w, ok := c.descReg(off); ok {
		switch w {
		case 0:
			return uint32(r.cdesc)
		case 1:
			return uint32(r.cdesc >> 32)
		case 2:
			return uint32(r.tdesc)
		default:
			return uint32(r.tdesc >> 32)
		}
	}
	return 0
}

func setLow(v uint64, w uint32) uint64  { return v&^0xFFFFFFFF | uint64(w) }
func setHigh(v uint64, w uint32) uint64 { return v&0xFFFFFFFF | uint64(w)<<32 }

func (d *DMA) WriteReg(base uintptr, offset, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, off := d.decode(base, offset)
	if value&axidma.CR_RESET != 0 && off == axidma.CR_OFFSET {
		d.reset()
		return
	}
	if d.resetting {
		d.l.WithField("offset", fmt.Sprintf("%#x", off)).Debug("Register write during reset ignored")
		return
	}
	switch off {
	case axidma.CR_OFFSET:
		c.cr = value
		if value&axidma.CR_RUNSTOP != 0 {
			if !c.running() {
				c.sr = c.sr&^axidma.SR_HALTED | axidma.SR_IDLE
			}
		} else {
			c.sr |= axidma.SR_HALTED
		}
		return
	case axidma.SR_OFFSET:
		c.sr &^= value & axidma.IRQ_ALL
		return
	case axidma.SRCADDR_OFFSET:
		c.addr = setLow(c.addr, value)
		return
	case axidma.SRCADDR_MSB_OFFSET:
		c.addr = setHigh(c.addr, value)
		return
	case axidma.BUFFLEN_OFFSET:
		if d.cfg.SG || !c.running() {
			return
		}
		c.bufflen = value & d.cfg.LenMask
		c.pending = true
		c.sr &^= axidma.SR_IDLE
		return
	}
	r, w, ok := c.descReg(off)
	if !ok {
		return
	}
	switch w {
	case 0, 1:
		// The current descriptor can only be moved while the chain is idle.
		if c.running() && r.armed {
			return
		}
		if w == 0 {
			r.cdesc = setLow(r.cdesc, value)
		} else {
			r.cdesc = setHigh(r.cdesc, value)
		}
		r.atTail = false
	case 2:
		r.tdesc = setLow(r.tdesc, value)
		r.armed = true
		if c.running() {
			c.sr &^= axidma.SR_IDLE
		}
	case 3:
		r.tdesc = setHigh(r.tdesc, value)
	}
}

func (d *DMA) reset() {
	d.resetting = true
	d.resetLeft = d.cfg.ResetPolls
	for _, c := range []*channel{&d.tx, &d.rx} {
		c.cr = 0
		c.sr = axidma.SR_HALTED
		c.addr, c.bufflen, c.pending = 0, 0, false
		for i := range c.rings {
			c.rings[i] = ring{}
		}
	}
	d.gather = packet{}
	for i := range d.queues {
		d.queues[i] = nil
		d.rxOff[i] = 0
	}
	d.l.Debug("Reset")
}

// Inject queues data as if it had arrived on the S2MM stream for receive
// ring i.
func (d *DMA) Inject(i int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.queues) {
		i = 0
	}
	d.queues[i] = append(d.queues[i], packet{data: append([]byte(nil), data...)})
}

// Queued is the number of packets waiting for receive descriptors on ring i.
func (d *DMA) Queued(i int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.queues) {
		return 0
	}
	return len(d.queues[i])
}

// Step lets the engine do all the work it currently can.
func (d *DMA) Step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resetting {
		return
	}
	if !d.cfg.SG {
		d.stepTxSimple()
		d.stepRxSimple()
		return
	}
	d.stepTx()
	for i := range d.rx.rings {
		d.stepRx(i)
	}
}

// Run steps the engine every interval until ctx is done.
func (d *DMA) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Step()
		}
	}
}

func (d *DMA) fail(c *channel, bit uint32, err error) {
	c.sr |= bit | axidma.SR_HALTED | axidma.IRQ_ERROR
	c.cr &^= axidma.CR_RUNSTOP
	d.l.WithField("channel", c.name).WithError(err).Warn("Engine halted on error")
}

// next returns the descriptor r should process next, or false if it has
// caught up with its tail.
func (d *DMA) next(c *channel, r *ring) (uint64, bool) {
	if !r.armed {
		return 0, false
	}
	if r.atTail {
		if r.cdesc == r.tdesc {
			return 0, false
		}
		b, err := d.mem.Bytes(r.cdesc, axidma.BD_HW_NUM_BYTES)
		if err != nil {
			d.fail(c, axidma.ERR_SG_DEC, err)
			return 0, false
		}
		r.cdesc = nextDesc(b)
		r.atTail = false
	}
	return r.cdesc, true
}

func nextDesc(b []byte) uint64 {
	return uint64(axidma.LoadWord(b, axidma.BD_NDESC_OFFSET)) | uint64(axidma.LoadWord(b, axidma.BD_NDESC_MSB_OFFSET))<<32
}

func bufAddr(b []byte) uint64 {
	return uint64(axidma.LoadWord(b, axidma.BD_BUFA_OFFSET)) | uint64(axidma.LoadWord(b, axidma.BD_BUFA_MSB_OFFSET))<<32
}

// fetch reads the descriptor at phys for processing. It fails the channel if
// the descriptor is unreachable or has already been completed.
func (d *DMA) fetch(c *channel, phys uint64) ([]byte, bool) {
	b, err := d.mem.Bytes(phys, axidma.BD_HW_NUM_BYTES)
	if err != nil {
		d.fail(c, axidma.ERR_SG_DEC, err)
		return nil, false
	}
	if axidma.LoadWord(b, axidma.BD_STS_OFFSET)&axidma.BD_STS_COMPLETE != 0 && c.cr&axidma.CR_CYCLIC == 0 {
		d.fail(c, axidma.ERR_SG_INT, fmt.Errorf("descriptor %#x already complete", phys))
		return nil, false
	}
	return b, true
}

// advance moves r past the descriptor at phys, which has just been completed.
func advance(r *ring, phys uint64, b []byte) {
	if phys == r.tdesc {
		r.atTail = true
		return
	}
	r.cdesc = nextDesc(b)
}

func (d *DMA) stepTx() {
	c := &d.tx
	if !c.running() {
		return
	}
	r := &c.rings[0]
	for {
		phys, ok := d.next(c, r)
		if !ok {
			if c.running() {
				c.sr |= axidma.SR_IDLE
			}
			return
		}
		b, ok := d.fetch(c, phys)
		if !ok {
			return
		}
		ctrl := axidma.LoadWord(b, axidma.BD_CTRL_LEN_OFFSET)
		n := ctrl & d.cfg.LenMask
		data, err := d.mem.Bytes(bufAddr(b), int(n))
		if err != nil {
			d.fail(c, axidma.ERR_DECODE, err)
			return
		}
		if ctrl&axidma.BD_CTRL_TXSOF != 0 {
			d.gather = packet{tdest: axidma.LoadWord(b, axidma.BD_MCCTL_OFFSET) & axidma.BD_TDEST_FIELD_MASK}
			if d.cfg.StsCntrl {
				for k := range d.gather.app {
					d.gather.app[k] = axidma.LoadWord(b, axidma.BD_USR0_OFFSET+k*4)
				}
			}
		}
		d.gather.data = append(d.gather.data, data...)
		if ctrl&axidma.BD_CTRL_TXEOF != 0 {
			i := int(d.gather.tdest)
			if i >= len(d.queues) {
				i = 0
			}
			d.queues[i] = append(d.queues[i], d.gather)
			d.gather = packet{}
		}
		axidma.StoreWord(b, axidma.BD_STS_OFFSET, axidma.BD_STS_COMPLETE|n)
		c.sr |= axidma.IRQ_IOC
		advance(r, phys, b)
	}
}

func (d *DMA) stepRx(i int) {
	c := &d.rx
	if !c.running() {
		return
	}
	r := &c.rings[i]
	for len(d.queues[i]) > 0 {
		phys, ok := d.next(c, r)
		if !ok {
			break
		}
		b, ok := d.fetch(c, phys)
		if !ok {
			return
		}
		n := int(axidma.LoadWord(b, axidma.BD_CTRL_LEN_OFFSET) & d.cfg.LenMask)
		p := &d.queues[i][0]
		chunk := p.data[d.rxOff[i]:]
		if len(chunk) > n {
			chunk = chunk[:n]
		}
		dst, err := d.mem.Bytes(bufAddr(b), len(chunk))
		if err != nil {
			d.fail(c, axidma.ERR_DECODE, err)
			return
		}
		copy(dst, chunk)
		sts := axidma.BD_STS_COMPLETE | uint32(len(chunk))
		if d.rxOff[i] == 0 {
			sts |= axidma.BD_STS_RXSOF
		}
		d.rxOff[i] += len(chunk)
		if d.rxOff[i] == len(p.data) {
			sts |= axidma.BD_STS_RXEOF
			if d.cfg.StsCntrl {
				for k, w := range p.app {
					axidma.StoreWord(b, axidma.BD_USR0_OFFSET+k*4, w)
				}
			}
			d.queues[i] = d.queues[i][1:]
			d.rxOff[i] = 0
		}
		axidma.StoreWord(b, axidma.BD_STS_OFFSET, sts)
		c.sr |= axidma.IRQ_IOC
		advance(r, phys, b)
	}
	if c.running() && (!r.armed || (r.atTail && r.cdesc == r.tdesc)) {
		c.sr |= axidma.SR_IDLE
	}
}

func (d *DMA) stepTxSimple() {
	c := &d.tx
	if !c.pending {
		return
	}
	data, err := d.mem.Bytes(c.addr, int(c.bufflen))
	if err != nil {
		c.pending = false
		d.fail(c, axidma.ERR_DECODE, err)
		return
	}
	d.queues[0] = append(d.queues[0], packet{data: append([]byte(nil), data...)})
	c.pending = false
	c.sr |= axidma.SR_IDLE | axidma.IRQ_IOC
}

func (d *DMA) stepRxSimple() {
	c := &d.rx
	if !c.pending || len(d.queues[0]) == 0 {
		return
	}
	p := d.queues[0][0]
	d.queues[0] = d.queues[0][1:]
	n := len(p.data)
	if n > int(c.bufflen) {
		n = int(c.bufflen)
	}
	dst, err := d.mem.Bytes(c.addr, n)
	if err != nil {
		c.pending = false
		d.fail(c, axidma.ERR_DECODE, err)
		return
	}
	copy(dst, p.data)
	// S2MM reports the bytes actually received in the length register.
	c.bufflen = uint32(n)
	c.pending = false
	c.sr |= axidma.SR_IDLE | axidma.IRQ_IOC
}
