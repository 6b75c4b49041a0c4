package axidma

import (
	"fmt"
)

// Config describes one AXI DMA instance as it was synthesized.
type Config struct {
	BaseAddr        uintptr `yaml:"base_addr"`
	HasMm2S         bool    `yaml:"has_mm2s"`
	HasS2Mm         bool    `yaml:"has_s2mm"`
	HasSg           bool    `yaml:"has_sg"`
	HasStsCntrlStrm bool    `yaml:"has_sts_cntrl_strm"`
	HasMm2SDRE      bool    `yaml:"has_mm2s_dre"`
	HasS2MmDRE      bool    `yaml:"has_s2mm_dre"`
	Mm2SDataWidth   uint32  `yaml:"mm2s_data_width"` // bits
	S2MmDataWidth   uint32  `yaml:"s2mm_data_width"` // bits
	Mm2SBurstSize   uint32  `yaml:"mm2s_burst_size"`
	S2MmBurstSize   uint32  `yaml:"s2mm_burst_size"`
	MicroDmaMode    bool    `yaml:"micro_dma_mode"`
	AddrWidth       uint32  `yaml:"addr_width"`
	Mm2SNumChannels int     `yaml:"mm2s_num_channels"`
	S2MmNumChannels int     `yaml:"s2mm_num_channels"`
}

func (c *Config) validate() error {
	if !c.HasMm2S && !c.HasS2Mm {
		return fmt.Errorf("%w: neither mm2s nor s2mm channel configured", ErrInvalidParameter)
	}
	if c.Mm2SNumChannels <= 0 {
		c.Mm2SNumChannels = 1
	}
	if c.S2MmNumChannels <= 0 {
		c.S2MmNumChannels = 1
	}
	if c.AddrWidth == 0 {
		c.AddrWidth = 32
	}
	for _, w := range []struct {
		name  string
		on    bool
		width uint32
	}{
		{"mm2s", c.HasMm2S, c.Mm2SDataWidth},
		{"s2mm", c.HasS2Mm, c.S2MmDataWidth},
	} {
		if !w.on {
			continue
		}
		if w.width < 32 || w.width > 1024 || w.width&(w.width-1) != 0 {
			return fmt.Errorf("%w: %s data width %d", ErrInvalidParameter, w.name, w.width)
		}
	}
	return nil
}

// Engine is one AXI DMA instance: an optional transmit (MM2S) ring and one or
// more receive (S2MM) rings sharing a register block. An Engine is not safe
// for concurrent use.
type Engine struct {
	RegBase uintptr
	TxRing  *BdRing
	RxRings []*BdRing

	cfg     Config
	p       Platform
	metrics *engineMetrics
}

// NewEngine sets up the rings for cfg, resets the engine and waits for the
// reset to finish. The rings have no descriptors until Create is called on
// them.
func NewEngine(cfg Config, p Platform) (*Engine, error) {
	if p.Regs == nil {
		return nil, fmt.Errorf("%w: no register access", ErrInvalidParameter)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p.defaults()

	e := &Engine{
		RegBase: cfg.BaseAddr,
		cfg:     cfg,
		p:       p,
		metrics: newEngineMetrics(p.Metrics),
	}
	addrExt := cfg.AddrWidth > 32

	if cfg.HasMm2S {
		r := newBdRing("tx", &e.p)
		r.ChanBase = cfg.BaseAddr + TX_OFFSET
		r.HasStsCntrlStrm = cfg.HasStsCntrlStrm
		r.HasDRE = cfg.HasMm2SDRE
		r.DataWidth = cfg.Mm2SDataWidth >> 3
		r.AddrExt = addrExt
		r.MaxTransferLen = maxTransferLen(cfg.MicroDmaMode, cfg.Mm2SNumChannels, cfg.Mm2SDataWidth, cfg.Mm2SBurstSize)
		e.TxRing = r
	}
	if cfg.HasS2Mm {
		n := 1
		if cfg.HasSg {
			n = cfg.S2MmNumChannels
		}
		for i := 0; i < n; i++ {
			r := newBdRing(fmt.Sprintf("rx%d", i), &e.p)
			r.ChanBase = cfg.BaseAddr + RX_OFFSET
			r.IsRxChannel = true
			r.RingIndex = i
			r.HasStsCntrlStrm = cfg.HasStsCntrlStrm
			r.HasDRE = cfg.HasS2MmDRE
			r.DataWidth = cfg.S2MmDataWidth >> 3
			r.AddrExt = addrExt
			r.MaxTransferLen = maxTransferLen(cfg.MicroDmaMode, cfg.S2MmNumChannels, cfg.S2MmDataWidth, cfg.S2MmBurstSize)
			e.RxRings = append(e.RxRings, r)
		}
	}

	e.Reset()
	if err := e.WaitReset(RESET_TIMEOUT); err != nil {
		p.Log.WithError(err).Error("DMA engine did not come out of reset")
		return nil, err
	}
	p.Log.WithField("base", fmt.Sprintf("%#x", cfg.BaseAddr)).WithField("sg", cfg.HasSg).
		WithField("tx", cfg.HasMm2S).WithField("rx", len(e.RxRings)).Info("DMA engine initialized")
	return e, nil
}

func maxTransferLen(micro bool, channels int, width, burst uint32) uint32 {
	switch {
	case micro:
		return (width / 4) * burst
	case channels > 1:
		return MCHAN_MAX_TRANSFER
	}
	return MAX_TRANSFER_LEN
}

func (e *Engine) Config() Config { return e.cfg }

// RxRing returns receive ring i, or nil if there is none.
func (e *Engine) RxRing(i int) *BdRing {
	if i < 0 || i >= len(e.RxRings) {
		return nil
	}
	return e.RxRings[i]
}

// Rings returns every ring, transmit first.
func (e *Engine) Rings() []*BdRing {
	var rs []*BdRing
	if e.TxRing != nil {
		rs = append(rs, e.TxRing)
	}
	return append(rs, e.RxRings...)
}

// initialized fails for an Engine that didn't come from NewEngine.
func (e *Engine) initialized() error {
	if e == nil || e.p.Regs == nil {
		return ErrNotInitialized
	}
	return nil
}

// resetBase is the channel whose control register carries the reset bit. Both
// channels reset together; a receive-only build has to use its own.
func (e *Engine) resetBase() uintptr {
	if e.TxRing != nil {
		return e.TxRing.ChanBase
	}
	return e.RxRings[0].ChanBase
}

// Reset resets both channels. In scatter-gather mode each ring first records
// where the engine was so the next Start carries on from there. All rings are
// Halted afterwards; ResetIsDone reports when the hardware has finished.
// Reset does nothing on an uninitialized Engine.
func (e *Engine) Reset() {
	if e.initialized() != nil {
		return
	}
	if e.cfg.HasSg {
		for _, r := range e.Rings() {
			r.SnapshotCurrBd()
		}
	}
	e.p.Regs.WriteReg(e.resetBase(), CR_OFFSET, CR_RESET)
	for _, r := range e.Rings() {
		r.RunState = Halted
	}
	e.metrics.resets.Inc(1)
	e.p.Log.Info("DMA engine reset")
}

// ResetIsDone reports whether the reset bit has cleared on every channel.
func (e *Engine) ResetIsDone() bool {
	if e.TxRing != nil && e.p.Regs.ReadReg(e.TxRing.ChanBase, CR_OFFSET)&CR_RESET != 0 {
		return false
	}
	if len(e.RxRings) > 0 && e.p.Regs.ReadReg(e.RxRings[0].ChanBase, CR_OFFSET)&CR_RESET != 0 {
		return false
	}
	return true
}

// WaitReset polls ResetIsDone up to polls times.
func (e *Engine) WaitReset(polls int) error {
	if err := e.initialized(); err != nil {
		return err
	}
	for i := 0; i < polls; i++ {
		if e.ResetIsDone() {
			return nil
		}
	}
	e.metrics.resetTimeouts.Inc(1)
	e.p.Log.WithField("polls", polls).Warn("Reset did not complete")
	return fmt.Errorf("%w: reset not done after %d polls", ErrDmaError, polls)
}

// Started reports whether every configured channel is running in hardware.
func (e *Engine) Started() bool {
	if e.TxRing != nil && !e.TxRing.HwIsStarted() {
		e.p.Log.Debug("Tx channel not started")
		return false
	}
	if len(e.RxRings) > 0 && !e.RxRings[0].HwIsStarted() {
		e.p.Log.Debug("Rx channel not started")
		return false
	}
	return true
}

// Start starts every channel. Without scatter-gather that only sets the run
// bit; with it each ring is pointed at its first outstanding descriptor
// first. Receive rings are started independently; an error on one does not
// stop the others being started, and the first error is returned.
func (e *Engine) Start() error {
	if err := e.initialized(); err != nil {
		return err
	}
	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, r := range e.Rings() {
		if !e.cfg.HasSg {
			if r.IsRxChannel && r.RingIndex > 0 {
				continue
			}
			cr := e.p.Regs.ReadReg(r.ChanBase, CR_OFFSET)
			e.p.Regs.WriteReg(r.ChanBase, CR_OFFSET, cr|CR_RUNSTOP)
			r.RunState = NotHalted
			continue
		}
		if err := r.Start(); err != nil {
			r.l.WithError(err).Warn("Ring did not start")
			note(err)
		}
	}
	e.metrics.starts.Inc(1)
	return first
}

// Pause stops the engine from picking up further descriptors. In
// scatter-gather mode the rings are only marked Halted: ToHw then queues work
// without telling the engine, and the engine runs dry on its own.
func (e *Engine) Pause() {
	if e.initialized() != nil {
		return
	}
	for _, r := range e.Rings() {
		if !e.cfg.HasSg && !(r.IsRxChannel && r.RingIndex > 0) {
			cr := e.p.Regs.ReadReg(r.ChanBase, CR_OFFSET)
			e.p.Regs.WriteReg(r.ChanBase, CR_OFFSET, cr&^CR_RUNSTOP)
		}
		r.RunState = Halted
	}
	e.metrics.pauses.Inc(1)
}

// Resume undoes Pause. If the hardware is not running at all it is started
// from scratch.
func (e *Engine) Resume() error {
	if err := e.initialized(); err != nil {
		return err
	}
	if !e.Started() {
		if err := e.Start(); err != nil {
			e.p.Log.WithError(err).Debug("Resume failed to start engine")
			return err
		}
	}
	var first error
	for _, r := range e.Rings() {
		if !e.cfg.HasSg {
			r.RunState = NotHalted
			continue
		}
		if err := r.Start(); err != nil {
			r.l.WithError(err).Warn("Ring did not resume")
			if first == nil {
				first = err
			}
			continue
		}
		r.RunState = NotHalted
	}
	return first
}
