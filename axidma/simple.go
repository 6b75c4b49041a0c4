package axidma

import "fmt"

func (e *Engine) chanBase(direction int) uintptr {
	return e.RegBase + uintptr(RX_OFFSET*direction)
}

// Busy reports whether the channel for direction has a transfer in progress.
func (e *Engine) Busy(direction int) bool {
	return e.p.Regs.ReadReg(e.chanBase(direction), SR_OFFSET)&SR_IDLE == 0
}

func (e *Engine) setCR(direction int, mask uint32, on bool) {
	base := e.chanBase(direction)
	cr := e.p.Regs.ReadReg(base, CR_OFFSET)
	if on {
		cr |= mask
	} else {
		cr &^= mask
	}
	e.p.Regs.WriteReg(base, CR_OFFSET, cr)
}

// SelectKeyHole switches fixed-address (keyhole) transfers on or off.
func (e *Engine) SelectKeyHole(direction int, on bool) {
	e.setCR(direction, CR_KEYHOLE, on)
}

// SelectCyclicMode makes the engine loop round the ring, ignoring completion
// bits, or stop doing so.
func (e *Engine) SelectCyclicMode(direction int, on bool) {
	e.setCR(direction, CR_CYCLIC, on)
}

// SimpleTransfer starts a single direct-register transfer of n bytes at the
// bus address addr. It is only available on builds without scatter-gather.
func (e *Engine) SimpleTransfer(addr uint64, n uint32, direction int) error {
	if err := e.initialized(); err != nil {
		return err
	}
	if e.cfg.HasSg {
		e.p.Log.Debug("Simple transfer on scatter-gather build")
		return fmt.Errorf("%w: simple transfer with scatter-gather", ErrNotSupported)
	}

	var r *BdRing
	addrOff, addrMsbOff := uint32(SRCADDR_OFFSET), uint32(SRCADDR_MSB_OFFSET)
	switch direction {
	case DMA_TO_DEVICE:
		r = e.TxRing
	case DEVICE_TO_DMA:
		r = e.RxRing(0)
		addrOff, addrMsbOff = DESTADDR_OFFSET, DESTADDR_MSB_OFFSET
	default:
		return fmt.Errorf("%w: direction %d", ErrInvalidParameter, direction)
	}
	if r == nil {
		e.p.Log.WithField("direction", direction).Debug("Channel not present")
		return fmt.Errorf("%w: no channel for direction %d", ErrNotSupported, direction)
	}
	if n < 1 || n > r.MaxTransferLen {
		return fmt.Errorf("%w: length %d outside 1..%d", ErrInvalidParameter, n, r.MaxTransferLen)
	}
	if r.HwIsStarted() && e.Busy(direction) {
		e.p.Log.Debug("Engine is busy")
		return fmt.Errorf("%w: %s channel busy", ErrIsStarted, r.name)
	}

	wordBits := uint64(r.DataWidth) - 1
	if e.cfg.MicroDmaMode {
		wordBits = MICROMODE_BUF_ALIGN
	}
	if addr&wordBits != 0 && !r.HasDRE {
		e.p.Log.WithField("addr", fmt.Sprintf("%#x", addr)).Debug("Unaligned transfer without DRE")
		return fmt.Errorf("%w: unaligned address %#x without DRE", ErrInvalidParameter, addr)
	}

	e.p.Regs.WriteReg(r.ChanBase, addrOff, lower32(addr))
	if r.AddrExt {
		e.p.Regs.WriteReg(r.ChanBase, addrMsbOff, upper32(addr))
	}
	e.p.Regs.WriteReg(r.ChanBase, CR_OFFSET, e.p.Regs.ReadReg(r.ChanBase, CR_OFFSET)|CR_RUNSTOP)
	// Writing the length starts the transfer.
	e.p.Regs.WriteReg(r.ChanBase, BUFFLEN_OFFSET, n)
	r.RunState = NotHalted
	return nil
}
