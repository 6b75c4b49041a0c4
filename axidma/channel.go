package axidma

import "fmt"

// descRegs returns the current and tail descriptor register offsets for this
// ring. Receive rings beyond the first on a multichannel build have their own.
func (r *BdRing) descRegs() (cdesc, cdescMsb, tdesc, tdescMsb uint32) {
	if r.IsRxChannel && r.RingIndex > 0 {
		o := uint32(r.RingIndex-1) * RX_NDESC_OFFSET
		return RX_CDESC0_OFFSET + o, RX_CDESC0_MSB_OFFSET + o, RX_TDESC0_OFFSET + o, RX_TDESC0_MSB_OFFSET + o
	}
	return CDESC_OFFSET, CDESC_MSB_OFFSET, TDESC_OFFSET, TDESC_MSB_OFFSET
}

func (r *BdRing) writeCurDesc(phys uint64) {
	lo, hi, _, _ := r.descRegs()
	r.regs.WriteReg(r.ChanBase, lo, lower32(phys)&DESC_LSB_MASK)
	if r.AddrExt {
		r.regs.WriteReg(r.ChanBase, hi, upper32(phys))
	}
}

func (r *BdRing) writeTailDesc(phys uint64) {
	_, _, lo, hi := r.descRegs()
	r.regs.WriteReg(r.ChanBase, lo, lower32(phys)&DESC_LSB_MASK)
	if r.AddrExt {
		r.regs.WriteReg(r.ChanBase, hi, upper32(phys))
	}
}

// CurDesc reads the engine's current descriptor register.
func (r *BdRing) CurDesc() uint64 {
	lo, hi, _, _ := r.descRegs()
	v := uint64(r.regs.ReadReg(r.ChanBase, lo))
	if r.AddrExt {
		v |= uint64(r.regs.ReadReg(r.ChanBase, hi)) << 32
	}
	return v
}

// TailDesc reads the engine's tail descriptor register.
func (r *BdRing) TailDesc() uint64 {
	_, _, lo, hi := r.descRegs()
	v := uint64(r.regs.ReadReg(r.ChanBase, lo))
	if r.AddrExt {
		v |= uint64(r.regs.ReadReg(r.ChanBase, hi)) << 32
	}
	return v
}

// HwIsStarted reports whether the engine says the channel is not halted.
func (r *BdRing) HwIsStarted() bool {
	return r.regs.ReadReg(r.ChanBase, SR_OFFSET)&SR_HALTED == 0
}

// chainStarted reports whether the engine is already walking this ring.
// Receive rings beyond the first share the channel's run bit but have their
// own descriptor registers, and the tail register stays zero until the ring is
// first given work.
func (r *BdRing) chainStarted() bool {
	if r.IsRxChannel && r.RingIndex > 0 {
		return r.HwIsStarted() && r.TailDesc() != 0
	}
	return r.HwIsStarted()
}

// Busy reports whether the channel is running and has work in progress.
func (r *BdRing) Busy() bool {
	return r.HwIsStarted() && r.regs.ReadReg(r.ChanBase, SR_OFFSET)&SR_IDLE == 0
}

// GetError returns the error bits of the status register.
func (r *BdRing) GetError() uint32 {
	return r.regs.ReadReg(r.ChanBase, SR_OFFSET) & ERR_ALL
}

// SnapshotCurrBd remembers where the engine currently is, so the next Start
// resumes from there instead of from the first descriptor.
func (r *BdRing) SnapshotCurrBd() {
	if r.allCnt == 0 {
		return
	}
	cur := r.CurDesc()
	i, ok := r.physToIndex(cur)
	if !ok {
		r.l.WithField("cdesc", fmt.Sprintf("%#x", cur)).Warn("Current descriptor register outside ring, restarting from first descriptor")
		r.restart = 0
		return
	}
	r.restart = i
	r.l.WithField("restart", i).Debug("Snapshot of current descriptor")
}

// updateCurDesc points the engine's current descriptor register at the first
// descriptor, from the restart point on, that the engine has not completed.
// It only does so while the channel is halted in hardware.
func (r *BdRing) updateCurDesc() error {
	if r.allCnt == 0 {
		r.l.Debug("Ring start with no descriptors")
		return fmt.Errorf("%w: ring %s", ErrNoDescriptorList, r.name)
	}
	if r.RunState == NotHalted {
		return nil
	}
	if r.chainStarted() {
		return nil
	}
	i := r.restart
	for {
		bd := &r.bds[i]
		r.cache.Invalidate(bd.virt, BD_HW_NUM_BYTES)
		if !bd.HwCompleted() {
			r.writeCurDesc(bd.phys)
			return nil
		}
		i = r.seekAhead(i, 1)
		if i == r.restart {
			r.l.Debug("Cannot find a valid current descriptor")
			return fmt.Errorf("%w: ring %s has no uncompleted descriptor to start from", ErrDmaError, r.name)
		}
	}
}

// startHw sets the run bit and, once the engine reports it is running,
// re-primes the tail descriptor register with any work already queued.
func (r *BdRing) startHw() error {
	if !r.HwIsStarted() {
		r.regs.WriteReg(r.ChanBase, CR_OFFSET, r.regs.ReadReg(r.ChanBase, CR_OFFSET)|CR_RUNSTOP)
	}
	if !r.HwIsStarted() {
		r.l.Debug("Channel did not leave halted state")
		return fmt.Errorf("%w: ring %s did not start", ErrDmaError, r.name)
	}
	r.RunState = NotHalted
	if r.hwCnt > 0 {
		tail := &r.bds[r.hwTail]
		r.cache.Invalidate(tail.virt, BD_HW_NUM_BYTES)
		if !tail.HwCompleted() {
			r.writeTailDesc(tail.phys)
		}
	}
	return nil
}

// Start starts the channel in scatter-gather mode.
func (r *BdRing) Start() error {
	if err := r.updateCurDesc(); err != nil {
		return err
	}
	return r.startHw()
}
