package axidma

import "fmt"

// SetCoalesce sets the interrupt coalescing threshold (1..255 completed
// packets) and the delay timer (0..255, 0 disables it). NO_CHANGE leaves
// either one as it is.
func (r *BdRing) SetCoalesce(counter, timer uint32) error {
	cr := r.regs.ReadReg(r.ChanBase, CR_OFFSET)
	if counter != NO_CHANGE {
		if counter == 0 || counter > 0xFF {
			return fmt.Errorf("%w: coalescing threshold %d", ErrInvalidParameter, counter)
		}
		cr = cr&^COALESCE_MASK | counter<<COALESCE_SHIFT
	}
	if timer != NO_CHANGE {
		if timer > 0xFF {
			return fmt.Errorf("%w: delay timer %d", ErrInvalidParameter, timer)
		}
		cr = cr&^DELAY_MASK | timer<<DELAY_SHIFT
	}
	r.regs.WriteReg(r.ChanBase, CR_OFFSET, cr)
	return nil
}

func (r *BdRing) GetCoalesce() (counter, timer uint32) {
	cr := r.regs.ReadReg(r.ChanBase, CR_OFFSET)
	return (cr & COALESCE_MASK) >> COALESCE_SHIFT, (cr & DELAY_MASK) >> DELAY_SHIFT
}

func (r *BdRing) IntEnable(mask uint32) {
	cr := r.regs.ReadReg(r.ChanBase, CR_OFFSET)
	r.regs.WriteReg(r.ChanBase, CR_OFFSET, cr|mask&IRQ_ALL)
}

func (r *BdRing) IntDisable(mask uint32) {
	cr := r.regs.ReadReg(r.ChanBase, CR_OFFSET)
	r.regs.WriteReg(r.ChanBase, CR_OFFSET, cr&^(mask&IRQ_ALL))
}

func (r *BdRing) IntGetEnabled() uint32 {
	return r.regs.ReadReg(r.ChanBase, CR_OFFSET) & IRQ_ALL
}

// GetIrq returns the pending interrupt bits.
func (r *BdRing) GetIrq() uint32 {
	return r.regs.ReadReg(r.ChanBase, SR_OFFSET) & IRQ_ALL
}

// AckIrq clears pending interrupts; the status register bits are write-1-to-clear.
func (r *BdRing) AckIrq(mask uint32) {
	r.regs.WriteReg(r.ChanBase, SR_OFFSET, mask&IRQ_ALL)
}
