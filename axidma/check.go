package axidma

import "fmt"

// Check verifies the ring's structure: head indices in range, group counts
// adding up, and every next pointer linking to the following descriptor with
// the last one closing the loop. It refuses to look at a running ring.
// ErrRingCorrupted has no repair; reset the engine and Create the ring again.
func (r *BdRing) Check() error {
	if r.allCnt == 0 {
		r.l.Debug("Check of ring with no descriptors")
		return fmt.Errorf("%w: ring %s", ErrNoDescriptorList, r.name)
	}
	switch r.RunState {
	case NotHalted:
		r.l.Debug("Check of running ring")
		return fmt.Errorf("%w: cannot check ring %s", ErrIsStarted, r.name)
	case Halted:
	default:
		return fmt.Errorf("%w: ring %s in unknown state %v", ErrRingCorrupted, r.name, r.RunState)
	}

	first, last := r.FirstBdAddr(), r.LastBdAddr()
	heads := []struct {
		name string
		idx  int
	}{
		{"FreeHead", r.freeHead},
		{"PreHead", r.preHead},
		{"HwHead", r.hwHead},
		{"HwTail", r.hwTail},
		{"PostHead", r.postHead},
	}
	for _, h := range heads {
		addr := first + uintptr(h.idx)*r.separation
		if h.idx < 0 || h.idx >= r.allCnt || addr < first || addr > last {
			r.l.WithField("head", h.name).WithField("index", h.idx).Debug("Head outside ring")
			return fmt.Errorf("%w: %s %#x outside %#x..%#x", ErrRingCorrupted, h.name, addr, first, last)
		}
	}

	if r.freeCnt+r.preCnt+r.hwCnt+r.postCnt != r.allCnt {
		r.l.Debug("Internal counter error")
		return fmt.Errorf("%w: free %d + pre %d + hw %d + post %d != %d", ErrRingCorrupted,
			r.freeCnt, r.preCnt, r.hwCnt, r.postCnt, r.allCnt)
	}

	for i := range r.bds {
		bd := &r.bds[i]
		r.cache.Invalidate(bd.virt, BD_HW_NUM_BYTES)
		want := r.bds[r.seekAhead(i, 1)].phys
		if got := bd.NextDesc(); got != want {
			r.l.WithField("bd", i).Debug("Next descriptor pointer wrong")
			return fmt.Errorf("%w: descriptor %d links to %#x, want %#x", ErrRingCorrupted, i, got, want)
		}
	}
	return nil
}

// Clone copies the descriptor-specific words of tmpl, with its completion bit
// cleared, into every descriptor of the ring. Every descriptor must be Free.
func (r *BdRing) Clone(tmpl *Bd) error {
	if r.allCnt == 0 {
		return fmt.Errorf("%w: ring %s", ErrNoDescriptorList, r.name)
	}
	if r.RunState == NotHalted {
		r.l.Debug("Clone of running ring")
		return fmt.Errorf("%w: cannot clone into ring %s", ErrIsStarted, r.name)
	}
	if r.freeCnt != r.allCnt {
		r.l.WithField("free", r.freeCnt).WithField("all", r.allCnt).Debug("Clone with descriptors in use")
		return fmt.Errorf("%w: %d of %d descriptors in use", ErrOutOfSequence, r.allCnt-r.freeCnt, r.allCnt)
	}

	var words [BD_BYTES_TO_CLEAR / 4]uint32
	for k := range words {
		words[k] = tmpl.Read(BD_START_CLEAR + k*4)
	}
	words[(BD_STS_OFFSET-BD_START_CLEAR)/4] &^= BD_STS_COMPLETE

	for i := range r.bds {
		bd := &r.bds[i]
		for k, w := range words {
			bd.Write(BD_START_CLEAR+k*4, w)
		}
		r.cache.Flush(bd.virt, BD_HW_NUM_BYTES)
	}
	return nil
}
