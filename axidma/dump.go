package axidma

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// RegDump is a snapshot of one channel's registers.
type RegDump struct {
	Base    uintptr
	Control uint32
	Status  uint32
	CurDesc uint64
	Tail    uint64
}

func (d RegDump) String() string {
	return fmt.Sprintf("base=%#x cr=%08x sr=%08x cdesc=%#x tdesc=%#x", d.Base, d.Control, d.Status, d.CurDesc, d.Tail)
}

// DumpRegs reads the channel registers of this ring and logs them at Info.
func (r *BdRing) DumpRegs() RegDump {
	d := RegDump{
		Base:    r.ChanBase,
		Control: r.regs.ReadReg(r.ChanBase, CR_OFFSET),
		Status:  r.regs.ReadReg(r.ChanBase, SR_OFFSET),
		CurDesc: r.CurDesc(),
		Tail:    r.TailDesc(),
	}
	r.l.WithFields(logrus.Fields{
		"cr":    fmt.Sprintf("%08x", d.Control),
		"sr":    fmt.Sprintf("%08x", d.Status),
		"cdesc": fmt.Sprintf("%#x", d.CurDesc),
		"tdesc": fmt.Sprintf("%#x", d.Tail),
	}).Info("Channel registers")
	return d
}

// Summary describes the ring's bookkeeping in one line.
func (r *BdRing) Summary() string {
	return fmt.Sprintf("%s %v all=%d free=%d pre=%d hw=%d post=%d heads=%d/%d/%d/%d/%d restart=%d",
		r.name, r.RunState, r.allCnt, r.freeCnt, r.preCnt, r.hwCnt, r.postCnt,
		r.freeHead, r.preHead, r.hwHead, r.hwTail, r.postHead, r.restart)
}

// DumpBd logs the hardware words of bd at Info.
func (r *BdRing) DumpBd(bd *Bd) {
	r.cache.Invalidate(bd.virt, BD_HW_NUM_BYTES)
	f := logrus.Fields{"bd": bd.idx, "phys": fmt.Sprintf("%#x", bd.phys)}
	for off := 0; off < BD_HW_NUM_BYTES; off += 4 {
		f[fmt.Sprintf("w%02x", off)] = fmt.Sprintf("%08x", bd.Read(off))
	}
	r.l.WithFields(f).Info("Descriptor")
}
