package main

import (
	"context"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/Jon-Bright/dmactl/axidma"
	"github.com/Jon-Bright/dmactl/mem"
	"github.com/Jon-Bright/dmactl/sim"
)

// simResetPolls is how long the simulated engine takes to come out of reset.
const simResetPolls = 3

// openPlatform gives access to the engine described by c: the real one
// through /dev/mem, or a simulated loopback engine stepped every poll
// interval. The returned function releases it.
func openPlatform(ctx context.Context, c *Config, simulate bool, l *logrus.Logger, reg metrics.Registry) (axidma.Platform, dmaMemory, func(), error) {
	if simulate {
		m := sim.NewMemory(c.Memory.Phys, c.Memory.Size)
		d := sim.New(sim.Config{
			BaseAddr:   c.DMA.BaseAddr,
			SG:         c.DMA.HasSg,
			ResetPolls: simResetPolls,
			RxChannels: c.DMA.S2MmNumChannels,
			StsCntrl:   c.DMA.HasStsCntrlStrm,
		}, m, l)
		ctx, cancel := context.WithCancel(ctx)
		go d.Run(ctx, c.PollInterval)
		l.WithField("phys", c.Memory.Phys).WithField("size", c.Memory.Size).Info("Using simulated DMA engine")
		return axidma.Platform{Regs: d, Cache: axidma.NopCache{}, Addr: m, Log: l, Metrics: reg}, m, cancel, nil
	}

	regs, err := mem.MapRegs(uint64(c.DMA.BaseAddr), c.Memory.RegSize, l)
	if err != nil {
		return axidma.Platform{}, nil, nil, err
	}
	region, err := mem.MapRegion(c.Memory.Phys, c.Memory.Size, l)
	if err != nil {
		regs.Close()
		return axidma.Platform{}, nil, nil, err
	}
	closer := func() {
		if err := region.Close(); err != nil {
			l.WithError(err).Warn("Couldn't unmap DMA region")
		}
		if err := regs.Close(); err != nil {
			l.WithError(err).Warn("Couldn't unmap registers")
		}
	}
	return axidma.Platform{Regs: regs, Cache: region, Addr: region, Log: l, Metrics: reg}, region, closer, nil
}
