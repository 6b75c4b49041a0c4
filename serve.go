package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/Jon-Bright/dmactl/axidma"
)

// maxReceived bounds the packets held for READ; older ones are dropped.
const maxReceived = 256

// maxAcceptDelay caps the wait between failed Accepts.
const maxAcceptDelay = time.Second

// dmaMemory hands out pieces of the physically contiguous region shared with
// the engine.
type dmaMemory interface {
	Alloc(n, align int) (axidma.Region, error)
}

type request struct {
	cmd   string
	parms string
	reply chan reply
}

type reply struct {
	lines []string
	err   error
}

type packet struct {
	ring string
	data []byte
}

// Server owns one engine. Only the goroutine in Run touches the engine and
// its rings; connections hand their commands over on c.
type Server struct {
	e     *axidma.Engine
	mem   dmaMemory
	cache axidma.Cache
	cfg   *Config
	log   logrus.FieldLogger
	c     chan request

	regions  map[*axidma.BdRing]axidma.Region
	bufs     map[*axidma.BdRing][]axidma.Region
	received []packet

	packetsSent     metrics.Counter
	packetsReceived metrics.Counter
	bytesReceived   metrics.Counter
	rxErrors        metrics.Counter
	dropped         metrics.Counter
}

// NewServer lays out every ring of e and a data buffer per descriptor in m.
func NewServer(cfg *Config, e *axidma.Engine, m dmaMemory, cache axidma.Cache, l logrus.FieldLogger, reg metrics.Registry) (*Server, error) {
	if cache == nil {
		cache = axidma.NopCache{}
	}
	s := &Server{
		e:       e,
		mem:     m,
		cache:   cache,
		cfg:     cfg,
		log:     l,
		c:       make(chan request),
		regions: make(map[*axidma.BdRing]axidma.Region),
		bufs:    make(map[*axidma.BdRing][]axidma.Region),

		packetsSent:     metrics.GetOrRegisterCounter("dmactl.packets_sent", reg),
		packetsReceived: metrics.GetOrRegisterCounter("dmactl.packets_received", reg),
		bytesReceived:   metrics.GetOrRegisterCounter("dmactl.bytes_received", reg),
		rxErrors:        metrics.GetOrRegisterCounter("dmactl.rx_errors", reg),
		dropped:         metrics.GetOrRegisterCounter("dmactl.packets_dropped", reg),
	}
	for _, r := range e.Rings() {
		n := cfg.Ring.TxCount
		if r.IsRxChannel {
			n = cfg.Ring.RxCount
		}
		if uint32(cfg.Ring.BufferSize) > r.MaxTransferLen {
			return nil, fmt.Errorf("ring.buffer_size %d exceeds the %s maximum transfer of %d", cfg.Ring.BufferSize, r.Name(), r.MaxTransferLen)
		}
		region, err := m.Alloc(axidma.BdRingMemCalc(cfg.Ring.Alignment, n), int(cfg.Ring.Alignment))
		if err != nil {
			return nil, fmt.Errorf("couldn't allocate %s descriptors: %w", r.Name(), err)
		}
		s.regions[r] = region
		for i := 0; i < n; i++ {
			b, err := m.Alloc(cfg.Ring.BufferSize, axidma.BD_MINIMUM_ALIGNMENT)
			if err != nil {
				return nil, fmt.Errorf("couldn't allocate %s buffer %d: %w", r.Name(), i, err)
			}
			s.bufs[r] = append(s.bufs[r], b)
		}
	}
	if err := s.createRings(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) createRings() error {
	for _, r := range s.e.Rings() {
		if err := r.Create(s.regions[r], s.cfg.Ring.Alignment, len(s.bufs[r])); err != nil {
			return fmt.Errorf("couldn't create %s ring: %w", r.Name(), err)
		}
	}
	return nil
}

// ring looks a ring up by name. An empty name means all of them.
func (s *Server) ring(name string) ([]*axidma.BdRing, error) {
	if name == "" {
		return s.e.Rings(), nil
	}
	for _, r := range s.e.Rings() {
		if strings.EqualFold(r.Name(), name) {
			return []*axidma.BdRing{r}, nil
		}
	}
	return nil, fmt.Errorf("no ring named %q", name)
}

// Run executes commands and collects finished descriptors until ctx is done.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.c:
			lines, err := s.exec(req.cmd, req.parms)
			req.reply <- reply{lines, err}
		case <-t.C:
			s.poll()
		}
	}
}

func (s *Server) exec(cmd, parms string) ([]string, error) {
	switch cmd {
	case "STATUS":
		lines := []string{fmt.Sprintf("started=%t received=%d", s.e.Started(), len(s.received))}
		for _, r := range s.e.Rings() {
			lines = append(lines, r.Summary())
		}
		return lines, nil
	case "START":
		return nil, s.e.Start()
	case "PAUSE":
		s.e.Pause()
		return nil, nil
	case "RESUME":
		return nil, s.e.Resume()
	case "RESET":
		return nil, s.reset()
	case "CHECK":
		rs, err := s.ring(parms)
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, r := range rs {
			if err := r.Check(); err != nil {
				return lines, fmt.Errorf("%s: %w", r.Name(), err)
			}
			lines = append(lines, r.Name()+" ok")
		}
		return lines, nil
	case "DUMP":
		rs, err := s.ring(parms)
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, r := range rs {
			lines = append(lines, r.Name()+" "+r.DumpRegs().String(), r.Summary())
			if r.HwCount() > 0 {
				r.DumpBd(r.HwHead())
			}
		}
		return lines, nil
	case "SEND":
		return s.send(parms)
	case "RECV":
		return s.recv(parms)
	case "READ":
		var lines []string
		for _, p := range s.received {
			lines = append(lines, p.ring+" "+hex.EncodeToString(p.data))
		}
		s.received = nil
		return lines, nil
	}
	return nil, fmt.Errorf("unknown command: %s", cmd)
}

// reset resets the engine and lays the rings out afresh. Whatever was queued
// is lost; receive buffers have to be posted again.
func (s *Server) reset() error {
	s.e.Reset()
	if err := s.e.WaitReset(axidma.RESET_TIMEOUT); err != nil {
		return err
	}
	return s.createRings()
}

// send queues data as one packet, split over as many descriptors as needed.
// An optional second parameter sets TDEST.
func (s *Server) send(parms string) ([]string, error) {
	tx := s.e.TxRing
	if tx == nil {
		return nil, errors.New("no transmit channel")
	}
	t := strings.Fields(parms)
	if len(t) == 0 {
		return nil, errors.New("nothing to send")
	}
	data, err := hex.DecodeString(t[0])
	if err != nil {
		return nil, fmt.Errorf("error parsing data: %v", err)
	}
	if len(data) == 0 {
		return nil, errors.New("nothing to send")
	}
	var tdest uint64
	if len(t) > 1 {
		tdest, err = strconv.ParseUint(t[1], 0, 4)
		if err != nil {
			return nil, fmt.Errorf("error parsing tdest: %v", err)
		}
	}

	size := s.cfg.Ring.BufferSize
	n := (len(data) + size - 1) / size
	first, err := tx.Alloc(n)
	if err != nil {
		return nil, err
	}
	bd := first
	for k := 0; k < n; k++ {
		chunk := data[k*size:]
		if len(chunk) > size {
			chunk = chunk[:size]
		}
		buf := s.bufs[tx][bd.Index()]
		copy(buf.Buf, chunk)
		s.cache.Flush(buf.Virt, len(chunk))
		var ctrl uint32
		if k == 0 {
			ctrl |= axidma.BD_CTRL_TXSOF
			bd.SetTDest(uint32(tdest))
		}
		if k == n-1 {
			ctrl |= axidma.BD_CTRL_TXEOF
		}
		if err = bd.SetBufAddr(buf.Phys); err == nil {
			err = bd.SetLength(uint32(len(chunk)), tx.MaxTransferLen)
		}
		if err != nil {
			s.unalloc(tx, n, first)
			return nil, err
		}
		bd.SetCtrl(ctrl)
		bd = tx.Next(bd)
	}
	if err := tx.ToHw(n, first); err != nil {
		s.unalloc(tx, n, first)
		return nil, err
	}
	s.log.WithField("bytes", len(data)).WithField("bds", n).Debug("Packet queued")
	return []string{fmt.Sprintf("queued %d bytes in %d descriptors", len(data), n)}, nil
}

// recv posts n receive buffers to a receive ring, rx0 unless named.
func (s *Server) recv(parms string) ([]string, error) {
	t := strings.Fields(parms)
	if len(t) == 0 {
		return nil, errors.New("how many buffers?")
	}
	n, err := strconv.Atoi(t[0])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid buffer count %q", t[0])
	}
	rx := s.e.RxRing(0)
	if len(t) > 1 {
		rs, err := s.ring(t[1])
		if err != nil {
			return nil, err
		}
		rx = rs[0]
	}
	if rx == nil || !rx.IsRxChannel {
		return nil, errors.New("no receive ring")
	}

	first, err := rx.Alloc(n)
	if err != nil {
		return nil, err
	}
	bd := first
	for k := 0; k < n; k++ {
		buf := s.bufs[rx][bd.Index()]
		if err = bd.SetBufAddr(buf.Phys); err == nil {
			err = bd.SetLength(uint32(len(buf.Buf)), rx.MaxTransferLen)
		}
		if err != nil {
			s.unalloc(rx, n, first)
			return nil, err
		}
		bd = rx.Next(bd)
	}
	if err := rx.ToHw(n, first); err != nil {
		s.unalloc(rx, n, first)
		return nil, err
	}
	return []string{fmt.Sprintf("posted %d buffers to %s", n, rx.Name())}, nil
}

// unalloc rolls back a failed SEND or RECV.
func (s *Server) unalloc(r *axidma.BdRing, n int, first *axidma.Bd) {
	if err := r.UnAlloc(n, first); err != nil {
		s.log.WithError(err).WithField("ring", r.Name()).Error("Couldn't return descriptors")
	}
}

// poll collects whatever the engine has finished on every ring and frees it.
func (s *Server) poll() {
	for _, r := range s.e.Rings() {
		n, first := r.FromHw(axidma.ALL_BDS)
		if n == 0 {
			continue
		}
		var pkt []byte
		bd := first
		for i := 0; i < n; i++ {
			if r.IsRxChannel {
				pkt = s.collect(r, bd, pkt)
			} else if bd.Ctrl()&axidma.BD_CTRL_TXEOF != 0 {
				s.packetsSent.Inc(1)
			}
			bd = r.Next(bd)
		}
		if err := r.Free(n, first); err != nil {
			s.log.WithError(err).WithField("ring", r.Name()).Error("Couldn't free descriptors")
		}
	}
}

// collect appends what bd received to pkt. At the end of a packet the packet
// is stored for READ and nil is returned.
func (s *Server) collect(r *axidma.BdRing, bd *axidma.Bd, pkt []byte) []byte {
	sts := bd.Sts()
	if bd.Err() != 0 {
		s.rxErrors.Inc(1)
		s.log.WithField("ring", r.Name()).WithField("bd", bd.Index()).
			WithField("sts", fmt.Sprintf("%08x", sts)).Warn("Receive error")
	}
	if sts&axidma.BD_STS_RXSOF != 0 {
		pkt = nil
	}
	buf := s.bufs[r][bd.Index()]
	l := int(bd.ActualLength(r.MaxTransferLen))
	if l > len(buf.Buf) {
		l = len(buf.Buf)
	}
	s.cache.Invalidate(buf.Virt, l)
	pkt = append(pkt, buf.Buf[:l]...)
	if sts&axidma.BD_STS_RXEOF == 0 {
		return pkt
	}

	s.packetsReceived.Inc(1)
	s.bytesReceived.Inc(int64(len(pkt)))
	s.log.WithField("ring", r.Name()).WithField("bytes", len(pkt)).Debug("Packet received")
	if len(s.received) == maxReceived {
		s.dropped.Inc(1)
		s.received = s.received[1:]
	}
	s.received = append(s.received, packet{r.Name(), pkt})
	return nil
}

func (s *Server) handleConnection(ctx context.Context, c net.Conn) {
	l := s.log.WithField("remote", c.RemoteAddr().String())
	l.Info("Handling connection")
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			l.Info("EOF for connection")
			return
		}
		if err != nil {
			l.WithError(err).Warn("Error reading string for connection")
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		l.WithField("line", line).Debug("Got line")
		t := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(t[0])
		parms := ""
		if len(t) > 1 {
			parms = strings.TrimSpace(t[1])
		}
		if cmd == "QUIT" {
			return
		}

		req := request{cmd, parms, make(chan reply, 1)}
		select {
		case s.c <- req:
		case <-ctx.Done():
			return
		}
		var rep reply
		select {
		case rep = <-req.reply:
		case <-ctx.Done():
			return
		}

		for _, rl := range rep.lines {
			w.WriteString(rl + "\n")
		}
		if rep.err != nil {
			l.WithError(rep.err).WithField("cmd", cmd).Info("Command failed")
			w.WriteString("ERR: " + rep.err.Error() + "\n")
		} else {
			w.WriteString("OK\n")
		}
		if err := w.Flush(); err != nil {
			l.WithError(err).Warn("Error writing reply")
			return
		}
	}
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	s.log.WithField("addr", ln.Addr().String()).Info("Listening")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.log.WithError(err).WithField("retry_in", delay).Warn("Error accepting connection")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = 0
		go s.handleConnection(ctx, conn)
	}
}
