package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/Jon-Bright/dmactl/axidma"
)

var configPath = flag.String("config", "/etc/dmactl/config.yaml", "Path to the YAML configuration file")
var simulate = flag.Bool("simulate", false, "Drive a simulated loopback DMA engine instead of the hardware")
var port = flag.Int("port", 0, "The port that the server should listen to, overriding listen from the config")
var configTest = flag.Bool("test", false, "Test the config and exit")

func main() {
	flag.Parse()
	l := logrus.New()
	l.Out = os.Stdout

	c, err := LoadConfig(*configPath)
	if err != nil {
		l.WithError(err).Fatal("Failed loading config")
	}
	if *port != 0 {
		c.Listen = fmt.Sprintf(":%d", *port)
	}
	if err := configLogger(l, c.Logging); err != nil {
		l.WithError(err).Fatal("Failed configuring logging")
	}
	if err := startStats(l, c.Stats, metrics.DefaultRegistry, *configTest); err != nil {
		l.WithError(err).Fatal("Failed starting stats")
	}
	if *configTest {
		l.Info("Config OK")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, m, closePlatform, err := openPlatform(ctx, c, *simulate, l, metrics.DefaultRegistry)
	if err != nil {
		l.WithError(err).Fatal("Failed opening DMA engine")
	}
	defer closePlatform()

	e, err := axidma.NewEngine(c.DMA, p)
	if err != nil {
		l.WithError(err).Fatal("Failed creating engine")
	}
	s, err := NewServer(c, e, m, p.Cache, l, metrics.DefaultRegistry)
	if err != nil {
		l.WithError(err).Fatal("Failed creating server")
	}
	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		l.WithError(err).Fatal("Failed listening")
	}

	go s.Run(ctx)
	s.Serve(ctx, ln)
	l.Info("Shutting down")
}
