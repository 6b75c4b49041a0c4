package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// startStats exports reg according to c. With configTest set everything is
// validated but nothing is started.
func startStats(l *logrus.Logger, c StatsConfig, reg metrics.Registry, configTest bool) error {
	if c.Type == "" || c.Type == "none" {
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("stats.interval was an invalid duration: %v", c.Interval)
	}

	var err error
	switch c.Type {
	case "graphite":
		err = startGraphiteStats(l, c, reg, configTest)
	case "prometheus":
		err = startPrometheusStats(l, c, reg, configTest)
	default:
		return fmt.Errorf("stats.type was not understood: %s", c.Type)
	}
	if err != nil {
		return err
	}

	metrics.RegisterRuntimeMemStats(reg)
	if !configTest {
		go metrics.CaptureRuntimeMemStats(reg, c.Interval)
	}
	return nil
}

func startGraphiteStats(l *logrus.Logger, c StatsConfig, reg metrics.Registry, configTest bool) error {
	proto := c.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if c.Host == "" {
		return errors.New("stats.host can not be empty")
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "dmactl"
	}
	addr, err := net.ResolveTCPAddr(proto, c.Host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", c.Interval, prefix, addr)
	if !configTest {
		go graphite.Graphite(reg, c.Interval, prefix, addr)
	}
	return nil
}

func startPrometheusStats(l *logrus.Logger, c StatsConfig, reg metrics.Registry, configTest bool) error {
	if c.Listen == "" {
		return fmt.Errorf("stats.listen should not be empty")
	}
	if c.Path == "" {
		return fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(reg, c.Namespace, c.Subsystem, pr, c.Interval)

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Namespace,
		Subsystem: c.Subsystem,
		Name:      "info",
		Help:      "Version information for the dmactl binary",
		ConstLabels: prometheus.Labels{
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	if configTest {
		return nil
	}
	go pClient.UpdatePrometheusMetrics()
	go func() {
		l.Infof("Prometheus stats listening on %s at %s", c.Listen, c.Path)
		mux := http.NewServeMux()
		mux.Handle(c.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
		srv := &http.Server{Addr: c.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		l.WithError(srv.ListenAndServe()).Error("Prometheus stats server stopped")
	}()
	return nil
}
