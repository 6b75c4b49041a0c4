package main

import (
	"io"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestStartStats(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)

	tests := []struct {
		name string
		c    StatsConfig
		ok   bool
	}{
		{"none", StatsConfig{}, true},
		{"explicit none", StatsConfig{Type: "none"}, true},
		{"prometheus", StatsConfig{Type: "prometheus", Interval: time.Second, Listen: "127.0.0.1:0", Path: "/metrics"}, true},
		{"prometheus without path", StatsConfig{Type: "prometheus", Interval: time.Second, Listen: "127.0.0.1:0"}, false},
		{"prometheus without listen", StatsConfig{Type: "prometheus", Interval: time.Second, Path: "/metrics"}, false},
		{"graphite", StatsConfig{Type: "graphite", Interval: time.Second, Host: "127.0.0.1:2003"}, true},
		{"graphite without host", StatsConfig{Type: "graphite", Interval: time.Second}, false},
		{"no interval", StatsConfig{Type: "prometheus", Listen: "127.0.0.1:0", Path: "/metrics"}, false},
		{"unknown", StatsConfig{Type: "statsd", Interval: time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := startStats(l, tt.c, metrics.NewRegistry(), true)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
