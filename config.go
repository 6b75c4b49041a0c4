package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/Jon-Bright/dmactl/axidma"
)

// Config is the daemon's configuration file.
type Config struct {
	DMA          axidma.Config `yaml:"dma"`
	Ring         RingConfig    `yaml:"ring"`
	Memory       MemoryConfig  `yaml:"memory"`
	Listen       string        `yaml:"listen"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Logging      LoggingConfig `yaml:"logging"`
	Stats        StatsConfig   `yaml:"stats"`
}

type RingConfig struct {
	TxCount    int    `yaml:"tx_count"`
	RxCount    int    `yaml:"rx_count"`
	Alignment  uint32 `yaml:"alignment"`
	BufferSize int    `yaml:"buffer_size"`
}

// MemoryConfig describes the physically contiguous region that holds the
// descriptor rings and their data buffers, and the size of the register
// window mapped at dma.base_addr.
type MemoryConfig struct {
	Phys    uint64 `yaml:"phys"`
	Size    int    `yaml:"size"`
	RegSize int    `yaml:"reg_size"`
}

type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

type StatsConfig struct {
	Type      string        `yaml:"type"`
	Interval  time.Duration `yaml:"interval"`
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Protocol  string        `yaml:"protocol"`
	Host      string        `yaml:"host"`
	Prefix    string        `yaml:"prefix"`
}

func defaultConfig() Config {
	return Config{
		Ring: RingConfig{
			TxCount:    64,
			RxCount:    64,
			Alignment:  axidma.BD_MINIMUM_ALIGNMENT,
			BufferSize: 2048,
		},
		Memory: MemoryConfig{
			Size:    1 << 20,
			RegSize: 0x10000,
		},
		Listen:       ":24601",
		PollInterval: 10 * time.Millisecond,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read config: %v", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes a YAML document over the defaults. Unknown keys are an
// error so typos don't go unnoticed.
func ParseConfig(b []byte) (*Config, error) {
	c := defaultConfig()
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("couldn't parse config: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if !c.DMA.HasSg {
		return errors.New("dma.has_sg must be set: dmactl drives scatter-gather builds only")
	}
	if c.DMA.HasMm2S && c.Ring.TxCount <= 0 {
		return fmt.Errorf("ring.tx_count must be positive, got %d", c.Ring.TxCount)
	}
	if c.DMA.HasS2Mm && c.Ring.RxCount <= 0 {
		return fmt.Errorf("ring.rx_count must be positive, got %d", c.Ring.RxCount)
	}
	if c.Ring.BufferSize <= 0 {
		return fmt.Errorf("ring.buffer_size must be positive, got %d", c.Ring.BufferSize)
	}
	if c.Memory.Size <= 0 {
		return fmt.Errorf("memory.size must be positive, got %d", c.Memory.Size)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	return nil
}
