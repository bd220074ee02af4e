// Package mpgcconfig loads and saves the TOML configuration a heap is
// opened with: segment sizing, size classes, and collector tuning.
package mpgcconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the conventional config file name a directory-based
// embedder looks for.
const FileName = "mpgc.toml"

// HeapConfig controls segment creation: its path, total size, and the
// size classes its free lists serve.
type HeapConfig struct {
	Path        string `toml:"path"`
	SizeBytes   int64  `toml:"size_bytes"`
	SizeClasses []int  `toml:"size_classes"`
}

// CollectorConfig tunes when and how aggressively the collector runs.
type CollectorConfig struct {
	// TriggerFillRatio is the fraction of the segment's bump-allocation
	// room it describes as a collection trigger. It is loaded and saved
	// only; nothing in this module reads it, and Collect runs only when
	// called.
	TriggerFillRatio float64 `toml:"trigger_fill_ratio"`
	// MarkWorkers is the number of goroutines draining the grey log
	// concurrently during Marking.
	MarkWorkers int `toml:"mark_workers"`
	// PeerTimeoutMS is how long an attached process's barrier lease may go
	// without a heartbeat before DetectDeadPeers force-releases it as
	// crashed.
	PeerTimeoutMS int64 `toml:"peer_timeout_ms"`
}

// Config is the full configuration for one heap.
type Config struct {
	Heap      HeapConfig      `toml:"heap"`
	Collector CollectorConfig `toml:"collector"`
}

// Default returns a Config with conservative defaults: a 64MiB segment
// with eight power-of-two size classes, one mark worker, a 0.75 trigger
// fill ratio, and a 5s peer timeout.
func Default(path string) *Config {
	return &Config{
		Heap: HeapConfig{
			Path:        path,
			SizeBytes:   64 << 20,
			SizeClasses: []int{16, 32, 64, 128, 256, 512, 1024, 4096},
		},
		Collector: CollectorConfig{
			TriggerFillRatio: 0.75,
			MarkWorkers:      1,
			PeerTimeoutMS:    5000,
		},
	}
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mpgcconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("mpgcconfig: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes c to path as TOML.
func (c *Config) Save(path string) error {
	content := render(c)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("mpgcconfig: write %s: %w", path, err)
	}
	return nil
}

func render(c *Config) string {
	var sb strings.Builder
	sb.WriteString("[heap]\n")
	sb.WriteString(fmt.Sprintf("path = %q\n", c.Heap.Path))
	sb.WriteString(fmt.Sprintf("size_bytes = %d\n", c.Heap.SizeBytes))
	sb.WriteString("size_classes = [")
	for i, sz := range c.Heap.SizeClasses {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%d", sz))
	}
	sb.WriteString("]\n\n")

	sb.WriteString("[collector]\n")
	sb.WriteString(fmt.Sprintf("trigger_fill_ratio = %g\n", c.Collector.TriggerFillRatio))
	sb.WriteString(fmt.Sprintf("mark_workers = %d\n", c.Collector.MarkWorkers))
	sb.WriteString(fmt.Sprintf("peer_timeout_ms = %d\n", c.Collector.PeerTimeoutMS))
	return sb.String()
}
