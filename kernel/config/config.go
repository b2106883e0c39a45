// Package config loads the boot-time configuration that a real bootloader
// would otherwise hand the kernel as a parsed command line: frame-pool
// sizing, the VMPool window, the round-robin quantum and the disk/file
// system geometry. The teacher kernel hard-codes these as C-style
// constants; this rewrite loads them from YAML so a host test can exercise
// many geometries without recompiling.
package config

import (
	"gopkg.in/yaml.v3"
)

// Config is the parsed boot configuration.
type Config struct {
	// Memory describes the simulated physical RAM and frame pools.
	Memory struct {
		TotalFrames     uint32 `yaml:"total_frames"`
		KernelPoolBase  uint32 `yaml:"kernel_pool_base"`
		KernelPoolSize  uint32 `yaml:"kernel_pool_size"`
		ProcessPoolBase uint32 `yaml:"process_pool_base"`
		ProcessPoolSize uint32 `yaml:"process_pool_size"`
		SharedSize      uint32 `yaml:"shared_size"`
	} `yaml:"memory"`

	// Scheduler describes the round-robin quantum.
	Scheduler struct {
		QuantumHz uint32 `yaml:"quantum_hz"`
	} `yaml:"scheduler"`

	// Disk describes the simulated ATA geometry and service time.
	Disk struct {
		Blocks             uint32 `yaml:"blocks"`
		ServiceTimeMillis  uint32 `yaml:"service_time_millis"`
	} `yaml:"disk"`

	// FileSystem describes the on-disk layout limits.
	FileSystem struct {
		MaxInodes uint32 `yaml:"max_inodes"`
		MaxBlocks uint32 `yaml:"max_blocks"`
	} `yaml:"file_system"`
}

// Default returns the default configuration: 16MB of simulated RAM split
// into a kernel pool and a process pool, a 5Hz quantum, and a 512-block
// disk.
func Default() *Config {
	c := &Config{}
	c.Memory.TotalFrames = 4096
	c.Memory.KernelPoolBase = 2
	c.Memory.KernelPoolSize = 1024
	c.Memory.ProcessPoolBase = 1026
	c.Memory.ProcessPoolSize = 3000
	c.Memory.SharedSize = 4 * 1024 * 1024
	c.Scheduler.QuantumHz = 5
	// Blocks is capped so the whole free-block bitmap fits in the single
	// block (block 1) the on-disk layout reserves for it: one byte per
	// block, 512 bytes per block.
	c.Disk.Blocks = 512
	c.Disk.ServiceTimeMillis = 5
	// MaxInodes is capped so the whole inode table fits in the single
	// block (block 0) the on-disk layout reserves for it: 16 bytes per
	// record, 512 bytes per block.
	c.FileSystem.MaxInodes = 32
	c.FileSystem.MaxBlocks = 128
	return c
}

// Load parses a YAML boot configuration document.
func Load(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Marshal serializes the configuration back to YAML, used by tests that
// round-trip a Config and by tooling that wants to dump the active boot
// configuration.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
