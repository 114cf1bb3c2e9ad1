package rv64

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config describes the processor variant and the reference platform it is
// attached to.
type Config struct {
	// Variant lists the ISA extensions beyond the base, e.g. "IMAC".
	Variant string `yaml:"variant"`
	// Hypervisor enables the H extension and the virtual modes.
	Hypervisor bool `yaml:"hypervisor"`

	Harts      int    `yaml:"harts"`
	HartIDBase uint64 `yaml:"hart_id_base"`
	ResetPC    uint64 `yaml:"reset_pc"`

	Memory  MemoryConfig  `yaml:"memory"`
	Devices DevicesConfig `yaml:"devices"`

	// MaxBlockInsns bounds the number of instructions lowered into one
	// block.
	MaxBlockInsns int `yaml:"max_block_insns"`
	// CacheBlocks bounds the number of blocks each hart keeps.
	CacheBlocks int `yaml:"cache_blocks"`
	// CheckDeterminism re-translates every cache hit and compares it with
	// the cached block.
	CheckDeterminism bool `yaml:"check_determinism"`

	// Unaligned allows misaligned loads and stores instead of faulting.
	Unaligned bool `yaml:"unaligned"`
	// DataEndian is "little" or "big" and applies to loads and stores
	// only. Instruction fetch is always little-endian.
	DataEndian string `yaml:"data_endian"`

	// Delegation maps a fault class name to the mode that handles it,
	// overriding medeleg/hedeleg.
	Delegation map[string]string `yaml:"delegation"`

	// Quantum is the number of blocks a hart runs before the platform
	// switches to the next one.
	Quantum int `yaml:"quantum"`
	// BlocksPerTick is the number of scheduled blocks per CLINT mtime
	// increment.
	BlocksPerTick int `yaml:"blocks_per_tick"`
}

// MemoryConfig places RAM in the physical address space.
type MemoryConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// DevicesConfig places the reference devices. A zero base omits the device.
type DevicesConfig struct {
	CLINT    uint64 `yaml:"clint"`
	UART     uint64 `yaml:"uart"`
	Finisher uint64 `yaml:"finisher"`
}

// Default memory map
const (
	DefaultRAMBase      = 0x80000000
	DefaultRAMSize      = 64 * 1024 * 1024
	DefaultCLINTBase    = 0x02000000
	DefaultUARTBase     = 0x10000000
	DefaultFinisherBase = 0x00100000
)

// DefaultConfig returns an RV64IMAC single-hart configuration.
func DefaultConfig() Config {
	return Config{
		Variant:    "IMAC",
		Harts:      1,
		ResetPC:    DefaultRAMBase,
		Memory:     MemoryConfig{Base: DefaultRAMBase, Size: DefaultRAMSize},
		DataEndian: "little",
		Devices: DevicesConfig{
			CLINT:    DefaultCLINTBase,
			UART:     DefaultUARTBase,
			Finisher: DefaultFinisherBase,
		},
		MaxBlockInsns: 64,
		CacheBlocks:   4096,
		Quantum:       16,
		BlocksPerTick: 1,
	}
}

// LoadConfig reads a YAML configuration on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration on top of DefaultConfig. Unknown
// keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the model cannot honor.
func (c *Config) Validate() error {
	if _, err := c.Misa(); err != nil {
		return err
	}
	if c.Harts < 1 {
		return fmt.Errorf("harts must be at least 1, got %d", c.Harts)
	}
	if c.Memory.Size == 0 || c.Memory.Size%PageSize != 0 {
		return fmt.Errorf("memory size 0x%x must be a non-zero multiple of 0x%x", c.Memory.Size, PageSize)
	}
	if c.MaxBlockInsns < 1 {
		return fmt.Errorf("max_block_insns must be at least 1, got %d", c.MaxBlockInsns)
	}
	if c.CacheBlocks < 1 {
		return fmt.Errorf("cache_blocks must be at least 1, got %d", c.CacheBlocks)
	}
	if c.Quantum < 1 {
		return fmt.Errorf("quantum must be at least 1, got %d", c.Quantum)
	}
	if c.BlocksPerTick < 1 {
		return fmt.Errorf("blocks_per_tick must be at least 1, got %d", c.BlocksPerTick)
	}
	switch c.DataEndian {
	case "", "little", "big":
	default:
		return fmt.Errorf("data_endian must be little or big, got %q", c.DataEndian)
	}
	if _, err := c.delegations(); err != nil {
		return err
	}
	return nil
}

// Misa returns the misa value for the configured variant.
func (c *Config) Misa() (uint64, error) {
	misa := (MXL64 << 62) | MisaI | MisaS | MisaU
	for _, ext := range strings.ToUpper(c.Variant) {
		switch ext {
		case 'I':
		case 'M':
			misa |= MisaM
		case 'A':
			misa |= MisaA
		case 'C':
			misa |= MisaC
		case 'H':
			misa |= MisaH
		default:
			return 0, fmt.Errorf("unsupported extension %q in variant %q", ext, c.Variant)
		}
	}
	if c.Hypervisor {
		misa |= MisaH
	}
	return misa, nil
}

// BigEndianData reports whether loads and stores are big-endian.
func (c *Config) BigEndianData() bool { return c.DataEndian == "big" }

func (c *Config) delegations() (map[FaultClass]Mode, error) {
	out := make(map[FaultClass]Mode, len(c.Delegation))
	for name, target := range c.Delegation {
		class, ok := ParseFaultClass(name)
		if !ok {
			return nil, fmt.Errorf("delegation: unknown fault class %q", name)
		}
		mode, ok := parseModeName(target)
		if !ok {
			return nil, fmt.Errorf("delegation: unknown mode %q for %s", target, class)
		}
		if !canHandleTraps(mode) {
			return nil, fmt.Errorf("delegation: mode %s cannot take traps", mode)
		}
		out[class] = mode
	}
	return out, nil
}

// parseModeName accepts dictionary names case-insensitively, with
// underscores standing in for spaces.
func parseModeName(name string) (Mode, bool) {
	want := strings.ToUpper(strings.ReplaceAll(name, "_", " "))
	for id, n := range modeNames {
		if n == want {
			return Mode(id), true
		}
	}
	return 0, false
}
