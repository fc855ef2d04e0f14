package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zde37/chordring/pkg/ring"
)

// Config holds all configuration for a simulated Chord ring
type Config struct {
	// Chord parameters
	RingBits          int           `yaml:"ring_bits"`          // Identifier space size in bits, 0 derives it from the bootstrap set
	StabilizeInterval time.Duration `yaml:"stabilize_interval"` // How often the stabilizer triggers a round
	MaxLookupHops     int           `yaml:"max_lookup_hops"`    // Hop budget for a single lookup, 0 means 2*bits+2
	LookupTimeout     time.Duration `yaml:"lookup_timeout"`     // How long a client waits for FindSuccessorResp
	ConvergeRounds    int           `yaml:"converge_rounds"`    // Upper bound of stabilization rounds after a join

	// Simulation
	Nodes []uint64 `yaml:"nodes"` // Bootstrap ids
	Joins []uint64 `yaml:"joins"` // Ids joined one at a time after bootstrap

	// Observability
	HTTPAddr string `yaml:"http_addr"` // Address for /ws and /metrics, empty disables it

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		RingBits:          0,
		StabilizeInterval: 200 * time.Millisecond,
		MaxLookupHops:     0,
		LookupTimeout:     5 * time.Second,
		ConvergeRounds:    32,
		Nodes:             []uint64{1, 3, 6},
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load reads a YAML file on top of DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RingBits < 0 || c.RingBits > ring.MaxBits {
		return fmt.Errorf("ring bits must be between 0 and %d, got %d", ring.MaxBits, c.RingBits)
	}
	if c.StabilizeInterval <= 0 {
		return fmt.Errorf("stabilize interval must be positive, got %s", c.StabilizeInterval)
	}
	if c.MaxLookupHops < 0 {
		return fmt.Errorf("max lookup hops cannot be negative, got %d", c.MaxLookupHops)
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("lookup timeout must be positive, got %s", c.LookupTimeout)
	}
	if c.ConvergeRounds <= 0 {
		return fmt.Errorf("converge rounds must be positive, got %d", c.ConvergeRounds)
	}

	seen := make(map[uint64]struct{}, len(c.Nodes)+len(c.Joins))
	for _, id := range append(append([]uint64{}, c.Nodes...), c.Joins...) {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate node id %d", id)
		}
		seen[id] = struct{}{}
		if c.RingBits > 0 && id >= uint64(1)<<uint(c.RingBits) {
			return fmt.Errorf("node id %d does not fit a %d-bit ring", id, c.RingBits)
		}
	}
	return nil
}

// Bits returns the configured ring size, deriving it from every node that will
// ever take part when RingBits is zero.
func (c *Config) Bits() int {
	if c.RingBits > 0 {
		return c.RingBits
	}
	var maxID uint64
	for _, id := range append(append([]uint64{}, c.Nodes...), c.Joins...) {
		if id > maxID {
			maxID = id
		}
	}
	return ring.BitsFor(len(c.Nodes)+len(c.Joins), maxID)
}

// HopBudget returns MaxLookupHops or the default derived from the ring size.
func (c *Config) HopBudget(bits int) int {
	if c.MaxLookupHops > 0 {
		return c.MaxLookupHops
	}
	return ring.DefaultHopBudget(bits)
}
