package pool

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-host/errors"
)

// EnvPrefix prefixes every pooling override variable.
const EnvPrefix = "WASMHOST_"

// MaxKnobValue bounds every knob. Instance counts become signed semaphore
// weights, so larger values cannot be represented.
const MaxKnobValue = math.MaxInt64

const (
	DefaultInstanceCount            = 1000
	DefaultInstanceSize             = 10 << 20
	DefaultInstanceTables           = 2
	DefaultInstanceTableElements    = 30000
	DefaultInstanceMemories         = 1
	DefaultLinearMemoryKeepResident = 2 << 20
	DefaultTableKeepResident        = 512 << 10
)

// Config sizes the pooling allocator.
type Config struct {
	// InstanceCount is the maximum number of concurrently live instances.
	InstanceCount uint64 `yaml:"instance_count"`
	// InstanceSize bounds the host-side bookkeeping of one instance, in bytes.
	InstanceSize uint64 `yaml:"instance_size"`
	// InstanceTables bounds the number of tables per instance.
	InstanceTables uint64 `yaml:"instance_tables"`
	// InstanceTableElements bounds the initial elements of any one table.
	InstanceTableElements uint64 `yaml:"instance_table_elements"`
	// InstanceMemories bounds the number of linear memories per instance.
	InstanceMemories uint64 `yaml:"instance_memories"`
	// LinearMemoryKeepResident is the largest linear memory slab kept warm
	// for reuse after an instance is released.
	LinearMemoryKeepResident uint64 `yaml:"linear_memory_keep_resident"`
	// TableKeepResident is the table byte budget kept warm across reuse.
	// It is validated and reported in Stats but not applied: wazero owns
	// table storage and exposes no allocator hook for it.
	TableKeepResident uint64 `yaml:"table_keep_resident"`
}

// DefaultConfig returns the default pool sizing.
func DefaultConfig() Config {
	return Config{
		InstanceCount:            DefaultInstanceCount,
		InstanceSize:             DefaultInstanceSize,
		InstanceTables:           DefaultInstanceTables,
		InstanceTableElements:    DefaultInstanceTableElements,
		InstanceMemories:         DefaultInstanceMemories,
		LinearMemoryKeepResident: DefaultLinearMemoryKeepResident,
		TableKeepResident:        DefaultTableKeepResident,
	}
}

// Knob names one overridable setting.
type Knob struct {
	field func(*Config) *uint64
	Name  string
}

// Env returns the environment variable that overrides the knob.
func (k Knob) Env() string {
	return EnvPrefix + strings.ToUpper(k.Name)
}

// Knobs lists every pooling setting in a fixed order.
var Knobs = []Knob{
	{Name: "instance_count", field: func(c *Config) *uint64 { return &c.InstanceCount }},
	{Name: "instance_size", field: func(c *Config) *uint64 { return &c.InstanceSize }},
	{Name: "instance_tables", field: func(c *Config) *uint64 { return &c.InstanceTables }},
	{Name: "instance_table_elements", field: func(c *Config) *uint64 { return &c.InstanceTableElements }},
	{Name: "instance_memories", field: func(c *Config) *uint64 { return &c.InstanceMemories }},
	{Name: "linear_memory_keep_resident", field: func(c *Config) *uint64 { return &c.LinearMemoryKeepResident }},
	{Name: "table_keep_resident", field: func(c *Config) *uint64 { return &c.TableKeepResident }},
}

// Set parses value as a positive integer and stores it in the knob.
func (k Knob) Set(c *Config, value string) error {
	n, err := ParsePositive(value)
	if err != nil {
		return errors.InvalidConfig(k.Name, value, err)
	}
	*k.field(c) = n
	return nil
}

// Get returns the knob's current value.
func (k Knob) Get(c *Config) uint64 {
	return *k.field(c)
}

// ParsePositive parses a base-10 integer greater than zero.
func ParsePositive(value string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a positive integer: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("must be greater than zero")
	}
	if n > MaxKnobValue {
		return 0, fmt.Errorf("must not exceed %d", uint64(MaxKnobValue))
	}
	return n, nil
}

// ApplyEnv overrides knobs from lookup, which is usually os.LookupEnv.
// The first malformed value aborts with an invalid config error.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	for _, k := range Knobs {
		v, ok := lookup(k.Env())
		if !ok {
			continue
		}
		if err := k.Set(c, v); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first knob that is zero or above MaxKnobValue, then
// rejects an instance_count and instance_memories pair whose product, the
// warm slab bound, overflows.
func (c *Config) Validate() error {
	for _, k := range Knobs {
		switch v := k.Get(c); {
		case v == 0:
			return errors.InvalidConfig(k.Name, v, fmt.Errorf("must be greater than zero"))
		case v > MaxKnobValue:
			return errors.InvalidConfig(k.Name, v, fmt.Errorf("must not exceed %d", uint64(MaxKnobValue)))
		}
	}
	if c.InstanceMemories > MaxKnobValue/c.InstanceCount {
		return errors.InvalidConfig("instance_memories", c.InstanceMemories,
			fmt.Errorf("instance_count * instance_memories exceeds %d", uint64(MaxKnobValue)))
	}
	return nil
}
