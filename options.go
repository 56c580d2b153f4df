package multikey

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultCapacity is the initial number of buckets when no capacity is configured.
	DefaultCapacity = 16
	// DefaultLoadFactor is the size/capacity ratio that triggers a table doubling.
	DefaultLoadFactor = 0.75
	// MaxCapacity is the largest bucket count the table grows to.
	MaxCapacity = 1 << 30
)

// MapConfig defines configurable MultiKeyMap options.
//
// The zero value is not the default configuration; start from
// DefaultMapConfig and adjust it, or use the With* options.
type MapConfig struct {
	// Capacity is the requested initial bucket count, rounded up to a power of two.
	Capacity int `koanf:"capacity"`
	// LoadFactor is the size/capacity ratio above which the table doubles.
	LoadFactor float64 `koanf:"load_factor"`
	// ExpandCollections expands Sequence keys into multi-component keys.
	// When false a Sequence is one opaque key compared by its content.
	ExpandCollections bool `koanf:"expand_collections"`
	// FlattenDimensions drops nesting boundaries, so [[a,b],c] equals [a,b,c].
	FlattenDimensions bool `koanf:"flatten_dimensions"`
	// SimpleKeys asserts that no key component is itself an array or Sequence
	// and skips nested-structure detection.
	SimpleKeys bool `koanf:"simple_keys"`
	// ValueBasedEquality makes numeric components equal across types by value
	// (int 1 == int64 1 == float64 1.0).
	ValueBasedEquality bool `koanf:"value_based_equality"`
	// CaseSensitive controls string component comparison.
	CaseSensitive bool `koanf:"case_sensitive"`

	// Logger receives construction, resize and contention messages.
	Logger hclog.Logger `koanf:"-"`

	err error
}

// DefaultMapConfig returns the configuration used when no options are given.
func DefaultMapConfig() MapConfig {
	return MapConfig{
		Capacity:           DefaultCapacity,
		LoadFactor:         DefaultLoadFactor,
		ExpandCollections:  true,
		FlattenDimensions:  false,
		SimpleKeys:         false,
		ValueBasedEquality: true,
		CaseSensitive:      true,
	}
}

// Validate reports configuration errors.
func (c *MapConfig) Validate() error {
	if c.err != nil {
		return c.err
	}
	if c.Capacity < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, c.Capacity)
	}
	if c.LoadFactor <= 0 || math.IsNaN(c.LoadFactor) {
		return fmt.Errorf("%w: %v", ErrInvalidLoadFactor, c.LoadFactor)
	}
	return nil
}

// WithCapacity configures the initial bucket count. It is rounded up to the
// next power of two and capped at MaxCapacity.
func WithCapacity(capacity int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.Capacity = capacity
	}
}

// WithLoadFactor configures the resize threshold.
func WithLoadFactor(loadFactor float64) func(*MapConfig) {
	return func(c *MapConfig) {
		c.LoadFactor = loadFactor
	}
}

// WithCollectionsNotExpanded makes Sequence keys opaque single keys.
func WithCollectionsNotExpanded() func(*MapConfig) {
	return func(c *MapConfig) {
		c.ExpandCollections = false
	}
}

// WithFlattenDimensions flattens nested arrays and sequences into one tuple.
func WithFlattenDimensions() func(*MapConfig) {
	return func(c *MapConfig) {
		c.FlattenDimensions = true
	}
}

// WithSimpleKeys skips nested-structure detection. Only use it when no key
// component is itself a slice, array or Sequence.
func WithSimpleKeys() func(*MapConfig) {
	return func(c *MapConfig) {
		c.SimpleKeys = true
	}
}

// WithStrictEquality disables cross-type numeric equality.
func WithStrictEquality() func(*MapConfig) {
	return func(c *MapConfig) {
		c.ValueBasedEquality = false
	}
}

// WithCaseInsensitive makes string components compare ignoring case.
func WithCaseInsensitive() func(*MapConfig) {
	return func(c *MapConfig) {
		c.CaseSensitive = false
	}
}

// WithLogger sets the logger. A nil logger keeps the null logger.
func WithLogger(logger hclog.Logger) func(*MapConfig) {
	return func(c *MapConfig) {
		c.Logger = logger
	}
}

// WithConfig replaces the whole configuration, typically one loaded from a file.
// Options listed after it still apply on top.
func WithConfig(cfg *MapConfig) func(*MapConfig) {
	return func(c *MapConfig) {
		if cfg == nil {
			c.err = ErrNilConfig
			return
		}
		logger, err := c.Logger, c.err
		*c = *cfg
		if c.Logger == nil {
			c.Logger = logger
		}
		if c.err == nil {
			c.err = err
		}
	}
}

// tableSizeFor returns the bucket count for a requested capacity.
func tableSizeFor(capacity int) int {
	if capacity >= MaxCapacity {
		return MaxCapacity
	}
	return nextPowOf2(capacity)
}
