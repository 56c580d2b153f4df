package multikey

import "errors"

var (
	// ErrInvalidCapacity is returned when the configured capacity is negative.
	ErrInvalidCapacity = errors.New("multikey: capacity must be non-negative")
	// ErrInvalidLoadFactor is returned when the load factor is not a positive number.
	ErrInvalidLoadFactor = errors.New("multikey: load factor must be positive")
	// ErrNilConfig is returned when WithConfig receives a nil configuration.
	ErrNilConfig = errors.New("multikey: config is nil")
	// ErrNilSource is returned when copy construction receives a nil source map.
	ErrNilSource = errors.New("multikey: source map is nil")
	// ErrNilFunction is the panic value (wrapped) for nil compute and merge functions.
	ErrNilFunction = errors.New("multikey: function is nil")
)
