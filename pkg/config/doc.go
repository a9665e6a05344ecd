// Package config loads and validates the nodupe.yaml configuration file,
// applying defaults for anything the file omits. CLI flags override file
// values at the command layer.
package config
