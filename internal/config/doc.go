// Package config loads, defaults, and validates the relay's YAML
// configuration. Environment variables in the file are expanded with
// os.ExpandEnv before parsing, so secrets can stay out of the file.
package config
