// Package config loads and validates the daemon's YAML configuration.
//
// Values support ${VAR} environment expansion, durations are written as Go
// duration strings ("30s", "1h"), and anything unset falls back to a working
// default, so an empty file yields a runnable configuration.
package config
