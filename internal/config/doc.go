// Package config loads the arena-realtime configuration.
//
// Files are YAML or TOML (by extension) with ${VAR} expansion. After parsing,
// ARENA_* environment variables override individual fields, defaults fill in
// anything left unset, and Validate reports the first problem by its dotted
// path.
package config
