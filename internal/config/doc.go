// Package config loads, normalizes, and validates storesync configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// per-account token_env variables. The Config type centralizes every knob the
// daemon and CLI need: accounts, platform endpoints, the business-hours
// window, worker retry policy, and supervisor restart limits.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
