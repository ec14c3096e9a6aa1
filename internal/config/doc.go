// Package config provides centralized configuration management for the
// VaultGuard runtime, covering the API server, the shared storage backend,
// the event publisher, and the logging pipeline. Defaults favour the
// in-memory backends so a bare config file yields a runnable single-node
// deployment.
package config
