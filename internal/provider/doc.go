// Package provider defines the interface every execution provider must
// implement, the built-in deterministic simulator, an HTTP client for remote
// solver services, and the registry that routes jobs to providers under the
// real-execution kill-switch.
package provider
