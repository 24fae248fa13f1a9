// Package ports defines interfaces for infrastructure operations.
// The catalog and sandbox code depend on these abstractions, and
// infrastructure adapters implement them.
package ports
