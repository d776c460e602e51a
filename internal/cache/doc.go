// Package cache defines the resource store that keeps complete, immutable
// media and shell bodies addressed by their absolute origin URL. Every store
// is opened for one cache generation; entries written under other generations
// stay invisible until the lifecycle layer drops them. Partial bodies are never
// persisted: range responses are synthesized per request from the full body.
//
// Three drivers share the Store contract: a filesystem layout (temp file +
// rename, one blob per key), an in-memory map, and a pure-Go sqlite table.
// WithQuota wraps any of them with a byte budget.
package cache
