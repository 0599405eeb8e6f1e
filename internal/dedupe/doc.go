// Package dedupe provides a TTL cache that makes keyed operations
// idempotent: the first call runs, later calls within the window replay its
// stored result, and concurrent calls share one execution.
package dedupe
