// Package progress provides an in-memory broker through which the sync
// engine reports its progress (batches formed, attempts made, completions,
// failures, purges) to interested subscribers. Publishing is non-blocking;
// slow subscribers miss events rather than stalling the engine.
package progress
