// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
//
// Every queue key carries the queue (or lane) name as a hash tag so the Lua
// scripts touching a ready list and its sibling structures stay on a single
// cluster slot.
package keys

import "strconv"

func Ready(q string) string      { return "laneq:{" + q + "}:ready" }
func Processing(q string) string { return "laneq:{" + q + "}:processing" }

// Delayed returns the ZSET key backing a lane's delay queue. The hold time is
// part of the key so a TTL change opens a fresh queue instead of mixing hold
// times in one structure.
func Delayed(lane string, ttlMs int64) string {
	return "laneq:{" + lane + "}:delayed-" + strconv.FormatInt(ttlMs, 10) + "ms"
}

// Window returns the sliding-window ZSET for one lane under a caller-owned
// namespace prefix. Dispatcher and worker tiers pass different prefixes and
// therefore never share counters.
func Window(prefix, lane string) string { return prefix + ":{" + lane + "}:window" }

// Assign returns the key pinning a job id to its first selected lane.
func Assign(jobID string) string { return "laneq:assign:{" + jobID + "}" }

// Pair holds the precomputed delivery keys for one queue name.
type Pair struct {
	Ready      string
	Processing string
}

// For returns the precomputed key pair for the provided queue.
func For(q string) Pair {
	prefix := "laneq:{" + q + "}:"
	return Pair{
		Ready:      prefix + "ready",
		Processing: prefix + "processing",
	}
}
