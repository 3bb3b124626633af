// Package shard computes a shard's sub-window of a backfill range and
// drives the per-shard pipeline: fetch (C6) -> normalize (C2) -> partition
// (C1) -> encode (C3) -> cursor commit (C5) -> upload (C4), periodically
// draining the upload queue and confirming the cursor's remote position.
package shard

import "time"

// Window computes shard i's sub-window of [min, max] out of total shards,
// using integer arithmetic on nanosecond offsets so no two shard processes
// can ever disagree about a boundary due to floating-point rounding.
//
//	shard_max = max - floor(i     * (max - min) / N)
//	shard_min = max - floor((i+1) * (max - min) / N)
//
// Boundary semantics match the HTTP source's half-open [at_or_after,
// before): a timestamp exactly on a shared boundary belongs to the
// earlier-index (later-time) shard only. For any N, the union of every
// shard's sub-window equals [min, max] exactly and no two sub-windows
// overlap.
func Window(min, max time.Time, index, total int) (shardMin, shardMax time.Time) {
	span := max.Sub(min).Nanoseconds()

	shardMax = max.Add(-time.Duration(int64(index) * span / int64(total)))
	shardMin = max.Add(-time.Duration(int64(index+1) * span / int64(total)))

	return shardMin, shardMax
}
