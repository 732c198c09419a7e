// Package allocator implements the adaptive allocation controller that
// turns resource snapshots into concurrency strategies.
//
// # Architecture
//
// The allocator runs a fixed-interval control loop (default 15s). Each
// cycle reads the latest snapshot from a SnapshotSource, applies the
// banded decision rule, and publishes a Strategy by atomic pointer
// swap so the dispatch loop reads it without locking:
//
//	Sampler ──Latest()──▶ Allocator ──publish──▶ atomic *Strategy
//	                          │                        │
//	                          └──OnChange──▶ Manager ──┘ (admission gate)
//
// # Decision Bands
//
// Each metric (cpu, mem, disk) carries four ascending thresholds:
// low, medium, high, critical. The first matching rule wins:
//
//  1. any metric ≥ critical  → emergency_stop, max_concurrent 0
//  2. any metric ≥ high      → scale_down, max 2 (3 when just past high)
//  3. any metric ≥ medium    → maintain, max 4..6 by band position
//  4. otherwise              → scale_up, max 8 (10 when far below low)
//
// A metric whose reading failed is treated as 100% so a blind
// controller always errs toward shedding load.
//
// # Adaptive Clamping
//
// With Adaptive set, the step from the previous strategy is limited:
// scale_down moves at most -1, maintain stays within ±1, and scale_up
// moves at most +2 per cycle. Emergency stop is never clamped.
//
// # Per-Type Caps
//
// Strategies carry per-type concurrency caps derived from the weight
// table: heavy-render gets a quarter of the budget, other types get
// max/avgWeight, everything clamped to [1, max_concurrent] and the
// configured max_instances. When max_concurrent is 0 all caps are 0.
//
// # Quiescent Mode
//
// Three emergency strategies inside a five-minute window indicate a
// fatal host condition. The allocator then publishes stop_new and
// holds it, letting running tasks drain, until every metric drops
// below its medium threshold. Entry and exit are announced on the
// event broker as alert.quiescent / alert.quiescent_cleared.
//
// # Thread Safety
//
// Current() is lock-free and safe from any goroutine. History,
// quiescence state, and the change callback are guarded by a mutex.
// The OnChange callback runs on the allocator goroutine and must not
// block.
package allocator
