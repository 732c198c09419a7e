/*
Package sampler implements the host resource sampler.

One snapshot is taken per tick (default 5 s): CPU percent averaged over
the tick (gopsutil's delta mode), memory used percent, disk used percent
for the configured root volume, cumulative network byte counters, and an
optional top-K process table. Snapshots append to a bounded ring
(default 100) that persists to resources.json.

# Failure Handling

Each metric read is retried up to 3 times with exponential backoff.
A metric that still fails is recorded as the unknown sentinel (-1);
consumers map it to worst-case 100% via types.EffectivePercent, so a
blind controller always errs toward shedding load.

# Publication

The sampler never blocks its consumers:

  - Latest() reads an atomic pointer, swapped whole per sample
  - Events() is a depth-1 channel with drop-oldest overflow — a slow
    consumer sees the freshest snapshot, never a backlog
  - History() returns a copy of the ring

Tests and the poc binaries inject scripted metric reads through
Config.Probes; production leaves it nil for the gopsutil host probes.
*/
package sampler
