// Package cluster tracks worker liveness.
//
// Each GPU worker owns one [Worker] row that it overwrites on every
// heartbeat. The row's last_seen_at is the only persisted liveness signal:
// whether a worker is online is computed at read time as
//
//	now - last_seen_at < heartbeat_timeout
//
// and never stored. A crashed worker silently goes offline once the timeout
// elapses. The self-reported [Status] is advisory and must not drive
// admission decisions; use [Tracker.AnyOnline].
package cluster
