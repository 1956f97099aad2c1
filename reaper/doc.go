// Package reaper fails running jobs whose worker went silent.
//
// A job that stays running longer than the configured timeout is assumed
// lost with its worker. On every tick of its cron schedule the reaper lists
// such jobs and moves each to failed with a timeout message. Queued jobs
// are never touched and quota is never charged or refunded.
//
// Each transition is conditional on the job still being running and still
// older than the cutoff, so several reapers may run against one store and a
// job is failed by exactly one of them.
package reaper
