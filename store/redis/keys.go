package redis

// keyspace builds every key the store touches. All keys share its prefix.
type keyspace string

const defaultPrefix keyspace = "renderq:"

// ── Job keys ──

// job returns the Hash key for a job: renderq:job:{id}
func (k keyspace) job(id string) string { return string(k) + "job:" + id }

// jobPrefix is prepended to IDs inside Lua scripts.
func (k keyspace) jobPrefix() string { return string(k) + "job:" }

// queue is the Sorted Set of queued jobs in claim order.
func (k keyspace) queue() string { return string(k) + "queue" }

// running is the Sorted Set of running job IDs scored by started_at.
func (k keyspace) running() string { return string(k) + "running" }

// jobs is the Sorted Set of every job ID scored by created_at.
func (k keyspace) jobs() string { return string(k) + "jobs" }

// userJobs is the per-user Sorted Set of job IDs scored by created_at.
func (k keyspace) userJobs(userID string) string { return string(k) + "user_jobs:" + userID }

// pending holds the ID of the user's single pending exclusive job.
func (k keyspace) pending(userID string) string { return string(k) + "pending:" + userID }

// ── Cluster keys ──

// worker returns the Hash key for a worker: renderq:worker:{id}
func (k keyspace) worker(id string) string { return string(k) + "worker:" + id }

// workers is the Sorted Set of worker IDs scored by last_seen_at.
func (k keyspace) workers() string { return string(k) + "workers" }

// ── Quota keys ──

// account returns the Hash key for an account: renderq:account:{user}
func (k keyspace) account(userID string) string { return string(k) + "account:" + userID }
