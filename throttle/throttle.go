package throttle

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/renderq"
)

// MaxKeys is the bucket count above which refilled buckets are pruned.
const MaxKeys = 1024

// Config sets the submission and claim limits.
type Config struct {
	// SubmitRate is the sustained submissions per second allowed per user.
	// Zero disables submission limiting.
	SubmitRate float64 `json:"submit_rate" yaml:"submit_rate"`

	// SubmitBurst defaults to 1 when SubmitRate is set.
	SubmitBurst int `json:"submit_burst" yaml:"submit_burst"`

	// ClaimRate is the sustained claims per second allowed per worker.
	// Zero disables claim limiting.
	ClaimRate float64 `json:"claim_rate" yaml:"claim_rate"`

	// ClaimBurst defaults to 1 when ClaimRate is set.
	ClaimBurst int `json:"claim_burst" yaml:"claim_burst"`
}

// Limiter holds per-user and per-worker token buckets. It is safe for
// concurrent use. A nil *Limiter allows everything.
type Limiter struct {
	submit *buckets
	claim  *buckets
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	return &Limiter{
		submit: newBuckets("submit", cfg.SubmitRate, cfg.SubmitBurst),
		claim:  newBuckets("claim", cfg.ClaimRate, cfg.ClaimBurst),
	}
}

// AllowSubmit takes a submission token for userID.
func (l *Limiter) AllowSubmit(userID string) error {
	if l == nil {
		return nil
	}
	return l.submit.allow(userID)
}

// AllowClaim takes a claim token for workerID.
func (l *Limiter) AllowClaim(workerID string) error {
	if l == nil {
		return nil
	}
	return l.claim.allow(workerID)
}

// buckets is a keyed set of token buckets sharing one rate and burst.
type buckets struct {
	name  string
	limit rate.Limit
	burst int

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

func newBuckets(name string, perSecond float64, burst int) *buckets {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &buckets{
		name:  name,
		limit: rate.Limit(perSecond),
		burst: burst,
		keys:  make(map[string]*rate.Limiter),
	}
}

func (b *buckets) allow(key string) error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	lim, ok := b.keys[key]
	if !ok {
		if len(b.keys) >= MaxKeys {
			b.pruneLocked()
		}
		lim = rate.NewLimiter(b.limit, b.burst)
		b.keys[key] = lim
	}
	b.mu.Unlock()

	if !lim.Allow() {
		return fmt.Errorf("%w: %s limit for %q", renderq.ErrRateLimited, b.name, key)
	}
	return nil
}

// pruneLocked drops buckets that are full again.
func (b *buckets) pruneLocked() {
	for key, lim := range b.keys {
		if lim.Tokens() >= float64(b.burst) {
			delete(b.keys, key)
		}
	}
}

func (b *buckets) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}
