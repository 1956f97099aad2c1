package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/renderq/backoff"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/job"
)

// Pool heartbeats to a Coordinator and runs claimed jobs through an
// Executor on a fixed number of claim loops.
type Pool struct {
	coord    Coordinator
	executor *Executor
	name     string
	gpuInfo  map[string]any
	logger   *slog.Logger

	concurrency       int
	heartbeatInterval time.Duration
	poll              backoff.Strategy
	retry             backoff.Strategy

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of claim loops. Default 1, one job per GPU.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithHeartbeatInterval sets how often the pool heartbeats. It must stay
// below the server's heartbeat timeout. Default 10s.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithPollBackoff sets the wait strategy after an empty claim.
func WithPollBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.poll = s }
}

// WithRetryBackoff sets the wait strategy after a failed claim call.
func WithRetryBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.retry = s }
}

// WithName sets the display name sent with heartbeats.
func WithName(name string) PoolOption {
	return func(p *Pool) { p.name = name }
}

// WithGPUInfo sets the opaque hardware description sent with heartbeats.
func WithGPUInfo(info map[string]any) PoolOption {
	return func(p *Pool) { p.gpuInfo = info }
}

// NewPool creates a worker pool.
func NewPool(coord Coordinator, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		coord:             coord,
		executor:          executor,
		logger:            logger,
		concurrency:       1,
		heartbeatInterval: 10 * time.Second,
		poll:              backoff.DefaultPoll(),
		retry:             backoff.DefaultReconnect(),
		stopCh:            make(chan struct{}),
		activeJobs:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start sends a first heartbeat, so the worker counts as online before it
// claims, then launches the heartbeat and claim loops.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if _, err := p.coord.Heartbeat(ctx, p.heartbeat()); err != nil {
		return err
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Duration("heartbeat_interval", p.heartbeatInterval),
	)

	p.wg.Add(1)
	go p.heartbeatLoop()
	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}
	return nil
}

// Stop stops claiming and waits for running jobs. If ctx ends first the
// running generations are cancelled and reported failed. A final heartbeat
// reports the worker offline.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	hb := p.heartbeat()
	hb.Status = cluster.StatusOffline
	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancel()
	if _, err := p.coord.Heartbeat(final, hb); err != nil {
		p.logger.Warn("final heartbeat failed", slog.String("error", err.Error()))
	}
	return nil
}

// Active returns the number of jobs being generated.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

func (p *Pool) claimLoop() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	idle, failures := 0, 0
	for ctx.Err() == nil {
		j, err := p.coord.NextJob(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Warn("claim failed",
				slog.Int("attempt", failures),
				slog.String("error", err.Error()),
			)
			_ = backoff.Wait(ctx, p.retry, failures)
		case j == nil:
			failures = 0
			idle++
			_ = backoff.Wait(ctx, p.poll, idle)
		default:
			idle, failures = 0, 0
			p.run(j)
		}
	}
}

// run executes j on its own context so a pool stop lets it finish.
func (p *Pool) run(j *job.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.trackJob(j.ID.String(), cancel)
	defer p.untrackJob(j.ID.String())

	if err := p.executor.Execute(ctx, j); err != nil && !errors.Is(err, ErrAbandoned) {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.heartbeatInterval)
			if _, err := p.coord.Heartbeat(ctx, p.heartbeat()); err != nil {
				p.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// heartbeat describes the pool's current state.
func (p *Pool) heartbeat() cluster.Heartbeat {
	hb := cluster.Heartbeat{
		Name:    p.name,
		Status:  cluster.StatusIdle,
		GPUInfo: p.gpuInfo,
	}
	p.activeMu.Lock()
	for jobID := range p.activeJobs {
		hb.Status = cluster.StatusBusy
		hb.CurrentJobID = jobID
		break
	}
	p.activeMu.Unlock()
	return hb
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
