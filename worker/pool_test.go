package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/backoff"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/engine"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/middleware"
	"github.com/xraph/renderq/storage/local"
	"github.com/xraph/renderq/store/memory"
	"github.com/xraph/renderq/worker"
)

var alice = renderq.Actor{UserID: "alice", TrustLevel: 2}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	results, err := local.New(t.TempDir())
	require.NoError(t, err)
	eng, err := engine.Build(memory.New(), engine.WithStorage(results), engine.WithLogger(testLogger()))
	require.NoError(t, err)
	return eng
}

func image(_ context.Context, j *job.Job) (*worker.Result, error) {
	return &worker.Result{Image: []byte("png:" + j.Prompt), Metadata: map[string]any{"model": "test"}}, nil
}

func startPool(t *testing.T, eng *engine.Engine, gen worker.Generator, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()
	logger := testLogger()
	coord := worker.NewLocal(eng, "gpu-1")
	exec := worker.NewExecutor(coord, gen, logger, middleware.Recover(logger))
	opts = append([]worker.PoolOption{
		worker.WithPollBackoff(backoff.NewConstant(5 * time.Millisecond)),
		worker.WithRetryBackoff(backoff.NewConstant(5 * time.Millisecond)),
		worker.WithHeartbeatInterval(50 * time.Millisecond),
		worker.WithName("rig-1"),
	}, opts...)
	pool := worker.NewPool(coord, exec, logger, opts...)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func waitStatus(t *testing.T, eng *engine.Engine, jobID id.JobID, want job.Status) *engine.JobView {
	t.Helper()
	var view *engine.JobView
	require.Eventually(t, func() bool {
		v, err := eng.GetJob(context.Background(), jobID, alice)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return view
}

func TestPool_StartStop(t *testing.T) {
	eng := newEngine(t)
	logger := testLogger()
	coord := worker.NewLocal(eng, "gpu-1")
	pool := worker.NewPool(coord, worker.NewExecutor(coord, worker.GeneratorFunc(image), logger), logger,
		worker.WithGPUInfo(map[string]any{"model": "L4"}))

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Start(context.Background()), "double start is a no-op")

	snap, err := eng.Tracker().Get(context.Background(), "gpu-1")
	require.NoError(t, err)
	assert.True(t, snap.Online)
	assert.Equal(t, cluster.StatusIdle, snap.Status)
	assert.Equal(t, "L4", snap.GPUInfo["model"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))
	require.NoError(t, pool.Stop(ctx), "double stop is a no-op")

	snap, err = eng.Tracker().Get(context.Background(), "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusOffline, snap.Status)
}

func TestPool_ProcessesJob(t *testing.T) {
	eng := newEngine(t)
	startPool(t, eng, worker.GeneratorFunc(image))

	res, err := eng.Submit(context.Background(), alice, job.Params{Prompt: "a red fox"})
	require.NoError(t, err)

	view := waitStatus(t, eng, res.Job.ID, job.StatusDone)
	assert.Equal(t, "gpu-1", view.WorkerID)
	assert.Equal(t, "test", view.ResultMetadata["model"])

	rc, _, err := eng.OpenResult(context.Background(), res.Job.ID, alice)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "png:a red fox", string(body))

	q, err := eng.Quota(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 1, q.TodayUsedCount)
}

func TestPool_ReportsFailure(t *testing.T) {
	eng := newEngine(t)
	startPool(t, eng, worker.GeneratorFunc(func(context.Context, *job.Job) (*worker.Result, error) {
		return nil, errors.New("cuda out of memory")
	}))

	res, err := eng.Submit(context.Background(), alice, job.Params{Prompt: "a red fox"})
	require.NoError(t, err)

	view := waitStatus(t, eng, res.Job.ID, job.StatusFailed)
	assert.Equal(t, "cuda out of memory", view.ErrorMessage)

	q, err := eng.Quota(context.Background(), alice)
	require.NoError(t, err)
	assert.Zero(t, q.TodayUsedCount)
}

func TestPool_RecoversPanic(t *testing.T) {
	eng := newEngine(t)
	startPool(t, eng, worker.GeneratorFunc(func(context.Context, *job.Job) (*worker.Result, error) {
		panic("driver crashed")
	}))

	res, err := eng.Submit(context.Background(), alice, job.Params{Prompt: "a red fox"})
	require.NoError(t, err)

	view := waitStatus(t, eng, res.Job.ID, job.StatusFailed)
	assert.Contains(t, view.ErrorMessage, "driver crashed")
}

func TestPool_EmptyImageFails(t *testing.T) {
	eng := newEngine(t)
	startPool(t, eng, worker.GeneratorFunc(func(context.Context, *job.Job) (*worker.Result, error) {
		return &worker.Result{}, nil
	}))

	res, err := eng.Submit(context.Background(), alice, job.Params{Prompt: "a red fox"})
	require.NoError(t, err)

	view := waitStatus(t, eng, res.Job.ID, job.StatusFailed)
	assert.Equal(t, "generator produced no image", view.ErrorMessage)
}

func TestPool_BusyHeartbeat(t *testing.T) {
	eng := newEngine(t)
	release := make(chan struct{})
	var started atomic.Bool
	startPool(t, eng, worker.GeneratorFunc(func(ctx context.Context, j *job.Job) (*worker.Result, error) {
		started.Store(true)
		<-release
		return image(ctx, j)
	}))

	res, err := eng.Submit(context.Background(), alice, job.Params{Prompt: "a red fox"})
	require.NoError(t, err)
	require.Eventually(t, started.Load, 3*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		snap, err := eng.Tracker().Get(context.Background(), "gpu-1")
		return err == nil && snap.Status == cluster.StatusBusy && snap.CurrentJobID == res.Job.ID.String()
	}, 3*time.Second, 10*time.Millisecond)

	close(release)
	waitStatus(t, eng, res.Job.ID, job.StatusDone)
}

func TestExecutor_AbandonsCancelledJob(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	coord := worker.NewLocal(eng, "gpu-1")
	_, err := coord.Heartbeat(ctx, cluster.Heartbeat{Status: cluster.StatusIdle})
	require.NoError(t, err)

	res, err := eng.Submit(ctx, alice, job.Params{Prompt: "a red fox"})
	require.NoError(t, err)
	j, err := coord.NextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	var generated atomic.Bool
	gen := worker.GeneratorFunc(func(ctx context.Context, j *job.Job) (*worker.Result, error) {
		generated.Store(true)
		_, err := eng.Cancel(ctx, j.ID, alice)
		require.NoError(t, err)
		return image(ctx, j)
	})
	exec := worker.NewExecutor(coord, gen, testLogger())

	err = exec.Execute(ctx, j)
	require.ErrorIs(t, err, worker.ErrAbandoned)
	assert.True(t, generated.Load())

	view, err := eng.GetJob(ctx, res.Job.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, view.Status)
	assert.Empty(t, view.ResultRef)
}
