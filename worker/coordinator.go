package worker

import (
	"bytes"
	"context"
	"io"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/engine"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

// Coordinator is the server side of the worker contract. *client.Client
// satisfies it over HTTP; Local satisfies it in process.
type Coordinator interface {
	Heartbeat(ctx context.Context, hb cluster.Heartbeat) (*cluster.Worker, error)

	// NextJob claims the next queued job, or returns nil, nil when the
	// queue is empty.
	NextJob(ctx context.Context) (*job.Job, error)

	ReportStatus(ctx context.Context, jobID id.JobID, status job.Status, errMsg string) (*job.Job, error)
	UploadResult(ctx context.Context, jobID id.JobID, image io.Reader, contentType string, meta map[string]any) (*job.Job, error)
}

// Local adapts an in-process Engine to Coordinator for one worker id.
type Local struct {
	eng      *engine.Engine
	workerID string
}

var _ Coordinator = (*Local)(nil)

// NewLocal returns a Coordinator that calls eng directly as workerID.
func NewLocal(eng *engine.Engine, workerID string) *Local {
	return &Local{eng: eng, workerID: workerID}
}

func (l *Local) Heartbeat(ctx context.Context, hb cluster.Heartbeat) (*cluster.Worker, error) {
	hb.WorkerID = l.workerID
	return l.eng.Heartbeat(ctx, hb)
}

func (l *Local) NextJob(ctx context.Context) (*job.Job, error) {
	return l.eng.Claim(ctx, l.workerID)
}

func (l *Local) ReportStatus(ctx context.Context, jobID id.JobID, status job.Status, errMsg string) (*job.Job, error) {
	return l.eng.ReportStatus(ctx, jobID, l.workerID, status, errMsg)
}

func (l *Local) UploadResult(ctx context.Context, jobID id.JobID, image io.Reader, contentType string, meta map[string]any) (*job.Job, error) {
	req := engine.UploadRequest{
		JobID:       jobID,
		WorkerID:    l.workerID,
		Image:       image,
		Size:        -1,
		ContentType: contentType,
		Metadata:    meta,
	}
	if b, ok := image.(*bytes.Reader); ok {
		req.Size = b.Size()
	}
	return l.eng.UploadResult(ctx, req)
}
