package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/storage"
)

type heartbeatBody struct {
	WorkerID     string         `json:"worker_id"`
	Name         string         `json:"name,omitempty"`
	Status       cluster.Status `json:"status"`
	CurrentJobID string         `json:"current_job_id,omitempty"`
	GPUInfo      map[string]any `json:"gpu_info,omitempty"`
}

type statusBody struct {
	Status       job.Status `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Heartbeat reports the worker's state. The worker id in hb is replaced by
// the client's own.
func (c *Client) Heartbeat(ctx context.Context, hb cluster.Heartbeat) (*cluster.Worker, error) {
	var w cluster.Worker
	_, err := c.doJSON(ctx, http.MethodPost, "/v1/workers/heartbeat", nil, heartbeatBody{
		WorkerID:     c.workerID,
		Name:         hb.Name,
		Status:       hb.Status,
		CurrentJobID: hb.CurrentJobID,
		GPUInfo:      hb.GPUInfo,
	}, &w, asWorker)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// NextJob claims the next queued job. It returns nil, nil when the queue is
// empty.
func (c *Client) NextJob(ctx context.Context) (*job.Job, error) {
	var j job.Job
	ok, err := c.doJSON(ctx, http.MethodGet, "/v1/workers/"+url.PathEscape(c.workerID)+"/next-job", nil, nil, &j, asWorker)
	if err != nil || !ok {
		return nil, err
	}
	return &j, nil
}

// ReportStatus acknowledges a running job or reports it failed.
func (c *Client) ReportStatus(ctx context.Context, jobID id.JobID, status job.Status, errMsg string) (*job.Job, error) {
	var j job.Job
	_, err := c.doJSON(ctx, http.MethodPatch, "/v1/jobs/"+jobID.String()+"/status", nil,
		statusBody{Status: status, ErrorMessage: errMsg}, &j, asWorker)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// UploadResult uploads the finished image and completes the job.
// contentType defaults to image/png.
func (c *Client) UploadResult(ctx context.Context, jobID id.JobID, image io.Reader, contentType string, meta map[string]any) (*job.Job, error) {
	if contentType == "" {
		contentType = storage.ContentTypePNG
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="image"; filename=%q`, jobID.String()+".png")},
		"Content-Type":        {contentType},
	})
	if err != nil {
		return nil, fmt.Errorf("renderq/client: build upload: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("renderq/client: read image: %w", err)
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("renderq/client: marshal metadata: %w", err)
		}
		if err := mw.WriteField("metadata", string(raw)); err != nil {
			return nil, fmt.Errorf("renderq/client: build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("renderq/client: build upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/result", nil, &buf, asWorker)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var j job.Job
	if _, err := c.do(req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
