package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/admission"
	"github.com/xraph/renderq/engine"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs   []*job.Job `json:"jobs"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Submit queues a generation for the client's actor.
func (c *Client) Submit(ctx context.Context, params job.Params) (*admission.Result, error) {
	var res admission.Result
	if _, err := c.doJSON(ctx, http.MethodPost, "/v1/jobs", nil, params, &res, asUser); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetJob fetches one of the actor's jobs with its queue position.
func (c *Client) GetJob(ctx context.Context, jobID id.JobID) (*engine.JobView, error) {
	var v engine.JobView
	if _, err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, nil, &v, asUser); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListJobs pages through the actor's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, limit, offset int) (*JobPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var p JobPage
	if _, err := c.doJSON(ctx, http.MethodGet, "/v1/jobs", q, nil, &p, asUser); err != nil {
		return nil, err
	}
	return &p, nil
}

// Cancel withdraws a queued or running job.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if _, err := c.doJSON(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, nil, &j, asUser); err != nil {
		return nil, err
	}
	return &j, nil
}

// Quota returns the actor's allowance for today.
func (c *Client) Quota(ctx context.Context) (*engine.QuotaView, error) {
	var q engine.QuotaView
	if _, err := c.doJSON(ctx, http.MethodGet, "/v1/quota", nil, nil, &q, asUser); err != nil {
		return nil, err
	}
	return &q, nil
}

// Image streams a finished job's image. The caller closes the reader.
func (c *Client) Image(ctx context.Context, jobID id.JobID) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/jobs/"+jobID.String()+"/image", nil, nil, asUser)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", renderq.ErrServiceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}
