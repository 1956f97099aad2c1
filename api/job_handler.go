package api

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/storage"
)

// ListJobsResponse wraps a page of jobs.
type ListJobsResponse struct {
	Jobs   []*job.Job `json:"jobs"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// PositionResponse reports where a queued job stands.
type PositionResponse struct {
	JobID string `json:"job_id"`
	Ahead int64  `json:"ahead"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	var params job.Params
	if err := decodeJSON(r, &params); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.limiter.AllowSubmit(actor.UserID); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.eng.Submit(r.Context(), actor, params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) listUserJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	jobs, err := a.eng.ListUserJobs(r.Context(), actorFrom(r), limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Limit: limit, Offset: offset})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	view, err := a.eng.GetJob(r.Context(), jobID, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) jobPosition(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// Ownership first, so the position of other users' jobs stays private.
	if _, err := a.eng.GetJob(r.Context(), jobID, actorFrom(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	ahead, err := a.eng.QueuePosition(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PositionResponse{JobID: jobID.String(), Ahead: ahead})
}

func (a *API) jobImage(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rc, _, err := a.eng.OpenResult(r.Context(), jobID, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", storage.ContentTypePNG)
	w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(24*3600))
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("image copy interrupted",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// cancelJob lets the owner, or an admin, withdraw a job.
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	j, err := a.eng.Cancel(r.Context(), jobID, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) quota(w http.ResponseWriter, r *http.Request) {
	q, err := a.eng.Quota(r.Context(), actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
