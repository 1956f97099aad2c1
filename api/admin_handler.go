package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/job"
)

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	s, err := a.eng.Stats(r.Context(), actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) adminListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	opts := job.ListOpts{
		Status: job.Status(r.URL.Query().Get("status")),
		UserID: r.URL.Query().Get("user_id"),
		Limit:  limit,
		Offset: offset,
	}
	jobs, err := a.eng.ListJobs(r.Context(), actorFrom(r), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Limit: limit, Offset: offset})
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	j, err := a.eng.Retry(r.Context(), jobID, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) adminCancelJob(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).IsAdmin {
		a.writeError(w, r, renderq.ErrNotAdmin)
		return
	}
	a.cancelJob(w, r)
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.eng.ListWorkers(r.Context(), actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (a *API) deleteWorker(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("worker_id")
	if workerID == "" {
		a.writeError(w, r, fmt.Errorf("%w: worker_id is required", renderq.ErrInvalidArgument))
		return
	}
	if err := a.eng.DeleteWorker(r.Context(), actorFrom(r), workerID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
