package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/engine"
	"github.com/xraph/renderq/job"
)

var errWorkerIdentity = fmt.Errorf("%w: worker id does not match credentials", renderq.ErrForbidden)

// HeartbeatRequest is the worker heartbeat body. The worker id comes from
// the credentials; a body worker_id, when sent, must match them.
type HeartbeatRequest struct {
	WorkerID     string         `json:"worker_id,omitempty"`
	Name         string         `json:"name,omitempty"`
	Status       cluster.Status `json:"status"`
	CurrentJobID string         `json:"current_job_id,omitempty"`
	GPUInfo      map[string]any `json:"gpu_info,omitempty"`
}

// StatusRequest is a worker status callback body.
type StatusRequest struct {
	Status       job.Status `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := workerFrom(r)
	var req HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.WorkerID != "" && req.WorkerID != workerID {
		a.writeError(w, r, errWorkerIdentity)
		return
	}

	wk, err := a.eng.Heartbeat(r.Context(), cluster.Heartbeat{
		WorkerID:     workerID,
		Name:         req.Name,
		Status:       req.Status,
		CurrentJobID: req.CurrentJobID,
		GPUInfo:      req.GPUInfo,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (a *API) nextJob(w http.ResponseWriter, r *http.Request) {
	workerID := workerFrom(r)
	if r.PathValue("worker_id") != workerID {
		a.writeError(w, r, errWorkerIdentity)
		return
	}
	if err := a.limiter.AllowClaim(workerID); err != nil {
		a.writeError(w, r, err)
		return
	}

	j, err := a.eng.Claim(r.Context(), workerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if j == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) reportStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	j, err := a.eng.ReportStatus(r.Context(), jobID, workerFrom(r), req.Status, strings.TrimSpace(req.ErrorMessage))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// uploadResult accepts a multipart form with an "image" file and an
// optional "metadata" JSON object.
func (a *API) uploadResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: invalid upload: %w", renderq.ErrInvalidArgument, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("image")
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: image is required", renderq.ErrInvalidArgument))
		return
	}
	defer file.Close()

	var meta map[string]any
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			a.writeError(w, r, fmt.Errorf("%w: metadata must be a JSON object", renderq.ErrInvalidArgument))
			return
		}
	}

	j, err := a.eng.UploadResult(r.Context(), engine.UploadRequest{
		JobID:       jobID,
		WorkerID:    workerFrom(r),
		Image:       file,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Metadata:    meta,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
