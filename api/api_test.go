package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/renderq/admission"
	"github.com/xraph/renderq/api"
	"github.com/xraph/renderq/engine"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/storage/local"
	"github.com/xraph/renderq/store/memory"
	"github.com/xraph/renderq/stream"
	"github.com/xraph/renderq/throttle"
)

const workerKey = "s3cret"

type harness struct {
	srv    *httptest.Server
	eng    *engine.Engine
	broker *stream.Broker
}

func newHarness(t *testing.T, opts ...api.Option) *harness {
	t.Helper()
	results, err := local.New(t.TempDir())
	require.NoError(t, err)

	broker := stream.NewBroker(nil)
	eng, err := engine.Build(memory.New(),
		engine.WithStorage(results),
		engine.WithExtension(broker),
	)
	require.NoError(t, err)

	opts = append([]api.Option{api.WithWorkerKey(workerKey), api.WithBroker(broker)}, opts...)
	srv := httptest.NewServer(api.New(eng, opts...).Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, eng: eng, broker: broker}
}

type headers map[string]string

func asUser(userID string) headers { return headers{"X-User-ID": userID} }

func asAdmin() headers { return headers{"X-User-ID": "root", "X-User-Admin": "true"} }

func asWorker(workerID string) headers {
	return headers{"X-Worker-ID": workerID, "X-API-Key": workerKey}
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, hdr headers) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, h.srv.URL+path, body)
	require.NoError(t, err)
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) doJSON(t *testing.T, method, path string, in any, hdr headers, wantStatus int, out any) {
	t.Helper()
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	resp := h.do(t, method, path, body, hdr)
	raw, _ := io.ReadAll(resp.Body)
	require.Equal(t, wantStatus, resp.StatusCode, "%s %s: %s", method, path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

func (h *harness) heartbeat(t *testing.T, workerID string) {
	t.Helper()
	h.doJSON(t, http.MethodPost, "/v1/workers/heartbeat",
		map[string]any{"status": "idle", "gpu_info": map[string]any{"model": "L4"}},
		asWorker(workerID), http.StatusOK, nil)
}

func (h *harness) submit(t *testing.T, userID string) *admission.Result {
	t.Helper()
	var res admission.Result
	h.doJSON(t, http.MethodPost, "/v1/jobs", job.Params{Prompt: "a red fox"}, asUser(userID), http.StatusCreated, &res)
	return &res
}

func multipartUpload(t *testing.T, image []byte, metadata string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "out.png")
	require.NoError(t, err)
	_, err = fw.Write(image)
	require.NoError(t, err)
	if metadata != "" {
		require.NoError(t, mw.WriteField("metadata", metadata))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestJobLifecycle(t *testing.T) {
	h := newHarness(t)
	h.heartbeat(t, "gpu-1")

	res := h.submit(t, "alice")
	assert.Equal(t, job.StatusQueued, res.Job.Status)
	assert.EqualValues(t, 1, res.Position)
	assert.False(t, res.Overloaded)
	path := "/v1/jobs/" + res.Job.ID.String()

	var view engine.JobView
	h.doJSON(t, http.MethodGet, path, nil, asUser("alice"), http.StatusOK, &view)
	assert.EqualValues(t, 1, view.Position)

	var pos api.PositionResponse
	h.doJSON(t, http.MethodGet, path+"/position", nil, asUser("alice"), http.StatusOK, &pos)
	assert.EqualValues(t, 0, pos.Ahead)

	var claimed job.Job
	h.doJSON(t, http.MethodGet, "/v1/workers/gpu-1/next-job", nil, asWorker("gpu-1"), http.StatusOK, &claimed)
	require.Equal(t, res.Job.ID, claimed.ID)
	assert.Equal(t, "gpu-1", claimed.WorkerID)

	h.doJSON(t, http.MethodGet, "/v1/workers/gpu-1/next-job", nil, asWorker("gpu-1"), http.StatusNoContent, nil)

	h.doJSON(t, http.MethodPatch, path+"/status", api.StatusRequest{Status: job.StatusRunning},
		asWorker("gpu-1"), http.StatusOK, nil)

	image := []byte("\x89PNG fake")
	body, contentType := multipartUpload(t, image, `{"seed": 7}`)
	resp := h.do(t, http.MethodPost, path+"/result", body,
		headers{"X-Worker-ID": "gpu-1", "X-API-Key": workerKey, "Content-Type": contentType})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done job.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&done))
	assert.Equal(t, job.StatusDone, done.Status)
	assert.Equal(t, float64(7), done.ResultMetadata["seed"])

	resp = h.do(t, http.MethodGet, path+"/image", nil, asUser("alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, image, got)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	var q engine.QuotaView
	h.doJSON(t, http.MethodGet, "/v1/quota", nil, asUser("alice"), http.StatusOK, &q)
	assert.Equal(t, 1, q.TodayUsedCount)
	assert.Equal(t, 0, q.Remaining)

	var page api.ListJobsResponse
	h.doJSON(t, http.MethodGet, "/v1/jobs?limit=5", nil, asUser("alice"), http.StatusOK, &page)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, 5, page.Limit)
}

func TestErrorStatuses(t *testing.T) {
	h := newHarness(t)

	// No worker online yet.
	h.doJSON(t, http.MethodPost, "/v1/jobs", job.Params{Prompt: "x"}, asUser("alice"), http.StatusServiceUnavailable, nil)

	h.heartbeat(t, "gpu-1")
	res := h.submit(t, "alice")
	path := "/v1/jobs/" + res.Job.ID.String()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		hdr    headers
		want   int
	}{
		{"missing identity", http.MethodGet, "/v1/quota", nil, nil, http.StatusUnauthorized},
		{"bad trust level", http.MethodGet, "/v1/quota", nil, headers{"X-User-ID": "a", "X-User-Trust-Level": "high"}, http.StatusBadRequest},
		{"bad api key", http.MethodGet, "/v1/workers/gpu-1/next-job", nil, headers{"X-Worker-ID": "gpu-1", "X-API-Key": "nope"}, http.StatusUnauthorized},
		{"missing worker id", http.MethodGet, "/v1/workers/gpu-1/next-job", nil, headers{"X-API-Key": workerKey}, http.StatusUnauthorized},
		{"path worker mismatch", http.MethodGet, "/v1/workers/gpu-2/next-job", nil, asWorker("gpu-1"), http.StatusForbidden},
		{"heartbeat worker mismatch", http.MethodPost, "/v1/workers/heartbeat", map[string]any{"worker_id": "gpu-2"}, asWorker("gpu-1"), http.StatusForbidden},
		{"bad job id", http.MethodGet, "/v1/jobs/not-an-id", nil, asUser("alice"), http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/v1/jobs/" + id.NewJobID().String(), nil, asUser("alice"), http.StatusNotFound},
		{"other user's job", http.MethodGet, path, nil, asUser("bob"), http.StatusForbidden},
		{"second pending job", http.MethodPost, "/v1/jobs", job.Params{Prompt: "again"}, asUser("alice"), http.StatusTooManyRequests},
		{"invalid params", http.MethodPost, "/v1/jobs", job.Params{Prompt: "x", Width: 4096}, asUser("bob"), http.StatusBadRequest},
		{"stats as user", http.MethodGet, "/v1/admin/stats", nil, asUser("alice"), http.StatusForbidden},
		{"admin cancel as owner", http.MethodPost, "/v1/admin/jobs/" + res.Job.ID.String() + "/cancel", nil, asUser("alice"), http.StatusForbidden},
		{"retry queued job", http.MethodPost, "/v1/admin/jobs/" + res.Job.ID.String() + "/retry", nil, asAdmin(), http.StatusConflict},
		{"done via status", http.MethodPatch, path + "/status", api.StatusRequest{Status: job.StatusDone}, asWorker("gpu-1"), http.StatusBadRequest},
		{"delete online worker", http.MethodDelete, "/v1/admin/workers/gpu-1", nil, asAdmin(), http.StatusConflict},
		{"bad limit", http.MethodGet, "/v1/jobs?limit=-1", nil, asUser("alice"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp api.ErrorResponse
			h.doJSON(t, tt.method, tt.path, tt.body, tt.hdr, tt.want, &errResp)
			assert.Equal(t, tt.want, errResp.Status)
			assert.NotEmpty(t, errResp.Error)
		})
	}

	// Cancelled, then cancelled again.
	h.doJSON(t, http.MethodPost, path+"/cancel", nil, asUser("alice"), http.StatusOK, nil)
	h.doJSON(t, http.MethodPost, path+"/cancel", nil, asUser("alice"), http.StatusConflict, nil)
}

func TestWorkerKeyRequired(t *testing.T) {
	h := newHarness(t, api.WithWorkerKey(""))
	h.doJSON(t, http.MethodPost, "/v1/workers/heartbeat", map[string]any{},
		headers{"X-Worker-ID": "gpu-1", "X-API-Key": ""}, http.StatusUnauthorized, nil)
}

func TestClaimThrottle(t *testing.T) {
	h := newHarness(t, api.WithThrottle(throttle.New(throttle.Config{ClaimRate: 0.001})))

	h.doJSON(t, http.MethodGet, "/v1/workers/gpu-1/next-job", nil, asWorker("gpu-1"), http.StatusNoContent, nil)
	h.doJSON(t, http.MethodGet, "/v1/workers/gpu-1/next-job", nil, asWorker("gpu-1"), http.StatusTooManyRequests, nil)
	h.doJSON(t, http.MethodGet, "/v1/workers/gpu-2/next-job", nil, asWorker("gpu-2"), http.StatusNoContent, nil)
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t)
	h.heartbeat(t, "gpu-1")
	res := h.submit(t, "alice")
	path := "/v1/jobs/" + res.Job.ID.String()

	h.doJSON(t, http.MethodGet, "/v1/workers/gpu-1/next-job", nil, asWorker("gpu-1"), http.StatusOK, nil)
	h.doJSON(t, http.MethodPatch, path+"/status", api.StatusRequest{Status: job.StatusFailed, ErrorMessage: "oom"},
		asWorker("gpu-1"), http.StatusOK, nil)

	var failed api.ListJobsResponse
	h.doJSON(t, http.MethodGet, "/v1/admin/jobs?status=failed", nil, asAdmin(), http.StatusOK, &failed)
	require.Len(t, failed.Jobs, 1)
	assert.Equal(t, "oom", failed.Jobs[0].ErrorMessage)

	var retried job.Job
	h.doJSON(t, http.MethodPost, "/v1/admin/jobs/"+res.Job.ID.String()+"/retry", nil, asAdmin(), http.StatusOK, &retried)
	assert.Equal(t, job.StatusQueued, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	var stats engine.Stats
	h.doJSON(t, http.MethodGet, "/v1/admin/stats", nil, asAdmin(), http.StatusOK, &stats)
	assert.EqualValues(t, 1, stats.QueuedJobs)
	assert.EqualValues(t, 1, stats.OnlineWorkers)

	var workers []map[string]any
	h.doJSON(t, http.MethodGet, "/v1/admin/workers", nil, asAdmin(), http.StatusOK, &workers)
	require.Len(t, workers, 1)
	assert.Equal(t, true, workers[0]["is_online"])

	h.doJSON(t, http.MethodPost, "/v1/admin/jobs/"+res.Job.ID.String()+"/cancel", nil, asAdmin(), http.StatusOK, nil)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = h.do(t, http.MethodGet, "/healthz", nil, headers{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func dialStream(t *testing.T, h *harness, query string, hdr http.Header) (io.ReadWriteCloser, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/stream" + query
	conn, _, _, err := ws.Dialer{Header: ws.HandshakeHeaderHTTP(hdr)}.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { conn.Close() })
	return conn, nil
}

func TestStream(t *testing.T) {
	h := newHarness(t)
	h.heartbeat(t, "gpu-1")

	conn, err := dialStream(t, h, "?format=msgpack", http.Header{"X-User-ID": {"alice"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.broker.Stats().SubscriberCount == 1 },
		2*time.Second, 10*time.Millisecond)

	h.submit(t, "bob")
	res := h.submit(t, "alice")

	data, op, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	assert.Equal(t, ws.OpBinary, op)

	evt, err := stream.MsgpackCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, stream.EventJobSubmitted, evt.Type)
	require.NotNil(t, evt.Job)
	assert.Equal(t, res.Job.ID.String(), evt.Job.JobID, "alice must not see bob's job")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.broker.Stats().SubscriberCount == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestStreamRejections(t *testing.T) {
	h := newHarness(t)

	_, err := dialStream(t, h, "", nil)
	require.Error(t, err)
	var status ws.StatusError
	if errors.As(err, &status) {
		assert.Equal(t, http.StatusUnauthorized, int(status))
	}

	_, err = dialStream(t, h, "?format=xml", http.Header{"X-User-ID": {"alice"}})
	require.Error(t, err, fmt.Sprintf("format %q must be rejected", "xml"))
}
