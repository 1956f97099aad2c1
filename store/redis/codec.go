package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
)

// Timestamps are stored as Unix microseconds so Lua can compare them.

func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func fromMicros(s string) time.Time {
	v, _ := strconv.ParseInt(s, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	return time.UnixMicro(v).UTC()
}

func fromMicrosPtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := fromMicros(s)
	return &t
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// queueScore orders the queue by priority, highest first.
func queueScore(priority int) float64 { return float64(-priority) }

// queueMember orders equal-priority jobs by creation time, then ID.
func queueMember(j *job.Job) string {
	return fmt.Sprintf("%016d|%s", j.CreatedAt.UnixMicro(), j.ID.String())
}

func jobToArgs(j *job.Job) []any {
	args := []any{
		"id", j.ID.String(),
		"user_id", j.UserID,
		"prompt", j.Prompt,
		"negative_prompt", j.NegativePrompt,
		"width", j.Width,
		"height", j.Height,
		"steps", j.Steps,
		"seed", j.Seed,
		"sampler", j.Sampler,
		"cfg_scale", strconv.FormatFloat(j.CFGScale, 'g', -1, 64),
		"status", string(j.Status),
		"priority", j.Priority,
		"retry_count", j.RetryCount,
		"error_message", j.ErrorMessage,
		"worker_id", j.WorkerID,
		"exclusive", flag(j.Exclusive),
		"result_ref", j.ResultRef,
		"created_at", micros(j.CreatedAt),
		"updated_at", micros(j.UpdatedAt),
		"qmember", queueMember(j),
	}
	if j.ResultMetadata != nil {
		args = append(args, "result_metadata", marshalJSON(j.ResultMetadata))
	}
	if j.StartedAt != nil {
		args = append(args, "started_at", micros(*j.StartedAt))
	}
	if j.FinishedAt != nil {
		args = append(args, "finished_at", micros(*j.FinishedAt))
	}
	return args
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: parse job id: %w", err)
	}

	width, _ := strconv.Atoi(m["width"])                //nolint:errcheck // best-effort parse from trusted Redis data
	height, _ := strconv.Atoi(m["height"])              //nolint:errcheck // best-effort parse from trusted Redis data
	steps, _ := strconv.Atoi(m["steps"])                //nolint:errcheck // best-effort parse from trusted Redis data
	seed, _ := strconv.ParseInt(m["seed"], 10, 64)      //nolint:errcheck // best-effort parse from trusted Redis data
	cfg, _ := strconv.ParseFloat(m["cfg_scale"], 64)    //nolint:errcheck // best-effort parse from trusted Redis data
	priority, _ := strconv.Atoi(m["priority"])          //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])     //nolint:errcheck // best-effort parse from trusted Redis data

	return &job.Job{
		ID:     jID,
		UserID: m["user_id"],
		Params: job.Params{
			Prompt:         m["prompt"],
			NegativePrompt: m["negative_prompt"],
			Width:          width,
			Height:         height,
			Steps:          steps,
			Seed:           seed,
			Sampler:        m["sampler"],
			CFGScale:       cfg,
		},
		Status:         job.Status(m["status"]),
		Priority:       priority,
		RetryCount:     retryCount,
		ErrorMessage:   m["error_message"],
		WorkerID:       m["worker_id"],
		Exclusive:      m["exclusive"] == "1",
		ResultRef:      m["result_ref"],
		ResultMetadata: unmarshalMap(m["result_metadata"]),
		CreatedAt:      fromMicros(m["created_at"]),
		UpdatedAt:      fromMicros(m["updated_at"]),
		StartedAt:      fromMicrosPtr(m["started_at"]),
		FinishedAt:     fromMicrosPtr(m["finished_at"]),
	}, nil
}

func mapToWorker(m map[string]string) *cluster.Worker {
	return &cluster.Worker{
		ID:           m["id"],
		Name:         m["name"],
		Status:       cluster.Status(m["status"]),
		CurrentJobID: m["current_job_id"],
		GPUInfo:      unmarshalMap(m["gpu_info"]),
		LastSeenAt:   fromMicros(m["last_seen_at"]),
		CreatedAt:    fromMicros(m["created_at"]),
	}
}

func mapToAccount(m map[string]string) *quota.Account {
	trust, _ := strconv.Atoi(m["trust_level"])                //nolint:errcheck // best-effort parse from trusted Redis data
	daily, _ := strconv.Atoi(m["daily_quota"])                //nolint:errcheck // best-effort parse from trusted Redis data
	used, _ := strconv.Atoi(m["today_used_count"])            //nolint:errcheck // best-effort parse from trusted Redis data
	total, _ := strconv.ParseInt(m["total_generations"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	return &quota.Account{
		UserID:           m["user_id"],
		IsAdmin:          m["is_admin"] == "1",
		TrustLevel:       trust,
		DailyQuota:       daily,
		TodayUsedCount:   used,
		LastUsedDay:      m["last_used_day"],
		TotalGenerations: total,
		UpdatedAt:        fromMicros(m["updated_at"]),
	}
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v any) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalMap parses a JSON object.
func unmarshalMap(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]any)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
