package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:renderq_jobs,alias:j"`

	ID             string         `bun:"id,pk"`
	UserID         string         `bun:"user_id,notnull"`
	Prompt         string         `bun:"prompt,notnull"`
	NegativePrompt string         `bun:"negative_prompt,notnull"`
	Width          int            `bun:"width,notnull"`
	Height         int            `bun:"height,notnull"`
	Steps          int            `bun:"steps,notnull"`
	Seed           int64          `bun:"seed,notnull"`
	Sampler        string         `bun:"sampler,notnull"`
	CFGScale       float64        `bun:"cfg_scale,notnull"`
	Status         string         `bun:"status,notnull"`
	Priority       int            `bun:"priority,notnull"`
	RetryCount     int            `bun:"retry_count,notnull"`
	ErrorMessage   string         `bun:"error_message,notnull"`
	WorkerID       string         `bun:"worker_id,notnull"`
	Exclusive      bool           `bun:"exclusive,notnull"`
	ResultRef      string         `bun:"result_ref,notnull"`
	ResultMetadata map[string]any `bun:"result_metadata,type:jsonb,nullzero"`
	CreatedAt      time.Time      `bun:"created_at,notnull"`
	UpdatedAt      time.Time      `bun:"updated_at,notnull"`
	StartedAt      *time.Time     `bun:"started_at"`
	FinishedAt     *time.Time     `bun:"finished_at"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:             j.ID.String(),
		UserID:         j.UserID,
		Prompt:         j.Prompt,
		NegativePrompt: j.NegativePrompt,
		Width:          j.Width,
		Height:         j.Height,
		Steps:          j.Steps,
		Seed:           j.Seed,
		Sampler:        j.Sampler,
		CFGScale:       j.CFGScale,
		Status:         string(j.Status),
		Priority:       j.Priority,
		RetryCount:     j.RetryCount,
		ErrorMessage:   j.ErrorMessage,
		WorkerID:       j.WorkerID,
		Exclusive:      j.Exclusive,
		ResultRef:      j.ResultRef,
		ResultMetadata: j.ResultMetadata,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("renderq/bun: parse job id %q: %w", m.ID, err)
	}

	return &job.Job{
		ID:     parsedID,
		UserID: m.UserID,
		Params: job.Params{
			Prompt:         m.Prompt,
			NegativePrompt: m.NegativePrompt,
			Width:          m.Width,
			Height:         m.Height,
			Steps:          m.Steps,
			Seed:           m.Seed,
			Sampler:        m.Sampler,
			CFGScale:       m.CFGScale,
		},
		Status:         job.Status(m.Status),
		Priority:       m.Priority,
		RetryCount:     m.RetryCount,
		ErrorMessage:   m.ErrorMessage,
		WorkerID:       m.WorkerID,
		Exclusive:      m.Exclusive,
		ResultRef:      m.ResultRef,
		ResultMetadata: m.ResultMetadata,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
		StartedAt:      utcPtr(m.StartedAt),
		FinishedAt:     utcPtr(m.FinishedAt),
	}, nil
}

func fromJobModels(models []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ── Worker model ──────────────────────────────────────────────────

type workerModel struct {
	bun.BaseModel `bun:"table:renderq_workers,alias:w"`

	ID           string         `bun:"id,pk"`
	Name         string         `bun:"name,notnull"`
	Status       string         `bun:"status,notnull"`
	CurrentJobID string         `bun:"current_job_id,notnull"`
	GPUInfo      map[string]any `bun:"gpu_info,type:jsonb,nullzero"`
	LastSeenAt   time.Time      `bun:"last_seen_at,notnull"`
	CreatedAt    time.Time      `bun:"created_at,notnull"`
}

func fromWorkerModel(m *workerModel) *cluster.Worker {
	return &cluster.Worker{
		ID:           m.ID,
		Name:         m.Name,
		Status:       cluster.Status(m.Status),
		CurrentJobID: m.CurrentJobID,
		GPUInfo:      m.GPUInfo,
		LastSeenAt:   m.LastSeenAt.UTC(),
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

// ── Account model ─────────────────────────────────────────────────

type accountModel struct {
	bun.BaseModel `bun:"table:renderq_accounts,alias:a"`

	UserID           string    `bun:"user_id,pk"`
	IsAdmin          bool      `bun:"is_admin,notnull"`
	TrustLevel       int       `bun:"trust_level,notnull"`
	DailyQuota       int       `bun:"daily_quota,notnull"`
	TodayUsedCount   int       `bun:"today_used_count,notnull"`
	LastUsedDay      string    `bun:"last_used_day,notnull"`
	TotalGenerations int64     `bun:"total_generations,notnull"`
	UpdatedAt        time.Time `bun:"updated_at,notnull"`
}

func fromAccountModel(m *accountModel) *quota.Account {
	return &quota.Account{
		UserID:           m.UserID,
		IsAdmin:          m.IsAdmin,
		TrustLevel:       m.TrustLevel,
		DailyQuota:       m.DailyQuota,
		TodayUsedCount:   m.TodayUsedCount,
		LastUsedDay:      m.LastUsedDay,
		TotalGenerations: m.TotalGenerations,
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
