package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	ID             string         `bson:"_id"`
	UserID         string         `bson:"user_id"`
	Prompt         string         `bson:"prompt"`
	NegativePrompt string         `bson:"negative_prompt"`
	Width          int            `bson:"width"`
	Height         int            `bson:"height"`
	Steps          int            `bson:"steps"`
	Seed           int64          `bson:"seed"`
	Sampler        string         `bson:"sampler"`
	CFGScale       float64        `bson:"cfg_scale"`
	Status         string         `bson:"status"`
	Priority       int            `bson:"priority"`
	RetryCount     int            `bson:"retry_count"`
	ErrorMessage   string         `bson:"error_message"`
	WorkerID       string         `bson:"worker_id"`
	Exclusive      bool           `bson:"exclusive"`
	ResultRef      string         `bson:"result_ref"`
	ResultMetadata map[string]any `bson:"result_metadata,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
	StartedAt      *time.Time     `bson:"started_at,omitempty"`
	FinishedAt     *time.Time     `bson:"finished_at,omitempty"`
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
		return nil, fmt.Errorf("renderq/mongo: parse job id %q: %w", m.ID, err)
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

// ── Worker model ──────────────────────────────────────────────────

type workerModel struct {
	ID           string         `bson:"_id"`
	Name         string         `bson:"name"`
	Status       string         `bson:"status"`
	CurrentJobID string         `bson:"current_job_id"`
	GPUInfo      map[string]any `bson:"gpu_info,omitempty"`
	LastSeenAt   time.Time      `bson:"last_seen_at"`
	CreatedAt    time.Time      `bson:"created_at"`
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
	UserID           string    `bson:"_id"`
	IsAdmin          bool      `bson:"is_admin"`
	TrustLevel       int       `bson:"trust_level"`
	DailyQuota       int       `bson:"daily_quota"`
	TodayUsedCount   int       `bson:"today_used_count"`
	LastUsedDay      string    `bson:"last_used_day"`
	TotalGenerations int64     `bson:"total_generations"`
	UpdatedAt        time.Time `bson:"updated_at"`
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
