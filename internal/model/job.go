package model

import (
	"time"

	"github.com/mnesis-ai/mnesis/internal/store"
)

// JobStatus is the lifecycle of a queued background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job triggers.
const (
	TriggerConversationAnalysis = "conversation_analysis"
)

// Job is one durable queue entry. Payload and Result carry opaque JSON so
// new triggers can be added without schema changes.
type Job struct {
	ID           string     `json:"id"`
	Trigger      string     `json:"trigger"`
	Status       JobStatus  `json:"status"`
	Priority     int        `json:"priority"`
	DedupeKey    string     `json:"dedupe_key"`
	Payload      string     `json:"payload"`
	Result       string     `json:"result,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
}

func JobSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "trigger", Type: store.TypeText},
			{Name: "status", Type: store.TypeText, Default: string(JobPending)},
			{Name: "priority", Type: store.TypeInt, Default: 0},
			{Name: "dedupe_key", Type: store.TypeText, Default: ""},
			{Name: "payload", Type: store.TypeJSON},
			{Name: "result", Type: store.TypeJSON},
			{Name: "attempt_count", Type: store.TypeInt, Default: 0},
			{Name: "max_attempts", Type: store.TypeInt, Default: 3},
			{Name: "created_at", Type: store.TypeTime},
			{Name: "started_at", Type: store.TypeTime},
			{Name: "completed_at", Type: store.TypeTime},
			{Name: "error", Type: store.TypeText},
		},
	}
}

func (j *Job) ToRow() store.Row {
	row := store.Row{
		"id":            j.ID,
		"trigger":       j.Trigger,
		"status":        string(j.Status),
		"priority":      j.Priority,
		"dedupe_key":    j.DedupeKey,
		"payload":       j.Payload,
		"result":        j.Result,
		"attempt_count": j.AttemptCount,
		"max_attempts":  j.MaxAttempts,
		"created_at":    j.CreatedAt,
	}
	putOptTime(row, "started_at", j.StartedAt)
	putOptTime(row, "completed_at", j.CompletedAt)
	putOptText(row, "error", j.Error)
	return row
}

func JobFromRow(row store.Row) *Job {
	return &Job{
		ID:           rowString(row, "id"),
		Trigger:      rowString(row, "trigger"),
		Status:       JobStatus(rowString(row, "status")),
		Priority:     rowInt(row, "priority"),
		DedupeKey:    rowString(row, "dedupe_key"),
		Payload:      rowString(row, "payload"),
		Result:       rowString(row, "result"),
		AttemptCount: rowInt(row, "attempt_count"),
		MaxAttempts:  rowInt(row, "max_attempts"),
		CreatedAt:    rowTime(row, "created_at"),
		StartedAt:    rowOptTime(row, "started_at"),
		CompletedAt:  rowOptTime(row, "completed_at"),
		Error:        rowOptString(row, "error"),
	}
}
