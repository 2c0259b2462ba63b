package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Enums
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job will not change any more.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

// Job is an asynchronous synthesis request and its progress. It lives in
// redis while queued/running and keeps its final state there for a while.
type Job struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Voice      string    `json:"voice,omitempty"`
	Status     JobStatus `json:"status"`
	Stage      string    `json:"stage,omitempty"` // last pipeline state reached
	OutputPath *string   `json:"output,omitempty"`
	Duration   *float64  `json:"duration,omitempty"`
	PublicURL  *string   `json:"public_url,omitempty"`
	Error      *string   `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Render is one row of render history in postgres.
type Render struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Voice        *string   `json:"voice,omitempty"`
	Status       JobStatus `json:"status"`
	OutputPath   *string   `json:"output,omitempty"`
	OutputFormat string    `json:"format"`
	Duration     *float64  `json:"duration,omitempty"`
	FailedStage  *string   `json:"failed_stage,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Effects      JSONB     `json:"effects"`
	PublicURL    *string   `json:"public_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// API Request/Response types

// SpeakRequest accepts both the legacy field names (message, uuid) and the
// newer ones (text, id).
type SpeakRequest struct {
	Message string `json:"message"`
	Text    string `json:"text"`
	UUID    string `json:"uuid"`
	ID      string `json:"id"`
	Voice   string `json:"voice"`
}

// Fields resolves aliases; legacy names win when both are given.
func (r SpeakRequest) Fields() (text, id, voice string) {
	text = r.Message
	if text == "" {
		text = r.Text
	}
	id = r.UUID
	if id == "" {
		id = r.ID
	}
	return text, id, r.Voice
}

type SpeakResponse struct {
	Status   string  `json:"status"`
	ID       string  `json:"id"`
	Output   string  `json:"output"`
	Duration float64 `json:"duration"`
}

type QueuedResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthResponse reports liveness; QueueDepth is set when the job queue is
// configured and reachable.
type HealthResponse struct {
	Status     string `json:"status"`
	QueueDepth *int64 `json:"queue_depth,omitempty"`
}

type ListRendersResponse struct {
	Renders []Render `json:"renders"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}
