package models

import (
	"strings"
	"time"
)

// JobStatus represents the current state of a generation job.
type JobStatus string

const (
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

// Terminal reports whether the job has finished and will not change again.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Intent is the user's natural-language request, persisted before a
// generation run starts so the pipeline can read it back.
type Intent struct {
	UserPrompt string `json:"user_prompt"`
}

// GenerationRequest is the form state submitted to start a generation run.
// Passage and Date are optional; empty means absent on the wire.
type GenerationRequest struct {
	Topic   string `json:"topic"`
	Passage string `json:"passage,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Prompt composes the pipeline prompt: the topic alone, or topic and
// passage joined by a single space.
func (r GenerationRequest) Prompt() string {
	topic := strings.TrimSpace(r.Topic)
	passage := strings.TrimSpace(r.Passage)
	if passage == "" {
		return topic
	}
	return topic + " " + passage
}

// Job stores metadata and runtime state for one generation run.
type Job struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic,omitempty"`
	Passage   string    `json:"passage,omitempty"`
	Date      string    `json:"date,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Status    JobStatus `json:"status"`
	LogTail   string    `json:"log_tail"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutputFile is one generated artifact offered for download.
type OutputFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// JobEvent is sent to clients over WebSocket whenever a job changes.
type JobEvent struct {
	ID      string    `json:"id"`
	Status  JobStatus `json:"status"`
	LogTail string    `json:"log_tail"`
	Error   string    `json:"error,omitempty"`
}
