// Package model holds the data types shared by the export pipeline,
// the job scheduler and the HTTP layer.
package model

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// JobStatus tracks one export attempt through its lifecycle.
type JobStatus string

const (
	JobCreated  JobStatus = "created"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed
}

// SourceRange describes the real time span of one remote measurement and
// the year mapping that places it on the synthetic timeline.
type SourceRange struct {
	Start   string            `json:"start"`
	End     string            `json:"end"`
	YearMap map[string]string `json:"year_map"`
}

// DataItem is the persisted registration of one exportable source plus the
// metadata of its most recent export. Sources, DefaultValues, Columns, Size,
// File and Checksum are recomputed on every successful export.
type DataItem struct {
	SourceID      string                  `json:"source_id"`
	TimeField     string                  `json:"time_field"`
	Delimiter     string                  `json:"delimiter"`
	Sources       map[string]*SourceRange `json:"sources,omitempty"`
	DefaultValues map[string]interface{}  `json:"default_values,omitempty"`
	Columns       []string                `json:"columns,omitempty"`
	File          string                  `json:"file,omitempty"`
	Checksum      string                  `json:"checksum,omitempty"`
	Size          int64                   `json:"size"`
	Created       string                  `json:"created,omitempty"`
}

// Job is one export attempt. Non-terminal jobs live only in the scheduler's
// in-memory pool; terminal jobs are persisted to the metadata store.
type Job struct {
	ID       string    `json:"id"`
	SourceID string    `json:"source_id"`
	Status   JobStatus `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Created  string    `json:"created"`
}

// NewToken returns a 32 character hex token used for job ids, chunk files
// and final artifact names. Tokens are globally unique so concurrent
// exports never collide in the shared tmp and data directories.
func NewToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Timestamp returns the current UTC time in the ISO-8601 form stored on
// DataItem.Created and Job.Created.
func Timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}
