package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/bill-extractor/constants"
)

// FileResult is the per-document unit of work and its outcome within a Task.
type FileResult struct {
	TaskID        string               `json:"task_id"`
	Seq           int                  `json:"-"`
	Filename      string               `json:"filename"`
	Status        constants.FileStatus `json:"status"`
	DocumentKey   string               `json:"-"`
	ErrorKind     *constants.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage  *string              `json:"error_message,omitempty"`
	ExtractedData json.RawMessage      `json:"extracted_data,omitempty"`
	Attempts      int                  `json:"attempts"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// NewFile describes one document of a batch at creation time.
type NewFile struct {
	Filename    string
	DocumentKey string
}

// FileUnit is the queue element the worker pool drains.
type FileUnit struct {
	TaskID      string
	Filename    string
	DocumentKey string
}

// FileUpdate carries a terminal outcome for one FileResult.
type FileUpdate struct {
	TaskID       string
	Filename     string
	Status       constants.FileStatus
	Data         json.RawMessage
	ErrorKind    constants.ErrorKind
	ErrorMessage string
}

// Succeeded builds the success update for unit.
func Succeeded(unit FileUnit, data json.RawMessage) FileUpdate {
	return FileUpdate{
		TaskID:   unit.TaskID,
		Filename: unit.Filename,
		Status:   constants.FileStatusSuccess,
		Data:     data,
	}
}

// Failed builds the error update for unit.
func Failed(unit FileUnit, kind constants.ErrorKind, message string) FileUpdate {
	return FileUpdate{
		TaskID:       unit.TaskID,
		Filename:     unit.Filename,
		Status:       constants.FileStatusError,
		ErrorKind:    kind,
		ErrorMessage: message,
	}
}

// Document is one submitted (filename, bytes) pair.
type Document struct {
	Filename string
	Content  []byte
}
