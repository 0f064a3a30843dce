package entity

import (
	"time"

	"github.com/joseph-ayodele/bill-extractor/constants"
)

// Task represents one submitted batch for data transfer between layers.
type Task struct {
	ID              string               `json:"id"`
	Status          constants.TaskStatus `json:"status"`
	TotalFiles      int                  `json:"total_files"`
	ProcessedFiles  int                  `json:"processed_files"`
	FailedFiles     int                  `json:"failed_files"`
	ErrorMessage    *string              `json:"error_message"`
	CancelRequested bool                 `json:"-"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// IsTerminal reports whether the task has reached completed or failed.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}
