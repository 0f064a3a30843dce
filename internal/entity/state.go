package entity

import (
	"github.com/joseph-ayodele/bill-extractor/constants"
)

// FileCounts tallies the FileResults of one task by status. Cancelled is the
// subset of Error whose kind is cancelled.
type FileCounts struct {
	Pending    int
	Processing int
	Success    int
	Error      int
	Cancelled  int
}

// Total returns the number of files counted.
func (c FileCounts) Total() int {
	return c.Pending + c.Processing + c.Success + c.Error
}

// Processed returns the number of files in a terminal status.
func (c FileCounts) Processed() int {
	return c.Success + c.Error
}

// Add counts n files with the given status and error kind.
func (c *FileCounts) Add(status constants.FileStatus, kind *constants.ErrorKind, n int) {
	switch status {
	case constants.FileStatusPending:
		c.Pending += n
	case constants.FileStatusProcessing:
		c.Processing += n
	case constants.FileStatusSuccess:
		c.Success += n
	case constants.FileStatusError:
		c.Error += n
		if kind != nil && *kind == constants.ErrorKindCancelled {
			c.Cancelled += n
		}
	}
}

// DeriveTaskStatus computes a task's status from its file counts. It is the
// only place task status is decided; the store persists whatever it returns.
func DeriveTaskStatus(c FileCounts, policy constants.CompletionPolicy) (constants.TaskStatus, *string) {
	total := c.Total()
	switch {
	case total > 0 && c.Processed() == total:
		if c.Cancelled > 0 {
			msg := constants.TaskCancelledMessage
			return constants.TaskStatusFailed, &msg
		}
		if completes(c, policy) {
			return constants.TaskStatusCompleted, nil
		}
		return constants.TaskStatusFailed, nil
	case c.Pending == total:
		return constants.TaskStatusPending, nil
	default:
		return constants.TaskStatusProcessing, nil
	}
}

func completes(c FileCounts, policy constants.CompletionPolicy) bool {
	if policy == constants.PolicyAllSuccess {
		return c.Error == 0
	}
	return c.Success > 0
}
