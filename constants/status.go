package constants

// TaskStatus is the canonical status for rows in tasks.
type TaskStatus string

// Stable values (store these exact strings in DB).
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed" // terminal
	TaskStatusFailed     TaskStatus = "failed"    // terminal
)

// IsTerminal reports whether no further transition can leave s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// FileStatus is the canonical status for rows in file_results.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusSuccess    FileStatus = "success" // terminal
	FileStatusError      FileStatus = "error"   // terminal
)

func (s FileStatus) IsTerminal() bool {
	return s == FileStatusSuccess || s == FileStatusError
}

// ErrorKind classifies why a file_results row ended in FileStatusError.
type ErrorKind string

const (
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindAdapter           ErrorKind = "adapter_error"
	ErrorKindMalformedDocument ErrorKind = "malformed_document"
	ErrorKindInternal          ErrorKind = "internal"  // persistence retries exhausted
	ErrorKindCancelled         ErrorKind = "cancelled" // task cancelled before the unit ran
)

// CompletionPolicy decides completed vs failed once every file is terminal.
type CompletionPolicy string

const (
	// PolicyAnySuccess completes a task when at least one file succeeded.
	PolicyAnySuccess CompletionPolicy = "any_success"
	// PolicyAllSuccess completes a task only when no file errored.
	PolicyAllSuccess CompletionPolicy = "all_success"
)

// TaskCancelledMessage is stored as tasks.error_message for cancelled tasks.
const TaskCancelledMessage = "cancelled"
