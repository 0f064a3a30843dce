package entity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
)

func TestDeriveTaskStatus(t *testing.T) {
	tests := []struct {
		name       string
		counts     entity.FileCounts
		policy     constants.CompletionPolicy
		wantStatus constants.TaskStatus
		wantMsg    string
	}{
		{"all pending", entity.FileCounts{Pending: 3}, constants.PolicyAnySuccess, constants.TaskStatusPending, ""},
		{"one processing", entity.FileCounts{Pending: 2, Processing: 1}, constants.PolicyAnySuccess, constants.TaskStatusProcessing, ""},
		{"partially done", entity.FileCounts{Pending: 1, Success: 1}, constants.PolicyAnySuccess, constants.TaskStatusProcessing, ""},
		{"some success", entity.FileCounts{Success: 2, Error: 1}, constants.PolicyAnySuccess, constants.TaskStatusCompleted, ""},
		{"all errors", entity.FileCounts{Error: 2}, constants.PolicyAnySuccess, constants.TaskStatusFailed, ""},
		{"single error", entity.FileCounts{Error: 1}, constants.PolicyAnySuccess, constants.TaskStatusFailed, ""},
		{"all success strict", entity.FileCounts{Success: 3}, constants.PolicyAllSuccess, constants.TaskStatusCompleted, ""},
		{"partial strict", entity.FileCounts{Success: 2, Error: 1}, constants.PolicyAllSuccess, constants.TaskStatusFailed, ""},
		{"cancelled", entity.FileCounts{Success: 1, Error: 2, Cancelled: 2}, constants.PolicyAnySuccess, constants.TaskStatusFailed, constants.TaskCancelledMessage},
		{"cancel pending run", entity.FileCounts{Processing: 1, Error: 2, Cancelled: 2}, constants.PolicyAnySuccess, constants.TaskStatusProcessing, ""},
		{"no files", entity.FileCounts{}, constants.PolicyAnySuccess, constants.TaskStatusPending, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := entity.DeriveTaskStatus(tt.counts, tt.policy)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantMsg == "" {
				assert.Nil(t, msg)
			} else if assert.NotNil(t, msg) {
				assert.Equal(t, tt.wantMsg, *msg)
			}
		})
	}
}

func TestFileCountsAdd(t *testing.T) {
	cancelled := constants.ErrorKindCancelled
	timeout := constants.ErrorKindTimeout

	var c entity.FileCounts
	c.Add(constants.FileStatusPending, nil, 2)
	c.Add(constants.FileStatusProcessing, nil, 1)
	c.Add(constants.FileStatusSuccess, nil, 1)
	c.Add(constants.FileStatusError, &timeout, 1)
	c.Add(constants.FileStatusError, &cancelled, 3)

	assert.Equal(t, entity.FileCounts{Pending: 2, Processing: 1, Success: 1, Error: 4, Cancelled: 3}, c)
	assert.Equal(t, 8, c.Total())
	assert.Equal(t, 5, c.Processed())
}
