package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusProcessing, StatusSubmitted, StatusCompleted, StatusFailed} {
		assert.Truef(t, s.Valid(), "%s should be valid", s)
	}
	assert.False(t, Status("done").Valid())
	assert.False(t, Status("").Valid())
}

func TestStatus_ForwardTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusProcessing))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusSubmitted))
	assert.True(t, StatusSubmitted.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusPending.CanTransitionTo(StatusSubmitted))
}

func TestStatus_NoRegression(t *testing.T) {
	assert.False(t, StatusSubmitted.CanTransitionTo(StatusPending))
	assert.False(t, StatusProcessing.CanTransitionTo(StatusPending))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusSubmitted))
}

func TestStatus_FailedReachableFromNonTerminal(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusFailed))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusFailed))
	assert.True(t, StatusSubmitted.CanTransitionTo(StatusFailed))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusFailed))
	assert.False(t, StatusFailed.CanTransitionTo(StatusPending))
}

func TestStatus_SelfTransitionAllowed(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusPending))
	assert.True(t, StatusFailed.CanTransitionTo(StatusFailed))
}

func TestQueueItem_Terminal(t *testing.T) {
	assert.False(t, (&QueueItem{Status: StatusPending}).Terminal())
	assert.False(t, (&QueueItem{Status: StatusSubmitted}).Terminal())
	assert.True(t, (&QueueItem{Status: StatusCompleted}).Terminal())
	assert.True(t, (&QueueItem{Status: StatusFailed}).Terminal())
}

func TestQueueItem_Validate(t *testing.T) {
	assert.Error(t, (&QueueItem{Status: StatusPending}).Validate())
	assert.Error(t, (&QueueItem{ID: "a", Status: "done"}).Validate())
	assert.Error(t, (&QueueItem{ID: "a", Status: StatusCompleted}).Validate())
	assert.NoError(t, (&QueueItem{ID: "a", Status: StatusCompleted, ReportDownloaded: true}).Validate())
	assert.NoError(t, (&QueueItem{ID: "a", Status: StatusPending}).Validate())
}
