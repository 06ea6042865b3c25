package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvanceStatus_Forward(t *testing.T) {
	c := &Call{Status: StatusInitiated}

	assert.True(t, c.AdvanceStatus(StatusRinging))
	assert.Equal(t, StatusRinging, c.Status)

	assert.True(t, c.AdvanceStatus(StatusInProgress))
	assert.True(t, c.AdvanceStatus(StatusCompleted))
	assert.Equal(t, StatusCompleted, c.Status)
}

func TestAdvanceStatus_NoBackwardMoves(t *testing.T) {
	c := &Call{Status: StatusInProgress}

	assert.False(t, c.AdvanceStatus(StatusRinging))
	assert.False(t, c.AdvanceStatus(StatusInitiated))
	assert.Equal(t, StatusInProgress, c.Status)
}

func TestAdvanceStatus_TerminalIsSticky(t *testing.T) {
	c := &Call{Status: StatusCompleted}

	// A late call_started-style update must not reopen the call.
	assert.False(t, c.AdvanceStatus(StatusInProgress))
	assert.False(t, c.AdvanceStatus(StatusFailed))
	assert.Equal(t, StatusCompleted, c.Status)

	c = &Call{Status: StatusCancelled}
	assert.False(t, c.AdvanceStatus(StatusCompleted))
	assert.Equal(t, StatusCancelled, c.Status)
}

func TestAdvanceStatus_EndStatesDoNotReplaceEachOther(t *testing.T) {
	c := &Call{Status: StatusNoAnswer}
	assert.False(t, c.AdvanceStatus(StatusBusy))
	assert.Equal(t, StatusNoAnswer, c.Status)
}

func TestAdvanceStatus_SkipsLevels(t *testing.T) {
	c := &Call{Status: StatusInitiated}
	assert.True(t, c.AdvanceStatus(StatusCompleted))
	assert.Equal(t, StatusCompleted, c.Status)
}

func TestAdvanceStatus_UnknownAndEmpty(t *testing.T) {
	c := &Call{Status: StatusRinging}
	assert.False(t, c.AdvanceStatus(""))
	assert.False(t, c.AdvanceStatus(Status("hold")))
	assert.Equal(t, StatusRinging, c.Status)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusInProgress, ParseStatus("in_progress"))
	assert.Equal(t, StatusInProgress, ParseStatus("inprogress"))
	assert.Equal(t, StatusInProgress, ParseStatus("in-progress"))
	assert.Equal(t, StatusCompleted, ParseStatus("completed"))
	assert.Equal(t, Status(""), ParseStatus("weird"))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusBusy.IsTerminal())
	assert.False(t, StatusNoAnswer.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}
