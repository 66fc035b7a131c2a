package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/convoflow/pkg/flow"
)

func TestVariablesPreserveOrder(t *testing.T) {
	vars := &Variables{}
	vars.Set("zeta", 1)
	vars.Set("alpha", "two")
	vars.Set("mid", map[string]interface{}{"nested": true})
	vars.Set("zeta", 3)

	data, err := json.Marshal(vars)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":3,"alpha":"two","mid":{"nested":true}}`, string(data))

	var decoded Variables
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, decoded.Keys())
	assert.Equal(t, "two", decoded.GetString("alpha"))
	assert.Equal(t, "3", decoded.GetString("zeta"))

	decoded.Delete("alpha")
	assert.Equal(t, []string{"zeta", "mid"}, decoded.Keys())
	assert.Equal(t, 2, decoded.Len())
}

func TestVariablesRejectNonObject(t *testing.T) {
	var vars Variables
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &vars))
	require.NoError(t, json.Unmarshal([]byte(`null`), &vars))
	assert.Equal(t, 0, vars.Len())
}

func TestVariablesCloneIsDeep(t *testing.T) {
	vars := &Variables{}
	vars.Set("profile", map[string]interface{}{"name": "Ana"})

	clone := vars.Clone()
	profile, _ := clone.Get("profile")
	profile.(map[string]interface{})["name"] = "Bia"

	original, _ := vars.Get("profile")
	assert.Equal(t, "Ana", original.(map[string]interface{})["name"])
}

func TestExecutionCloneIsIndependent(t *testing.T) {
	now := time.Now()
	exec := &Execution{
		ID:        "e1",
		Status:    StatusActive,
		Variables: NewVariables(map[string]interface{}{"a": 1}),
		Awaiting: &AwaitingInput{NodeID: "menu", Input: InputSpec{
			Kind:    InputMenu,
			Options: []InputOption{{Value: "1"}},
		}},
		LastWarningAt: &now,
	}

	clone := exec.Clone()
	clone.Variables.Set("b", 2)
	clone.Awaiting.Retries = 2
	clone.Awaiting.Input.Options[0].Value = "x"
	*clone.LastWarningAt = now.Add(time.Hour)

	assert.Equal(t, 1, exec.Variables.Len())
	assert.Equal(t, 0, exec.Awaiting.Retries)
	assert.Equal(t, "1", exec.Awaiting.Input.Options[0].Value)
	assert.Equal(t, now, *exec.LastWarningAt)
	assert.True(t, exec.IsAwaiting())
}

func TestScheduleInactivity(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	policy := flow.InactivitySettings{MenuTimeout: 60}.Resolved()

	exec := &Execution{Status: StatusActive, LastInteractionAt: now}
	exec.ScheduleInactivity(policy, flow.TimeoutGeneral)
	require.NotNil(t, exec.InactivityDeadline)
	assert.Equal(t, now.Add(300*time.Second), *exec.InactivityDeadline)

	exec.Awaiting = &AwaitingInput{Input: InputSpec{TimeoutClass: flow.TimeoutMenu}}
	exec.ScheduleInactivity(policy, flow.TimeoutGeneral)
	assert.Equal(t, now.Add(60*time.Second), *exec.InactivityDeadline)

	warnedAt := now.Add(time.Minute)
	exec.InactivityStatus = InactivityWarning
	exec.LastWarningAt = &warnedAt
	exec.ScheduleInactivity(policy, flow.TimeoutGeneral)
	assert.Equal(t, warnedAt.Add(120*time.Second), *exec.InactivityDeadline)

	exec.Status = StatusPaused
	exec.ScheduleInactivity(policy, flow.TimeoutGeneral)
	assert.Nil(t, exec.InactivityDeadline)
}

func TestFinishForcesInactive(t *testing.T) {
	now := time.Now()
	exec := &Execution{Status: StatusActive, InactivityStatus: InactivityWarning, Awaiting: &AwaitingInput{}}
	exec.Finish(StatusCompleted, "done", now)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, InactivityInactive, exec.InactivityStatus)
	assert.Nil(t, exec.Awaiting)
	assert.True(t, exec.Status.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
}

func TestExecutionFilterAndPagination(t *testing.T) {
	exec := &Execution{TenantID: "t1", FlowID: "f1", ContactID: "c1", Status: StatusActive, InactivityStatus: InactivityActive}

	assert.True(t, ExecutionFilter{TenantID: "t1", FlowID: "f1"}.Matches(exec))
	assert.False(t, ExecutionFilter{TenantID: "t2"}.Matches(exec))
	assert.False(t, ExecutionFilter{Status: StatusPaused}.Matches(exec))

	assert.Equal(t, Pagination{Limit: DefaultPageSize}, Pagination{}.Normalize())
	assert.Equal(t, Pagination{Limit: MaxPageSize, Offset: 0}, Pagination{Limit: 10000, Offset: -3}.Normalize())
}
