package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_Table(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
		to      State
	}{
		{StateReady, TriggerUserInput, StateEngage},
		{StateEngage, TriggerIntentDetected, StateUnderstand},
		{StateEngage, TriggerErrorOccurred, StateErrorRecovery},
		{StateUnderstand, TriggerScriptParsed, StateExecuteScript},
		{StateUnderstand, TriggerToolsRouted, StateGenerate},
		{StateUnderstand, TriggerDynamicToolRequest, StateCreateDynamicTool},
		{StateUnderstand, TriggerParallelTasksReady, StateParallelizeTasks},
		{StateUnderstand, TriggerErrorOccurred, StateErrorRecovery},
		{StateExecuteScript, TriggerScriptStepComplete, StateExecuteScript},
		{StateExecuteScript, TriggerScriptExecutionComplete, StateGenerate},
		{StateExecuteScript, TriggerTimeoutDetected, StateErrorRecovery},
		{StateExecuteScript, TriggerRecursionLimitExceeded, StateErrorRecovery},
		{StateExecuteScript, TriggerStepBudgetExhausted, StateErrorRecovery},
		{StateCreateDynamicTool, TriggerDynamicToolCreated, StateValidateToolSchema},
		{StateCreateDynamicTool, TriggerErrorOccurred, StateErrorRecovery},
		{StateValidateToolSchema, TriggerSchemaValidated, StateComplete},
		{StateValidateToolSchema, TriggerSchemaInvalid, StateErrorRecovery},
		{StateParallelizeTasks, TriggerToolSuccess, StateAwaitParallelResults},
		{StateAwaitParallelResults, TriggerParallelResultsReady, StateGenerate},
		{StateAwaitParallelResults, TriggerTimeoutDetected, StateErrorRecovery},
		{StateGenerate, TriggerToolSuccess, StateComplete},
		{StateGenerate, TriggerResponseReady, StateComplete},
		{StateGenerate, TriggerToolFailure, StateErrorRecovery},
		{StateErrorRecovery, TriggerRecoverySuccess, StateUnderstand},
		{StateErrorRecovery, TriggerRecoveryFailed, StateComplete},
		{StateComplete, TriggerTurnComplete, StateReady},
		{StateComplete, TriggerShutdownRequested, StateShutdown},
		{StateReady, TriggerShutdownRequested, StateShutdown},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			to, ok := Next(tt.from, tt.trigger)
			require.True(t, ok)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestNext_FatalErrorEndsEveryTurnState(t *testing.T) {
	for s := range transitions {
		if !midTurn(s) {
			continue
		}
		to, ok := Next(s, TriggerFatalError)
		assert.True(t, ok, "%s has no FATAL_ERROR edge", s)
		assert.Equal(t, StateComplete, to)
	}
}

func TestNext_RejectsUnlistedPairs(t *testing.T) {
	_, ok := Next(StateReady, TriggerToolSuccess)
	assert.False(t, ok)
	_, ok = Next(StateGenerate, TriggerUserInput)
	assert.False(t, ok)

	for _, trig := range allTriggers {
		_, ok := Next(StateShutdown, trig)
		assert.False(t, ok, "SHUTDOWN must be terminal, accepted %s", trig)
	}
}

func TestParseTrigger(t *testing.T) {
	trig, err := ParseTrigger("SCHEMA_VALIDATED")
	require.NoError(t, err)
	assert.Equal(t, TriggerSchemaValidated, trig)

	_, err = ParseTrigger("schema_validated")
	assert.Error(t, err)
}
