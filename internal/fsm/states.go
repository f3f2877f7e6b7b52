// Package fsm implements the per-session REUG state machine: a serialized
// mailbox, a circuit breaker that gates every transition, and the transition
// table that drives tool use and tool creation through the event bus.
package fsm

import "fmt"

// State is a node of the REUG state machine.
type State string

const (
	StateReady                State = "READY"
	StateEngage               State = "ENGAGE"
	StateUnderstand           State = "UNDERSTAND"
	StateExecuteScript        State = "EXECUTE_SCRIPT"
	StateGenerate             State = "GENERATE"
	StateCreateDynamicTool    State = "CREATE_DYNAMIC_TOOL"
	StateValidateToolSchema   State = "VALIDATE_TOOL_SCHEMA"
	StateParallelizeTasks     State = "PARALLELIZE_TASKS"
	StateAwaitParallelResults State = "AWAIT_PARALLEL_RESULTS"
	StateErrorRecovery        State = "ERROR_RECOVERY_UNIFIED"
	StateComplete             State = "COMPLETE"
	StateShutdown             State = "SHUTDOWN"
)

// Trigger is an input symbol of the state machine.
type Trigger string

const (
	TriggerUserInput               Trigger = "USER_INPUT"
	TriggerIntentDetected          Trigger = "INTENT_DETECTED"
	TriggerErrorOccurred           Trigger = "ERROR_OCCURRED"
	TriggerFatalError              Trigger = "FATAL_ERROR"
	TriggerScriptParsed            Trigger = "SCRIPT_PARSED"
	TriggerToolsRouted             Trigger = "TOOLS_ROUTED"
	TriggerDynamicToolRequest      Trigger = "DYNAMIC_TOOL_REQUEST"
	TriggerParallelTasksReady      Trigger = "PARALLEL_TASKS_READY"
	TriggerScriptStepComplete      Trigger = "SCRIPT_STEP_COMPLETE"
	TriggerScriptExecutionComplete Trigger = "SCRIPT_EXECUTION_COMPLETE"
	TriggerTimeoutDetected         Trigger = "TIMEOUT_DETECTED"
	TriggerRecursionLimitExceeded  Trigger = "RECURSION_LIMIT_EXCEEDED"
	TriggerStepBudgetExhausted     Trigger = "STEP_BUDGET_EXHAUSTED"
	TriggerDynamicToolCreated      Trigger = "DYNAMIC_TOOL_CREATED"
	TriggerSchemaValidated         Trigger = "SCHEMA_VALIDATED"
	TriggerSchemaInvalid           Trigger = "SCHEMA_INVALID"
	TriggerToolSuccess             Trigger = "TOOL_SUCCESS"
	TriggerToolFailure             Trigger = "TOOL_FAILURE"
	TriggerParallelResultsReady    Trigger = "PARALLEL_RESULTS_READY"
	TriggerResponseReady           Trigger = "RESPONSE_READY"
	TriggerRecoverySuccess         Trigger = "RECOVERY_SUCCESS"
	// TriggerRecoveryFailed is the "otherwise" branch out of error recovery.
	TriggerRecoveryFailed          Trigger = "RECOVERY_FAILED"
	TriggerTurnComplete            Trigger = "TURN_COMPLETE"
	TriggerShutdownRequested       Trigger = "SHUTDOWN_REQUESTED"
)

var allTriggers = []Trigger{
	TriggerUserInput, TriggerIntentDetected, TriggerErrorOccurred, TriggerFatalError,
	TriggerScriptParsed, TriggerToolsRouted, TriggerDynamicToolRequest, TriggerParallelTasksReady,
	TriggerScriptStepComplete, TriggerScriptExecutionComplete, TriggerTimeoutDetected,
	TriggerRecursionLimitExceeded, TriggerStepBudgetExhausted, TriggerDynamicToolCreated,
	TriggerSchemaValidated, TriggerSchemaInvalid, TriggerToolSuccess, TriggerToolFailure,
	TriggerParallelResultsReady, TriggerResponseReady, TriggerRecoverySuccess, TriggerRecoveryFailed,
	TriggerTurnComplete, TriggerShutdownRequested,
}

// ParseTrigger maps a wire name onto a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	for _, t := range allTriggers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

// transitions is the REUG table. Guards live in Session.guardLocked.
var transitions = map[State]map[Trigger]State{
	StateReady: {
		TriggerUserInput:         StateEngage,
		TriggerShutdownRequested: StateShutdown,
	},
	StateEngage: {
		TriggerIntentDetected: StateUnderstand,
		TriggerErrorOccurred:  StateErrorRecovery,
		TriggerFatalError:     StateComplete,
	},
	StateUnderstand: {
		TriggerScriptParsed:       StateExecuteScript,
		TriggerToolsRouted:        StateGenerate,
		TriggerDynamicToolRequest: StateCreateDynamicTool,
		TriggerParallelTasksReady: StateParallelizeTasks,
		TriggerErrorOccurred:      StateErrorRecovery,
		TriggerFatalError:         StateComplete,
	},
	StateExecuteScript: {
		TriggerScriptStepComplete:      StateExecuteScript,
		TriggerScriptExecutionComplete: StateGenerate,
		TriggerErrorOccurred:           StateErrorRecovery,
		TriggerTimeoutDetected:         StateErrorRecovery,
		TriggerRecursionLimitExceeded:  StateErrorRecovery,
		TriggerStepBudgetExhausted:     StateErrorRecovery,
		TriggerFatalError:              StateComplete,
	},
	StateCreateDynamicTool: {
		TriggerDynamicToolCreated: StateValidateToolSchema,
		TriggerErrorOccurred:      StateErrorRecovery,
		TriggerFatalError:         StateComplete,
	},
	StateValidateToolSchema: {
		TriggerSchemaValidated: StateComplete,
		TriggerSchemaInvalid:   StateErrorRecovery,
		TriggerFatalError:      StateComplete,
	},
	StateParallelizeTasks: {
		TriggerToolSuccess:   StateAwaitParallelResults,
		TriggerErrorOccurred: StateErrorRecovery,
		TriggerFatalError:    StateComplete,
	},
	StateAwaitParallelResults: {
		TriggerParallelResultsReady: StateGenerate,
		TriggerTimeoutDetected:      StateErrorRecovery,
		TriggerFatalError:           StateComplete,
	},
	StateGenerate: {
		TriggerToolSuccess:   StateComplete,
		TriggerResponseReady: StateComplete,
		TriggerToolFailure:   StateErrorRecovery,
		TriggerFatalError:    StateComplete,
	},
	StateErrorRecovery: {
		TriggerRecoverySuccess: StateUnderstand,
		TriggerRecoveryFailed:  StateComplete,
		TriggerFatalError:      StateComplete,
	},
	StateComplete: {
		TriggerTurnComplete:      StateReady,
		TriggerShutdownRequested: StateShutdown,
	},
	StateShutdown: {},
}

// Next looks up the table entry for (from, trigger), ignoring guards.
func Next(from State, trigger Trigger) (State, bool) {
	to, ok := transitions[from][trigger]
	return to, ok
}

// midTurn reports whether a turn is in flight in s.
func midTurn(s State) bool {
	switch s {
	case StateReady, StateComplete, StateShutdown:
		return false
	default:
		return true
	}
}
