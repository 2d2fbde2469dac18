package core

import (
	"fmt"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/felixgeelhaar/statekit"

	"repo-publisher/internal/types"
)

// Events of the publish transaction.
const (
	EventLock     statekit.EventType = "LOCK"
	EventFetch    statekit.EventType = "FETCH"
	EventMutate   statekit.EventType = "MUTATE"
	EventDryRun   statekit.EventType = "DRY_RUN"
	EventCommit   statekit.EventType = "COMMIT"
	EventRelease  statekit.EventType = "RELEASE"
	EventConflict statekit.EventType = "CONFLICT"
)

var (
	stateInit       = statekit.StateID(types.TransactionStateInit)
	stateLocked     = statekit.StateID(types.TransactionStateLocked)
	stateFetched    = statekit.StateID(types.TransactionStateFetched)
	stateMutated    = statekit.StateID(types.TransactionStateMutated)
	stateDryRunStop = statekit.StateID(types.TransactionStateDryRunStop)
	stateCommitted  = statekit.StateID(types.TransactionStateCommitted)
	stateReleased   = statekit.StateID(types.TransactionStateReleased)
)

type TransactionContext struct{}

// TransactionMachine enforces the phase order of a publish:
// INIT, LOCKED, FETCHED, MUTATED, then DRY_RUN_STOP or COMMITTED, and
// finally RELEASED, which every state after LOCKED can reach. A version
// conflict while committing sends the transaction back to LOCKED.
type TransactionMachine struct {
	interpreter *statekit.Interpreter[TransactionContext]
}

func NewTransactionMachine() (*TransactionMachine, error) {
	machine, err := statekit.NewMachine[TransactionContext]("publish-transaction").
		WithInitial(stateInit).
		State(stateInit).
		On(EventLock).Target(stateLocked).
		Done().
		State(stateLocked).
		On(EventFetch).Target(stateFetched).
		On(EventRelease).Target(stateReleased).
		Done().
		State(stateFetched).
		On(EventMutate).Target(stateMutated).
		On(EventRelease).Target(stateReleased).
		Done().
		State(stateMutated).
		On(EventDryRun).Target(stateDryRunStop).
		On(EventCommit).Target(stateCommitted).
		On(EventConflict).Target(stateLocked).
		On(EventRelease).Target(stateReleased).
		Done().
		State(stateDryRunStop).
		On(EventRelease).Target(stateReleased).
		Done().
		State(stateCommitted).
		On(EventRelease).Target(stateReleased).
		Done().
		State(stateReleased).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction state machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &TransactionMachine{interpreter: interp}, nil
}

// Fire applies event and fails when the current state does not accept it.
func (m *TransactionMachine) Fire(event statekit.EventType) error {
	before := m.interpreter.State().Value
	m.interpreter.Send(statekit.Event{Type: event})
	if m.interpreter.State().Value == before {
		return errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg(fmt.Sprintf("transaction cannot handle %s in state %s", event, before))
	}
	return nil
}

func (m *TransactionMachine) State() types.TransactionState {
	return types.TransactionState(m.interpreter.State().Value)
}

func (m *TransactionMachine) Done() bool {
	return m.interpreter.Done()
}

// Locked reports whether the current state still holds the lock.
func (m *TransactionMachine) Locked() bool {
	switch m.interpreter.State().Value {
	case stateInit, stateReleased:
		return false
	default:
		return true
	}
}
