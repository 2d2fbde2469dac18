package core

import (
	"testing"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/felixgeelhaar/statekit"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-publisher/internal/types"
)

func TestTransactionMachinePaths(t *testing.T) {
	tests := []struct {
		name   string
		events []statekit.EventType
		want   []types.TransactionState
	}{
		{
			name:   "commit",
			events: []statekit.EventType{EventLock, EventFetch, EventMutate, EventCommit, EventRelease},
			want: []types.TransactionState{
				types.TransactionStateLocked,
				types.TransactionStateFetched,
				types.TransactionStateMutated,
				types.TransactionStateCommitted,
				types.TransactionStateReleased,
			},
		},
		{
			name:   "dry run",
			events: []statekit.EventType{EventLock, EventFetch, EventMutate, EventDryRun, EventRelease},
			want: []types.TransactionState{
				types.TransactionStateLocked,
				types.TransactionStateFetched,
				types.TransactionStateMutated,
				types.TransactionStateDryRunStop,
				types.TransactionStateReleased,
			},
		},
		{
			name:   "nothing to do",
			events: []statekit.EventType{EventLock, EventFetch, EventRelease},
			want: []types.TransactionState{
				types.TransactionStateLocked,
				types.TransactionStateFetched,
				types.TransactionStateReleased,
			},
		},
		{
			name:   "version conflict retried",
			events: []statekit.EventType{EventLock, EventFetch, EventMutate, EventConflict, EventFetch, EventMutate, EventCommit, EventRelease},
			want: []types.TransactionState{
				types.TransactionStateLocked,
				types.TransactionStateFetched,
				types.TransactionStateMutated,
				types.TransactionStateLocked,
				types.TransactionStateFetched,
				types.TransactionStateMutated,
				types.TransactionStateCommitted,
				types.TransactionStateReleased,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine, err := NewTransactionMachine()
			require.NoError(t, err)
			assert.Equal(t, types.TransactionStateInit, machine.State())
			assert.False(t, machine.Locked())

			var got []types.TransactionState
			for _, event := range tt.events {
				require.NoError(t, machine.Fire(event))
				got = append(got, machine.State())
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected states (-want +got):\n%s", diff)
			}
			assert.True(t, machine.Done())
			assert.False(t, machine.Locked())
		})
	}
}

func TestTransactionMachineRejectsOutOfOrderEvents(t *testing.T) {
	tests := []struct {
		name   string
		prefix []statekit.EventType
		event  statekit.EventType
	}{
		{name: "fetch before lock", event: EventFetch},
		{name: "release before lock", event: EventRelease},
		{name: "commit before mutate", prefix: []statekit.EventType{EventLock, EventFetch}, event: EventCommit},
		{name: "commit after dry run", prefix: []statekit.EventType{EventLock, EventFetch, EventMutate, EventDryRun}, event: EventCommit},
		{name: "anything after release", prefix: []statekit.EventType{EventLock, EventRelease}, event: EventLock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine, err := NewTransactionMachine()
			require.NoError(t, err)
			for _, event := range tt.prefix {
				require.NoError(t, machine.Fire(event))
			}
			before := machine.State()
			err = machine.Fire(tt.event)
			require.Error(t, err)
			assert.Equal(t, errbuilder.CodeFailedPrecondition, errbuilder.CodeOf(err))
			assert.Equal(t, before, machine.State())
		})
	}
}
