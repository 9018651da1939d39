package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTransition_RejectsUnknownEdgeWithFromTo(t *testing.T) {
	err := Transition(localTransitions, LocalStatusExecuted, LocalStatusFailed)
	require.Error(t, err)

	var transitionErr *InvalidStateTransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.Equal(t, "executed", transitionErr.From)
	assert.Equal(t, "failed", transitionErr.To)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestLocalIntent_TerminalStatesRejectEveryTransition(t *testing.T) {
	all := []LocalStatus{LocalStatusPending, LocalStatusConfirmed, LocalStatusExecuted, LocalStatusFailed}
	for _, terminal := range []LocalStatus{LocalStatusExecuted, LocalStatusFailed} {
		for _, to := range all {
			intent := &TransferIntent{ID: "t1", Status: terminal, Amount: decimal.NewFromInt(40), UpdatedAt: testNow}
			before := *intent

			err := intent.TransitionTo(to, testNow.Add(time.Minute))

			assert.ErrorIs(t, err, ErrInvalidStateTransition, "%s -> %s", terminal, to)
			assert.Equal(t, before, *intent)
		}
	}
}

func TestLocalIntent_PendingCannotSkipConfirmation(t *testing.T) {
	intent := &TransferIntent{Status: LocalStatusPending}

	require.Error(t, intent.TransitionTo(LocalStatusExecuted, testNow))
	assert.Equal(t, LocalStatusPending, intent.Status)

	require.NoError(t, intent.TransitionTo(LocalStatusConfirmed, testNow))
	require.NoError(t, intent.TransitionTo(LocalStatusExecuted, testNow))
	assert.True(t, intent.IsTerminal())
}

func TestCrossBorder_TransitionTableMatchesSaga(t *testing.T) {
	cases := []struct {
		from CrossBorderStatus
		to   CrossBorderStatus
		ok   bool
	}{
		{CrossBorderStatusPending, CrossBorderStatusFxLocked, true},
		{CrossBorderStatusPending, CrossBorderStatusFailed, true},
		{CrossBorderStatusPending, CrossBorderStatusRolledBack, false},
		{CrossBorderStatusFxLocked, CrossBorderStatusRolledBack, true},
		{CrossBorderStatusSourceDebited, CrossBorderStatusFxExecuted, true},
		{CrossBorderStatusSourceDebited, CrossBorderStatusCompleted, false},
		{CrossBorderStatusFxExecuted, CrossBorderStatusRolledBack, true},
		{CrossBorderStatusDestinationCredited, CrossBorderStatusCompleted, true},
		{CrossBorderStatusDestinationCredited, CrossBorderStatusRolledBack, false},
		{CrossBorderStatusCompleted, CrossBorderStatusFailed, false},
		{CrossBorderStatusFailed, CrossBorderStatusRolledBack, true},
		{CrossBorderStatusFailed, CrossBorderStatusPending, false},
		{CrossBorderStatusRolledBack, CrossBorderStatusFailed, false},
	}
	for _, tc := range cases {
		transfer := &CrossBorderTransfer{Status: tc.from}
		err := transfer.TransitionTo(tc.to, testNow)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.to, transfer.Status)
		} else {
			assert.ErrorIs(t, err, ErrInvalidStateTransition, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.from, transfer.Status)
		}
	}
}

func TestCrossBorder_RequiresRollback(t *testing.T) {
	want := map[CrossBorderStatus]bool{
		CrossBorderStatusPending:             false,
		CrossBorderStatusFxLocked:            true,
		CrossBorderStatusSourceDebited:       true,
		CrossBorderStatusFxExecuted:          true,
		CrossBorderStatusDestinationCredited: true,
		CrossBorderStatusCompleted:           false,
		CrossBorderStatusFailed:              false,
		CrossBorderStatusRolledBack:          false,
	}
	for status, expected := range want {
		transfer := &CrossBorderTransfer{Status: status}
		assert.Equal(t, expected, transfer.RequiresRollback(), status)
	}
}

func TestCrossBorder_CompleteLegAdvancesStatusAndLegMapTogether(t *testing.T) {
	transfer := &CrossBorderTransfer{Status: CrossBorderStatusPending}

	for _, leg := range Legs {
		require.NoError(t, transfer.CompleteLeg(leg, testNow))
		assert.Equal(t, leg.ResultStatus(), transfer.Status)
		assert.Equal(t, transfer.GetCompletedLegs(), legsInMap(transfer))
	}
	_, more := transfer.NextLeg()
	assert.False(t, more)
}

func TestCrossBorder_CompleteLegOutOfOrderLeavesTransferUnchanged(t *testing.T) {
	transfer := &CrossBorderTransfer{Status: CrossBorderStatusPending, Version: 3}
	before := *transfer

	err := transfer.CompleteLeg(LegSourceDebit, testNow)

	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, before, *transfer)
	assert.Empty(t, transfer.LegStatuses)
}

func TestCrossBorder_FailRemembersOriginForCompensation(t *testing.T) {
	transfer := &CrossBorderTransfer{Status: CrossBorderStatusPending}
	require.NoError(t, transfer.CompleteLeg(LegFxQuote, testNow))
	require.NoError(t, transfer.CompleteLeg(LegSourceDebit, testNow))

	require.NoError(t, transfer.Fail("conversion unavailable", testNow))

	assert.Equal(t, CrossBorderStatusFailed, transfer.Status)
	assert.True(t, transfer.NeedsCompensation())
	assert.Equal(t, []Leg{LegFxQuote, LegSourceDebit}, transfer.GetCompletedLegs())
	require.NotNil(t, transfer.FailureReason)
	assert.Equal(t, "conversion unavailable", *transfer.FailureReason)
}

func TestCrossBorder_FailFromPendingNeedsNoCompensation(t *testing.T) {
	transfer := &CrossBorderTransfer{Status: CrossBorderStatusPending}
	require.NoError(t, transfer.Fail("cancelled by owner", testNow))
	assert.False(t, transfer.NeedsCompensation())
}

func legsInMap(t *CrossBorderTransfer) []Leg {
	var legs []Leg
	for _, leg := range Legs {
		if t.HasCompletedLeg(leg) {
			legs = append(legs, leg)
		}
	}
	return legs
}
