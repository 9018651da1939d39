package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/ledger"
	"github.com/zororai/paneta-fintech-sub002/internal/worker"
)

func createUSDToZAR(t *testing.T, f *fixture, key string) *domain.CrossBorderTransfer {
	t.Helper()
	transfer, err := f.svc.CreateCrossBorderTransfer(context.Background(), CreateCrossBorderInput{
		Owner:                 "user-1",
		SourceAccount:         "usd-src",
		DestinationIdentifier: "zar-dst",
		DestinationCountry:    "za",
		SourceCurrency:        "USD",
		DestinationCurrency:   "ZAR",
		Amount:                dec("100"),
		IdempotencyKey:        key,
	})
	require.NoError(t, err)
	return transfer
}

func crossBorderAccounts(t *testing.T, f *fixture) {
	f.addAccount(t, "usd-src", "user-1", "USD", "1000")
	f.addAccount(t, "zar-dst", "user-2", "ZAR", "0")
}

func TestCrossBorder_CompletesAllLegs(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)
	ctx := context.Background()

	transfer := createUSDToZAR(t, f, "")
	assert.Equal(t, domain.CrossBorderStatusPending, transfer.Status)
	assert.True(t, transfer.FeeAmount.Equal(dec("1")))
	assert.Equal(t, 1, f.queue.Len())

	f.drain(t)

	done, err := f.svc.GetCrossBorderTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CrossBorderStatusCompleted, done.Status)
	assert.ElementsMatch(t, domain.Legs, done.GetCompletedLegs())
	assert.Len(t, done.LegStatuses, len(domain.Legs))
	assert.True(t, done.FxRate.Equal(dec("18.5")))
	assert.True(t, done.DestinationAmount.Equal(dec("1850")))

	assert.True(t, f.balance(t, "usd-src").Equal(dec("899")))
	assert.True(t, f.balance(t, "zar-dst").Equal(dec("1850")))

	fees, err := f.svc.LedgerBalance(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, fees.TotalFeesCollected.Equal(dec("1")))

	quote, err := f.repo.GetQuote(ctx, quoteID(transfer.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusConsumed, quote.Status)

	assert.Equal(t, len(domain.Legs), f.events.count(domain.EventLegCompleted))
	assert.Equal(t, 1, f.events.count(domain.EventTransferExecuted))
}

func TestCrossBorder_ConversionFailureRollsBackAfterRetries(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)
	f.rates.convertErr = errors.New("fx venue rejected order")
	ctx := context.Background()

	transfer := createUSDToZAR(t, f, "")
	f.drain(t)

	assert.Equal(t, 5, f.rates.converts)

	got, err := f.svc.GetCrossBorderTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CrossBorderStatusRolledBack, got.Status)
	assert.True(t, got.HasCompletedLeg(domain.LegFxQuote))
	assert.True(t, got.HasCompletedLeg(domain.LegSourceDebit))
	_, hasConversion := got.LegStatuses[domain.LegFxConversion]
	assert.False(t, hasConversion)
	assert.True(t, got.IsCompensated(domain.LegSourceDebit))
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "fx_conversion")
	require.NotNil(t, got.FailedFrom)
	assert.Equal(t, domain.CrossBorderStatusSourceDebited, *got.FailedFrom)

	// Retries ran on the 5s/15s/45s/120s schedule.
	assert.Equal(t, testNow.Add(185*time.Second), f.clock.Now())

	assert.True(t, f.balance(t, "usd-src").Equal(dec("1000")))
	assert.True(t, f.balance(t, "zar-dst").IsZero())

	quote, err := f.repo.GetQuote(ctx, quoteID(transfer.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusExpired, quote.Status)
	assert.Equal(t, 1, f.events.count(domain.EventTransferRolledBack))
	assert.Equal(t, 0, f.events.count(domain.EventTransferExecuted))
}

func TestCrossBorder_FailedCompensationIsRetriedByReconciler(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)
	f.rates.convertErr = errors.New("fx venue down")
	ctx := context.Background()

	transfer := createUSDToZAR(t, f, "")
	// Let the first two legs complete, then break refunds before conversion gives up.
	f.queue.RunDue(ctx)
	f.conn.setFailCredit(true)
	f.drain(t)

	stuck, err := f.svc.GetCrossBorderTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CrossBorderStatusFailed, stuck.Status)
	assert.True(t, stuck.NeedsCompensation())
	assert.False(t, stuck.IsCompensated(domain.LegSourceDebit))
	assert.Contains(t, *stuck.FailureReason, "compensation failed")
	assert.True(t, f.balance(t, "usd-src").Equal(dec("899")))

	f.conn.setFailCredit(false)
	f.clock.Advance(DefaultOptions().StuckAfter + time.Second)
	res, err := f.svc.ReconcileStuckTransfers(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	healed, err := f.svc.GetCrossBorderTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CrossBorderStatusRolledBack, healed.Status)
	assert.True(t, f.balance(t, "usd-src").Equal(dec("1000")))
}

func TestCrossBorder_InsufficientBalanceIncludesFee(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "usd-src", "user-1", "USD", "100")
	f.addAccount(t, "zar-dst", "user-2", "ZAR", "0")

	_, err := f.svc.CreateCrossBorderTransfer(context.Background(), CreateCrossBorderInput{
		Owner: "user-1", SourceAccount: "usd-src", DestinationIdentifier: "zar-dst",
		SourceCurrency: "USD", DestinationCurrency: "ZAR", Amount: dec("100"),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, 0, f.queue.Len())
}

func TestCrossBorder_IdempotentCreate(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)

	first := createUSDToZAR(t, f, "xb-1")
	second := createUSDToZAR(t, f, "xb-1")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.queue.Len())
}

func TestCrossBorder_RedeliveredLegHasNoEffect(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)
	ctx := context.Background()

	transfer := createUSDToZAR(t, f, "")
	f.drain(t)

	require.NoError(t, f.svc.HandleLegTask(ctx, worker.NewTask(LegTaskKind, transfer.ID, string(domain.LegSourceDebit))))
	assert.True(t, f.balance(t, "usd-src").Equal(dec("899")))
	assert.Equal(t, 0, f.queue.Len())

	entries, err := f.ledger.Entries(ctx, ledger.ReferenceCrossBorderTransfer, transfer.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCrossBorder_UnknownLegIsPermanent(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleLegTask(context.Background(), worker.NewTask(LegTaskKind, "any", "teleport"))
	assert.True(t, worker.IsPermanent(err))
}

func TestCancelCrossBorderTransfer(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)
	ctx := context.Background()

	transfer := createUSDToZAR(t, f, "")

	_, err := f.svc.CancelCrossBorderTransfer(ctx, transfer.ID, "someone-else")
	assert.ErrorIs(t, err, domain.ErrAccountNotOwned)

	cancelled, err := f.svc.CancelCrossBorderTransfer(ctx, transfer.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CrossBorderStatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled by owner", *cancelled.FailureReason)

	// The queued first leg is acknowledged without effect.
	f.drain(t)
	got, err := f.svc.GetCrossBorderTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CrossBorderStatusFailed, got.Status)
	assert.True(t, f.balance(t, "usd-src").Equal(dec("1000")))

	_, err = f.svc.CancelCrossBorderTransfer(ctx, transfer.ID, "user-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestCancelCrossBorderTransfer_RejectedOnceStarted(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)
	transfer := createUSDToZAR(t, f, "")
	f.drain(t)

	_, err := f.svc.CancelCrossBorderTransfer(context.Background(), transfer.ID, "user-1")
	var transitionErr *domain.InvalidStateTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, string(domain.CrossBorderStatusCompleted), transitionErr.From)
}

func TestCrossBorder_LostLegWriteDoesNotRepeatMovement(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)
	ctx := context.Background()

	// The debit and the credit both land, then their status write is lost.
	f.flaky.failCrossBorderAt(domain.CrossBorderStatusSourceDebited, 1)
	f.flaky.failCrossBorderAt(domain.CrossBorderStatusDestinationCredited, 1)

	transfer := createUSDToZAR(t, f, "")
	f.drain(t)

	done, err := f.svc.GetCrossBorderTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CrossBorderStatusCompleted, done.Status)
	assert.True(t, f.balance(t, "usd-src").Equal(dec("899")), f.balance(t, "usd-src").String())
	assert.True(t, f.balance(t, "zar-dst").Equal(dec("1850")), f.balance(t, "zar-dst").String())
	assert.Equal(t, 1, f.events.count(domain.EventTransferExecuted))
}

func TestCrossBorder_ConcurrentDuplicateDeliveriesDebitOnce(t *testing.T) {
	f := newFixture(t)
	crossBorderAccounts(t, f)
	ctx := context.Background()

	transfer := createUSDToZAR(t, f, "")
	require.NoError(t, f.svc.HandleLegTask(ctx, worker.NewTask(LegTaskKind, transfer.ID, string(domain.LegFxQuote))))
	locked, err := f.svc.GetCrossBorderTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CrossBorderStatusFxLocked, locked.Status)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(attempt int) {
			defer wg.Done()
			task := worker.NewTask(LegTaskKind, transfer.ID, string(domain.LegSourceDebit))
			task.Attempt = attempt
			assert.NoError(t, f.svc.HandleLegTask(ctx, task))
		}(i + 1)
	}
	wg.Wait()

	assert.True(t, f.balance(t, "usd-src").Equal(dec("899")), f.balance(t, "usd-src").String())

	f.drain(t)
	done, err := f.svc.GetCrossBorderTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CrossBorderStatusCompleted, done.Status)
	assert.True(t, f.balance(t, "usd-src").Equal(dec("899")))
	assert.True(t, f.balance(t, "zar-dst").Equal(dec("1850")))
	assert.Equal(t, 1, f.events.count(domain.EventTransferExecuted))
}
