package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/zororai/paneta-fintech-sub002/internal/clock"
	"github.com/zororai/paneta-fintech-sub002/internal/connector"
	"github.com/zororai/paneta-fintech-sub002/internal/domain"
	"github.com/zororai/paneta-fintech-sub002/internal/fxrate"
	"github.com/zororai/paneta-fintech-sub002/internal/idempotency"
	"github.com/zororai/paneta-fintech-sub002/internal/ledger"
	"github.com/zororai/paneta-fintech-sub002/internal/lock"
	"github.com/zororai/paneta-fintech-sub002/internal/store"
	"github.com/zororai/paneta-fintech-sub002/internal/worker"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const platform = "platform"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type publishedEvent struct {
	key     string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{key: routingKey, payload: payload})
	return nil
}

func (p *recordingPublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.key == key {
			n++
		}
	}
	return n
}

// switchableConnector wraps the internal ledger so tests can make credits fail.
type switchableConnector struct {
	connector.Connector
	mu         sync.Mutex
	failCredit bool
}

var errInstitutionDown = errors.New("institution timeout")

func (c *switchableConnector) setFailCredit(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCredit = v
}

func (c *switchableConnector) Credit(ctx context.Context, in connector.Instruction) error {
	c.mu.Lock()
	fail := c.failCredit
	c.mu.Unlock()
	if fail {
		return errInstitutionDown
	}
	return c.Connector.Credit(ctx, in)
}

// scriptedRates fails Convert while convertErr is set.
type scriptedRates struct {
	*fxrate.StaticProvider
	mu         sync.Mutex
	convertErr error
	converts   int
}

func (r *scriptedRates) Convert(ctx context.Context, providerRef string, amount, rate decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	r.converts++
	err := r.convertErr
	r.mu.Unlock()
	if err != nil {
		return decimal.Zero, err
	}
	return r.StaticProvider.Convert(ctx, providerRef, amount, rate)
}

// flakyRepo fails selected writes once, after the caller's side effects
// have already happened.
type flakyRepo struct {
	*store.MemoryRepository
	mu               sync.Mutex
	failCrossBorder  map[domain.CrossBorderStatus]int
	failIntent       map[domain.LocalStatus]int
	failOfferUpdates int
}

var errWriteLost = errors.New("connection reset by peer")

func (r *flakyRepo) failCrossBorderAt(status domain.CrossBorderStatus, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCrossBorder[status] = times
}

func (r *flakyRepo) failIntentAt(status domain.LocalStatus, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failIntent[status] = times
}

func (r *flakyRepo) failNextOfferUpdates(times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOfferUpdates = times
}

func (r *flakyRepo) UpdateCrossBorderTransfer(ctx context.Context, t *domain.CrossBorderTransfer) error {
	r.mu.Lock()
	if r.failCrossBorder[t.Status] > 0 {
		r.failCrossBorder[t.Status]--
		r.mu.Unlock()
		return errWriteLost
	}
	r.mu.Unlock()
	return r.MemoryRepository.UpdateCrossBorderTransfer(ctx, t)
}

func (r *flakyRepo) UpdateTransferIntent(ctx context.Context, intent *domain.TransferIntent) error {
	r.mu.Lock()
	if r.failIntent[intent.Status] > 0 {
		r.failIntent[intent.Status]--
		r.mu.Unlock()
		return errWriteLost
	}
	r.mu.Unlock()
	return r.MemoryRepository.UpdateTransferIntent(ctx, intent)
}

func (r *flakyRepo) UpdateOfferPair(ctx context.Context, a, b *domain.FxOffer) error {
	r.mu.Lock()
	if r.failOfferUpdates > 0 && (a.FilledAmount.IsPositive() || b.FilledAmount.IsPositive()) {
		r.failOfferUpdates--
		r.mu.Unlock()
		return errWriteLost
	}
	r.mu.Unlock()
	return r.MemoryRepository.UpdateOfferPair(ctx, a, b)
}

type fixture struct {
	svc    *Service
	repo   *store.MemoryRepository
	flaky  *flakyRepo
	clock  *clock.Manual
	queue  *worker.MemoryQueue
	events *recordingPublisher
	rates  *scriptedRates
	conn   *switchableConnector
	ledger *ledger.Service
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	logger := zap.NewNop()
	repo := store.NewMemoryRepository()
	flaky := &flakyRepo{
		MemoryRepository: repo,
		failCrossBorder:  map[domain.CrossBorderStatus]int{},
		failIntent:       map[domain.LocalStatus]int{},
	}
	clk := clock.NewManual(testNow)

	conn := &switchableConnector{Connector: connector.NewInternalLedger(repo)}
	connectors := connector.NewRegistry()
	connectors.Register(platform, conn)
	connectors.SetFallback(conn)

	rates := &scriptedRates{StaticProvider: fxrate.NewStaticProvider(map[string]decimal.Decimal{
		"USD:ZAR": dec("18.5"),
	})}

	registry := worker.NewRegistry(logger)
	queue := worker.NewMemoryQueue(registry, clk, logger)
	events := &recordingPublisher{}
	ledgerSvc := ledger.NewService(repo, clk, logger)

	opts := DefaultOptions()
	opts.FeePercent = dec("1")
	for _, fn := range tweak {
		fn(&opts)
	}

	svc := NewService(Deps{
		Repo:       flaky,
		Connectors: connectors,
		Rates:      rates,
		Guard:      idempotency.NewGuard(repo, clk, 24*time.Hour, logger),
		Locker:     lock.NewLocalLocker(time.Second),
		Ledger:     ledgerSvc,
		Queue:      queue,
		Events:     events,
		Clock:      clk,
		Logger:     logger,
	}, opts)
	svc.RegisterLegWorker(registry)

	return &fixture{svc: svc, repo: repo, flaky: flaky, clock: clk, queue: queue, events: events, rates: rates, conn: conn, ledger: ledgerSvc}
}

func (f *fixture) addAccount(t *testing.T, id, owner, currency, balance string) {
	t.Helper()
	require.NoError(t, f.repo.CreateAccount(context.Background(), &domain.LinkedAccount{
		ID:            id,
		Owner:         owner,
		InstitutionID: platform,
		ExternalRef:   "ext-" + id,
		Currency:      currency,
		Status:        domain.AccountStatusActive,
		CreatedAt:     testNow,
	}))
	f.repo.SeedBalance(id, dec(balance))
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	b, err := f.repo.GetAccountBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

// drain runs queued tasks, jumping the clock to each due time, until the
// queue is empty.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		due, ok := f.queue.NextDue()
		if !ok {
			return
		}
		if due.After(f.clock.Now()) {
			f.clock.Set(due)
		}
		f.queue.RunDue(context.Background())
	}
	t.Fatal("queue did not drain")
}
