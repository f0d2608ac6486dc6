package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	entrepo "signalbot/internal/entitlement/repository"
	"signalbot/internal/payment"
	"signalbot/internal/payment/oracle"
	"signalbot/internal/subscription"
	subrepo "signalbot/internal/subscription/repository"
)

type stubRail struct {
	id       payment.RailID
	issueErr error
	issued   atomic.Int32
	checks   atomic.Int32

	mu         sync.Mutex
	settlement payment.Settlement
	checkErr   error
	onCheck    func()
	onIssue    func()
	release    chan struct{}
	blockOnCtx bool
}

func (r *stubRail) ID() payment.RailID { return r.id }

func (r *stubRail) IssueReceiver(_ context.Context, req payment.IssueRequest) (payment.Receiver, error) {
	if r.issueErr != nil {
		return payment.Receiver{}, r.issueErr
	}
	if r.onIssue != nil {
		r.onIssue()
	}
	n := r.issued.Add(1)
	return payment.Receiver{Reference: fmt.Sprintf("%s-rcv-%d-%d", r.id, req.UserID, n)}, nil
}

func (r *stubRail) CheckSettlement(ctx context.Context, _ payment.Reference, _ decimal.Decimal) (payment.Settlement, error) {
	r.checks.Add(1)
	r.mu.Lock()
	st, err, hook, release, block := r.settlement, r.checkErr, r.onCheck, r.release, r.blockOnCtx
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return payment.Settlement{}, ctx.Err()
	}
	if release != nil {
		<-release
	}
	if hook != nil {
		hook()
	}
	return st, err
}

func (r *stubRail) set(st payment.Settlement, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlement, r.checkErr = st, err
}

type priceTable map[string]decimal.Decimal

func (p priceTable) GetPrice(_ context.Context, pair string) (decimal.Decimal, error) {
	price, ok := p[pair]
	if !ok {
		return decimal.Decimal{}, oracle.ErrPriceUnavailable
	}
	return price, nil
}

// clockedOracle quotes at par, stamped with the suite clock.
type clockedOracle struct{ now func() time.Time }

func (o clockedOracle) Quote(_ context.Context, rail payment.RailID, fiat decimal.Decimal) (payment.Quote, error) {
	return payment.Quote{Rail: rail, NativeAmount: fiat, FiatAmount: fiat, Currency: "USDT", UnitPrice: decimal.NewFromInt(1), QuotedAt: o.now()}, nil
}

type switchGate struct{ deny atomic.Bool }

func (g *switchGate) Allow(string) bool { return !g.deny.Load() }

type countingStore struct {
	*entrepo.MemoryEntitlementRepository
	grants atomic.Int32
}

func (c *countingStore) Grant(ctx context.Context, userID int64, expiresAt time.Time, sessionID string) error {
	c.grants.Add(1)
	return c.MemoryEntitlementRepository.Grant(ctx, userID, expiresAt, sessionID)
}

const user int64 = 42

type WorkflowSuite struct {
	suite.Suite

	ctx      context.Context
	clockMu  sync.Mutex
	clock    time.Time
	eth      *stubRail
	sol      *stubRail
	bpay     *stubRail
	prices   priceTable
	gate     *switchGate
	sessions *subrepo.MemorySessionCache
	store    *countingStore
	svc      *Service
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

func (s *WorkflowSuite) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.clock
}

func (s *WorkflowSuite) advance(d time.Duration) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.clock = s.clock.Add(d)
}

func (s *WorkflowSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.eth = &stubRail{id: payment.RailEthereum}
	s.sol = &stubRail{id: payment.RailSolana}
	s.bpay = &stubRail{id: payment.RailBinancePay}
	s.prices = priceTable{
		"ETHUSDT": decimal.RequireFromString("2900"),
		"SOLUSDT": decimal.RequireFromString("150"),
	}
	s.gate = &switchGate{}
	s.sessions = subrepo.NewMemorySessionCache(30*time.Minute, s.now)
	s.store = &countingStore{MemoryEntitlementRepository: entrepo.NewMemoryEntitlementRepository()}

	catalog, err := subscription.NewCatalog([]subscription.Plan{
		{ID: "monthly", FiatPrice: decimal.RequireFromString("29.99"), DurationDays: 30},
		{ID: "annual", FiatPrice: decimal.RequireFromString("299.99"), DurationDays: 365},
	})
	s.Require().NoError(err)

	orc := oracle.New(s.prices, oracle.DefaultPricing("ETHUSDT", "SOLUSDT", "USDT"))
	s.svc = NewService(Deps{
		Catalog:      catalog,
		Rails:        []payment.Rail{s.eth, s.sol, s.bpay},
		Oracle:       orc,
		Sessions:     s.sessions,
		Entitlements: s.store,
		Gate:         s.gate,
	}, Config{SessionTTL: 30 * time.Minute, MaxDenials: 2}, zerolog.Nop())
	s.svc.now = s.now
}

func (s *WorkflowSuite) issue() map[payment.RailID]subscription.PaymentOption {
	_, err := s.svc.SelectPlan(s.ctx, user, "monthly")
	s.Require().NoError(err)
	opts, err := s.svc.IssueOptions(s.ctx, user)
	s.Require().NoError(err)
	return opts
}

func (s *WorkflowSuite) session() *subscription.Session {
	sess, err := s.sessions.Get(s.ctx, user)
	s.Require().NoError(err)
	return sess
}

func (s *WorkflowSuite) assertNotPremium() {
	ent, err := s.svc.GetEntitlement(s.ctx, user)
	s.Require().NoError(err)
	s.False(ent.IsPremium)
	s.Zero(s.store.grants.Load())
}

func (s *WorkflowSuite) TestSelectPlanUnknown() {
	_, err := s.svc.SelectPlan(s.ctx, user, "lifetime")
	s.ErrorIs(err, ErrUnknownPlan)
}

func (s *WorkflowSuite) TestSelectPlanReplacesSession() {
	first, err := s.svc.SelectPlan(s.ctx, user, "monthly")
	s.Require().NoError(err)
	s.Equal(subscription.StatusOpen, first.Status)
	s.Equal(s.now().Add(30*time.Minute), first.ExpiresAt)

	second, err := s.svc.SelectPlan(s.ctx, user, "annual")
	s.Require().NoError(err)
	s.NotEqual(first.SessionID, second.SessionID)

	sess := s.session()
	s.Equal(second.SessionID, sess.ID)
	s.Equal("annual", sess.PlanID)
}

func (s *WorkflowSuite) TestIssueOptionsQuotesEveryRail() {
	opts := s.issue()
	s.Len(opts, 3)

	eth := opts[payment.RailEthereum]
	s.Equal("0.01034138", eth.NativeAmount.String())
	s.Equal("ETH", eth.Currency)
	s.Equal("monthly", eth.PlanID)
	s.Equal(user, eth.UserID)
	s.Equal("0.19993334", opts[payment.RailSolana].NativeAmount.String())
	s.Equal("29.99", opts[payment.RailBinancePay].NativeAmount.String())
	s.Equal(subscription.StatusOptionsIssued, s.session().Status)
}

func (s *WorkflowSuite) TestIssueOptionsIsIdempotent() {
	first := s.issue()
	second, err := s.svc.IssueOptions(s.ctx, user)
	s.Require().NoError(err)

	s.Equal(first, second)
	s.Equal(int32(1), s.eth.issued.Load())
	s.Equal(int32(1), s.sol.issued.Load())
	s.Equal(int32(1), s.bpay.issued.Load())
}

func (s *WorkflowSuite) TestIssueOptionsOmitsFailingRails() {
	s.sol.issueErr = errors.New("key vault down")
	delete(s.prices, "ETHUSDT")

	opts := s.issue()
	s.Len(opts, 1)
	s.Contains(opts, payment.RailBinancePay)

	_, err := s.svc.RequestVerification(s.ctx, user, payment.RailSolana, "sig")
	s.ErrorIs(err, ErrUnknownRail)
}

func (s *WorkflowSuite) TestAllRailsFail() {
	boom := errors.New("unavailable")
	s.eth.issueErr, s.sol.issueErr, s.bpay.issueErr = boom, boom, boom

	_, err := s.svc.SelectPlan(s.ctx, user, "monthly")
	s.Require().NoError(err)
	_, err = s.svc.IssueOptions(s.ctx, user)
	s.ErrorIs(err, ErrAllRailsUnavailable)
	s.False(IsRetryable(err))
	s.Equal(subscription.StatusFailed, s.session().Status)

	_, err = s.svc.IssueOptions(s.ctx, user)
	s.ErrorIs(err, ErrSessionFailed)
	_, err = s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0x1")
	s.ErrorIs(err, ErrSessionFailed)
	s.assertNotPremium()

	// a fresh selection recovers
	s.eth.issueErr = nil
	_, err = s.svc.SelectPlan(s.ctx, user, "monthly")
	s.Require().NoError(err)
	opts, err := s.svc.IssueOptions(s.ctx, user)
	s.Require().NoError(err)
	s.Len(opts, 1)
}

func (s *WorkflowSuite) TestVerifyWithoutSessionOrOptions() {
	_, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0x1")
	s.ErrorIs(err, ErrNoSession)

	_, err = s.svc.SelectPlan(s.ctx, user, "monthly")
	s.Require().NoError(err)
	_, err = s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0x1")
	s.ErrorIs(err, ErrOptionsNotIssued)
	s.Zero(s.eth.checks.Load())
}

func (s *WorkflowSuite) TestConfirmedGrantsEntitlement() {
	s.issue()
	s.eth.set(payment.Settlement{Status: payment.SettlementConfirmed, Received: decimal.RequireFromString("0.01034138"), Confirmations: 3}, nil)
	sessionID := s.session().ID

	res, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.Require().NoError(err)
	s.Equal(VerificationGranted, res.Status)
	s.False(res.AlreadyGranted)
	s.Require().NotNil(res.Entitlement)
	s.True(res.Entitlement.IsPremium)
	s.Equal(s.now().Add(30*24*time.Hour), *res.Entitlement.ExpiresAt)
	s.Equal(sessionID, res.Entitlement.SessionID)

	_, err = s.sessions.Get(s.ctx, user)
	s.ErrorIs(err, subscription.ErrSessionNotFound)
	s.Equal(int32(1), s.store.grants.Load())
}

func (s *WorkflowSuite) TestConcurrentConfirmationsGrantOnce() {
	s.issue()
	release := make(chan struct{})
	s.eth.mu.Lock()
	s.eth.settlement = payment.Settlement{Status: payment.SettlementConfirmed, Confirmations: 3}
	s.eth.release = release
	s.eth.mu.Unlock()

	results := make([]*VerificationResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
		}(i)
	}
	s.Require().Eventually(func() bool { return s.eth.checks.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	s.Require().NoError(errs[0])
	s.Require().NoError(errs[1])
	s.Equal(VerificationGranted, results[0].Status)
	s.Equal(VerificationGranted, results[1].Status)
	s.NotEqual(results[0].AlreadyGranted, results[1].AlreadyGranted)
	s.Equal(int32(1), s.store.grants.Load())
}

func (s *WorkflowSuite) TestReselectDuringVerificationDiscardsLateConfirmation() {
	s.issue()
	s.eth.set(payment.Settlement{Status: payment.SettlementPending, Confirmations: 1}, nil)

	res, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.Require().NoError(err)
	s.Equal(VerificationPending, res.Status)
	s.Equal(subscription.StatusVerifying, s.session().Status)

	var newSession string
	s.eth.mu.Lock()
	s.eth.settlement = payment.Settlement{Status: payment.SettlementConfirmed, Confirmations: 3}
	s.eth.onCheck = func() {
		summary, err := s.svc.SelectPlan(s.ctx, user, "annual")
		s.Require().NoError(err)
		newSession = summary.SessionID
	}
	s.eth.mu.Unlock()

	_, err = s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.ErrorIs(err, ErrSessionSuperseded)
	s.assertNotPremium()

	sess := s.session()
	s.Equal(newSession, sess.ID)
	s.Equal(subscription.StatusOpen, sess.Status)
}

func (s *WorkflowSuite) TestUnderpaidThenNotFoundRequiresReissue() {
	first := s.issue()
	s.eth.set(payment.Settlement{Status: payment.SettlementUnderpaid, Received: decimal.RequireFromString("0.0103"), Confirmations: 5}, nil)

	res, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.Require().NoError(err)
	s.Equal(VerificationDenied, res.Status)
	s.ErrorIs(res.Reason, ErrUnderpaid)
	s.False(res.ReissueRequired)
	s.Equal("0.0103", res.Received.String())
	s.Equal(subscription.StatusDenied, s.session().Status)

	s.eth.set(payment.Settlement{Status: payment.SettlementNotFound}, nil)
	res, err = s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xother")
	s.Require().NoError(err)
	s.Equal(VerificationDenied, res.Status)
	s.ErrorIs(res.Reason, ErrPaymentNotFound)
	s.True(res.ReissueRequired)

	sess := s.session()
	s.Equal(subscription.StatusOpen, sess.Status)
	s.Empty(sess.Options)

	_, err = s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.ErrorIs(err, ErrOptionsNotIssued)

	second, err := s.svc.IssueOptions(s.ctx, user)
	s.Require().NoError(err)
	s.NotEqual(first[payment.RailEthereum].Receiver, second[payment.RailEthereum].Receiver)
	s.Equal(int32(2), s.eth.issued.Load())
	s.assertNotPremium()
}

func (s *WorkflowSuite) TestRedeliveredDenialIsNotASecondAttempt() {
	s.issue()
	s.eth.set(payment.Settlement{Status: payment.SettlementNotFound}, nil)

	first, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xsame")
	s.Require().NoError(err)
	s.Equal(VerificationDenied, first.Status)
	s.False(first.ReissueRequired)

	again, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xsame")
	s.Require().NoError(err)
	s.Equal(first, again)
	s.Equal(int32(1), s.eth.checks.Load())

	sess := s.session()
	s.Equal(subscription.StatusDenied, sess.Status)
	s.Equal(1, sess.Denials)
	s.Len(sess.Options, 3)
}

func (s *WorkflowSuite) TestRedeliveredFinalDenialReplaysReissue() {
	s.issue()
	s.eth.set(payment.Settlement{Status: payment.SettlementUnderpaid, Received: decimal.RequireFromString("0.01")}, nil)

	_, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xa")
	s.Require().NoError(err)
	last, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xb")
	s.Require().NoError(err)
	s.True(last.ReissueRequired)

	again, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xb")
	s.Require().NoError(err)
	s.Equal(VerificationDenied, again.Status)
	s.ErrorIs(again.Reason, ErrUnderpaid)
	s.True(again.ReissueRequired)
	s.Equal("0.01", again.Received.String())
	s.Equal(int32(2), s.eth.checks.Load())
}

func (s *WorkflowSuite) TestRepeatedDenialOutsideWindowCountsAgain() {
	s.issue()
	s.eth.set(payment.Settlement{Status: payment.SettlementNotFound}, nil)

	_, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xlate")
	s.Require().NoError(err)
	s.advance(2 * time.Minute)

	res, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xlate")
	s.Require().NoError(err)
	s.True(res.ReissueRequired)
	s.Equal(int32(2), s.eth.checks.Load())
}

func (s *WorkflowSuite) TestVerifyTimeoutIsTransient() {
	s.issue()
	s.svc.cfg.VerifyTimeout = 50 * time.Millisecond
	s.eth.mu.Lock()
	s.eth.blockOnCtx = true
	s.eth.mu.Unlock()

	_, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.ErrorIs(err, ErrTransientRail)
	s.ErrorContains(err, context.DeadlineExceeded.Error())
	s.True(IsRetryable(err))

	sess := s.session()
	s.Equal(subscription.StatusOptionsIssued, sess.Status)
	s.Zero(sess.Denials)
	s.Nil(sess.LastDenial)
	s.assertNotPremium()
}

func (s *WorkflowSuite) TestStaleQuoteLogsDroppedReceiver() {
	var buf bytes.Buffer
	svc := NewService(Deps{
		Catalog:      s.svc.catalog,
		Rails:        []payment.Rail{s.bpay},
		Oracle:       clockedOracle{now: s.now},
		Sessions:     s.sessions,
		Entitlements: s.store,
		Gate:         s.gate,
	}, Config{SessionTTL: 30 * time.Minute}, zerolog.New(&buf))
	svc.now = s.now
	s.bpay.onIssue = func() { s.advance(3 * time.Minute) }

	_, err := svc.SelectPlan(s.ctx, user, "monthly")
	s.Require().NoError(err)
	_, err = svc.IssueOptions(s.ctx, user)
	s.ErrorIs(err, ErrAllRailsUnavailable)

	s.Contains(buf.String(), "quote went stale during issuance")
	s.Contains(buf.String(), "binance_pay-rcv-42-1")
	s.Contains(buf.String(), `"level":"warn"`)
}

func (s *WorkflowSuite) TestVerificationAfterSessionTTL() {
	s.issue()
	s.eth.set(payment.Settlement{Status: payment.SettlementConfirmed, Confirmations: 10}, nil)
	s.advance(31 * time.Minute)

	_, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.ErrorIs(err, ErrSessionExpired)
	s.Zero(s.eth.checks.Load())

	_, err = s.sessions.Get(s.ctx, user)
	s.ErrorIs(err, subscription.ErrSessionNotFound)
	_, err = s.svc.IssueOptions(s.ctx, user)
	s.ErrorIs(err, ErrNoSession)
	s.assertNotPremium()
}

func (s *WorkflowSuite) TestTransientRailErrorLeavesStateUnchanged() {
	s.issue()
	s.eth.set(payment.Settlement{}, errors.New("rpc timeout"))

	_, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.ErrorIs(err, ErrTransientRail)
	s.True(IsRetryable(err))

	sess := s.session()
	s.Equal(subscription.StatusOptionsIssued, sess.Status)
	s.Zero(sess.Denials)
	s.assertNotPremium()
}

func (s *WorkflowSuite) TestRateLimitedVerification() {
	s.issue()
	s.gate.deny.Store(true)

	_, err := s.svc.RequestVerification(s.ctx, user, payment.RailEthereum, "0xtx")
	s.ErrorIs(err, ErrRateLimited)
	s.Zero(s.eth.checks.Load())
}

func (s *WorkflowSuite) TestUsersDoNotShareState() {
	s.issue()
	_, err := s.svc.RequestVerification(s.ctx, user+1, payment.RailEthereum, "0xtx")
	s.ErrorIs(err, ErrNoSession)
	s.Zero(s.svc.locks.size())
}
