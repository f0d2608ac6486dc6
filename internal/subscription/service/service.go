package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signalbot/internal/entitlement"
	"signalbot/internal/metrics"
	"signalbot/internal/payment"
	"signalbot/internal/subscription"
)

type Oracle interface {
	Quote(ctx context.Context, rail payment.RailID, fiat decimal.Decimal) (payment.Quote, error)
}

type SessionCache interface {
	Put(ctx context.Context, s *subscription.Session) error
	// Get returns subscription.ErrSessionNotFound when absent. An expired entry
	// is evicted and returned together with subscription.ErrSessionExpired.
	Get(ctx context.Context, userID int64) (*subscription.Session, error)
	Evict(ctx context.Context, userID int64) error
}

type EntitlementStore interface {
	Get(ctx context.Context, userID int64) (*entitlement.Entitlement, error)
	Grant(ctx context.Context, userID int64, expiresAt time.Time, sessionID string) error
}

type RateGate interface {
	Allow(key string) bool
}

type Config struct {
	SessionTTL      time.Duration
	IssueTimeout    time.Duration
	VerifyTimeout   time.Duration
	QuoteStaleAfter time.Duration
	MaxDenials      int
	// a repeated denied request inside this window is a redelivery, not a new attempt
	DuplicateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.IssueTimeout <= 0 {
		c.IssueTimeout = 10 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 10 * time.Second
	}
	if c.QuoteStaleAfter <= 0 {
		c.QuoteStaleAfter = 120 * time.Second
	}
	if c.MaxDenials <= 0 {
		c.MaxDenials = 2
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = time.Minute
	}
	return c
}

type Deps struct {
	Catalog      *subscription.Catalog
	Rails        []payment.Rail
	Oracle       Oracle
	Sessions     SessionCache
	Entitlements EntitlementStore
	Gate         RateGate
}

type VerificationStatus string

const (
	VerificationGranted VerificationStatus = "GRANTED"
	VerificationPending VerificationStatus = "PENDING"
	VerificationDenied  VerificationStatus = "DENIED"
)

type VerificationResult struct {
	Status VerificationStatus
	// Reason is ErrUnderpaid or ErrPaymentNotFound for denials.
	Reason          error
	Entitlement     *entitlement.Entitlement
	Received        decimal.Decimal
	Confirmations   uint64
	ReissueRequired bool
	AlreadyGranted  bool
}

// Service runs the purchase workflow: plan selection, payment option
// issuance and verification. Every session or entitlement mutation for a user
// happens inside that user's exclusive section; different users never block
// each other.
type Service struct {
	catalog      *subscription.Catalog
	rails        []payment.Rail
	railByID     map[payment.RailID]payment.Rail
	oracle       Oracle
	sessions     SessionCache
	entitlements EntitlementStore
	gate         RateGate
	cfg          Config
	locks        *userLocks
	log          zerolog.Logger
	now          func() time.Time
}

func NewService(deps Deps, cfg Config, log zerolog.Logger) *Service {
	s := &Service{
		catalog:      deps.Catalog,
		rails:        deps.Rails,
		railByID:     make(map[payment.RailID]payment.Rail, len(deps.Rails)),
		oracle:       deps.Oracle,
		sessions:     deps.Sessions,
		entitlements: deps.Entitlements,
		gate:         deps.Gate,
		cfg:          cfg.withDefaults(),
		locks:        newUserLocks(),
		log:          log.With().Str("component", "subscription").Logger(),
		now:          time.Now,
	}
	for _, r := range deps.Rails {
		s.railByID[r.ID()] = r
	}
	return s
}

func (s *Service) ListPlans() []subscription.Plan {
	return s.catalog.List()
}

func (s *Service) GetEntitlement(ctx context.Context, userID int64) (*entitlement.Entitlement, error) {
	return s.entitlements.Get(ctx, userID)
}

// SelectPlan starts a new session for planID, replacing any session the user had.
func (s *Service) SelectPlan(ctx context.Context, userID int64, planID string) (*subscription.SessionSummary, error) {
	plan, ok := s.catalog.Get(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	prev, err := s.sessions.Get(ctx, userID)
	switch {
	case err == nil, errors.Is(err, subscription.ErrSessionExpired):
		s.logAbandoned(prev, "replaced by new plan selection")
	case errors.Is(err, subscription.ErrSessionNotFound):
	default:
		return nil, err
	}

	now := s.now()
	sess := &subscription.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		PlanID:    plan.ID,
		Status:    subscription.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionsStarted.WithLabelValues(plan.ID).Inc()
	s.log.Info().Int64("user_id", userID).Str("session_id", sess.ID).Str("plan", plan.ID).Msg("plan selected")

	return &subscription.SessionSummary{
		SessionID:    sess.ID,
		PlanID:       plan.ID,
		FiatPrice:    plan.FiatPrice,
		DurationDays: plan.DurationDays,
		Status:       sess.Status,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
	}, nil
}

// IssueOptions returns one payment option per rail that could issue a
// receiver. Calling it again returns the same options.
func (s *Service) IssueOptions(ctx context.Context, userID int64) (map[payment.RailID]subscription.PaymentOption, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	sess, err := s.loadSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(sess.Options) > 0 {
		return sess.Clone().Options, nil
	}
	if sess.Status == subscription.StatusFailed {
		return nil, ErrSessionFailed
	}

	plan, ok := s.catalog.Get(sess.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, sess.PlanID)
	}

	options := s.issueAll(ctx, sess, plan)
	sess.UpdatedAt = s.now()
	if len(options) == 0 {
		sess.Status = subscription.StatusFailed
		if err := s.sessions.Put(ctx, sess); err != nil {
			return nil, err
		}
		s.log.Error().Int64("user_id", userID).Str("session_id", sess.ID).Msg("all payment rails failed")
		return nil, ErrAllRailsUnavailable
	}

	sess.Options = options
	sess.LastDenial = nil
	sess.Status = subscription.StatusOptionsIssued
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Clone().Options, nil
}

func (s *Service) issueAll(ctx context.Context, sess *subscription.Session, plan subscription.Plan) map[payment.RailID]subscription.PaymentOption {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IssueTimeout)
	defer cancel()

	type outcome struct {
		opt subscription.PaymentOption
		err error
	}
	results := make([]outcome, len(s.rails))

	var wg sync.WaitGroup
	for i, r := range s.rails {
		wg.Add(1)
		go func(i int, r payment.Rail) {
			defer wg.Done()
			opt, err := s.issueOne(ctx, sess, plan, r)
			results[i] = outcome{opt: opt, err: err}
		}(i, r)
	}
	wg.Wait()

	options := make(map[payment.RailID]subscription.PaymentOption, len(results))
	for i, res := range results {
		id := s.rails[i].ID()
		if res.err != nil {
			metrics.OptionsIssued.WithLabelValues(string(id), "failed").Inc()
			s.log.Warn().Err(res.err).Int64("user_id", sess.UserID).Str("rail", string(id)).Msg("payment option not issued")
			continue
		}
		metrics.OptionsIssued.WithLabelValues(string(id), "ok").Inc()
		options[id] = res.opt
	}
	return options
}

func (s *Service) issueOne(ctx context.Context, sess *subscription.Session, plan subscription.Plan, r payment.Rail) (subscription.PaymentOption, error) {
	quote, err := s.oracle.Quote(ctx, r.ID(), plan.FiatPrice)
	if err != nil {
		return subscription.PaymentOption{}, err
	}
	rcv, err := r.IssueReceiver(ctx, payment.IssueRequest{
		UserID:   sess.UserID,
		PlanID:   plan.ID,
		Amount:   quote.NativeAmount,
		Currency: quote.Currency,
	})
	if err != nil {
		return subscription.PaymentOption{}, err
	}
	now := s.now()
	if quote.Stale(now, s.cfg.QuoteStaleAfter) {
		// the receiver exists upstream (an open merchant order for custodial rails)
		s.log.Warn().
			Int64("user_id", sess.UserID).
			Str("session_id", sess.ID).
			Str("rail", string(r.ID())).
			Strs("receivers", []string{rcv.Reference}).
			Msg("abandoned payment receivers: quote went stale during issuance")
		return subscription.PaymentOption{}, fmt.Errorf("quote for %s went stale during issuance", r.ID())
	}
	return subscription.PaymentOption{
		Rail:         r.ID(),
		Receiver:     rcv.Reference,
		PaymentLink:  rcv.Link,
		NativeAmount: quote.NativeAmount,
		Currency:     quote.Currency,
		IssuedAt:     now,
		PlanID:       plan.ID,
		UserID:       sess.UserID,
	}, nil
}

// RequestVerification checks whether the user paid through railID. The
// settlement check runs outside the user's exclusive section; its result is
// applied only if the session it was taken for is still current.
func (s *Service) RequestVerification(ctx context.Context, userID int64, railID payment.RailID, txID string) (*VerificationResult, error) {
	if !s.gate.Allow(fmt.Sprintf("verify:%d", userID)) {
		metrics.RateLimited.WithLabelValues("verify").Inc()
		return nil, ErrRateLimited
	}

	snap, replay, err := s.snapshotForVerification(ctx, userID, railID, txID)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	settlement, checkErr := s.checkSettlement(ctx, snap)
	metrics.VerificationOutcomes.WithLabelValues(string(railID), string(settlement.Status)).Inc()

	unlock := s.locks.lock(userID)
	defer unlock()
	return s.applySettlement(ctx, snap, settlement, checkErr)
}

type verificationSnapshot struct {
	sessionID string
	userID    int64
	plan      subscription.Plan
	rail      payment.Rail
	option    subscription.PaymentOption
	txID      string
}

// snapshotForVerification captures what the settlement check needs. A
// redelivered denied request comes back as a replayed result instead.
func (s *Service) snapshotForVerification(ctx context.Context, userID int64, railID payment.RailID, txID string) (*verificationSnapshot, *VerificationResult, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	sess, err := s.loadSession(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if d := s.duplicateDenial(sess, railID, txID); d != nil {
		return nil, deniedResult(d), nil
	}
	switch sess.Status {
	case subscription.StatusOptionsIssued, subscription.StatusVerifying, subscription.StatusDenied:
	case subscription.StatusFailed:
		return nil, nil, ErrSessionFailed
	case subscription.StatusOpen:
		return nil, nil, ErrOptionsNotIssued
	default:
		return nil, nil, fmt.Errorf("%w: status %s", ErrVerificationClosed, sess.Status)
	}

	opt, ok := sess.Options[railID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRail, railID)
	}
	r, ok := s.railByID[railID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s is not enabled", ErrUnknownRail, railID)
	}
	plan, ok := s.catalog.Get(sess.PlanID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownPlan, sess.PlanID)
	}
	return &verificationSnapshot{sessionID: sess.ID, userID: userID, plan: plan, rail: r, option: opt, txID: txID}, nil, nil
}

// duplicateDenial returns the stored denial when the request repeats it while
// the session still reflects that denial.
func (s *Service) duplicateDenial(sess *subscription.Session, railID payment.RailID, txID string) *subscription.Denial {
	d := sess.LastDenial
	if d == nil || d.Rail != railID || d.TxID != txID {
		return nil
	}
	if s.now().Sub(d.At) > s.cfg.DuplicateWindow {
		return nil
	}
	switch {
	case sess.Status == subscription.StatusDenied:
	case sess.Status == subscription.StatusOpen && d.ReissueRequired:
	default:
		return nil
	}
	return d
}

func deniedResult(d *subscription.Denial) *VerificationResult {
	res := &VerificationResult{
		Status:          VerificationDenied,
		Reason:          ErrPaymentNotFound,
		Received:        d.Received,
		Confirmations:   d.Confirmations,
		ReissueRequired: d.ReissueRequired,
	}
	if d.Status == payment.SettlementUnderpaid {
		res.Reason = ErrUnderpaid
	}
	return res
}

func (s *Service) checkSettlement(ctx context.Context, snap *verificationSnapshot) (payment.Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()

	ref := payment.Reference{Receiver: snap.option.Receiver, TxID: snap.txID}
	st, err := snap.rail.CheckSettlement(ctx, ref, snap.option.NativeAmount)
	if err != nil {
		st.Status = payment.SettlementError
	}
	return st, err
}

func (s *Service) applySettlement(ctx context.Context, snap *verificationSnapshot, st payment.Settlement, checkErr error) (*VerificationResult, error) {
	log := s.log.With().Int64("user_id", snap.userID).Str("session_id", snap.sessionID).Str("rail", string(snap.option.Rail)).Logger()

	cur, err := s.sessions.Get(ctx, snap.userID)
	current := err == nil && cur.ID == snap.sessionID && cur.PlanID == snap.plan.ID &&
		cur.Options[snap.option.Rail].Receiver == snap.option.Receiver
	if !current {
		if err != nil && !errors.Is(err, subscription.ErrSessionNotFound) && !errors.Is(err, subscription.ErrSessionExpired) {
			return nil, err
		}
		// a concurrent request for the same session may already have granted
		ent, entErr := s.entitlements.Get(ctx, snap.userID)
		if entErr != nil {
			return nil, entErr
		}
		if ent.IsPremium && ent.SessionID == snap.sessionID {
			return &VerificationResult{Status: VerificationGranted, Entitlement: ent, AlreadyGranted: true}, nil
		}
		if errors.Is(err, subscription.ErrSessionExpired) {
			s.logAbandoned(cur, "session expired during verification")
			return nil, ErrSessionExpired
		}
		if st.Status == payment.SettlementConfirmed {
			log.Warn().Str("receiver", snap.option.Receiver).Msg("settlement confirmed for a superseded session; not granted")
		}
		return nil, ErrSessionSuperseded
	}

	now := s.now()
	if cur.ExpiredAt(now, s.cfg.SessionTTL) {
		if err := s.sessions.Evict(ctx, snap.userID); err != nil {
			return nil, err
		}
		s.logAbandoned(cur, "session expired during verification")
		return nil, ErrSessionExpired
	}

	result := &VerificationResult{Received: st.Received, Confirmations: st.Confirmations}

	switch st.Status {
	case payment.SettlementConfirmed:
		expiresAt := now.Add(snap.plan.Duration())
		if err := s.entitlements.Grant(ctx, snap.userID, expiresAt, cur.ID); err != nil {
			return nil, fmt.Errorf("grant entitlement: %w", err)
		}
		if err := s.sessions.Evict(ctx, snap.userID); err != nil {
			log.Error().Err(err).Msg("failed to evict verified session")
		}
		ent, err := s.entitlements.Get(ctx, snap.userID)
		if err != nil {
			return nil, err
		}
		metrics.EntitlementsGranted.WithLabelValues(snap.plan.ID).Inc()
		log.Info().Time("expires_at", expiresAt).Str("received", st.Received.String()).Msg("entitlement granted")
		result.Status = VerificationGranted
		result.Entitlement = ent
		return result, nil

	case payment.SettlementPending:
		cur.Status = subscription.StatusVerifying
		cur.LastDenial = nil
		cur.UpdatedAt = now
		if err := s.sessions.Put(ctx, cur); err != nil {
			return nil, err
		}
		result.Status = VerificationPending
		return result, nil

	case payment.SettlementUnderpaid, payment.SettlementNotFound:
		denial := &subscription.Denial{
			Rail:          snap.option.Rail,
			TxID:          snap.txID,
			Status:        st.Status,
			Received:      st.Received,
			Confirmations: st.Confirmations,
			At:            now,
		}
		cur.Denials++
		cur.Status = subscription.StatusDenied
		cur.UpdatedAt = now
		if cur.Denials >= s.cfg.MaxDenials {
			s.logAbandoned(cur, "options cleared after repeated denials")
			cur.Options = nil
			cur.Denials = 0
			cur.Status = subscription.StatusOpen
			denial.ReissueRequired = true
		}
		cur.LastDenial = denial
		if err := s.sessions.Put(ctx, cur); err != nil {
			return nil, err
		}
		result = deniedResult(denial)
		log.Info().Str("reason", result.Reason.Error()).Bool("reissue_required", result.ReissueRequired).Msg("verification denied")
		return result, nil

	default:
		log.Warn().Err(checkErr).Msg("settlement check failed")
		if checkErr == nil {
			checkErr = fmt.Errorf("rail reported %s", st.Status)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransientRail, checkErr)
	}
}

// loadSession maps cache misses to workflow errors and enforces the TTL.
func (s *Service) loadSession(ctx context.Context, userID int64) (*subscription.Session, error) {
	sess, err := s.sessions.Get(ctx, userID)
	switch {
	case errors.Is(err, subscription.ErrSessionNotFound):
		return nil, ErrNoSession
	case errors.Is(err, subscription.ErrSessionExpired):
		s.logAbandoned(sess, "session expired")
		return nil, ErrSessionExpired
	case err != nil:
		return nil, err
	}

	if sess.ExpiredAt(s.now(), s.cfg.SessionTTL) {
		sess.Status = subscription.StatusExpired
		if err := s.sessions.Evict(ctx, userID); err != nil {
			return nil, err
		}
		s.logAbandoned(sess, "session expired")
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// logAbandoned records receivers that may still be paid into after their
// session stopped accepting verification, so operators can reconcile funds.
func (s *Service) logAbandoned(sess *subscription.Session, reason string) {
	if sess == nil || len(sess.Options) == 0 {
		return
	}
	s.log.Warn().
		Int64("user_id", sess.UserID).
		Str("session_id", sess.ID).
		Strs("receivers", sess.Receivers()).
		Msg("abandoned payment receivers: " + reason)
}
