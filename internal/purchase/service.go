package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChainInfo exposes the ledger metadata recorded on each purchase request.
type ChainInfo interface {
	LedgerHeight(ctx context.Context) (int64, error)
}

// LedgerRefresher is notified when a purchase confirms so the client's view
// of valid credit packs can be rebuilt.
type LedgerRefresher interface {
	Refresh(ctx context.Context) error
}

// Params are the caller-supplied knobs for one purchase. Zero price ceilings
// default to the estimate (total) and estimate/credits (per credit).
type Params struct {
	Credits           int64
	Cushion           float64
	MaxTotalPrice     decimal.Decimal
	MaxPerCreditPrice decimal.Decimal
}

// Service drives one purchase attempt through
// estimate → fund → negotiate → poll, with the failure-path refund.
//
// The funding step is serialized: two concurrent attempts against the same
// wallet must not double-spend the same spendable balance.
type Service struct {
	estimator  *Estimator
	funding    *Coordinator
	refunds    *RefundManager
	poller     *Poller
	negotiator Negotiator
	chain      ChainInfo
	ledger     LedgerRefresher
	attempts   *AttemptStore
	requester  string
	log        *zap.Logger

	fundMu     sync.Mutex
	refreshCh  chan struct{}
	background sync.WaitGroup
}

func NewService(
	estimator *Estimator,
	funding *Coordinator,
	refunds *RefundManager,
	poller *Poller,
	negotiator Negotiator,
	chain ChainInfo,
	ledger LedgerRefresher,
	attempts *AttemptStore,
	requester string,
	log *zap.Logger,
) *Service {
	return &Service{
		estimator:  estimator,
		funding:    funding,
		refunds:    refunds,
		poller:     poller,
		negotiator: negotiator,
		chain:      chain,
		ledger:     ledger,
		attempts:   attempts,
		requester:  requester,
		log:        log,
		refreshCh:  make(chan struct{}, 1),
	}
}

// RefreshSignal fires once per confirmed purchase. Non-blocking producer;
// a slow consumer coalesces signals.
func (s *Service) RefreshSignal() <-chan struct{} { return s.refreshCh }

// Attempts exposes the attempt store for read paths.
func (s *Service) Attempts() *AttemptStore { return s.attempts }

// Begin validates parameters, opens an attempt record, and runs the
// purchase flow detached from the caller. ctx bounds the whole flow
// including the confirmation poll: cancel it and all scheduling stops.
func (s *Service) Begin(ctx context.Context, p Params, sink StatusSink) (*Attempt, error) {
	if err := ValidateParams(p.Credits, p.Cushion); err != nil {
		return nil, err
	}
	a, err := s.attempts.Create(ctx, p.Credits, p.Cushion)
	if err != nil {
		return nil, err
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.run(ctx, a, p, sink); err != nil {
			s.log.Warn("purchase attempt failed",
				zap.String("attempt", a.ID),
				zap.Error(err),
			)
		}
	}()
	return a, nil
}

// Purchase runs the flow synchronously through negotiation; the
// confirmation poll still detaches. Library entry point.
func (s *Service) Purchase(ctx context.Context, p Params, sink StatusSink) (*Attempt, *Result, error) {
	if err := ValidateParams(p.Credits, p.Cushion); err != nil {
		return nil, nil, err
	}
	a, err := s.attempts.Create(ctx, p.Credits, p.Cushion)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.run(ctx, a, p, sink)
	return a, res, err
}

// Wait blocks until detached flows and pollers have finished.
func (s *Service) Wait() { s.background.Wait() }

func (s *Service) run(ctx context.Context, a *Attempt, p Params, sink StatusSink) (*Result, error) {
	emit := s.emitter(a.ID, sink)

	// ── Estimate ──────────────────────────────────────────────────────────────
	emit(fmt.Sprintf("estimating cost of %d credits", p.Credits))
	estimate, err := s.estimator.Estimate(ctx, p.Credits, p.Cushion)
	if err != nil {
		s.fail(ctx, a.ID, emit, err)
		return nil, err
	}
	if err := s.attempts.SetEstimate(ctx, a.ID, estimate); err != nil {
		s.log.Warn("persist estimate", zap.String("attempt", a.ID), zap.Error(err))
	}
	emit(fmt.Sprintf("estimated cost %s for %d credits", estimate, p.Credits))

	// Ledger height is request metadata; resolve it before funds move so a
	// failure here stays on the no-side-effect path.
	height, err := s.chain.LedgerHeight(ctx)
	if err != nil {
		err = fmt.Errorf("query ledger height: %w", err)
		s.fail(ctx, a.ID, emit, err)
		return nil, err
	}

	// ── Fund ──────────────────────────────────────────────────────────────────
	if err := s.attempts.SetState(ctx, a.ID, StateFunding); err != nil {
		s.log.Warn("set state", zap.String("attempt", a.ID), zap.Error(err))
	}
	emit("funding single-use tracking address")

	s.fundMu.Lock()
	funding, err := s.funding.Fund(ctx, p.Credits, estimate)
	s.fundMu.Unlock()
	if err != nil {
		s.fail(ctx, a.ID, emit, err)
		return nil, err
	}
	if err := s.attempts.SetFunding(ctx, a.ID, funding); err != nil {
		s.log.Warn("persist funding", zap.String("attempt", a.ID), zap.Error(err))
	}

	// ── Negotiate ─────────────────────────────────────────────────────────────
	maxTotal := p.MaxTotalPrice
	if maxTotal.IsZero() {
		maxTotal = estimate
	}
	maxPerCredit := p.MaxPerCreditPrice
	if maxPerCredit.IsZero() {
		maxPerCredit = estimate.Div(decimal.NewFromInt(p.Credits)).Round(costPrecision)
	}
	req := Request{
		AttemptID:         a.ID,
		Credits:           p.Credits,
		TrackingAddress:   funding.TrackingAddress,
		MaxTotalPrice:     maxTotal,
		MaxPerCreditPrice: maxPerCredit,
		Requester:         s.requester,
		CreatedAt:         time.Now().Unix(),
		LedgerHeight:      height,
	}

	if err := s.attempts.SetState(ctx, a.ID, StateNegotiating); err != nil {
		s.log.Warn("set state", zap.String("attempt", a.ID), zap.Error(err))
	}
	emit("negotiating purchase with provider quorum")

	res, err := s.negotiator.Negotiate(ctx, req, emit)
	if err == nil && (res == nil || res.Response.RegistrationTxID == "") {
		err = errors.New("negotiation returned no registration transaction")
	}
	if err != nil {
		// Funds are committed: recover before surfacing, and never let the
		// refund outcome replace the negotiation failure.
		nerr := &NegotiationError{Err: err}
		emit(fmt.Sprintf("negotiation failed: %v", err))
		emit("refunding unspent tracking-address balance")
		refunded := s.refunds.Refund(ctx, funding)
		if err := s.attempts.SetRefunded(ctx, a.ID, refunded); err != nil {
			s.log.Warn("persist refund flag", zap.String("attempt", a.ID), zap.Error(err))
		}
		s.fail(ctx, a.ID, emit, nerr)
		return nil, nerr
	}

	// ── Poll ──────────────────────────────────────────────────────────────────
	regTx := res.Response.RegistrationTxID
	if err := s.attempts.SetRegistration(ctx, a.ID, regTx); err != nil {
		s.log.Warn("persist registration txid", zap.String("attempt", a.ID), zap.Error(err))
	}
	if err := s.attempts.SetState(ctx, a.ID, StatePolling); err != nil {
		s.log.Warn("set state", zap.String("attempt", a.ID), zap.Error(err))
	}
	emit("purchase registered; awaiting ledger confirmation")

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.watchConfirmation(ctx, a.ID, regTx, emit)
	}()

	return res, nil
}

func (s *Service) watchConfirmation(ctx context.Context, attemptID, regTx string, emit StatusSink) {
	switch s.poller.Poll(ctx, regTx, emit) {
	case OutcomeConfirmed:
		if err := s.attempts.SetState(ctx, attemptID, StateConfirmed); err != nil {
			s.log.Warn("set state", zap.String("attempt", attemptID), zap.Error(err))
		}
		emit("credit pack confirmed")
		if err := s.ledger.Refresh(ctx); err != nil {
			s.log.Error("ledger refresh after confirmation",
				zap.String("attempt", attemptID),
				zap.Error(err),
			)
		}
		select {
		case s.refreshCh <- struct{}{}:
		default:
		}

	case OutcomeTimedOut:
		if err := s.attempts.SetState(ctx, attemptID, StateTimedOut); err != nil {
			s.log.Warn("set state", zap.String("attempt", attemptID), zap.Error(err))
		}
		emit("confirmation still pending; the pack may confirm later — refresh the ledger manually")

	case OutcomeCancelled:
		// Abandoned: leave the attempt in polling state for manual refresh.
	}
}

// emitter fans a status out to the attempt's stream, the log, and the
// caller's sink.
func (s *Service) emitter(attemptID string, sink StatusSink) StatusSink {
	return func(msg string) {
		if err := s.attempts.AppendStatus(context.Background(), attemptID, msg); err != nil {
			s.log.Warn("append status", zap.String("attempt", attemptID), zap.Error(err))
		}
		s.log.Info(msg, zap.String("attempt", attemptID))
		if sink != nil {
			sink(msg)
		}
	}
}

func (s *Service) fail(ctx context.Context, attemptID string, emit StatusSink, cause error) {
	emit(cause.Error())
	if err := s.attempts.SetFailure(ctx, attemptID, cause.Error()); err != nil {
		s.log.Warn("persist failure", zap.String("attempt", attemptID), zap.Error(err))
	}
}
