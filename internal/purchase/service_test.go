package purchase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ── Mock collaborators ────────────────────────────────────────────────────────

type mockNegotiator struct {
	mu       sync.Mutex
	err      error
	regTxID  string
	progress []string
	calls    int
	lastReq  Request
}

func (m *mockNegotiator) Negotiate(_ context.Context, req Request, sink StatusSink) (*Result, error) {
	m.mu.Lock()
	m.calls++
	m.lastReq = req
	m.mu.Unlock()
	for _, p := range m.progress {
		sink(p)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &Result{
		Request:      req,
		Confirmation: Confirmation{BurnTxID: "burn-tx-001", ConfirmedAt: time.Now().Unix()},
		Response:     ConfirmationResponse{Outcome: "success", RegistrationTxID: m.regTxID},
	}, nil
}

type mockChain struct {
	height int64
	err    error
}

func (m *mockChain) LedgerHeight(_ context.Context) (int64, error) {
	return m.height, m.err
}

type mockRefresher struct {
	calls atomic.Int32
}

func (m *mockRefresher) Refresh(_ context.Context) error {
	m.calls.Add(1)
	return nil
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	wallet    *mockWallet
	oracle    *mockOracle
	neg       *mockNegotiator
	checker   *scriptedChecker
	refresher *mockRefresher
	store     *AttemptStore
	svc       *Service
}

func newTestService(t *testing.T) *harness {
	t.Helper()
	rdb, _ := newTestRedis(t)

	h := &harness{
		wallet:    &mockWallet{balance: dec(t, "20000"), topAddr: "src-addr", addrBalances: map[string]decimal.Decimal{}},
		oracle:    &mockOracle{price: dec(t, "10")},
		neg:       &mockNegotiator{regTxID: "reg-tx-001"},
		checker:   &scriptedChecker{script: []checkResult{{confirmed: true}}},
		refresher: &mockRefresher{},
		store:     NewAttemptStore(rdb),
	}

	poller := NewPoller(h.checker, 30*time.Second, 20, zap.NewNop())
	poller.wait = func(_ context.Context, _ time.Duration) error { return nil }

	h.svc = NewService(
		NewEstimator(h.oracle),
		NewCoordinator(h.wallet, dec(t, "10"), zap.NewNop()),
		NewRefundManager(h.wallet, dec(t, "0.01"), zap.NewNop()),
		poller,
		h.neg,
		&mockChain{height: 123456},
		h.refresher,
		h.store,
		"requester-001",
		zap.NewNop(),
	)
	return h
}

// ── Purchase ─────────────────────────────────────────────────────────────────

func TestPurchase_HappyPath(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	var statuses []string
	var mu sync.Mutex
	sink := func(msg string) {
		mu.Lock()
		statuses = append(statuses, msg)
		mu.Unlock()
	}

	a, res, err := h.svc.Purchase(ctx, Params{Credits: 1500, Cushion: 0.15}, sink)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	h.svc.Wait()

	if res.Response.RegistrationTxID != "reg-tx-001" {
		t.Errorf("registration txid = %q", res.Response.RegistrationTxID)
	}

	// The negotiation request carries the funded address and the estimate-
	// derived ceilings.
	req := h.neg.lastReq
	if req.TrackingAddress == "" || req.TrackingAddress != h.wallet.sent[0].to {
		t.Errorf("request tracking address %q does not match funded address", req.TrackingAddress)
	}
	if !req.MaxTotalPrice.Equal(dec(t, "17250")) {
		t.Errorf("MaxTotalPrice = %s, want 17250", req.MaxTotalPrice)
	}
	if !req.MaxPerCreditPrice.Equal(dec(t, "11.5")) {
		t.Errorf("MaxPerCreditPrice = %s, want 11.5", req.MaxPerCreditPrice)
	}
	if req.Requester != "requester-001" {
		t.Errorf("Requester = %q", req.Requester)
	}
	if req.LedgerHeight != 123456 {
		t.Errorf("LedgerHeight = %d", req.LedgerHeight)
	}

	// Exactly one funding transaction of estimate+overhead, no refund.
	if len(h.wallet.sent) != 1 {
		t.Fatalf("transactions = %d, want 1", len(h.wallet.sent))
	}
	if !h.wallet.sent[0].amount.Equal(dec(t, "17260")) {
		t.Errorf("funded = %s, want 17260", h.wallet.sent[0].amount)
	}

	// Confirmed attempt, one ledger refresh, one refresh signal.
	got, _ := h.store.Get(ctx, a.ID)
	if got.State != StateConfirmed {
		t.Errorf("state = %q, want %q", got.State, StateConfirmed)
	}
	if n := h.refresher.calls.Load(); n != 1 {
		t.Errorf("ledger refreshes = %d, want 1", n)
	}
	select {
	case <-h.svc.RefreshSignal():
	default:
		t.Error("expected a refresh signal after confirmation")
	}

	mu.Lock()
	joined := strings.Join(statuses, "\n")
	mu.Unlock()
	for _, want := range []string{"estimating", "funding", "negotiating", "confirmation", "confirmed"} {
		if !strings.Contains(joined, want) {
			t.Errorf("status stream missing %q:\n%s", want, joined)
		}
	}
}

func TestPurchase_NegotiationFailureRefunds(t *testing.T) {
	h := newTestService(t)
	h.neg.err = errors.New("quorum rejected the request")
	ctx := context.Background()

	a, _, err := h.svc.Purchase(ctx, Params{Credits: 1500, Cushion: 0.15}, nil)
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NegotiationError, got %v", err)
	}
	if !strings.Contains(nerr.Error(), "quorum rejected") {
		t.Errorf("original cause lost: %v", nerr)
	}
	h.svc.Wait()

	// Funding then exactly one refund of trackingBalance − 0.01.
	if len(h.wallet.sent) != 2 {
		t.Fatalf("transactions = %d, want funding + refund", len(h.wallet.sent))
	}
	refund := h.wallet.sent[1]
	if refund.to != "src-addr" {
		t.Errorf("refund target = %q, want src-addr", refund.to)
	}
	if !refund.amount.Equal(dec(t, "17259.99")) {
		t.Errorf("refund amount = %s, want 17259.99", refund.amount)
	}

	got, _ := h.store.Get(ctx, a.ID)
	if got.State != StateFailed {
		t.Errorf("state = %q, want %q", got.State, StateFailed)
	}
	if !got.Refunded {
		t.Error("attempt not marked refunded")
	}
	if n := h.refresher.calls.Load(); n != 0 {
		t.Errorf("ledger refreshes = %d, want 0", n)
	}
}

func TestPurchase_RefundFailureDoesNotMaskCause(t *testing.T) {
	h := newTestService(t)
	h.neg.err = errors.New("negotiation timeout")
	h.wallet.addrBalErr = errors.New("rpc unreachable") // refund balance query fails
	ctx := context.Background()

	a, _, err := h.svc.Purchase(ctx, Params{Credits: 10, Cushion: 0}, nil)
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("refund failure must not replace the negotiation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "negotiation timeout") {
		t.Errorf("original cause lost: %v", err)
	}

	got, _ := h.store.Get(ctx, a.ID)
	if got.Refunded {
		t.Error("attempt marked refunded despite refund failure")
	}
}

func TestPurchase_InsufficientFunds_NoSideEffects(t *testing.T) {
	h := newTestService(t)
	h.wallet.balance = dec(t, "17000")
	ctx := context.Background()

	a, _, err := h.svc.Purchase(ctx, Params{Credits: 1500, Cushion: 0.15}, nil)
	var ferr *InsufficientFundsError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if ferr.SuggestedCredits != 1478 {
		t.Errorf("SuggestedCredits = %d, want 1478", ferr.SuggestedCredits)
	}
	if h.neg.calls != 0 {
		t.Errorf("negotiation must not run, got %d calls", h.neg.calls)
	}
	if len(h.wallet.sent) != 0 {
		t.Errorf("transactions = %d, want 0", len(h.wallet.sent))
	}

	got, _ := h.store.Get(ctx, a.ID)
	if got.State != StateFailed {
		t.Errorf("state = %q, want %q", got.State, StateFailed)
	}
	if !strings.Contains(got.Failure, "1478") {
		t.Errorf("failure message lacks suggested credit count: %q", got.Failure)
	}
}

func TestPurchase_InvalidParams(t *testing.T) {
	h := newTestService(t)

	_, _, err := h.svc.Purchase(context.Background(), Params{Credits: 0, Cushion: 0.5}, nil)
	var perr *InvalidParameterError
	if !errors.As(err, &perr) {
		t.Fatalf("expected InvalidParameterError, got %v", err)
	}
	if h.oracle.calls != 0 {
		t.Error("no I/O may happen on invalid parameters")
	}
}

func TestPurchase_WalletLocked(t *testing.T) {
	h := newTestService(t)
	h.wallet.locked = true

	_, _, err := h.svc.Purchase(context.Background(), Params{Credits: 10, Cushion: 0}, nil)
	if !errors.Is(err, ErrWalletLocked) {
		t.Fatalf("expected ErrWalletLocked, got %v", err)
	}
	if len(h.wallet.sent) != 0 {
		t.Error("no funds may move when the wallet is locked")
	}
	if h.neg.calls != 0 {
		t.Error("negotiation must not run when the wallet is locked")
	}
}

func TestPurchase_TimedOutIsAdvisory(t *testing.T) {
	h := newTestService(t)
	h.checker.script = repeat(checkResult{}, 20)
	ctx := context.Background()

	a, res, err := h.svc.Purchase(ctx, Params{Credits: 10, Cushion: 0}, nil)
	if err != nil {
		t.Fatalf("a confirmation timeout must not be an error: %v", err)
	}
	if res == nil {
		t.Fatal("expected a negotiation result")
	}
	h.svc.Wait()

	got, _ := h.store.Get(ctx, a.ID)
	if got.State != StateTimedOut {
		t.Errorf("state = %q, want %q", got.State, StateTimedOut)
	}
	if n := h.refresher.calls.Load(); n != 0 {
		t.Errorf("ledger refreshes = %d, want 0 on timeout", n)
	}
	// No refund: negotiation succeeded.
	if len(h.wallet.sent) != 1 {
		t.Errorf("transactions = %d, want funding only", len(h.wallet.sent))
	}
}

func TestPurchase_EmptyRegistrationTxIsNegotiationFailure(t *testing.T) {
	h := newTestService(t)
	h.neg.regTxID = ""
	ctx := context.Background()

	a, _, err := h.svc.Purchase(ctx, Params{Credits: 10, Cushion: 0}, nil)
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("malformed response must be a NegotiationError, got %v", err)
	}
	h.svc.Wait()

	// The refund path ran against the funded tracking address.
	if len(h.wallet.sent) != 2 {
		t.Errorf("transactions = %d, want funding + refund", len(h.wallet.sent))
	}
	got, _ := h.store.Get(ctx, a.ID)
	if got.State != StateFailed {
		t.Errorf("state = %q, want %q", got.State, StateFailed)
	}
	if !got.Refunded {
		t.Error("attempt not marked refunded")
	}
}

func TestPurchase_ForwardsNegotiatorProgressVerbatim(t *testing.T) {
	h := newTestService(t)
	h.neg.progress = []string{"quorum: 2/3 providers responded", "quorum: price agreed"}

	var statuses []string
	var mu sync.Mutex
	_, _, err := h.svc.Purchase(context.Background(), Params{Credits: 10, Cushion: 0}, func(msg string) {
		mu.Lock()
		statuses = append(statuses, msg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	h.svc.Wait()

	mu.Lock()
	joined := strings.Join(statuses, "\n")
	mu.Unlock()
	for _, want := range h.neg.progress {
		if !strings.Contains(joined, want) {
			t.Errorf("negotiator progress %q not forwarded", want)
		}
	}
}

// ── Begin ────────────────────────────────────────────────────────────────────

func TestBegin_RunsDetached(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	a, err := h.svc.Begin(ctx, Params{Credits: 10, Cushion: 0}, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if a.ID == "" {
		t.Fatal("attempt ID is empty")
	}
	h.svc.Wait()

	got, _ := h.store.Get(ctx, a.ID)
	if got.State != StateConfirmed {
		t.Errorf("state = %q, want %q", got.State, StateConfirmed)
	}
}

func TestBegin_InvalidParamsRejectedSynchronously(t *testing.T) {
	h := newTestService(t)

	_, err := h.svc.Begin(context.Background(), Params{Credits: 5, Cushion: 2}, nil)
	var perr *InvalidParameterError
	if !errors.As(err, &perr) {
		t.Fatalf("expected InvalidParameterError, got %v", err)
	}
}
