package purchase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ConfirmationChecker answers whether a registration transaction has been
// confirmed on the shared ledger.
type ConfirmationChecker interface {
	IsRegistrationConfirmed(ctx context.Context, txid string) (bool, error)
}

// PollOutcome is the terminal state of a confirmation poll.
type PollOutcome int

const (
	// OutcomeConfirmed: the registration transaction was seen confirmed.
	OutcomeConfirmed PollOutcome = iota
	// OutcomeTimedOut: the attempt budget ran out. Advisory, not an error —
	// the purchase may still confirm later and the ledger can be refreshed
	// manually.
	OutcomeTimedOut
	// OutcomeCancelled: the context was cancelled before a terminal state.
	OutcomeCancelled
)

func (o PollOutcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "CONFIRMED"
	case OutcomeTimedOut:
		return "TIMED_OUT"
	case OutcomeCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Poller watches a registration transaction until it confirms or the attempt
// budget is exhausted. It is bound to the context it is given: cancelling
// stops further scheduling without raising an error.
type Poller struct {
	checker     ConfirmationChecker
	interval    time.Duration
	maxAttempts int
	log         *zap.Logger

	// wait sleeps between checks; overridable in tests to drive simulated time.
	wait func(ctx context.Context, d time.Duration) error
}

func NewPoller(checker ConfirmationChecker, interval time.Duration, maxAttempts int, log *zap.Logger) *Poller {
	return &Poller{
		checker:     checker,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log,
		wait:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll checks the registration transaction once per interval, at most
// maxAttempts times. It returns on the first confirmed check. A check that
// fails with a transport error is logged and treated as not-yet-confirmed;
// it still consumes one attempt so the loop stays bounded.
func (p *Poller) Poll(ctx context.Context, txid string, sink StatusSink) PollOutcome {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.wait(ctx, p.interval); err != nil {
			p.log.Info("confirmation poll cancelled",
				zap.String("txid", txid),
				zap.Int("attempt", attempt),
			)
			return OutcomeCancelled
		}

		sink(fmt.Sprintf("checking registration confirmation (attempt %d/%d)", attempt, p.maxAttempts))

		confirmed, err := p.checker.IsRegistrationConfirmed(ctx, txid)
		if err != nil {
			p.log.Warn("confirmation check failed",
				zap.String("txid", txid),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if confirmed {
			p.log.Info("registration confirmed",
				zap.String("txid", txid),
				zap.Int("attempt", attempt),
			)
			return OutcomeConfirmed
		}
	}

	p.log.Warn("confirmation polling exhausted",
		zap.String("txid", txid),
		zap.Int("attempts", p.maxAttempts),
	)
	return OutcomeTimedOut
}
