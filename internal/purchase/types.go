package purchase

import (
	"context"

	"github.com/shopspring/decimal"
)

// Request describes one purchase attempt handed to the provider quorum.
// Immutable once submitted to negotiation.
type Request struct {
	AttemptID         string          `json:"attempt_id"`
	Credits           int64           `json:"credits"`
	TrackingAddress   string          `json:"tracking_address"`
	MaxTotalPrice     decimal.Decimal `json:"max_total_price"`
	MaxPerCreditPrice decimal.Decimal `json:"max_per_credit_price"`
	Requester         string          `json:"requester"`
	CreatedAt         int64           `json:"created_at"`
	LedgerHeight      int64           `json:"ledger_height"`
}

// Quote is a provider's signed price response. Produced by the negotiation
// collaborator; read-only here.
type Quote struct {
	PerCreditPrice decimal.Decimal `json:"per_credit_price"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	BlockHeight    int64           `json:"block_height"`
	Provider       string          `json:"provider"`
	Signature      string          `json:"signature"`
}

// Confirmation is the requester-signed record of the burn transaction that
// pays for the credits.
type Confirmation struct {
	BurnTxID    string `json:"burn_txid"`
	ConfirmedAt int64  `json:"confirmed_at"`
	BlockHeight int64  `json:"block_height"`
	Signature   string `json:"signature"`
}

// ConfirmationResponse is the quorum's final answer. RegistrationTxID is set
// only on success.
type ConfirmationResponse struct {
	Outcome          string `json:"outcome"`
	RegistrationTxID string `json:"registration_txid,omitempty"`
	Provider         string `json:"provider"`
	Signature        string `json:"signature"`
}

// Result bundles everything a successful negotiation produces.
type Result struct {
	Request      Request              `json:"request"`
	Confirmation Confirmation         `json:"confirmation"`
	Response     ConfirmationResponse `json:"response"`
}

// StatusSink receives human-readable progress events, one per state
// transition. Negotiator progress strings are forwarded through it verbatim.
type StatusSink func(msg string)

// Negotiator is the external provider-quorum collaborator. Its wire protocol
// and quorum-agreement rule are opaque; any error it returns is treated as a
// uniform negotiation failure.
type Negotiator interface {
	Negotiate(ctx context.Context, req Request, sink StatusSink) (*Result, error)
}

// Funding records where purchase funds came from and went, so a failed
// negotiation can be refunded. Ephemeral; not persisted beyond the attempt.
type Funding struct {
	SourceAddress   string          `json:"source_address"`
	TrackingAddress string          `json:"tracking_address"`
	Amount          decimal.Decimal `json:"amount"`
	TxID            string          `json:"txid"`
}
