// Package ledger maintains the client's view of currently valid, spendable
// credit packs. The wallet engine owns the authoritative data; this is a
// refresh-on-demand cache with a configurable default-selection policy.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	packKeyPrefix = "creditpack:pack:"
	packIndexKey  = "creditpack:packs:index"
)

// CreditPack is one purchased, spendable credit balance, tied 1:1 to its
// on-chain registration transaction.
type CreditPack struct {
	RegistrationTxID string          `json:"registration_txid"`
	Balance          decimal.Decimal `json:"balance"`
	InitialCredits   int64           `json:"initial_credits"`
	TrackingAddress  string          `json:"tracking_address"`
	PerCreditPrice   decimal.Decimal `json:"per_credit_price"`
	ConfirmingHeight int64           `json:"confirming_height"`
}

// Valid reports whether the pack is spendable: confirmed and balance > 0.
func (p CreditPack) Valid() bool { return p.Balance.IsPositive() }

// PackSource lists the packs the wallet engine currently considers valid.
type PackSource interface {
	ListValidCreditPacks(ctx context.Context) ([]CreditPack, error)
}

// SelectionPolicy picks the default pack for downstream spending from the
// valid set (in refresh order). Returns -1 when nothing qualifies.
type SelectionPolicy func(packs []CreditPack) int

// FirstInOrder is the shipped default: the first pack in refresh order.
// The data source documents no ordering guarantee, so this is policy, not
// an invariant.
func FirstInOrder(packs []CreditPack) int {
	if len(packs) == 0 {
		return -1
	}
	return 0
}

// Ledger caches the valid pack set in Redis (hash per pack, list for
// insertion order) plus an in-memory snapshot for read paths.
type Ledger struct {
	source PackSource
	rdb    *redis.Client
	policy SelectionPolicy
	log    *zap.Logger

	mu    sync.RWMutex
	packs []CreditPack
}

func New(source PackSource, rdb *redis.Client, policy SelectionPolicy, log *zap.Logger) *Ledger {
	if policy == nil {
		policy = FirstInOrder
	}
	return &Ledger{source: source, rdb: rdb, policy: policy, log: log}
}

// Refresh rebuilds the cache from the wallet engine. Packs that disappeared
// from the engine's valid set, or drained to zero, are marked invalid in
// place — never deleted.
func (l *Ledger) Refresh(ctx context.Context) error {
	fetched, err := l.source.ListValidCreditPacks(ctx)
	if err != nil {
		return fmt.Errorf("list valid credit packs: %w", err)
	}

	valid := make([]CreditPack, 0, len(fetched))
	seen := make(map[string]bool, len(fetched))
	for _, p := range fetched {
		if !p.Valid() {
			l.markInvalid(ctx, p.RegistrationTxID, "zero balance")
			continue
		}
		valid = append(valid, p)
		seen[p.RegistrationTxID] = true
	}

	// Anything previously indexed but no longer reported is invalid now
	// (drained or its registration never confirmed).
	previous, err := l.rdb.LRange(ctx, packIndexKey, 0, -1).Result()
	if err != nil {
		l.log.Warn("ledger: read pack index", zap.Error(err))
	}
	for _, txid := range previous {
		if !seen[txid] {
			l.markInvalid(ctx, txid, "no longer reported valid")
		}
	}

	pipe := l.rdb.TxPipeline()
	pipe.Del(ctx, packIndexKey)
	for _, p := range valid {
		pipe.HSet(ctx, packKeyPrefix+p.RegistrationTxID,
			"registration_txid", p.RegistrationTxID,
			"balance", p.Balance.String(),
			"initial_credits", p.InitialCredits,
			"tracking_address", p.TrackingAddress,
			"per_credit_price", p.PerCreditPrice.String(),
			"confirming_height", p.ConfirmingHeight,
			"valid", "1",
		)
		pipe.RPush(ctx, packIndexKey, p.RegistrationTxID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist pack set: %w", err)
	}

	l.mu.Lock()
	l.packs = valid
	l.mu.Unlock()

	l.log.Info("credit-pack ledger refreshed", zap.Int("valid_packs", len(valid)))
	return nil
}

// Load warms the in-memory snapshot from Redis, preserving the persisted
// order. Used at startup before the first engine refresh.
func (l *Ledger) Load(ctx context.Context) error {
	txids, err := l.rdb.LRange(ctx, packIndexKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read pack index: %w", err)
	}
	packs := make([]CreditPack, 0, len(txids))
	for _, txid := range txids {
		vals, err := l.rdb.HGetAll(ctx, packKeyPrefix+txid).Result()
		if err != nil || len(vals) == 0 || vals["valid"] != "1" {
			continue
		}
		p := packFromMap(vals)
		if p.Valid() {
			packs = append(packs, p)
		}
	}
	l.mu.Lock()
	l.packs = packs
	l.mu.Unlock()
	return nil
}

// ListValid returns the current valid pack set in refresh order. Never
// contains a pack with balance ≤ 0.
func (l *Ledger) ListValid() []CreditPack {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]CreditPack, len(l.packs))
	copy(out, l.packs)
	return out
}

// DefaultPack returns the pack the selection policy picks for downstream
// spending, or false when no valid pack exists.
func (l *Ledger) DefaultPack() (CreditPack, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.policy(l.packs)
	if i < 0 || i >= len(l.packs) {
		return CreditPack{}, false
	}
	return l.packs[i], true
}

func (l *Ledger) markInvalid(ctx context.Context, txid, reason string) {
	if err := l.rdb.HSet(ctx, packKeyPrefix+txid, "valid", "0").Err(); err != nil {
		l.log.Warn("ledger: mark pack invalid",
			zap.String("txid", txid),
			zap.Error(err),
		)
		return
	}
	l.log.Info("credit pack marked invalid",
		zap.String("txid", txid),
		zap.String("reason", reason),
	)
}

func packFromMap(m map[string]string) CreditPack {
	balance, _ := decimal.NewFromString(m["balance"])
	price, _ := decimal.NewFromString(m["per_credit_price"])
	initial, _ := strconv.ParseInt(m["initial_credits"], 10, 64)
	height, _ := strconv.ParseInt(m["confirming_height"], 10, 64)
	return CreditPack{
		RegistrationTxID: m["registration_txid"],
		Balance:          balance,
		InitialCredits:   initial,
		TrackingAddress:  m["tracking_address"],
		PerCreditPrice:   price,
		ConfirmingHeight: height,
	}
}
