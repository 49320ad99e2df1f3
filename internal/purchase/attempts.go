package purchase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	attemptKeyPrefix = "creditpack:attempt:"
	statusKeySuffix  = ":status"
)

// Attempt states. One purchase attempt walks
// estimating → funding → negotiating → polling → confirmed,
// detouring to failed (with optional refund) or timed_out.
const (
	StateEstimating  = "estimating"
	StateFunding     = "funding"
	StateNegotiating = "negotiating"
	StatePolling     = "polling"
	StateConfirmed   = "confirmed"
	StateTimedOut    = "timed_out"
	StateFailed      = "failed"
)

// Attempt is the persisted record of one purchase attempt.
type Attempt struct {
	ID               string          `json:"id"`
	Credits          int64           `json:"credits"`
	Cushion          float64         `json:"cushion"`
	State            string          `json:"state"`
	EstimatedCost    decimal.Decimal `json:"estimated_cost"`
	TrackingAddress  string          `json:"tracking_address,omitempty"`
	SourceAddress    string          `json:"source_address,omitempty"`
	FundingTxID      string          `json:"funding_txid,omitempty"`
	RegistrationTxID string          `json:"registration_txid,omitempty"`
	Failure          string          `json:"failure,omitempty"`
	Refunded         bool            `json:"refunded"`
	CreatedAt        int64           `json:"created_at"`
	UpdatedAt        int64           `json:"updated_at"`
}

// AttemptStore keeps attempt records and their status streams in Redis.
type AttemptStore struct {
	rdb *redis.Client
}

func NewAttemptStore(rdb *redis.Client) *AttemptStore {
	return &AttemptStore{rdb: rdb}
}

func attemptKey(id string) string { return attemptKeyPrefix + id }
func statusKey(id string) string  { return attemptKeyPrefix + id + statusKeySuffix }

// Create opens a new attempt record in the estimating state.
func (s *AttemptStore) Create(ctx context.Context, credits int64, cushion float64) (*Attempt, error) {
	now := time.Now().Unix()
	a := &Attempt{
		ID:        uuid.NewString(),
		Credits:   credits,
		Cushion:   cushion,
		State:     StateEstimating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.rdb.HSet(ctx, attemptKey(a.ID),
		"id", a.ID,
		"credits", a.Credits,
		"cushion", strconv.FormatFloat(a.Cushion, 'f', -1, 64),
		"state", a.State,
		"created_at", a.CreatedAt,
		"updated_at", a.UpdatedAt,
	).Err()
	if err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	return a, nil
}

// Get returns the attempt, or nil when unknown.
func (s *AttemptStore) Get(ctx context.Context, id string) (*Attempt, error) {
	vals, err := s.rdb.HGetAll(ctx, attemptKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return attemptFromMap(vals), nil
}

func (s *AttemptStore) SetState(ctx context.Context, id, state string) error {
	return s.set(ctx, id, "state", state)
}

func (s *AttemptStore) SetEstimate(ctx context.Context, id string, cost decimal.Decimal) error {
	return s.set(ctx, id, "estimated_cost", cost.String())
}

func (s *AttemptStore) SetFunding(ctx context.Context, id string, f *Funding) error {
	return s.set(ctx, id,
		"tracking_address", f.TrackingAddress,
		"source_address", f.SourceAddress,
		"funding_txid", f.TxID,
	)
}

func (s *AttemptStore) SetRegistration(ctx context.Context, id, txid string) error {
	return s.set(ctx, id, "registration_txid", txid)
}

func (s *AttemptStore) SetFailure(ctx context.Context, id, failure string) error {
	return s.set(ctx, id, "state", StateFailed, "failure", failure)
}

func (s *AttemptStore) SetRefunded(ctx context.Context, id string, refunded bool) error {
	return s.set(ctx, id, "refunded", strconv.FormatBool(refunded))
}

func (s *AttemptStore) set(ctx context.Context, id string, pairs ...interface{}) error {
	pairs = append(pairs, "updated_at", time.Now().Unix())
	return s.rdb.HSet(ctx, attemptKey(id), pairs...).Err()
}

// AppendStatus pushes one human-readable progress event onto the attempt's
// status stream.
func (s *AttemptStore) AppendStatus(ctx context.Context, id, msg string) error {
	return s.rdb.RPush(ctx, statusKey(id), msg).Err()
}

// Statuses returns the full status stream in emission order.
func (s *AttemptStore) Statuses(ctx context.Context, id string) ([]string, error) {
	return s.rdb.LRange(ctx, statusKey(id), 0, -1).Result()
}

func attemptFromMap(m map[string]string) *Attempt {
	credits, _ := strconv.ParseInt(m["credits"], 10, 64)
	cushion, _ := strconv.ParseFloat(m["cushion"], 64)
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	refunded, _ := strconv.ParseBool(m["refunded"])
	cost, _ := decimal.NewFromString(m["estimated_cost"])
	return &Attempt{
		ID:               m["id"],
		Credits:          credits,
		Cushion:          cushion,
		State:            m["state"],
		EstimatedCost:    cost,
		TrackingAddress:  m["tracking_address"],
		SourceAddress:    m["source_address"],
		FundingTxID:      m["funding_txid"],
		RegistrationTxID: m["registration_txid"],
		Failure:          m["failure"],
		Refunded:         refunded,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}
}
