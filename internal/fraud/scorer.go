// Package fraud keeps per-wallet reputation and classifies payout risk.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"x402-engine/internal/events"
	"x402-engine/internal/keylock"
	"x402-engine/internal/money"
	"x402-engine/internal/observability"
	"x402-engine/internal/store"

	"github.com/shopspring/decimal"
)

type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendBlock   Recommendation = "block"
)

// Flags
const (
	FlagNewWallet        = "new_wallet"
	FlagLowReliability   = "low_reliability"
	FlagDisputeHistory   = "dispute_history"
	FlagHighDisputeRate  = "high_dispute_rate"
	FlagVelocityExceeded = "velocity_exceeded"
)

// Badges
const (
	BadgeFirstPayment = "first_payment"
	BadgeReliable     = "reliable"
	BadgeVeteran      = "veteran"
	BadgeTopEarner    = "top_earner"
)

const (
	weightReliability = 0.40
	weightDisputes    = 0.35
	weightVelocity    = 0.25

	lowReliability  = 0.8
	highDisputeRate = 0.2
)

var topEarnerThreshold = decimal.NewFromInt(10000)

// Result is a fraud check for one wallet. It is computed on demand and never stored.
type Result struct {
	Wallet         string         `json:"wallet"`
	Score          float64        `json:"score"`
	Risk           Risk           `json:"risk"`
	Flags          []string       `json:"flags"`
	Recommendation Recommendation `json:"recommendation"`
}

// ReputationData is the public view of a wallet's reputation.
type ReputationData struct {
	Wallet         string          `json:"wallet"`
	Earnings       decimal.Decimal `json:"earnings"`
	Reliability    float64         `json:"reliability"`
	Badges         []string        `json:"badges"`
	FraudScore     float64         `json:"fraudScore"`
	TotalPayments  int             `json:"totalPayments"`
	OnTimePayments int             `json:"onTimePayments"`
	Disputes       int             `json:"disputes"`
}

func NewReputationData(r store.Reputation) ReputationData {
	badges := []string(r.Badges)
	if badges == nil {
		badges = []string{}
	}
	return ReputationData{
		Wallet:         r.Wallet,
		Earnings:       r.Earnings,
		Reliability:    r.Reliability,
		Badges:         badges,
		FraudScore:     r.FraudScore,
		TotalPayments:  r.TotalPayments,
		OnTimePayments: r.OnTimePayments,
		Disputes:       r.Disputes,
	}
}

type Config struct {
	VelocityWindow time.Duration
	VelocityLimit  int
	DisputeWindow  time.Duration
}

// Scorer is the only writer of reputation rows. Writes for one wallet are
// serialized by an in-process lock and the row lock.
type Scorer struct {
	store    store.Storer
	velocity VelocityCounter
	emitter  events.Emitter
	locks    *keylock.Map
	cfg      Config
	logger   *observability.Logger
	now      func() time.Time
}

func New(s store.Storer, velocity VelocityCounter, emitter events.Emitter, cfg Config, logger *observability.Logger) *Scorer {
	return &Scorer{
		store:    s,
		velocity: velocity,
		emitter:  emitter,
		locks:    keylock.New(),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the scorer's time source.
func (s *Scorer) SetClock(now func() time.Time) {
	s.now = now
}

// Reputation returns the wallet's reputation, or a fresh one if the wallet has none.
func (s *Scorer) Reputation(ctx context.Context, wallet string) (store.Reputation, error) {
	rep, err := s.store.GetReputation(ctx, wallet)
	if errors.Is(err, store.ErrNotFound) {
		return store.Reputation{Wallet: wallet, Earnings: decimal.Zero, Reliability: 1, Badges: store.StringArray{}}, nil
	}
	if err != nil {
		return store.Reputation{}, fmt.Errorf("failed to get reputation: %w", err)
	}
	return rep, nil
}

// Score classifies the wallet from its reliability, recent dispute rate and
// payment velocity.
func (s *Scorer) Score(ctx context.Context, wallet string) (Result, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "wallet", Value: wallet})

	rep, err := s.Reputation(ctx, wallet)
	if err != nil {
		s.logger.Error(ctx, "failed to load reputation for scoring", err)
		return Result{}, err
	}

	now := s.now()
	disputes, err := s.store.CountReputationEvents(ctx, wallet, []string{store.OutcomeDisputed}, now.Add(-s.cfg.DisputeWindow))
	if err != nil {
		s.logger.Error(ctx, "failed to count disputes", err)
		return Result{}, fmt.Errorf("failed to count disputes: %w", err)
	}
	settled, err := s.store.CountReputationEvents(ctx, wallet,
		[]string{store.OutcomeOnTime, store.OutcomeLate, store.OutcomeFailed}, now.Add(-s.cfg.DisputeWindow))
	if err != nil {
		s.logger.Error(ctx, "failed to count settled payments", err)
		return Result{}, fmt.Errorf("failed to count settled payments: %w", err)
	}
	recent, err := s.velocity.Count(ctx, wallet, now.Add(-s.cfg.VelocityWindow))
	if err != nil {
		s.logger.Error(ctx, "failed to count payment velocity", err)
		return Result{}, fmt.Errorf("failed to count payment velocity: %w", err)
	}

	reliability := reliabilityOf(rep)
	disputeRate := math.Min(1, float64(disputes)/math.Max(1, float64(settled)))
	velocity := 0.0
	if s.cfg.VelocityLimit > 0 {
		velocity = math.Min(1, float64(recent)/float64(s.cfg.VelocityLimit))
	}

	score := weightReliability*(1-reliability) + weightDisputes*disputeRate + weightVelocity*velocity
	score = roundScore(math.Max(0, math.Min(1, score)))

	flags := []string{}
	if rep.TotalPayments == 0 {
		flags = append(flags, FlagNewWallet)
	} else if reliability < lowReliability {
		flags = append(flags, FlagLowReliability)
	}
	if rep.Disputes > 0 {
		flags = append(flags, FlagDisputeHistory)
	}
	if disputeRate >= highDisputeRate {
		flags = append(flags, FlagHighDisputeRate)
	}
	if s.cfg.VelocityLimit > 0 && recent >= s.cfg.VelocityLimit {
		flags = append(flags, FlagVelocityExceeded)
	}

	risk := Classify(score)
	return Result{
		Wallet:         wallet,
		Score:          score,
		Risk:           risk,
		Flags:          flags,
		Recommendation: Recommend(risk),
	}, nil
}

// Classify maps a score in [0,1] to a risk level.
func Classify(score float64) Risk {
	switch {
	case score < 0.3:
		return RiskLow
	case score < 0.6:
		return RiskMedium
	case score < 0.85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func Recommend(risk Risk) Recommendation {
	switch risk {
	case RiskLow, RiskMedium:
		return RecommendApprove
	case RiskHigh:
		return RecommendReview
	default:
		return RecommendBlock
	}
}

// Observe counts a new payment toward the wallet's velocity.
func (s *Scorer) Observe(ctx context.Context, wallet, paymentID string) {
	if err := s.velocity.Add(ctx, wallet, paymentID, s.now()); err != nil {
		s.logger.Warn(ctx, fmt.Sprintf("failed to record payment velocity: %v", err))
	}
}

// Record applies a resolved payment outcome to the wallet's reputation.
// Counters only grow. Reliability, badges and the stored fraud score are
// recomputed each time.
func (s *Scorer) Record(ctx context.Context, wallet, outcome string, amount decimal.Decimal) (store.Reputation, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "wallet", Value: wallet},
		observability.Field{Key: "outcome", Value: outcome},
	)

	switch outcome {
	case store.OutcomeOnTime, store.OutcomeLate, store.OutcomeFailed, store.OutcomeDisputed:
	default:
		return store.Reputation{}, fmt.Errorf("unknown reputation outcome %q", outcome)
	}

	unlock := s.locks.Lock(wallet)
	defer unlock()

	var rep store.Reputation
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetReputationForUpdate(ctx, wallet)
		if err != nil {
			return fmt.Errorf("failed to lock reputation: %w", err)
		}
		applyOutcome(&current, outcome, amount)
		current.Reliability = reliabilityOf(current)
		current.Badges = badgesFor(current)

		if _, err := tx.CreateReputationEvent(ctx, store.CreateReputationEventParams{
			Wallet:  wallet,
			Outcome: outcome,
			Amount:  amount,
		}); err != nil {
			return fmt.Errorf("failed to record reputation event: %w", err)
		}

		rep, err = tx.SaveReputation(ctx, current)
		if err != nil {
			return fmt.Errorf("failed to save reputation: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error(ctx, "failed to record reputation outcome", err)
		return store.Reputation{}, err
	}

	// The fraud score reads windowed counts, so it is refreshed after the
	// outcome is committed. The wallet lock is still held.
	result, err := s.Score(ctx, wallet)
	if err != nil {
		return store.Reputation{}, err
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetReputationForUpdate(ctx, wallet)
		if err != nil {
			return fmt.Errorf("failed to lock reputation: %w", err)
		}
		current.FraudScore = result.Score
		rep, err = tx.SaveReputation(ctx, current)
		if err != nil {
			return fmt.Errorf("failed to save fraud score: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error(ctx, "failed to store fraud score", err)
		return store.Reputation{}, err
	}

	s.emitter.Emit(ctx, events.KOLReputationUpdated, wallet, map[string]interface{}{
		"reputation": NewReputationData(rep),
		"outcome":    outcome,
	})
	s.logger.Info(ctx, "reputation updated")
	return rep, nil
}

// Dispute records a dispute reported against the wallet.
func (s *Scorer) Dispute(ctx context.Context, wallet string) (store.Reputation, error) {
	return s.Record(ctx, wallet, store.OutcomeDisputed, decimal.Zero)
}

func applyOutcome(r *store.Reputation, outcome string, amount decimal.Decimal) {
	switch outcome {
	case store.OutcomeOnTime:
		r.TotalPayments++
		r.OnTimePayments++
		r.Earnings = r.Earnings.Add(amount).Round(money.Places)
	case store.OutcomeLate:
		r.TotalPayments++
		r.Earnings = r.Earnings.Add(amount).Round(money.Places)
	case store.OutcomeFailed:
		r.TotalPayments++
		r.FailedPayments++
	case store.OutcomeDisputed:
		r.Disputes++
	}
}

func reliabilityOf(r store.Reputation) float64 {
	if r.TotalPayments == 0 {
		return 1
	}
	return float64(r.OnTimePayments) / float64(r.TotalPayments)
}

func badgesFor(r store.Reputation) store.StringArray {
	badges := store.StringArray{}
	if r.TotalPayments-r.FailedPayments > 0 {
		badges = append(badges, BadgeFirstPayment)
	}
	if r.TotalPayments >= 10 && reliabilityOf(r) >= 0.95 {
		badges = append(badges, BadgeReliable)
	}
	if r.TotalPayments >= 50 {
		badges = append(badges, BadgeVeteran)
	}
	if r.Earnings.GreaterThanOrEqual(topEarnerThreshold) {
		badges = append(badges, BadgeTopEarner)
	}
	return badges
}

func roundScore(f float64) float64 {
	return math.Round(f*10000) / 10000
}
