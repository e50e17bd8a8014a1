/**
 * @description
 * This file implements the risk gate: the decision point every proposed
 * transaction passes before any balance change is committed. The gate combines
 * three layers — a sliding-window rate limit keyed by payer phone, hard
 * per-transaction and rolling-daily caps, and a weighted heuristic score used
 * for outbound withdrawals. An optional advisory anomaly signal can raise the
 * effective risk level, but its absence or failure degrades to a neutral
 * medium assessment that never blocks a normal-sized transaction on its own.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Cap and amount arithmetic.
 * - internal/domain, internal/store: Assessment model and aggregate queries.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
	"github.com/chumapay/ledger-service/internal/store"
)

var (
	// ErrRateLimited means the actor exceeded the attempts-per-window limit.
	// Callers surface it as retry-later, not a permanent failure.
	ErrRateLimited = errors.New("rate limited")
	// ErrLimitExceeded means a per-transaction or daily cap was breached.
	// Nothing has been mutated when this is returned.
	ErrLimitExceeded = errors.New("transaction limit exceeded")
	// ErrPayoutGateway wraps failures from the outbound payout collaborator.
	ErrPayoutGateway = errors.New("payout gateway error")
	// ErrInvariantViolation indicates a balance/log mismatch — a bug, not a
	// business branch.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// Heuristic signal weights. Each independent signal contributes a fixed amount;
// the sum determines the risk level and whether manual approval is required.
const (
	weightLargeAmount     = 0.30
	weightHourlyFrequency = 0.25
	weightDailyFrequency  = 0.15
	weightUnusualHour     = 0.15
	// Frequency plus a near-full-balance draw must clear the approval
	// threshold on their own: 0.25 + 0.35 >= 0.6.
	weightBalanceFraction = 0.35

	approvalScoreThreshold = 0.6
)

// AnomalyScorer is the optional advisory fraud/anomaly collaborator. A score in
// [0,1] where higher means more suspicious.
type AnomalyScorer interface {
	ScoreWithdrawal(ctx context.Context, accountID int64, phone string, amount decimal.Decimal) (float64, error)
}

// RiskConfig carries the gate's tunables.
type RiskConfig struct {
	// RateLimitPerWindow caps attempts per payer phone inside RateLimitWindow.
	// Zero disables the rate limit.
	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	// PerTransactionCap is the largest single transaction amount. Zero disables.
	PerTransactionCap decimal.Decimal
	// DailyDebitCap bounds the rolling sum of today's completed debits per
	// account. Zero disables.
	DailyDebitCap decimal.Decimal
	// LargeAmountThreshold marks a withdrawal as a large-transaction signal.
	LargeAmountThreshold decimal.Decimal
	// HourlyWithdrawalLimit is the count of completed debits in the trailing
	// hour at which the frequency signal fires (the next one is flagged).
	HourlyWithdrawalLimit int
	// DailyWithdrawalLimit is the analogous trailing-day count.
	DailyWithdrawalLimit int
	// AnomalyHoldThreshold is the advisory score at which the gate escalates to
	// a hold.
	AnomalyHoldThreshold float64
	// Location determines where the daily cap's midnight rolls. Defaults to UTC.
	Location *time.Location
}

func (c RiskConfig) withDefaults() RiskConfig {
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.HourlyWithdrawalLimit <= 0 {
		c.HourlyWithdrawalLimit = 3
	}
	if c.DailyWithdrawalLimit <= 0 {
		c.DailyWithdrawalLimit = 10
	}
	if c.AnomalyHoldThreshold <= 0 {
		c.AnomalyHoldThreshold = 0.8
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Gate evaluates proposed transactions before commit.
type Gate struct {
	repo    store.Repository
	limiter RateLimiter
	anomaly AnomalyScorer
	cfg     RiskConfig
	now     func() time.Time
}

// NewGate creates a risk gate. limiter and anomaly may be nil; both degrade
// safely.
func NewGate(repo store.Repository, limiter RateLimiter, anomaly AnomalyScorer, cfg RiskConfig) *Gate {
	return &Gate{repo: repo, limiter: limiter, anomaly: anomaly, cfg: cfg.withDefaults(), now: time.Now}
}

func (g *Gate) consumeRateLimit(ctx context.Context, scope, phone string) error {
	if g.limiter == nil || g.cfg.RateLimitPerWindow <= 0 || phone == "" {
		return nil
	}
	count, retryAfter, err := g.limiter.ConsumeRateLimit(ctx, scope, phone, g.cfg.RateLimitPerWindow, g.cfg.RateLimitWindow)
	if err != nil {
		// A broken limiter must not block money movement.
		log.Printf("level=warn component=risk_gate msg=\"rate limiter unavailable; allowing\" scope=%s err=%v", scope, err)
		return nil
	}
	if count > g.cfg.RateLimitPerWindow {
		return fmt.Errorf("%w: retry after %ds", ErrRateLimited, retryAfter)
	}
	return nil
}

// CheckInbound gates an inbound credit. Inbound money is never rejected
// outright — a breach of the per-transaction cap or a high anomaly signal holds
// the payment for review instead, because dropping received funds is worse than
// reviewing them.
func (g *Gate) CheckInbound(ctx context.Context, event domain.PaymentEvent) (domain.RiskAssessment, error) {
	if err := g.consumeRateLimit(ctx, "inbound", event.PayerPhone); err != nil {
		return domain.RiskAssessment{}, err
	}

	assessment := domain.RiskAssessment{Decision: domain.RiskDecisionAllow, Level: domain.RiskLevelLow}
	if !g.cfg.PerTransactionCap.IsZero() && event.Amount.GreaterThan(g.cfg.PerTransactionCap) {
		assessment.Flags = append(assessment.Flags, "amount_above_per_transaction_cap")
		assessment.Score = approvalScoreThreshold
		assessment.Level = domain.LevelForScore(assessment.Score)
		assessment.Decision = domain.RiskDecisionHold
		assessment.RequiresApproval = true
	}
	return assessment, nil
}

// EvaluateWithdrawal gates an outbound B2C withdrawal: rate limit, hard caps,
// then the weighted heuristic score. Cap breaches return ErrLimitExceeded
// before any mutation; a score at or above the approval threshold (or a high
// advisory anomaly score) produces a hold decision.
func (g *Gate) EvaluateWithdrawal(ctx context.Context, account *domain.Account, phone string, amount decimal.Decimal) (domain.RiskAssessment, error) {
	if err := g.consumeRateLimit(ctx, "withdrawal", phone); err != nil {
		return domain.RiskAssessment{}, err
	}

	if !g.cfg.PerTransactionCap.IsZero() && amount.GreaterThan(g.cfg.PerTransactionCap) {
		return domain.RiskAssessment{}, fmt.Errorf("%w: amount above per-transaction cap", ErrLimitExceeded)
	}

	now := g.now().In(g.cfg.Location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.cfg.Location)

	if !g.cfg.DailyDebitCap.IsZero() {
		debitedToday, err := g.repo.SumDebitsSince(ctx, account.ID, midnight)
		if err != nil {
			return domain.RiskAssessment{}, fmt.Errorf("daily cap lookup: %w", err)
		}
		if debitedToday.Add(amount).GreaterThan(g.cfg.DailyDebitCap) {
			return domain.RiskAssessment{}, fmt.Errorf("%w: daily debit cap reached", ErrLimitExceeded)
		}
	}

	assessment := domain.RiskAssessment{}

	if !g.cfg.LargeAmountThreshold.IsZero() && amount.GreaterThanOrEqual(g.cfg.LargeAmountThreshold) {
		assessment.Score += weightLargeAmount
		assessment.Flags = append(assessment.Flags, "large_amount")
	}

	hourlyCount, err := g.repo.CountDebitsSince(ctx, account.ID, now.Add(-time.Hour))
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("hourly frequency lookup: %w", err)
	}
	if hourlyCount >= g.cfg.HourlyWithdrawalLimit {
		assessment.Score += weightHourlyFrequency
		assessment.Flags = append(assessment.Flags, "high_hourly_frequency")
	}

	dailyCount, err := g.repo.CountDebitsSince(ctx, account.ID, midnight)
	if err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("daily frequency lookup: %w", err)
	}
	if dailyCount >= g.cfg.DailyWithdrawalLimit {
		assessment.Score += weightDailyFrequency
		assessment.Flags = append(assessment.Flags, "high_daily_frequency")
	}

	if hour := now.Hour(); hour < 5 {
		assessment.Score += weightUnusualHour
		assessment.Flags = append(assessment.Flags, "unusual_hour")
	}

	if account.Balance.IsPositive() {
		fraction := amount.Div(account.Balance)
		if fraction.GreaterThan(decimal.NewFromFloat(0.8)) {
			assessment.Score += weightBalanceFraction
			assessment.Flags = append(assessment.Flags, "high_balance_fraction")
		}
	}

	if g.anomaly != nil {
		anomalyScore, err := g.anomaly.ScoreWithdrawal(ctx, account.ID, phone, amount)
		if err != nil {
			// Neutral default: log and continue without the advisory signal.
			log.Printf("level=warn component=risk_gate msg=\"anomaly scorer unavailable; using neutral assessment\" account_id=%d err=%v", account.ID, err)
		} else if anomalyScore >= g.cfg.AnomalyHoldThreshold {
			assessment.Score += weightLargeAmount
			assessment.Flags = append(assessment.Flags, "advisory_anomaly")
		}
	}

	assessment.Level = domain.LevelForScore(assessment.Score)
	assessment.RequiresApproval = assessment.Score >= approvalScoreThreshold
	if assessment.RequiresApproval {
		assessment.Decision = domain.RiskDecisionHold
	} else {
		assessment.Decision = domain.RiskDecisionAllow
	}
	return assessment, nil
}
