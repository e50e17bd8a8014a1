package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
	"github.com/chumapay/ledger-service/internal/store"
)

type riskRepoStub struct {
	store.Repository

	hourlyCount int
	dailyCount  int
	dailySum    decimal.Decimal
}

func (s *riskRepoStub) CountDebitsSince(ctx context.Context, accountID int64, since time.Time) (int, error) {
	// The gate queries two windows: the trailing hour and local midnight. The
	// tests pin the clock away from 01:00, so a midnight window start is the
	// only one with hour zero.
	if since.Hour() == 0 && since.Minute() == 0 {
		return s.dailyCount, nil
	}
	return s.hourlyCount, nil
}

func (s *riskRepoStub) SumDebitsSince(ctx context.Context, accountID int64, since time.Time) (decimal.Decimal, error) {
	return s.dailySum, nil
}

type rateLimiterStub struct {
	count      int
	retryAfter int
	err        error
}

func (s *rateLimiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return s.count, s.retryAfter, s.err
}

func quietAccount(balance string) *domain.Account {
	return &domain.Account{
		ID:        1,
		Reference: "WATER2024",
		Type:      domain.AccountTypeStandard,
		Status:    domain.AccountStatusActive,
		Balance:   decimal.RequireFromString(balance),
	}
}

// middayGate pins the clock to noon so the unusual-hour signal stays quiet
// unless a test wants it.
func middayGate(repo store.Repository, limiter RateLimiter, anomaly AnomalyScorer, cfg RiskConfig) *Gate {
	g := NewGate(repo, limiter, anomaly, cfg)
	g.now = func() time.Time {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.UTC)
	}
	return g
}

func TestCheckInboundAllowsOrdinaryPayment(t *testing.T) {
	gate := middayGate(&riskRepoStub{}, nil, nil, RiskConfig{
		PerTransactionCap: decimal.RequireFromString("150000"),
	})

	assessment, err := gate.CheckInbound(context.Background(), domain.PaymentEvent{
		PayerPhone: "254712345678",
		Amount:     decimal.RequireFromString("2500"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if assessment.Decision != domain.RiskDecisionAllow {
		t.Fatalf("expected allow, got %s", assessment.Decision)
	}
}

func TestCheckInboundHoldsAboveCapInsteadOfRejecting(t *testing.T) {
	gate := middayGate(&riskRepoStub{}, nil, nil, RiskConfig{
		PerTransactionCap: decimal.RequireFromString("150000"),
	})

	assessment, err := gate.CheckInbound(context.Background(), domain.PaymentEvent{
		PayerPhone: "254712345678",
		Amount:     decimal.RequireFromString("200000"),
	})
	if err != nil {
		t.Fatalf("inbound money must never be rejected, got %v", err)
	}
	if assessment.Decision != domain.RiskDecisionHold {
		t.Fatalf("expected hold, got %s", assessment.Decision)
	}
	if !assessment.RequiresApproval {
		t.Fatal("expected approval requirement on held payment")
	}
}

func TestCheckInboundRateLimited(t *testing.T) {
	limiter := &rateLimiterStub{count: 31, retryAfter: 42}
	gate := middayGate(&riskRepoStub{}, limiter, nil, RiskConfig{RateLimitPerWindow: 30})

	_, err := gate.CheckInbound(context.Background(), domain.PaymentEvent{
		PayerPhone: "254712345678",
		Amount:     decimal.RequireFromString("100"),
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestBrokenRateLimiterDoesNotBlockMoney(t *testing.T) {
	limiter := &rateLimiterStub{err: errors.New("redis down")}
	gate := middayGate(&riskRepoStub{}, limiter, nil, RiskConfig{RateLimitPerWindow: 30})

	_, err := gate.CheckInbound(context.Background(), domain.PaymentEvent{
		PayerPhone: "254712345678",
		Amount:     decimal.RequireFromString("100"),
	})
	if err != nil {
		t.Fatalf("a broken limiter must degrade to allow, got %v", err)
	}
}

func TestEvaluateWithdrawalPerTransactionCap(t *testing.T) {
	gate := middayGate(&riskRepoStub{}, nil, nil, RiskConfig{
		PerTransactionCap: decimal.RequireFromString("150000"),
	})

	_, err := gate.EvaluateWithdrawal(context.Background(), quietAccount("500000"), "254712345678", decimal.RequireFromString("200000"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestEvaluateWithdrawalDailyDebitCap(t *testing.T) {
	repo := &riskRepoStub{dailySum: decimal.RequireFromString("290000")}
	gate := middayGate(repo, nil, nil, RiskConfig{
		DailyDebitCap: decimal.RequireFromString("300000"),
	})

	_, err := gate.EvaluateWithdrawal(context.Background(), quietAccount("500000"), "254712345678", decimal.RequireFromString("20000"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded for daily cap, got %v", err)
	}
}

func TestEvaluateWithdrawalLowRiskAllows(t *testing.T) {
	gate := middayGate(&riskRepoStub{}, nil, nil, RiskConfig{
		LargeAmountThreshold: decimal.RequireFromString("50000"),
	})

	assessment, err := gate.EvaluateWithdrawal(context.Background(), quietAccount("100000"), "254712345678", decimal.RequireFromString("1000"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if assessment.Decision != domain.RiskDecisionAllow {
		t.Fatalf("expected allow, got %s", assessment.Decision)
	}
	if assessment.Level != domain.RiskLevelLow {
		t.Fatalf("expected low risk, got %s", assessment.Level)
	}
}

func TestEvaluateWithdrawalStackedSignalsHold(t *testing.T) {
	// Large amount (0.30) + hourly frequency (0.25) + balance fraction (0.35)
	// crosses the approval threshold well past the high-risk boundary.
	repo := &riskRepoStub{hourlyCount: 3}
	gate := middayGate(repo, nil, nil, RiskConfig{
		LargeAmountThreshold:  decimal.RequireFromString("50000"),
		HourlyWithdrawalLimit: 3,
	})

	assessment, err := gate.EvaluateWithdrawal(context.Background(), quietAccount("100000"), "254712345678", decimal.RequireFromString("90000"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if assessment.Decision != domain.RiskDecisionHold {
		t.Fatalf("expected hold, got %s (score=%f flags=%v)", assessment.Decision, assessment.Score, assessment.Flags)
	}
	if !assessment.RequiresApproval {
		t.Fatal("expected approval requirement")
	}
	if assessment.Level != domain.RiskLevelHigh {
		t.Fatalf("expected high risk at score %f, got %s", assessment.Score, assessment.Level)
	}
}

func TestEvaluateWithdrawalFrequentNearFullBalanceHolds(t *testing.T) {
	// A 4th withdrawal inside the hour drawing more than 80% of the balance
	// must require manual approval even when the amount itself is unremarkable:
	// hourly frequency (0.25) + balance fraction (0.35) meet the threshold.
	repo := &riskRepoStub{hourlyCount: 3}
	gate := middayGate(repo, nil, nil, RiskConfig{
		LargeAmountThreshold:  decimal.RequireFromString("50000"),
		HourlyWithdrawalLimit: 3,
	})

	assessment, err := gate.EvaluateWithdrawal(context.Background(), quietAccount("1000"), "254712345678", decimal.RequireFromString("900"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if assessment.Decision != domain.RiskDecisionHold {
		t.Fatalf("expected hold, got %s (score=%f flags=%v)", assessment.Decision, assessment.Score, assessment.Flags)
	}
	if !assessment.RequiresApproval {
		t.Fatal("expected approval requirement")
	}
	wantFlags := map[string]bool{"high_hourly_frequency": false, "high_balance_fraction": false}
	for _, flag := range assessment.Flags {
		if _, ok := wantFlags[flag]; ok {
			wantFlags[flag] = true
		}
	}
	for flag, seen := range wantFlags {
		if !seen {
			t.Errorf("expected flag %s, got %v", flag, assessment.Flags)
		}
	}
}

func TestEvaluateWithdrawalUnusualHourSignal(t *testing.T) {
	gate := NewGate(&riskRepoStub{}, nil, nil, RiskConfig{})
	gate.now = func() time.Time {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, time.UTC)
	}

	assessment, err := gate.EvaluateWithdrawal(context.Background(), quietAccount("100000"), "254712345678", decimal.RequireFromString("1000"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	found := false
	for _, flag := range assessment.Flags {
		if flag == "unusual_hour" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unusual_hour flag at 3am, got %v", assessment.Flags)
	}
	if assessment.Decision != domain.RiskDecisionAllow {
		t.Fatalf("one weak signal alone must not hold, got %s", assessment.Decision)
	}
}

type anomalyScorerStub struct {
	score float64
	err   error
}

func (s *anomalyScorerStub) ScoreWithdrawal(ctx context.Context, accountID int64, phone string, amount decimal.Decimal) (float64, error) {
	return s.score, s.err
}

func TestEvaluateWithdrawalAdvisoryAnomalyEscalates(t *testing.T) {
	// Advisory anomaly (0.30) + large amount (0.30) crosses the threshold.
	gate := middayGate(&riskRepoStub{}, nil, &anomalyScorerStub{score: 0.95}, RiskConfig{
		LargeAmountThreshold: decimal.RequireFromString("50000"),
	})

	assessment, err := gate.EvaluateWithdrawal(context.Background(), quietAccount("1000000"), "254712345678", decimal.RequireFromString("60000"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if assessment.Decision != domain.RiskDecisionHold {
		t.Fatalf("expected hold with advisory anomaly, got %s (score=%f)", assessment.Decision, assessment.Score)
	}
}

func TestEvaluateWithdrawalBrokenAnomalyScorerIsNeutral(t *testing.T) {
	gate := middayGate(&riskRepoStub{}, nil, &anomalyScorerStub{err: errors.New("service down")}, RiskConfig{})

	assessment, err := gate.EvaluateWithdrawal(context.Background(), quietAccount("1000000"), "254712345678", decimal.RequireFromString("1000"))
	if err != nil {
		t.Fatalf("a broken anomaly scorer must be neutral, got %v", err)
	}
	if assessment.Decision != domain.RiskDecisionAllow {
		t.Fatalf("expected allow, got %s", assessment.Decision)
	}
}

func TestLevelForScoreBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0, domain.RiskLevelLow},
		{0.29, domain.RiskLevelLow},
		{0.3, domain.RiskLevelMedium},
		{0.69, domain.RiskLevelMedium},
		{0.7, domain.RiskLevelHigh},
		{1.0, domain.RiskLevelHigh},
	}

	for _, tt := range tests {
		if got := domain.LevelForScore(tt.score); got != tt.want {
			t.Errorf("LevelForScore(%f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
