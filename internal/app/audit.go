/**
 * @description
 * This file implements the scheduled ledger audit sweep. On a cron cadence it
 * re-derives account balances from the transaction log and compares them to the
 * stored balances; any mismatch is an invariant violation — a bug, not a
 * business condition — logged at error level and published for alerting. The
 * sweep also expires outbound withdrawals stuck in pending/initiated past a
 * configured age, so a payout whose result callback never arrived does not hold
 * a row open forever.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Schedule execution.
 * - internal/domain, internal/store: Models and aggregate queries.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// AuditorConfig carries the audit sweep tunables.
type AuditorConfig struct {
	// Schedule is a cron expression; defaults to every 15 minutes.
	Schedule string
	// BatchSize bounds the accounts verified per run.
	BatchSize int
	// StaleWithdrawalAge is how long a pending/initiated withdrawal may wait
	// for its payout result before being expired.
	StaleWithdrawalAge time.Duration
}

func (c AuditorConfig) withDefaults() AuditorConfig {
	if c.Schedule == "" {
		c.Schedule = "*/15 * * * *"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.StaleWithdrawalAge <= 0 {
		c.StaleWithdrawalAge = 24 * time.Hour
	}
	return c
}

// Auditor runs the periodic balance reconciliation sweep.
type Auditor struct {
	service *Service
	cfg     AuditorConfig
	cron    *cron.Cron
}

func NewAuditor(service *Service, cfg AuditorConfig) *Auditor {
	return &Auditor{service: service, cfg: cfg.withDefaults()}
}

// Start registers the sweep with a cron scheduler and begins execution.
func (a *Auditor) Start() error {
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(a.cfg.Schedule, a.runSweep); err != nil {
		return err
	}
	a.cron.Start()
	log.Printf("level=info component=auditor msg=\"audit sweep scheduled\" schedule=%q", a.cfg.Schedule)
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to finish.
func (a *Auditor) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

func (a *Auditor) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := a.RunOnce(ctx); err != nil {
		log.Printf("level=error component=auditor msg=\"audit sweep failed\" err=%v", err)
	}
}

// RunOnce executes one full sweep: invariant verification then stale
// withdrawal expiry.
func (a *Auditor) RunOnce(ctx context.Context) error {
	accounts, err := a.service.repo.ListAccountsForAudit(ctx, a.cfg.BatchSize)
	if err != nil {
		return err
	}

	mismatches := 0
	for i := range accounts {
		if err := a.service.VerifyAccountInvariant(ctx, &accounts[i]); err != nil {
			mismatches++
			log.Printf("level=error component=auditor msg=\"balance invariant violated\" account_id=%d reference=%s err=%v",
				accounts[i].ID, accounts[i].Reference, err)
			a.service.publishEvent(ctx, "ledger.audit.mismatch", map[string]any{
				"account_id": accounts[i].ID,
				"reference":  accounts[i].Reference,
				"error":      err.Error(),
			})
		}
	}

	cutoff := time.Now().Add(-a.cfg.StaleWithdrawalAge)
	stale, err := a.service.repo.ListStalePendingWithdrawals(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range stale {
		record := &stale[i]
		if err := a.service.repo.MarkTransactionFailed(ctx, record.ID, "expired awaiting payout result"); err != nil {
			log.Printf("level=warn component=auditor msg=\"stale withdrawal expiry failed\" transaction_id=%d err=%v", record.ID, err)
			continue
		}
		a.service.publishEvent(ctx, "withdrawal.failed", record)
	}

	log.Printf("level=info component=auditor msg=\"audit sweep complete\" accounts=%d mismatches=%d expired=%d",
		len(accounts), mismatches, len(stale))
	return nil
}
