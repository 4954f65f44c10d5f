// Package executor implements the agreement executor (spec §4.8): three
// cooperative background workers on independent cadences, each cancellable
// and required to exit within one second of a shutdown signal. Grounded on
// the teacher's consensus.go validator-loop goroutines (ticker + done
// channel, not a busy poll) and system_health_logging.go's periodic sweep
// pattern.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mcp-zero/mcpzero/core/agreement"
	"github.com/mcp-zero/mcpzero/core/usage"
	"github.com/mcp-zero/mcpzero/core/wallet"
)

const (
	usageMonitorInterval   = 30 * time.Second
	billingCycleInterval   = 3600 * time.Second
	cleanupInterval        = 86400 * time.Second
	archiveRetentionPeriod = 90 * 24 * time.Hour
	billingGracePeriod     = 30 * 24 * time.Hour
)

// Archiver persists an expired agreement's full record and removes it from
// the active set. Kept as a small interface, mirroring memtrace.Registrar,
// so the executor never depends on a concrete filesystem layout.
type Archiver interface {
	Archive(a *agreement.Agreement) error
}

// UsageProvider exposes the cumulative usage an agreement has accrued for a
// metric, decoupling the executor from whatever records raw usage events.
type UsageProvider interface {
	CumulativeUsage(agreementID, metric string) float64
}

// Executor runs the three cooperative workers against a shared agreement
// engine.
type Executor struct {
	engine   *agreement.Engine
	tracker  *usage.Tracker
	ledger   *wallet.Ledger
	usage    UsageProvider
	archiver Archiver
	log      *logrus.Logger

	wg sync.WaitGroup
}

// New wires an executor against its collaborators.
func New(engine *agreement.Engine, tracker *usage.Tracker, ledger *wallet.Ledger, usageProvider UsageProvider, archiver Archiver) *Executor {
	return &Executor{
		engine: engine, tracker: tracker, ledger: ledger,
		usage: usageProvider, archiver: archiver, log: logrus.New(),
	}
}

// Run starts all three workers and blocks until ctx is cancelled, at which
// point it waits (at most one iteration's worth of work) for them to exit.
func (e *Executor) Run(ctx context.Context) {
	e.wg.Add(3)
	go e.runWorker(ctx, "usage_monitor", usageMonitorInterval, e.usageMonitorTick)
	go e.runWorker(ctx, "billing_cycle", billingCycleInterval, e.billingCycleTick)
	go e.runWorker(ctx, "cleanup", cleanupInterval, e.cleanupTick)
	e.wg.Wait()
}

func (e *Executor) runWorker(ctx context.Context, name string, interval time.Duration, tick func()) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.WithField("worker", name).Info("executor: worker shutting down")
			return
		case <-ticker.C:
			tick()
		}
	}
}

// usageMonitorTick implements §4.8 worker 1.
func (e *Executor) usageMonitorTick() {
	for _, a := range e.engine.All() {
		if a.CurrentStatus() != agreement.Active {
			continue
		}
		if a.IsExpired() {
			a.Expire()
			continue
		}
		for metric, limit := range a.LimitsSnapshot() {
			current := e.usage.CumulativeUsage(a.AgreementID, metric)
			if current < limit {
				continue
			}
			if a.Type == agreement.Free {
				_ = a.Suspend("usage limit reached")
				continue
			}
			overage := current - limit
			if overage <= 0 {
				continue
			}
			usageType := "overage_" + metric
			unit := agreement.CanonicalUnit(metric)
			if _, err := e.tracker.RecordUsage(a.AgreementID, a.Consumer, usageType, overage, unit); err != nil {
				e.log.WithError(err).Warn("executor: failed to record overage usage")
			}
		}
	}
}

// billingCycleTick implements §4.8 worker 2.
func (e *Executor) billingCycleTick() {
	now := time.Now().UTC()
	for _, a := range e.engine.All() {
		if a.CurrentStatus() != agreement.Active || a.Type == agreement.Free {
			continue
		}
		due := true
		if v, ok := a.MetadataValue("last_billed_date"); ok {
			if last, ok := v.(time.Time); ok && now.Sub(last) < billingGracePeriod {
				due = false
			}
		}
		if !due {
			continue
		}

		providerWallet := e.ledger.CreateWallet(a.Provider)
		consumerWallet := e.ledger.CreateWallet(a.Consumer)
		if _, err := e.ledger.Withdraw(consumerWallet.WalletID, a.Pricing.BaseFee, a.AgreementID, "agreement base fee"); err != nil {
			e.onBillingFailure(a, now)
			continue
		}
		if _, err := e.ledger.Deposit(providerWallet.WalletID, a.Pricing.BaseFee, a.AgreementID, "agreement base fee"); err != nil {
			e.onBillingFailure(a, now)
			continue
		}
		a.SetMetadataValue("last_billed_date", now)
	}
}

func (e *Executor) onBillingFailure(a *agreement.Agreement, now time.Time) {
	a.SetMetadataValue("payment_failure_date", now)
	if a.Type != agreement.Enterprise {
		_ = a.Suspend("payment failed")
	}
}

// cleanupTick implements §4.8 worker 3.
func (e *Executor) cleanupTick() {
	now := time.Now().UTC()
	for _, a := range e.engine.All() {
		if a.CurrentStatus() != agreement.Expired {
			continue
		}
		if a.ExpirationDate == nil || now.Sub(*a.ExpirationDate) < archiveRetentionPeriod {
			continue
		}
		if e.archiver == nil {
			continue
		}
		if err := e.archiver.Archive(a); err != nil {
			e.log.WithError(err).Warn("executor: failed to archive expired agreement")
		}
	}
}
