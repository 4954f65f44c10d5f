package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcp-zero/mcpzero/core/agreement"
	"github.com/mcp-zero/mcpzero/core/usage"
	"github.com/mcp-zero/mcpzero/core/wallet"
)

type fakeUsageProvider struct {
	mu     sync.Mutex
	values map[string]float64
}

func newFakeUsageProvider() *fakeUsageProvider {
	return &fakeUsageProvider{values: make(map[string]float64)}
}

func (f *fakeUsageProvider) set(agreementID, metric string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[agreementID+":"+metric] = v
}

func (f *fakeUsageProvider) CumulativeUsage(agreementID, metric string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[agreementID+":"+metric]
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (f *fakeArchiver) Archive(a *agreement.Agreement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, a.AgreementID)
	return nil
}

func TestUsageMonitorSuspendsFreeAgreementOverLimit(t *testing.T) {
	engine := agreement.New()
	a := engine.CreateAgreement("consumer-1", "provider-1", "res-1", agreement.Free)
	a.SetUsageLimits(map[string]float64{"api_calls": 100})
	a.SubmitAgreement()
	a.Sign("consumer", "sig-c")
	a.Sign("provider", "sig-p")

	up := newFakeUsageProvider()
	up.set(a.AgreementID, "api_calls", 150)

	ex := New(engine, usage.New(), wallet.New(), up, nil)
	ex.usageMonitorTick()

	if a.CurrentStatus() != agreement.Suspended {
		t.Fatalf("expected free agreement over limit to be suspended, got %s", a.CurrentStatus())
	}
}

func TestUsageMonitorRecordsOverageForPaidTier(t *testing.T) {
	engine := agreement.New()
	a := engine.CreateAgreement("consumer-1", "provider-1", "res-1", agreement.Personal)
	a.SetUsageLimits(map[string]float64{"cpu_time": 10})
	a.SubmitAgreement()
	a.Sign("consumer", "sig-c")
	a.Sign("provider", "sig-p")

	up := newFakeUsageProvider()
	up.set(a.AgreementID, "cpu_time", 25)

	tracker := usage.New()
	ex := New(engine, tracker, wallet.New(), up, nil)
	ex.usageMonitorTick()

	if a.CurrentStatus() != agreement.Active {
		t.Fatalf("expected paid-tier agreement to remain active, got %s", a.CurrentStatus())
	}
	if len(tracker.Records()) != 1 {
		t.Fatalf("expected exactly one overage usage record, got %d", len(tracker.Records()))
	}
}

func TestBillingCycleChargesBaseFee(t *testing.T) {
	engine := agreement.New()
	a := engine.CreateAgreement("consumer-1", "provider-1", "res-1", agreement.Personal)
	a.SetPricing(agreement.Pricing{BaseFee: 20, Tier: agreement.Personal})
	a.SubmitAgreement()
	a.Sign("consumer", "sig-c")
	a.Sign("provider", "sig-p")

	ledger := wallet.New()
	consumerWallet := ledger.CreateWallet("consumer-1")
	ledger.Deposit(consumerWallet.WalletID, 100, "", "seed")

	ex := New(engine, usage.New(), ledger, newFakeUsageProvider(), nil)
	ex.billingCycleTick()

	providerWallet := ledger.CreateWallet("provider-1")
	if providerWallet.CurrentBalance() != 20 {
		t.Fatalf("expected provider to be credited the base fee, got %f", providerWallet.CurrentBalance())
	}
	if consumerWallet.CurrentBalance() != 80 {
		t.Fatalf("expected consumer to be debited the base fee, got %f", consumerWallet.CurrentBalance())
	}
}

func TestBillingFailureSuspendsBusinessTier(t *testing.T) {
	engine := agreement.New()
	a := engine.CreateAgreement("consumer-1", "provider-1", "res-1", agreement.Business)
	a.SetPricing(agreement.Pricing{BaseFee: 20, Tier: agreement.Business})
	a.SubmitAgreement()
	a.Sign("consumer", "sig-c")
	a.Sign("provider", "sig-p")

	ex := New(engine, usage.New(), wallet.New(), newFakeUsageProvider(), nil)
	ex.billingCycleTick()

	if a.CurrentStatus() != agreement.Suspended {
		t.Fatalf("expected a business agreement with a failed payment to be suspended, got %s", a.CurrentStatus())
	}
}

func TestBillingFailureExemptsEnterpriseTier(t *testing.T) {
	engine := agreement.New()
	a := engine.CreateAgreement("consumer-1", "provider-1", "res-1", agreement.Enterprise)
	a.SetPricing(agreement.Pricing{BaseFee: 20, Tier: agreement.Enterprise})
	a.SubmitAgreement()
	a.Sign("consumer", "sig-c")
	a.Sign("provider", "sig-p")

	ex := New(engine, usage.New(), wallet.New(), newFakeUsageProvider(), nil)
	ex.billingCycleTick()

	if a.CurrentStatus() != agreement.Active {
		t.Fatalf("expected an enterprise agreement to stay active despite a failed payment, got %s", a.CurrentStatus())
	}
	if _, ok := a.MetadataValue("payment_failure_date"); !ok {
		t.Fatalf("expected the payment failure to still be recorded in metadata")
	}
}

func TestCleanupArchivesOldExpiredAgreements(t *testing.T) {
	engine := agreement.New()
	a := engine.CreateAgreement("consumer-1", "provider-1", "res-1", agreement.Free)
	a.SubmitAgreement()
	a.Sign("consumer", "sig-c")
	a.Sign("provider", "sig-p")
	a.Expire()
	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	a.ExpirationDate = &old

	archiver := &fakeArchiver{}
	ex := New(engine, usage.New(), wallet.New(), newFakeUsageProvider(), archiver)
	ex.cleanupTick()

	if len(archiver.archived) != 1 || archiver.archived[0] != a.AgreementID {
		t.Fatalf("expected agreement to be archived, got %+v", archiver.archived)
	}
}

func TestRunExitsOnContextCancellation(t *testing.T) {
	engine := agreement.New()
	ex := New(engine, usage.New(), wallet.New(), newFakeUsageProvider(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ex.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return promptly after context cancellation")
	}
}
