package revenue

import (
	"testing"

	"github.com/mcp-zero/mcpzero/core/wallet"
)

func TestSetShareConfigurationRejectsBadSum(t *testing.T) {
	s := New()
	err := s.SetShareConfiguration("plugin", Shares{Platform: 10, Developer: 60, Provider: 20}, "")
	if err == nil {
		t.Fatalf("expected rejection of shares not summing to 100")
	}
}

func TestResourceOverrideBeatsTypeAndDefault(t *testing.T) {
	s := New()
	if got := s.GetShareConfiguration("plugin", "res-1"); got != (Shares{Platform: 10, Developer: 70, Provider: 20}) {
		t.Fatalf("expected default shares, got %+v", got)
	}
	s.SetShareConfiguration("plugin", Shares{Platform: 5, Developer: 75, Provider: 20}, "")
	if got := s.GetShareConfiguration("plugin", "res-1"); got.Developer != 75 {
		t.Fatalf("expected type-wide override to apply, got %+v", got)
	}
	s.SetShareConfiguration("plugin", Shares{Platform: 20, Developer: 60, Provider: 20}, "res-1")
	if got := s.GetShareConfiguration("plugin", "res-1"); got.Platform != 20 {
		t.Fatalf("expected resource-specific override to win, got %+v", got)
	}
}

func TestProcessDistributionIsIdempotent(t *testing.T) {
	s := New()
	ledger := wallet.New()
	d, err := s.DistributeRevenue("tx-1", "res-1", "plugin", 100, "platform", "dev-1", "provider-1")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := s.ProcessDistribution(d.DistributionID, ledger); err != nil {
		t.Fatalf("process 1: %v", err)
	}
	devWallet := ledger.CreateWallet("dev-1")
	balanceAfterFirst := devWallet.CurrentBalance()

	if err := s.ProcessDistribution(d.DistributionID, ledger); err != nil {
		t.Fatalf("process 2: %v", err)
	}
	if devWallet.CurrentBalance() != balanceAfterFirst {
		t.Fatalf("expected idempotent reprocessing to leave balance unchanged, got %f then %f",
			balanceAfterFirst, devWallet.CurrentBalance())
	}
}
