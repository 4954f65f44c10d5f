// Package revenue implements the revenue splitter (spec §4.11):
// percentage-based distribution of marketplace proceeds across platform,
// developer, and provider, with resource-specific overrides. Grounded on
// the teacher's cross_chain.go fee-distribution table (default split plus
// per-asset override) adapted from cross-chain bridge fees to marketplace
// revenue shares.
package revenue

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-zero/mcpzero/core/wallet"
	"github.com/mcp-zero/mcpzero/internal/errs"
)

const shareSumTolerance = 0.01

// Shares is one split configuration; percentages sum to 100 ± tolerance.
type Shares struct {
	Platform  float64
	Developer float64
	Provider  float64
}

func (s Shares) validate() error {
	sum := s.Platform + s.Developer + s.Provider
	if math.Abs(sum-100) > shareSumTolerance {
		return errs.New(errs.Validation, "revenue shares must sum to 100")
	}
	return nil
}

var defaultShares = Shares{Platform: 10, Developer: 70, Provider: 20}

// DistributionStatus is a pending/completed distribution's lifecycle state.
type DistributionStatus string

const (
	DistributionPending   DistributionStatus = "pending"
	DistributionCompleted DistributionStatus = "completed"
)

// Distribution is one revenue split awaiting or having completed payout.
type Distribution struct {
	DistributionID string
	TxID           string
	ResourceID     string
	ResourceType   string
	Amount         float64
	PlatformID     string
	DeveloperID    string
	ProviderID     string
	PlatformAmount float64
	DeveloperAmount float64
	ProviderAmount float64
	Status         DistributionStatus
	CreatedAt      time.Time
}

// Splitter owns share configurations and pending/completed distributions.
type Splitter struct {
	typeShares     map[string]Shares
	resourceShares map[string]Shares // resourceType + ":" + resourceID

	distributions map[string]*Distribution
}

// New creates a splitter with the default 10/70/20 split.
func New() *Splitter {
	return &Splitter{
		typeShares:     make(map[string]Shares),
		resourceShares: make(map[string]Shares),
		distributions:  make(map[string]*Distribution),
	}
}

func resourceKey(resourceType, resourceID string) string { return resourceType + ":" + resourceID }

// SetShareConfiguration implements §4.11 set_share_configuration.
func (s *Splitter) SetShareConfiguration(resourceType string, shares Shares, resourceID string) error {
	if err := shares.validate(); err != nil {
		return err
	}
	if resourceID != "" {
		s.resourceShares[resourceKey(resourceType, resourceID)] = shares
		return nil
	}
	s.typeShares[resourceType] = shares
	return nil
}

// GetShareConfiguration implements §4.11 get_share_configuration: a
// resource-specific override beats a type-wide override, which beats the
// 10/70/20 default.
func (s *Splitter) GetShareConfiguration(resourceType, resourceID string) Shares {
	if resourceID != "" {
		if sh, ok := s.resourceShares[resourceKey(resourceType, resourceID)]; ok {
			return sh
		}
	}
	if sh, ok := s.typeShares[resourceType]; ok {
		return sh
	}
	return defaultShares
}

// DistributeRevenue implements §4.11 distribute_revenue: records a pending
// distribution with computed per-recipient amounts.
func (s *Splitter) DistributeRevenue(txID, resourceID, resourceType string, amount float64, platformID, developerID, providerID string) (*Distribution, error) {
	if amount <= 0 {
		return nil, errs.New(errs.Validation, "distribution amount must be positive")
	}
	shares := s.GetShareConfiguration(resourceType, resourceID)
	d := &Distribution{
		DistributionID: uuid.New().String(),
		TxID:           txID,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		Amount:         amount,
		PlatformID:     platformID,
		DeveloperID:    developerID,
		ProviderID:     providerID,
		PlatformAmount: amount * shares.Platform / 100,
		DeveloperAmount: amount * shares.Developer / 100,
		ProviderAmount: amount * shares.Provider / 100,
		Status:         DistributionPending,
		CreatedAt:      time.Now().UTC(),
	}
	s.distributions[d.DistributionID] = d
	return d, nil
}

// ProcessDistribution implements §4.11 process_distribution: idempotent on
// already-completed distributions.
func (s *Splitter) ProcessDistribution(distID string, ledger *wallet.Ledger) error {
	d, ok := s.distributions[distID]
	if !ok {
		return errs.New(errs.NotFound, "distribution not found: "+distID)
	}
	if d.Status == DistributionCompleted {
		return nil
	}

	recipients := []struct {
		userID string
		amount float64
	}{
		{d.PlatformID, d.PlatformAmount},
		{d.DeveloperID, d.DeveloperAmount},
		{d.ProviderID, d.ProviderAmount},
	}
	for _, r := range recipients {
		if r.userID == "" || r.amount <= 0 {
			continue
		}
		w := ledger.CreateWallet(r.userID)
		if _, err := ledger.Deposit(w.WalletID, r.amount, distID, "revenue distribution"); err != nil {
			return errs.Wrap(errs.Storage, "deposit failed during revenue distribution", err)
		}
	}
	d.Status = DistributionCompleted
	return nil
}

// Get returns a distribution by id.
func (s *Splitter) Get(distID string) (*Distribution, bool) {
	d, ok := s.distributions[distID]
	return d, ok
}
