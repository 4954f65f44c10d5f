// Package usage implements the usage tracker (spec §4.10): metered usage
// records, append-only tiered pricing, and billing cycles. Grounded on the
// teacher's system_health_logging.go append-then-query event store pattern
// and on data_resource_management.go's resource-quota bookkeeping for the
// billing-cycle window semantics.
package usage

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-zero/mcpzero/internal/errs"
)

// Record is one metered usage event.
type Record struct {
	RecordID  string
	AgentID   string
	UserID    string
	UsageType string
	Quantity  float64
	Unit      string
	Timestamp time.Time
	Billed    bool
}

// Price is one append-only pricing entry for a usage type.
type Price struct {
	UsageType     string
	PricePerUnit  float64
	EffectiveDate time.Time
	TierStart     *float64
	TierEnd       *float64
}

// CycleStatus is a billing cycle's lifecycle state.
type CycleStatus string

const (
	CycleOpen   CycleStatus = "active"
	CycleClosed CycleStatus = "closed"
)

// Cycle is a 30-day billing window for one user.
type Cycle struct {
	CycleID   string
	UserID    string
	Start     time.Time
	End       time.Time
	Status    CycleStatus
	InvoiceID string
}

// Tracker owns usage records, pricing, and billing cycles.
type Tracker struct {
	mu           sync.Mutex
	records      []Record
	prices       map[string][]Price
	cyclesByUser map[string][]*Cycle
	cyclesByID   map[string]*Cycle
}

// Records returns a copy of all recorded usage events.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		prices:       make(map[string][]Price),
		cyclesByUser: make(map[string][]*Cycle),
		cyclesByID:   make(map[string]*Cycle),
	}
}

// RecordUsage implements §4.10 record_usage.
func (t *Tracker) RecordUsage(agentID, userID, usageType string, quantity float64, unit string) (Record, error) {
	if quantity <= 0 {
		return Record{}, errs.New(errs.Validation, "usage quantity must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := Record{
		RecordID:  uuid.New().String(),
		AgentID:   agentID,
		UserID:    userID,
		UsageType: usageType,
		Quantity:  quantity,
		Unit:      unit,
		Timestamp: time.Now().UTC(),
	}
	t.records = append(t.records, rec)
	return rec, nil
}

// SetPrice implements §4.10 set_price: append-only, most recent
// effective_date wins in queries.
func (t *Tracker) SetPrice(usageType string, pricePerUnit float64, tierStart, tierEnd *float64) error {
	if pricePerUnit < 0 {
		return errs.New(errs.Validation, "price_per_unit must be non-negative")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[usageType] = append(t.prices[usageType], Price{
		UsageType: usageType, PricePerUnit: pricePerUnit,
		EffectiveDate: time.Now().UTC(), TierStart: tierStart, TierEnd: tierEnd,
	})
	return nil
}

func (t *Tracker) currentPrice(usageType string) (Price, bool) {
	prices := t.prices[usageType]
	if len(prices) == 0 {
		return Price{}, false
	}
	latest := prices[0]
	for _, p := range prices[1:] {
		if p.EffectiveDate.After(latest.EffectiveDate) {
			latest = p
		}
	}
	return latest, true
}

// StartBillingCycle implements §4.10 start_billing_cycle.
func (t *Tracker) StartBillingCycle(userID string) (*Cycle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.cyclesByUser[userID] {
		if c.Status == CycleOpen {
			return nil, errs.New(errs.Validation, "a billing cycle is already active for user: "+userID)
		}
	}
	now := time.Now().UTC()
	c := &Cycle{
		CycleID: uuid.New().String(), UserID: userID,
		Start: now, End: now.AddDate(0, 0, 30), Status: CycleOpen,
	}
	t.cyclesByUser[userID] = append(t.cyclesByUser[userID], c)
	t.cyclesByID[c.CycleID] = c
	return c, nil
}

// CloseBillingCycle implements §4.10 close_billing_cycle.
func (t *Tracker) CloseBillingCycle(cycleID, invoiceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cyclesByID[cycleID]
	if !ok {
		return errs.New(errs.NotFound, "billing cycle not found: "+cycleID)
	}
	if c.Status == CycleClosed {
		return errs.New(errs.Validation, "billing cycle already closed: "+cycleID)
	}
	c.Status = CycleClosed
	c.InvoiceID = invoiceID
	for i := range t.records {
		r := &t.records[i]
		if r.UserID == c.UserID && !r.Billed && !r.Timestamp.Before(c.Start) && !r.Timestamp.After(c.End) {
			r.Billed = true
		}
	}
	return nil
}

// UsageSummary is one line of calculate_usage_cost's breakdown.
type UsageSummary struct {
	UsageType    string
	TotalQuantity float64
	Cost         float64
}

// CalculateUsageCost implements §4.10 calculate_usage_cost.
func (t *Tracker) CalculateUsageCost(userID string, start, end *time.Time) (totalCost float64, summary []UsageSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	totals := make(map[string]float64)
	order := make([]string, 0)
	for _, r := range t.records {
		if r.UserID != userID {
			continue
		}
		if start != nil && r.Timestamp.Before(*start) {
			continue
		}
		if end != nil && r.Timestamp.After(*end) {
			continue
		}
		if _, ok := totals[r.UsageType]; !ok {
			order = append(order, r.UsageType)
		}
		totals[r.UsageType] += r.Quantity
	}
	for _, usageType := range order {
		price, ok := t.currentPrice(usageType)
		if !ok {
			continue
		}
		qty := totals[usageType]
		cost := qty * price.PricePerUnit
		totalCost += cost
		summary = append(summary, UsageSummary{UsageType: usageType, TotalQuantity: qty, Cost: cost})
	}
	return totalCost, summary
}

// CumulativeUsage sums every recorded quantity for agreementID+metric,
// satisfying the executor's UsageProvider contract (§4.8 worker 1 reads
// an agreement's cumulative usage per metric). Usage is recorded here
// keyed by agreement id in the AgentID field and consumer id in UserID,
// the same convention the executor's overage recording already uses.
func (t *Tracker) CumulativeUsage(agreementID, metric string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, r := range t.records {
		if r.AgentID == agreementID && r.UsageType == metric {
			total += r.Quantity
		}
	}
	return total
}
