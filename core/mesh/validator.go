package mesh

import (
	"sync"
	"time"

	"github.com/mcp-zero/mcpzero/core/agreement"
)

// Validator implements C16: it answers agreement_validation requests and
// records resource_usage, reusing the agreement engine (C11) as the spec's
// data-flow diagram (§1) requires ("mesh validator (C16), which reuses
// C11").
type Validator struct {
	engine *agreement.Engine

	mu    sync.Mutex
	cache map[string]cachedAgreement
}

type cachedAgreement struct {
	agreementID string
	refreshedAt time.Time
}

// NewValidator wraps an agreement engine for mesh-side validation.
func NewValidator(engine *agreement.Engine) *Validator {
	return &Validator{engine: engine, cache: make(map[string]cachedAgreement)}
}

// ValidateAgreement implements §4.12's agreement_validation handler: valid
// iff the agreement is active, consumer and resource match, and it is not
// expired. Refreshes the local cache entry if missing, per §4.12.
func (v *Validator) ValidateAgreement(agreementID, resourceID, consumerID string) agreement.ValidityResult {
	v.mu.Lock()
	if _, ok := v.cache[agreementID]; !ok {
		v.cache[agreementID] = cachedAgreement{agreementID: agreementID, refreshedAt: time.Now().UTC()}
	}
	v.mu.Unlock()

	result := v.engine.CheckAgreementValidity(agreementID, resourceID)
	if !result.Valid {
		return result
	}
	if result.Consumer != consumerID {
		return agreement.ValidityResult{Valid: false, Reason: "consumer_mismatch"}
	}
	return result
}

// RecordUsageAndCheckOverage implements §4.12's resource_usage handler: it
// records usage on the agreement and reports whether it pushed the metered
// total above its limit with an overage rate configured, so the caller can
// charge the overage to billing.
func (v *Validator) RecordUsageAndCheckOverage(agreementID, metric string, quantity, cumulativeUsage float64) (result agreement.RecordUsageResult, overage float64, shouldBill bool) {
	a, err := v.engine.Get(agreementID)
	if err != nil {
		return agreement.RecordUsageResult{Success: false}, 0, false
	}
	result = a.RecordUsage(metric, quantity, cumulativeUsage)
	if result.Limit != nil && cumulativeUsage > *result.Limit {
		overage = cumulativeUsage - *result.Limit
		shouldBill = overage > 0 && a.Pricing.OverageRates[metric] > 0
	}
	return result, overage, shouldBill
}
