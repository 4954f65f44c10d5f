// Package agreement implements the agreement engine (spec §4.7): the
// draft->pending->active lifecycle for consumer/provider agreements, with
// dual-signature activation and advisory usage limits. Grounded on the
// teacher's module_plugin.go capability-declaration/state-transition guards
// and idwallet_registration.go's audit-trail append pattern.
package agreement

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-zero/mcpzero/internal/errs"
)

// Status is one of the states in the agreement state machine (spec §4.7).
type Status string

const (
	Draft      Status = "draft"
	Pending    Status = "pending"
	Active     Status = "active"
	Suspended  Status = "suspended"
	Expired    Status = "expired"
	Terminated Status = "terminated"
)

// Type distinguishes billing arrangements.
type Type string

const (
	Free       Type = "free"
	Personal   Type = "personal"
	Business   Type = "business"
	Enterprise Type = "enterprise"
	Custom     Type = "custom"
)

// Pricing is the fee schedule attached to a non-free agreement: a flat
// base fee plus a per-metric overage rate map, with an optional custom
// flag for negotiated (off-schedule) terms.
type Pricing struct {
	BaseFee      float64            `json:"base_fee"`
	Tier         Type               `json:"tier"`
	OverageRates map[string]float64 `json:"overage_rates"`
	Custom       bool               `json:"custom"`
}

// AuditEntry is one immutable record of a mutation.
type AuditEntry struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

// Agreement is the full on-disk record shape (spec §3, §6).
type Agreement struct {
	mu sync.Mutex

	AgreementID string `json:"agreement_id"`
	Consumer    string `json:"consumer_id"`
	Provider    string `json:"provider_id"`
	Resource    string `json:"resource_id"`
	Type        Type   `json:"type"`
	Status      Status `json:"status"`

	Terms          map[string]any     `json:"terms"`
	UsageLimits    map[string]float64 `json:"usage_limits"`
	Pricing        Pricing            `json:"pricing"`
	EffectiveDate  *time.Time         `json:"effective_date"`
	ExpirationDate *time.Time         `json:"expiration_date"`

	ConsumerSigned bool `json:"consumer_signed"`
	ProviderSigned bool `json:"provider_signed"`

	Metadata map[string]any `json:"metadata"`

	AuditTrail []AuditEntry `json:"audit_trail"`
}

func (a *Agreement) audit(action, detail string) {
	a.AuditTrail = append(a.AuditTrail, AuditEntry{Action: action, Timestamp: time.Now().UTC(), Detail: detail})
}

// Engine owns all agreements.
type Engine struct {
	mu         sync.RWMutex
	agreements map[string]*Agreement
}

// New creates an empty agreement engine.
func New() *Engine {
	return &Engine{agreements: make(map[string]*Agreement)}
}

// CreateAgreement implements §4.7 create_agreement.
func (e *Engine) CreateAgreement(consumer, provider, resource string, agreementType Type) *Agreement {
	if agreementType == "" {
		agreementType = Free
	}
	a := &Agreement{
		AgreementID: uuid.New().String(),
		Consumer:    consumer, Provider: provider, Resource: resource,
		Type: agreementType, Status: Draft,
		Terms: make(map[string]any), UsageLimits: make(map[string]float64),
		Metadata: make(map[string]any),
	}
	a.audit("create_agreement", "draft created")
	e.mu.Lock()
	e.agreements[a.AgreementID] = a
	e.mu.Unlock()
	return a
}

// Get returns an agreement by id.
func (e *Engine) Get(agreementID string) (*Agreement, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agreements[agreementID]
	if !ok {
		return nil, errs.New(errs.NotFound, "agreement not found: "+agreementID)
	}
	return a, nil
}

// All returns every agreement, for the executor workers to scan.
func (e *Engine) All() []*Agreement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Agreement, 0, len(e.agreements))
	for _, a := range e.agreements {
		out = append(out, a)
	}
	return out
}

func (a *Agreement) checkMutable() error {
	if a.Status != Draft && a.Status != Pending {
		return errs.New(errs.AgreementState, "terms can only be mutated before activation")
	}
	return nil
}

// SetTerms implements §4.7 set_terms.
func (a *Agreement) SetTerms(terms map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	for k, v := range terms {
		a.Terms[k] = v
	}
	a.audit("set_terms", "terms updated")
	return nil
}

// SetUsageLimits implements §4.7 set_usage_limits.
func (a *Agreement) SetUsageLimits(limits map[string]float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	for k, v := range limits {
		a.UsageLimits[k] = v
	}
	a.audit("set_usage_limits", "usage limits updated")
	return nil
}

// SetPricing implements §4.7 set_pricing.
func (a *Agreement) SetPricing(pricing Pricing) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	a.Pricing = pricing
	a.audit("set_pricing", "pricing updated")
	return nil
}

// SetExpiration implements §4.7 set_expiration.
func (a *Agreement) SetExpiration(days int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkMutable(); err != nil {
		return err
	}
	exp := time.Now().UTC().AddDate(0, 0, days)
	a.ExpirationDate = &exp
	a.audit("set_expiration", "expiration set")
	return nil
}

// SubmitAgreement implements §4.7 submit_agreement: draft -> pending.
func (a *Agreement) SubmitAgreement() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Status != Draft {
		return errs.New(errs.AgreementState, "only a draft agreement can be submitted")
	}
	a.Status = Pending
	a.audit("submit_agreement", "draft -> pending")
	return nil
}

// Sign implements §4.7 sign: each party signs exactly once; the second
// signature auto-activates the agreement.
func (a *Agreement) Sign(party string, signature string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Status != Pending {
		return errs.New(errs.AgreementState, "agreement is not pending signature")
	}
	switch party {
	case "consumer":
		if a.ConsumerSigned {
			return errs.New(errs.AgreementState, "consumer has already signed")
		}
		a.ConsumerSigned = true
	case "provider":
		if a.ProviderSigned {
			return errs.New(errs.AgreementState, "provider has already signed")
		}
		a.ProviderSigned = true
	default:
		return errs.New(errs.Validation, "party must be consumer or provider")
	}
	a.audit("sign", party+" signed")

	if a.ConsumerSigned && a.ProviderSigned {
		now := time.Now().UTC()
		a.Status = Active
		a.EffectiveDate = &now
		if a.ExpirationDate == nil {
			exp := now.AddDate(1, 0, 0)
			a.ExpirationDate = &exp
		}
		a.audit("auto_activate", "both parties signed")
	}
	return nil
}

// ValidityResult is the response of CheckAgreementValidity.
type ValidityResult struct {
	Valid    bool
	Reason   string
	Type     Type
	Consumer string
	Provider string
}

// CheckAgreementValidity implements §4.7 check_agreement_validity.
func (e *Engine) CheckAgreementValidity(agreementID, resourceID string) ValidityResult {
	a, err := e.Get(agreementID)
	if err != nil {
		return ValidityResult{Valid: false, Reason: "not_found"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Resource != resourceID {
		return ValidityResult{Valid: false, Reason: "resource_mismatch"}
	}
	if a.Status != Active {
		return ValidityResult{Valid: false, Reason: "not_active"}
	}
	if a.ExpirationDate != nil && time.Now().UTC().After(*a.ExpirationDate) {
		a.Status = Expired
		a.audit("expire", "expiration date passed during validity check")
		return ValidityResult{Valid: false, Reason: "expired"}
	}
	return ValidityResult{Valid: true, Type: a.Type, Consumer: a.Consumer, Provider: a.Provider}
}

// CanonicalUnit maps a raw usage metric name to its §4.8 synthetic overage
// unit.
func CanonicalUnit(metric string) string {
	switch metric {
	case "api_calls":
		return "call"
	case "cpu_time":
		return "minute"
	case "memory", "storage", "bandwidth":
		return "MB"
	default:
		return "unit"
	}
}

// RecordUsageResult is the response of RecordUsage.
type RecordUsageResult struct {
	Success bool
	Warning string
	Limit   *float64
	Usage   float64
}

// RecordUsage implements §4.7 record_usage.
func (a *Agreement) RecordUsage(metric string, quantity float64, cumulativeUsage float64) RecordUsageResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Status != Active {
		return RecordUsageResult{Success: false}
	}
	a.audit("record_usage", metric)

	result := RecordUsageResult{Success: true, Usage: cumulativeUsage}
	if limit, ok := a.UsageLimits[metric]; ok {
		l := limit
		result.Limit = &l
		if cumulativeUsage > limit {
			result.Warning = "limit_exceeded"
		}
	}
	return result
}

// IsExpired implements §4.7 is_expired.
func (a *Agreement) IsExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ExpirationDate != nil && time.Now().UTC().After(*a.ExpirationDate)
}

// Suspend transitions active -> suspended.
func (a *Agreement) Suspend(reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Status != Active {
		return errs.New(errs.AgreementState, "only an active agreement can be suspended")
	}
	a.Status = Suspended
	a.audit("suspend", reason)
	return nil
}

// Resume transitions suspended -> active.
func (a *Agreement) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Status != Suspended {
		return errs.New(errs.AgreementState, "only a suspended agreement can be resumed")
	}
	a.Status = Active
	a.audit("resume", "")
	return nil
}

// Terminate transitions any non-terminal status to terminated.
func (a *Agreement) Terminate(reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Status == Terminated || a.Status == Expired {
		return errs.New(errs.AgreementState, "agreement is already terminal")
	}
	a.Status = Terminated
	a.audit("terminate", reason)
	return nil
}

// Expire transitions active -> expired (used directly by the executor's
// usage monitor, spec §4.8).
func (a *Agreement) Expire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Status == Active {
		a.Status = Expired
		a.audit("expire", "")
	}
}

// CurrentStatus reports the agreement's status under its own lock.
func (a *Agreement) CurrentStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Status
}

// LimitsSnapshot returns a copy of the declared usage limits, safe to range
// over without holding the agreement's lock.
func (a *Agreement) LimitsSnapshot() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.UsageLimits))
	for k, v := range a.UsageLimits {
		out[k] = v
	}
	return out
}

// MetadataValue reads one metadata key under lock.
func (a *Agreement) MetadataValue(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.Metadata[key]
	return v, ok
}

// SetMetadataValue writes one metadata key under lock.
func (a *Agreement) SetMetadataValue(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Metadata[key] = value
}

// FileArchiver implements the executor's Archiver contract by writing an
// expired agreement's full record to archives/<agreement_id>.json, the
// on-disk shape §6 specifies, and dropping it from the engine's active
// set.
type FileArchiver struct {
	Engine *Engine
	Dir    string
}

// Archive writes a.AgreementID's JSON record under Dir and removes it
// from the engine's active set.
func (f *FileArchiver) Archive(a *Agreement) error {
	a.mu.Lock()
	data, err := json.MarshalIndent(a, "", "  ")
	a.mu.Unlock()
	if err != nil {
		return errs.Wrap(errs.Storage, "marshal agreement for archive", err)
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return errs.Wrap(errs.Storage, "create archive directory", err)
	}
	path := filepath.Join(f.Dir, a.AgreementID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.Storage, "write archive file", err)
	}
	if f.Engine != nil {
		f.Engine.mu.Lock()
		delete(f.Engine.agreements, a.AgreementID)
		f.Engine.mu.Unlock()
	}
	return nil
}
