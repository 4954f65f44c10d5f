// Package resmon implements the resource monitor (spec §4.13): sampled
// CPU/memory, a CPU budget token bucket, throttling, and a scoped
// acquisition guaranteeing release on every exit path. Grounded on the
// teacher's system_health_logging.go periodic-sample/trend-window pattern
// for the reading history, and on the pack's use of golang.org/x/time/rate
// (carried by josephblackelite-nhbchain's go.mod) for the CPU budget's
// fixed-rate refill.
package resmon

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

const (
	trendWindowSize       = 10
	throttleProximityFrac = 0.70
	sustainedBreachCount  = 3
	coolDownDuration      = 5 * time.Second
	coolDownShrinkFactor  = 0.5
)

var (
	cpuGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mcpzero", Subsystem: "resmon", Name: "cpu_percent",
		Help: "Latest sampled CPU percent per monitored label.",
	}, []string{"label"})
	memGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mcpzero", Subsystem: "resmon", Name: "memory_mb",
		Help: "Latest sampled memory in MB per monitored label.",
	}, []string{"label"})
)

// Limits bound what a process may consume.
type Limits struct {
	CPUPercent   float64
	MemoryMB     float64
	BudgetSize   float64 // initial/full CPU budget tokens
	RefillPerSec float64
}

// Sample is one CPU/memory reading.
type Sample struct {
	CPUPercent float64
	MemoryMB   float64
	Timestamp  time.Time
}

// Monitor tracks resource usage for one process and gates operations
// against a CPU budget.
type Monitor struct {
	mu sync.Mutex

	limits Limits
	budget *rate.Limiter
	label  string

	history       []Sample
	breachStreak  int
	coolDownUntil time.Time
}

// WithLabel sets the prometheus label RecordSample reports gauges under,
// returning the monitor for chaining at construction time.
func (m *Monitor) WithLabel(label string) *Monitor {
	m.label = label
	return m
}

// New creates a monitor with a full CPU budget.
func New(limits Limits) *Monitor {
	return &Monitor{
		limits: limits,
		budget: rate.NewLimiter(rate.Limit(limits.RefillPerSec), int(limits.BudgetSize)),
	}
}

// RecordSample appends a CPU/memory reading, keeping only the last
// trendWindowSize entries, and updates the sustained-breach streak.
func (m *Monitor) RecordSample(cpuPercent, memoryMB float64) Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Sample{CPUPercent: cpuPercent, MemoryMB: memoryMB, Timestamp: time.Now().UTC()}
	m.history = append(m.history, s)
	if len(m.history) > trendWindowSize {
		m.history = m.history[len(m.history)-trendWindowSize:]
	}
	if m.label != "" {
		cpuGauge.WithLabelValues(m.label).Set(cpuPercent)
		memGauge.WithLabelValues(m.label).Set(memoryMB)
	}

	if cpuPercent > m.limits.CPUPercent {
		m.breachStreak++
		if m.breachStreak >= sustainedBreachCount {
			m.triggerCoolDownLocked()
		}
	} else {
		m.breachStreak = 0
	}
	return s
}

func (m *Monitor) triggerCoolDownLocked() {
	m.coolDownUntil = time.Now().UTC().Add(coolDownDuration)
	shrunk := m.limits.BudgetSize * coolDownShrinkFactor
	m.limits.BudgetSize = shrunk
	m.budget.SetBurst(int(shrunk))
	m.breachStreak = 0
}

func (m *Monitor) latestLocked() (Sample, bool) {
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// trendNonDecreasingLocked reports whether the newest CPU reading in the
// trend window is at or above the oldest one; it is false with fewer than
// two readings.
func (m *Monitor) trendNonDecreasingLocked() bool {
	if len(m.history) < 2 {
		return false
	}
	return m.history[len(m.history)-1].CPUPercent >= m.history[0].CPUPercent
}

// CheckAvailableResources implements §4.13's gate: false if latest CPU or
// memory is at/over its limit, or the budget is exhausted.
func (m *Monitor) CheckAvailableResources() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Now().UTC().Before(m.coolDownUntil) {
		return false
	}
	latest, ok := m.latestLocked()
	if !ok {
		return true
	}
	if latest.CPUPercent >= m.limits.CPUPercent {
		return false
	}
	if latest.MemoryMB >= m.limits.MemoryMB {
		return false
	}
	return m.budget.TokensAt(time.Now()) > 0
}

// ThrottleDelay implements §4.13's throttle: proportional sleep when
// current CPU exceeds 70% of the limit and the trend is non-decreasing.
func (m *Monitor) ThrottleDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest, ok := m.latestLocked()
	if !ok {
		return 0
	}
	threshold := m.limits.CPUPercent * throttleProximityFrac
	if latest.CPUPercent <= threshold || !m.trendNonDecreasingLocked() {
		return 0
	}
	proximity := (latest.CPUPercent - threshold) / (m.limits.CPUPercent - threshold)
	if proximity < 0 {
		proximity = 0
	}
	if proximity > 1 {
		proximity = 1
	}
	return time.Duration(proximity * float64(time.Second))
}

// Acquisition is a scoped CPU-budget hold: Release MUST be called exactly
// once, on every exit path, per §4.13's "guaranteed release on all exit
// paths."
type Acquisition struct {
	monitor     *Monitor
	initialCost float64
	released    bool
}

// Acquire implements §4.13's scoped acquisition: deducts an initial cost
// from the budget on entry. Returns ok=false if the budget cannot cover
// the initial cost.
func (m *Monitor) Acquire(initialCost float64) (*Acquisition, bool) {
	if !m.budget.AllowN(time.Now(), int(initialCost)) {
		return nil, false
	}
	return &Acquisition{monitor: m, initialCost: initialCost}, true
}

// Release deducts (or, if measured usage came in under the initial
// estimate, simply does not deduct further for) the difference between
// measured usage and the initial cost already taken at Acquire time. The
// budget is deliberately never credited back above what Acquire reserved —
// a conservative one-directional accounting matching a token bucket's
// natural refill-only-over-time model.
func (a *Acquisition) Release(measuredUsage float64) {
	if a.released {
		return
	}
	a.released = true
	delta := measuredUsage - a.initialCost
	if delta > 0 {
		a.monitor.budget.ReserveN(time.Now(), int(delta))
	}
}
