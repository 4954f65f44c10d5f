package resmon

import "testing"

func TestCheckAvailableResourcesFalseWhenCPUAtLimit(t *testing.T) {
	m := New(Limits{CPUPercent: 50, MemoryMB: 1000, BudgetSize: 100, RefillPerSec: 1})
	m.RecordSample(60, 100)
	if m.CheckAvailableResources() {
		t.Fatalf("expected gate to deny when latest CPU exceeds limit")
	}
}

func TestCheckAvailableResourcesTrueWithinLimits(t *testing.T) {
	m := New(Limits{CPUPercent: 50, MemoryMB: 1000, BudgetSize: 100, RefillPerSec: 1})
	m.RecordSample(10, 100)
	if !m.CheckAvailableResources() {
		t.Fatalf("expected gate to allow when within all limits")
	}
}

func TestSustainedBreachTriggersCoolDown(t *testing.T) {
	m := New(Limits{CPUPercent: 50, MemoryMB: 1000, BudgetSize: 100, RefillPerSec: 1})
	for i := 0; i < 3; i++ {
		m.RecordSample(90, 100)
	}
	if m.CheckAvailableResources() {
		t.Fatalf("expected gate to deny during forced cool-down after sustained breach")
	}
	if m.limits.BudgetSize >= 100 {
		t.Fatalf("expected budget to shrink after cool-down, got %f", m.limits.BudgetSize)
	}
}

func TestThrottleDelayZeroBelowProximityThreshold(t *testing.T) {
	m := New(Limits{CPUPercent: 100, MemoryMB: 1000, BudgetSize: 100, RefillPerSec: 1})
	m.RecordSample(10, 100)
	m.RecordSample(20, 100)
	if m.ThrottleDelay() != 0 {
		t.Fatalf("expected zero throttle delay well under the proximity threshold")
	}
}

func TestThrottleDelayPositiveNearLimitAndRising(t *testing.T) {
	m := New(Limits{CPUPercent: 100, MemoryMB: 1000, BudgetSize: 100, RefillPerSec: 1})
	m.RecordSample(75, 100)
	m.RecordSample(85, 100)
	if m.ThrottleDelay() <= 0 {
		t.Fatalf("expected positive throttle delay when CPU is over 70%% of limit and rising")
	}
}

func TestAcquireReleaseDeductsMeasuredOverage(t *testing.T) {
	m := New(Limits{CPUPercent: 50, MemoryMB: 1000, BudgetSize: 10, RefillPerSec: 0})
	acq, ok := m.Acquire(2)
	if !ok {
		t.Fatalf("expected acquisition to succeed with sufficient budget")
	}
	acq.Release(8)
	// a second release must be a no-op, not a double deduction
	acq.Release(8)
}

func TestAcquireFailsWhenBudgetExhausted(t *testing.T) {
	m := New(Limits{CPUPercent: 50, MemoryMB: 1000, BudgetSize: 1, RefillPerSec: 0})
	if _, ok := m.Acquire(5); ok {
		t.Fatalf("expected acquisition to fail when requested cost exceeds available budget")
	}
}
