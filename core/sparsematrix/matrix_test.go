package sparsematrix

import (
	"math"
	"testing"
)

func TestSetRemovesBelowEpsilon(t *testing.T) {
	m := New([]int{4, 4}, Hyperbolic)
	if err := m.Set([]int{1, 1}, 0.5); err != nil {
		t.Fatalf("set: %v", err)
	}
	if m.ElementCount() != 1 {
		t.Fatalf("expected 1 entry, got %d", m.ElementCount())
	}
	if err := m.Set([]int{1, 1}, 1e-12); err != nil {
		t.Fatalf("set: %v", err)
	}
	if m.ElementCount() != 0 {
		t.Fatalf("expected entry removed, got %d", m.ElementCount())
	}
}

func TestSphericalZeroIsRightAngle(t *testing.T) {
	m := New([]int{4}, Spherical)
	_ = m.Set([]int{0}, 0.0)
	_ = m.Set([]int{1}, 2.0)
	neighbors := m.NearestNeighbors([]int{0}, 5)
	if len(neighbors) != 1 {
		t.Fatalf("expected 1 neighbor, got %d", len(neighbors))
	}
	if math.Abs(neighbors[0].Distance-math.Pi/2) > 1e-9 {
		t.Fatalf("expected pi/2 distance, got %f", neighbors[0].Distance)
	}
}

func TestRetrogradeUpdateDiffusesToNeighbors(t *testing.T) {
	m := New([]int{10}, Hyperbolic)
	_ = m.Set([]int{5}, 1.0)
	_ = m.Set([]int{4}, 0.8)
	_ = m.Set([]int{6}, 0.6)

	if err := m.RetrogradeUpdate([]int{5}, 1.0, 0.1, 2); err != nil {
		t.Fatalf("retrograde update: %v", err)
	}
	if m.Get([]int{5}, 0) <= 1.0 {
		t.Fatalf("expected target value to increase, got %f", m.Get([]int{5}, 0))
	}
	if m.Get([]int{4}, 0) == 0.8 && m.Get([]int{6}, 0) == 0.6 {
		t.Fatalf("expected at least one neighbor to be nudged")
	}
}

func TestFootprintWithinLimit(t *testing.T) {
	m := New([]int{100, 100}, Mixed)
	for i := 0; i < 50; i++ {
		_ = m.Set([]int{i, i}, float64(i+1))
	}
	within, warn := m.WithinFootprintLimit()
	if !within {
		t.Fatalf("expected small matrix within footprint limit")
	}
	if warn {
		t.Fatalf("expected no warning for small matrix")
	}
}
