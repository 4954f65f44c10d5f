package intentgrid

import "testing"

func TestRegisterRejectsLowConfidence(t *testing.T) {
	g := New(10, 10, 0.1, 0.98, 0.7)
	before := g.weights[0][0]
	res := g.Register(map[string]any{"k": "v"}, 0.9, 0.5)
	if res.Applied {
		t.Fatalf("expected rejection below confidence threshold")
	}
	if res.Reason != "confidence_below_threshold" {
		t.Fatalf("unexpected reason: %s", res.Reason)
	}
	after := g.weights[0][0]
	if before != after {
		t.Fatalf("expected weights grid unchanged on rejection")
	}
}

func TestAdaptiveLearningRateNeverExceedsBase(t *testing.T) {
	g := New(5, 5, 0.2, 0.98, 0.1)
	if g.AdaptiveLearningRate() > 0.2 {
		t.Fatalf("initial adaptive lr should not exceed base rate")
	}
	for i := 0; i < 50; i++ {
		g.Register(map[string]any{"i": i}, 0.8, 0.9)
		if g.AdaptiveLearningRate() > 0.2 {
			t.Fatalf("adaptive lr exceeded base rate at iteration %d", i)
		}
	}
}

func TestIntegrateWithConsensusClips(t *testing.T) {
	g := New(5, 5, 0.5, 0.98, 0.1)
	// force a large positive weight by repeated registration
	data := map[string]any{"proposal": "X", "agent_id": "A"}
	for i := 0; i < 20; i++ {
		g.Register(data, 1.0, 0.99)
	}
	adjusted := g.IntegrateWithConsensus("X", "A", 0.9)
	if adjusted < 0 || adjusted > 1 {
		t.Fatalf("expected clipped confidence in [0,1], got %f", adjusted)
	}
}
