package consensus

import "testing"

// TestThreeVoterConsensusReachesWinner mirrors scenario E2: three voters at
// weights 1.0, 0.5, 1/3, threshold 0.66, difficulty 1.
func TestThreeVoterConsensusReachesWinner(t *testing.T) {
	c := New(0.66, 1)
	c.RegisterVoter("A", 1.0)
	c.RegisterVoter("B", 0.5)
	c.RegisterVoter("C", 1.0/3.0)

	if _, err := c.SubmitVote("A", "X", 0.9, nil); err != nil {
		t.Fatalf("vote A: %v", err)
	}
	if _, err := c.SubmitVote("B", "Y", 0.7, nil); err != nil {
		t.Fatalf("vote B: %v", err)
	}
	if _, err := c.SubmitVote("C", "X", 0.85, nil); err != nil {
		t.Fatalf("vote C: %v", err)
	}

	result := c.FinalizeConsensus()
	if !result.ConsensusReached {
		t.Fatalf("expected consensus to be reached, got %+v", result)
	}
	if result.ConsensusResult != "X" {
		t.Fatalf("expected winner X, got %s", result.ConsensusResult)
	}
	if result.SupportPercentage == nil || *result.SupportPercentage < 0.66 {
		t.Fatalf("expected support percentage >= 0.66, got %+v", result.SupportPercentage)
	}
}

// TestResubmissionPreservesPosition covers TP7: an agent resubmitting a vote
// keeps its original factorial position rather than being pushed to the
// back of the queue.
func TestResubmissionPreservesPosition(t *testing.T) {
	c := New(0.5, 0)
	c.RegisterVoter("A", 1.0)
	c.RegisterVoter("B", 1.0)

	first, err := c.SubmitVote("A", "X", 0.9, nil)
	if err != nil {
		t.Fatalf("vote A: %v", err)
	}
	if _, err := c.SubmitVote("B", "Y", 0.9, nil); err != nil {
		t.Fatalf("vote B: %v", err)
	}
	resubmitted, err := c.SubmitVote("A", "Z", 0.9, nil)
	if err != nil {
		t.Fatalf("resubmit A: %v", err)
	}
	if resubmitted.Position != first.Position {
		t.Fatalf("expected resubmission to keep position %d, got %d", first.Position, resubmitted.Position)
	}
}

// TestFactorialWeightDecreasesWithPosition covers TP6: later voter
// positions receive strictly smaller factorial weight for equal base
// weight and confidence.
func TestFactorialWeightDecreasesWithPosition(t *testing.T) {
	c := New(0.5, 0)
	c.RegisterVoter("A", 1.0)
	c.RegisterVoter("B", 1.0)
	c.RegisterVoter("C", 1.0)

	va, _ := c.SubmitVote("A", "X", 1.0, nil)
	vb, _ := c.SubmitVote("B", "X", 1.0, nil)
	vc, _ := c.SubmitVote("C", "X", 1.0, nil)

	if !(va.FactorialWeight > vb.FactorialWeight && vb.FactorialWeight > vc.FactorialWeight) {
		t.Fatalf("expected strictly decreasing factorial weight by position, got %f %f %f",
			va.FactorialWeight, vb.FactorialWeight, vc.FactorialWeight)
	}
}

// TestSingleVoterPerAgent covers TP7: an agent can never have more than
// one live vote counted in the breakdown.
func TestSingleVoterPerAgent(t *testing.T) {
	c := New(0.5, 0)
	c.RegisterVoter("A", 1.0)

	if _, err := c.SubmitVote("A", "X", 0.9, nil); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	if _, err := c.SubmitVote("A", "X", 0.9, nil); err != nil {
		t.Fatalf("vote 2: %v", err)
	}

	result := c.FinalizeConsensus()
	if result.VoteCount != 1 {
		t.Fatalf("expected exactly one vote counted for a single agent, got %d", result.VoteCount)
	}
}
