// Package consensus implements the factorial-weighted heap consensus (spec
// §4.5). Grounded on the teacher's consensus.go sub-block/main-block
// weighting (difficulty retarget, hash-prefix mining) and
// consensus_weights.go's mutex-guarded recompute-on-write pattern.
package consensus

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mcp-zero/mcpzero/core/crypto"
	"github.com/mcp-zero/mcpzero/internal/errs"
)

// Vote is one agent's accepted vote (spec §3 Consensus state, §6 Vote
// envelope).
type Vote struct {
	AgentID        string
	Proposal       string
	Confidence     float64
	BaseWeight     float64
	FactorialWeight float64
	Position       int
	VoteHash       string
	Nonce          uint64
	Timestamp      time.Time
	Metadata       map[string]any
}

// Status is the current consensus snapshot returned by recomputation.
type Status struct {
	ConsensusReached    bool
	Winner              string
	Ratio               float64
	SupportingAgents     []string
	ReachedAt           time.Time
}

// voteHeapItem backs the max-heap: voteHeap.Less compares weights with >,
// so container/heap keeps the heaviest vote at the root without negating
// weights.
type voteHeapItem struct {
	weight  float64
	agentID string
}

type voteHeap []voteHeapItem

func (h voteHeap) Len() int            { return len(h) }
func (h voteHeap) Less(i, j int) bool  { return h[i].weight > h[j].weight } // max-heap
func (h voteHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *voteHeap) Push(x any)         { *h = append(*h, x.(voteHeapItem)) }
func (h *voteHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Consensus holds registered voters, accepted votes, and tuning parameters.
type Consensus struct {
	mu sync.Mutex

	threshold  float64
	difficulty int

	voterWeights map[string]float64
	votes        map[string]*Vote // agent_id -> vote (at most one per agent, TP7)
	order        []string         // agent_id insertion order, for tie-breaking
	heap         voteHeap

	status Status
	log    *logrus.Logger
}

// New creates a consensus instance.
func New(threshold float64, difficulty int) *Consensus {
	return &Consensus{
		threshold:    threshold,
		difficulty:   difficulty,
		voterWeights: make(map[string]float64),
		votes:        make(map[string]*Vote),
		log:          logrus.New(),
	}
}

// RegisterVoter upserts a voter's base weight.
func (c *Consensus) RegisterVoter(agentID string, weight float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voterWeights[agentID] = weight
}

func factorialWeight(base float64, position int) float64 {
	if position <= 1 {
		return base
	}
	f := 1.0
	for i := 2; i <= position; i++ {
		f *= float64(i)
	}
	return base / f
}

func voteHash(agentID, proposal string, nonce uint64, ts time.Time) string {
	payload := fmt.Sprintf("%s:%s:%d:%d", agentID, proposal, nonce, ts.UnixNano())
	return crypto.HashHex([]byte(payload))
}

func meetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	return strings.HasPrefix(hash, strings.Repeat("0", difficulty))
}

// SubmitVote implements §4.5 submit_vote: auto-registers unknown voters,
// mines a nonce bounded by an adaptive timeout, and upserts the vote,
// preserving original position on resubmission (TP7).
func (c *Consensus) SubmitVote(agentID, proposal string, confidence float64, metadata map[string]any) (*Vote, error) {
	c.mu.Lock()
	if _, ok := c.voterWeights[agentID]; !ok {
		c.voterWeights[agentID] = 1.0
	}
	baseWeight := c.voterWeights[agentID]
	position := len(c.votes) + 1
	if existing, ok := c.votes[agentID]; ok {
		position = existing.Position
	}
	difficulty := c.difficulty
	c.mu.Unlock()

	timeout := time.Duration(math.Min(2.0, 0.1*float64(difficulty)) * float64(time.Second))
	deadline := time.Now().Add(timeout)
	var nonce uint64
	var hash string
	ts := time.Now().UTC()
	for {
		hash = voteHash(agentID, proposal, nonce, ts)
		if meetsDifficulty(hash, difficulty) {
			break
		}
		nonce++
		if time.Now().After(deadline) {
			return nil, errs.New(errs.ResourceLimit, "vote mining failed to meet difficulty requirement within timeout")
		}
	}

	initialWeight := baseWeight * confidence
	fw := factorialWeight(initialWeight, position)

	vote := &Vote{
		AgentID: agentID, Proposal: proposal, Confidence: confidence,
		BaseWeight: baseWeight, FactorialWeight: fw, Position: position,
		VoteHash: hash, Nonce: nonce, Timestamp: ts, Metadata: metadata,
	}

	c.mu.Lock()
	if _, existed := c.votes[agentID]; !existed {
		c.order = append(c.order, agentID)
	}
	c.votes[agentID] = vote
	c.rebuildHeapLocked()
	c.recomputeLocked()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"agent_id": agentID, "proposal": proposal, "weight": fw}).Info("consensus: vote accepted")
	return vote, nil
}

func (c *Consensus) rebuildHeapLocked() {
	c.heap = make(voteHeap, 0, len(c.votes))
	for agentID, v := range c.votes {
		c.heap = append(c.heap, voteHeapItem{weight: v.FactorialWeight, agentID: agentID})
	}
	heap.Init(&c.heap)
}

// recomputeLocked implements the §4.5 consensus recomputation and its
// determinism rule: ties break on the earliest first-seen vote timestamp
// for that proposal, then lexicographically on the proposal string.
func (c *Consensus) recomputeLocked() {
	if len(c.votes) == 0 {
		c.status = Status{}
		return
	}

	type agg struct {
		weight    float64
		firstSeen time.Time
		agents    []string
	}
	byProposal := make(map[string]*agg)
	total := 0.0
	for _, agentID := range c.order {
		v := c.votes[agentID]
		a, ok := byProposal[v.Proposal]
		if !ok {
			a = &agg{firstSeen: v.Timestamp}
			byProposal[v.Proposal] = a
		} else if v.Timestamp.Before(a.firstSeen) {
			a.firstSeen = v.Timestamp
		}
		a.weight += v.FactorialWeight
		a.agents = append(a.agents, agentID)
		total += v.FactorialWeight
	}

	proposals := make([]string, 0, len(byProposal))
	for p := range byProposal {
		proposals = append(proposals, p)
	}
	sort.Slice(proposals, func(i, j int) bool {
		pi, pj := byProposal[proposals[i]], byProposal[proposals[j]]
		if pi.weight != pj.weight {
			return pi.weight > pj.weight
		}
		if !pi.firstSeen.Equal(pj.firstSeen) {
			return pi.firstSeen.Before(pj.firstSeen)
		}
		return proposals[i] < proposals[j]
	})

	winner := proposals[0]
	winnerAgg := byProposal[winner]
	ratio := 0.0
	if total > 0 {
		ratio = winnerAgg.weight / total
	}

	reached := ratio >= c.threshold
	status := Status{ConsensusReached: reached, Winner: winner, Ratio: ratio, SupportingAgents: winnerAgg.agents}
	if reached {
		status.ReachedAt = time.Now().UTC()
	}
	c.status = status
}

// Status returns the current consensus snapshot.
func (c *Consensus) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// FinalizeResult is returned by FinalizeConsensus.
type FinalizeResult struct {
	ConsensusReached   bool
	ConsensusResult    string
	VoteCount          int
	ProposalsBreakdown map[string]float64
	SupportPercentage  *float64
}

// FinalizeConsensus triggers one last recomputation and returns a summary.
// Idempotent: calling it repeatedly with no new votes returns the same
// result.
func (c *Consensus) FinalizeConsensus() FinalizeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recomputeLocked()

	breakdown := make(map[string]float64)
	for _, v := range c.votes {
		breakdown[v.Proposal] += v.FactorialWeight
	}

	result := FinalizeResult{
		ConsensusReached:    c.status.ConsensusReached,
		ConsensusResult:     c.status.Winner,
		VoteCount:           len(c.votes),
		ProposalsBreakdown:  breakdown,
	}
	if c.status.ConsensusReached {
		ratio := c.status.Ratio
		result.SupportPercentage = &ratio
	}
	return result
}
