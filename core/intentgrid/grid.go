// Package intentgrid implements the intent-weight-bias grid (spec §4.4),
// a dense 2-D adaptive weight map with time-decay and confidence-gated
// updates. Grounded on the teacher's consensus_weights.go dynamic weight
// recalculation (gamma/alpha/beta-style coefficient blending under a lock)
// and on its LRU-bounded history pattern (teacher go.mod carries
// hashicorp/golang-lru for bounded recent-item tracking) for the
// last-100-entries trim in §4.4.
package intentgrid

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/mcp-zero/mcpzero/core/crypto"
)

const historyLimit = 100

// Position is a (row, col) coordinate in the grid.
type Position struct {
	Row, Col int
}

// Adjustment is one entry in the registration history.
type Adjustment struct {
	Position   Position
	Timestamp  time.Time
	Delta      float64
	Confidence float64
	IntentHash string
}

// RegisterResult is returned from Register.
type RegisterResult struct {
	Applied    bool
	Reason     string
	Position   Position
	Adjustment float64
	NewValue   float64
	Confidence float64
	LearningRate float64
}

// Grid is the two-dimensional adaptive weight map.
type Grid struct {
	mu sync.Mutex

	rows, cols int
	baseRate   float64
	decay      float64
	threshold  float64

	weights        [][]float64
	lastAdjustment [][]float64
	confidence     [][]float64
	lastActive     map[Position]time.Time

	history *lru.Cache[int, Adjustment]
	seq     int

	iterations int
	adaptiveLR float64

	log *logrus.Logger
}

// New creates a grid with the given shape and tuning parameters.
func New(rows, cols int, baseRate, decayFactor, confidenceThreshold float64) *Grid {
	weights := make([][]float64, rows)
	lastAdj := make([][]float64, rows)
	conf := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		weights[r] = make([]float64, cols)
		lastAdj[r] = make([]float64, cols)
		conf[r] = make([]float64, cols)
	}
	h, _ := lru.New[int, Adjustment](historyLimit)
	return &Grid{
		rows: rows, cols: cols,
		baseRate: baseRate, decay: decayFactor, threshold: confidenceThreshold,
		weights: weights, lastAdjustment: lastAdj, confidence: conf,
		lastActive: make(map[Position]time.Time),
		history:    h,
		adaptiveLR: baseRate,
		log:        logrus.New(),
	}
}

// computePosition deterministically hashes canonical intent data into a
// grid coordinate (§4.4 Position mapping).
func (g *Grid) computePosition(intentData map[string]any) Position {
	canon := crypto.CanonicalMetadata(intentData)
	h := crypto.HashHex([]byte(canon))
	// first 8 hex chars -> uint32-ish value, same scheme as the original's
	// int(hash[:8], 16) mapping.
	var hv uint64
	for _, c := range h[:8] {
		hv = hv*16 + uint64(hexVal(byte(c)))
	}
	row := int(hv % uint64(g.rows))
	col := int((hv / uint64(g.rows)) % uint64(g.cols))
	return Position{Row: row, Col: col}
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return 0
}

// Register implements §4.4 register_intent.
func (g *Grid) Register(intentData map[string]any, outcome, confidence float64) RegisterResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if confidence < g.threshold {
		return RegisterResult{Applied: false, Reason: "confidence_below_threshold"}
	}

	pos := g.computePosition(intentData)
	now := time.Now().UTC()
	timeFactor := 1.0
	if last, ok := g.lastActive[pos]; ok {
		hours := now.Sub(last).Hours()
		timeFactor = math.Pow(g.decay, hours)
	}
	g.lastActive[pos] = now

	current := g.weights[pos.Row][pos.Col]
	adjustment := g.adaptiveLR * confidence * (outcome - current) * timeFactor
	g.weights[pos.Row][pos.Col] += adjustment
	g.lastAdjustment[pos.Row][pos.Col] = adjustment
	g.confidence[pos.Row][pos.Col] = confidence

	g.seq++
	g.history.Add(g.seq, Adjustment{
		Position:   pos,
		Timestamp:  now,
		Delta:      adjustment,
		Confidence: confidence,
		IntentHash: crypto.HashHex([]byte(crypto.CanonicalMetadata(intentData))),
	})

	g.iterations++
	g.adaptiveLR = g.baseRate / (1 + math.Log(1+0.1*float64(g.iterations)))

	return RegisterResult{
		Applied:      true,
		Position:     pos,
		Adjustment:   adjustment,
		NewValue:     g.weights[pos.Row][pos.Col],
		Confidence:   confidence,
		LearningRate: g.adaptiveLR,
	}
}

// WeightAt returns the current weight, confidence, and last adjustment for
// an intent's mapped position.
func (g *Grid) WeightAt(intentData map[string]any) (weight, confidence, lastAdjustment float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos := g.computePosition(intentData)
	return g.weights[pos.Row][pos.Col], g.confidence[pos.Row][pos.Col], g.lastAdjustment[pos.Row][pos.Col]
}

// AdaptiveLearningRate returns the current adaptive_lr value. TP11 requires
// this never exceed baseRate.
func (g *Grid) AdaptiveLearningRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adaptiveLR
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IntegrateWithConsensus implements §4.4 integrate_with_consensus.
func (g *Grid) IntegrateWithConsensus(proposal, agentID string, rawConfidence float64) float64 {
	data := map[string]any{"proposal": proposal, "agent_id": agentID}
	weight, _, _ := g.WeightAt(data)
	return clip(rawConfidence*(1+weight), 0, 1)
}

// IntegrateWithRetrograde implements §4.4 integrate_with_retrograde.
func (g *Grid) IntegrateWithRetrograde(indices []int, target float64) (adjustedTarget, confidenceAtPosition float64) {
	data := map[string]any{"indices": indices}
	weight, confidence, _ := g.WeightAt(data)
	return clip(target*(1+weight), 0, 1), confidence
}

// ApplyNeighborhoodDiffusion implements the optional §4.4 neighborhood
// diffusion, run on demand rather than after every registration (spec §9
// Open Questions resolution).
func (g *Grid) ApplyNeighborhoodDiffusion(center Position, radius int, diffusionStrength float64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	centerValue := g.weights[center.Row][center.Col]
	centerConfidence := g.confidence[center.Row][center.Col]
	affected := 0

	rowLo, rowHi := maxInt(0, center.Row-radius), minInt(g.rows-1, center.Row+radius)
	colLo, colHi := maxInt(0, center.Col-radius), minInt(g.cols-1, center.Col+radius)

	for r := rowLo; r <= rowHi; r++ {
		for c := colLo; c <= colHi; c++ {
			if r == center.Row && c == center.Col {
				continue
			}
			dist := float64(maxInt(abs(r-center.Row), abs(c-center.Col)))
			strength := diffusionStrength * (1.0 / dist)
			adjustment := strength * centerConfidence * (centerValue - g.weights[r][c])
			g.weights[r][c] += adjustment
			affected++
		}
	}
	return affected
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
