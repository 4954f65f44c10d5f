// Package retrograde implements the retrograde learner (spec §4.3), a thin
// multi-hop propagation policy layered on a sparsematrix.Matrix.
package retrograde

import (
	"github.com/mcp-zero/mcpzero/core/sparsematrix"
)

// Learner owns one sparse matrix and a learning rate.
type Learner struct {
	matrix *sparsematrix.Matrix
	lr     float64
}

// New wraps an existing matrix with a base learning rate.
func New(matrix *sparsematrix.Matrix, learningRate float64) *Learner {
	return &Learner{matrix: matrix, lr: learningRate}
}

// Matrix exposes the underlying sparse matrix for direct reads.
func (l *Learner) Matrix() *sparsematrix.Matrix { return l.matrix }

// Backpropagate implements §4.3: compute the error at indices, apply a
// direct retrograde update there, then fan the error out depth layers,
// halving its contribution (and the effective rate) at each layer and
// skipping the original target at every layer.
func (l *Learner) Backpropagate(indices []int, target float64, depth int) error {
	current := l.matrix.Get(indices, 0)
	errVal := target - current

	if err := l.matrix.RetrogradeUpdate(indices, errVal, l.lr, 3); err != nil {
		return err
	}

	targetKey := encodeKey(indices)
	frontier := [][]int{indices}
	for d := 1; d <= depth; d++ {
		scale := pow(0.5, d)
		var next [][]int
		seen := map[string]bool{targetKey: true}
		for _, from := range frontier {
			for _, n := range l.matrix.NearestNeighbors(from, 3) {
				key := encodeKey(n.Indices)
				if seen[key] {
					continue
				}
				seen[key] = true
				if err := l.matrix.RetrogradeUpdate(n.Indices, errVal*l.lr*scale, l.lr*scale, 3); err != nil {
					return err
				}
				next = append(next, n.Indices)
			}
		}
		frontier = next
	}
	return nil
}

// Recall returns the current value at indices, its k nearest neighbors,
// and a recall confidence inversely proportional to the total neighbor
// distance.
type RecallResult struct {
	Value            float64
	Neighbors        []sparsematrix.Neighbor
	RecallConfidence float64
}

func (l *Learner) Recall(indices []int, k int) RecallResult {
	value := l.matrix.Get(indices, 0)
	neighbors := l.matrix.NearestNeighbors(indices, k)
	total := 0.0
	for _, n := range neighbors {
		total += n.Distance
	}
	return RecallResult{
		Value:            value,
		Neighbors:        neighbors,
		RecallConfidence: 1.0 / (1.0 + total),
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func encodeKey(indices []int) string {
	// mirrors sparsematrix's internal key encoding closely enough to
	// de-duplicate neighbor visits across BFS layers; exact collisions with
	// the matrix's own key space are harmless since this set is local to one
	// Backpropagate call.
	out := make([]byte, 0, len(indices)*4)
	for _, v := range indices {
		out = append(out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return string(out)
}
