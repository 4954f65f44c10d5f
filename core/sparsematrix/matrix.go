// Package sparsematrix implements the sparse non-Euclidean matrix (spec
// §3 Sparse matrix, §4.2). It is grounded on the teacher's sparse keyed
// resource accounting in core/resource_allocation_management.go (a map
// keyed by owner rather than by coordinate tuple) and its CurrentStore
// key-encoding idiom (core/cross_chain.go) for turning a compound key into
// a map key.
package sparsematrix

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-zero/mcpzero/core/crypto"
	"github.com/mcp-zero/mcpzero/internal/errs"
)

// Geometry selects the non-Euclidean distance regime (§4.2).
type Geometry string

const (
	Hyperbolic Geometry = "hyperbolic"
	Spherical  Geometry = "spherical"
	Mixed      Geometry = "mixed"
)

const epsilon = 1e-10

// footprintWarnThreshold and footprintLimitBytes implement §4.2's resource
// contract: a hard ceiling of 827 MB with an 80% early warning.
const (
	footprintLimitBytes     = 827 * 1024 * 1024
	footprintWarnThreshold  = 0.80
	bytesPerEntryEstimate   = 96 // index tuple + float64 + map overhead, approximated
)

// Matrix is a sparse, fixed-dimension, non-Euclidean-distance map of
// coordinate tuples to scalars.
type Matrix struct {
	mu sync.RWMutex

	id          string
	dimensions  []int
	geometry    Geometry
	createdAt   time.Time
	lastUpdated time.Time

	data map[string][]int // encoded key -> indices, used to recover tuples
	vals map[string]float64

	hash string
}

// New creates an empty matrix with fixed arity and a selected geometry.
func New(dimensions []int, geometry Geometry) *Matrix {
	m := &Matrix{
		id:          uuid.New().String(),
		dimensions:  append([]int(nil), dimensions...),
		geometry:    geometry,
		createdAt:   time.Now().UTC(),
		data:        make(map[string][]int),
		vals:        make(map[string]float64),
	}
	m.lastUpdated = m.createdAt
	m.recomputeHashLocked()
	return m
}

func encodeKey(indices []int) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

func (m *Matrix) checkIndices(indices []int) error {
	if len(indices) != len(m.dimensions) {
		return errs.New(errs.Validation, fmt.Sprintf("indices arity %d does not match dimensions %d", len(indices), len(m.dimensions)))
	}
	for i, v := range indices {
		if v < 0 || v >= m.dimensions[i] {
			return errs.New(errs.Validation, fmt.Sprintf("index %d out of bounds for dimension %d", v, i))
		}
	}
	return nil
}

// Set stores a value, removing the entry instead if its magnitude falls
// below epsilon (§3 invariant).
func (m *Matrix) Set(indices []int, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndices(indices); err != nil {
		return err
	}
	key := encodeKey(indices)
	if math.Abs(value) < epsilon {
		delete(m.data, key)
		delete(m.vals, key)
	} else {
		m.data[key] = append([]int(nil), indices...)
		m.vals[key] = value
	}
	m.lastUpdated = time.Now().UTC()
	m.recomputeHashLocked()
	return nil
}

// Get returns the stored value, or def if absent.
func (m *Matrix) Get(indices []int, def float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := encodeKey(indices)
	if v, ok := m.vals[key]; ok {
		return v
	}
	return def
}

// ElementCount returns the number of stored (non-zero) entries.
func (m *Matrix) ElementCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vals)
}

// LastUpdated returns the timestamp of the most recent write.
func (m *Matrix) LastUpdated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdated
}

// Hash returns the current content hash, committing to dimensions,
// geometry, element count, and a sample of entries (§3 invariant).
func (m *Matrix) Hash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hash
}

func (m *Matrix) recomputeHashLocked() {
	keys := make([]string, 0, len(m.vals))
	for k := range m.vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 10 {
		keys = keys[:10]
	}
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v;", k, m.vals[k])
	}
	payload := fmt.Sprintf("%s|%v|%s|%d|%s", m.id, m.dimensions, m.geometry, len(m.vals), sb.String())
	m.hash = crypto.HashHex([]byte(payload))
}

func distance(geometry Geometry, v1, v2 float64) float64 {
	switch geometry {
	case Hyperbolic:
		return math.Abs(math.Asinh(v1) - math.Asinh(v2))
	case Spherical:
		if v1 == 0 || v2 == 0 {
			return math.Pi / 2
		}
		cos := (v1 * v2) / (math.Abs(v1) * math.Abs(v2))
		if cos > 1 {
			cos = 1
		}
		if cos < -1 {
			cos = -1
		}
		return math.Acos(cos)
	case Mixed:
		return (distance(Hyperbolic, v1, v2) + distance(Spherical, v1, v2)) / 2
	default:
		return distance(Hyperbolic, v1, v2)
	}
}

// Neighbor is a nearest-neighbors result entry.
type Neighbor struct {
	Indices  []int
	Value    float64
	Distance float64
}

// NearestNeighbors returns up to k stored entries closest to indices,
// ordered by ascending distance under the matrix's geometry. The target
// position itself is excluded even if it holds a stored value.
func (m *Matrix) NearestNeighbors(indices []int, k int) []Neighbor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target := m.vals[encodeKey(indices)]
	targetKey := encodeKey(indices)

	out := make([]Neighbor, 0, len(m.vals))
	for key, idx := range m.data {
		if key == targetKey {
			continue
		}
		out = append(out, Neighbor{
			Indices:  idx,
			Value:    m.vals[key],
			Distance: distance(m.geometry, target, m.vals[key]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return encodeKey(out[i].Indices) < encodeKey(out[j].Indices)
	})
	if k < len(out) {
		out = out[:k]
	}
	return out
}

// RetrogradeUpdate applies the target delta and a decaying share to the k
// nearest distinct neighbors (§4.2).
func (m *Matrix) RetrogradeUpdate(indices []int, delta, lr float64, k int) error {
	if k <= 0 {
		k = 3
	}
	neighbors := m.NearestNeighbors(indices, k)

	m.mu.Lock()
	if err := m.checkIndices(indices); err != nil {
		m.mu.Unlock()
		return err
	}
	key := encodeKey(indices)
	cur := m.vals[key]
	newVal := cur + lr*delta
	if math.Abs(newVal) < epsilon {
		delete(m.data, key)
		delete(m.vals, key)
	} else {
		m.data[key] = append([]int(nil), indices...)
		m.vals[key] = newVal
	}
	m.lastUpdated = time.Now().UTC()
	m.recomputeHashLocked()
	m.mu.Unlock()

	for i, n := range neighbors {
		share := delta * lr * math.Pow(0.7, float64(i+1)) / (1 + n.Distance)
		if err := m.Set(n.Indices, m.Get(n.Indices, 0)+share); err != nil {
			return err
		}
	}
	return nil
}

// EstimatedFootprintBytes approximates in-memory cost so callers can
// enforce the 827 MB ceiling (§4.2 resource contract).
func (m *Matrix) EstimatedFootprintBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perEntry := bytesPerEntryEstimate + len(m.dimensions)*8
	return int64(len(m.vals) * perEntry)
}

// WithinFootprintLimit reports whether the matrix is under the 827 MB
// ceiling, and whether it has crossed the 80% warning line.
func (m *Matrix) WithinFootprintLimit() (withinLimit, shouldWarn bool) {
	footprint := m.EstimatedFootprintBytes()
	withinLimit = footprint < footprintLimitBytes
	shouldWarn = float64(footprint) >= footprintWarnThreshold*footprintLimitBytes
	return
}

// Dimensions returns a copy of the matrix's fixed arity.
func (m *Matrix) Dimensions() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.dimensions...)
}

// Type returns the matrix's distance regime.
func (m *Matrix) Type() Geometry {
	return m.geometry
}
