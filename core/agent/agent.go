// Package agent implements the agent lifecycle service (spec §4.14):
// spawn, attach_plugin, execute, snapshot, recover, pause, resume,
// terminate. Every mutating call is authenticated by a signature over a
// canonical, operation-tagged payload (core/crypto) before the service
// touches any state, per §4.14's "receivers MUST verify before mutating
// state." Grounded on the teacher's module_plugin.go registrar pattern
// for the registry-of-identities shape, generalized from opcode handlers
// to a full lifecycle state machine, and on deploy/agents/
// deployment_manager.py for the snapshot/recover plugin-list + reason
// supplement (SPEC_FULL.md C18).
package agent

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcp-zero/mcpzero/core/chainproto"
	"github.com/mcp-zero/mcpzero/core/crypto"
	"github.com/mcp-zero/mcpzero/core/memtrace"
	"github.com/mcp-zero/mcpzero/core/plugin"
	"github.com/mcp-zero/mcpzero/core/resmon"
	"github.com/mcp-zero/mcpzero/internal/errs"
)

var logger = logrus.WithField("component", "agent")

const (
	spawnCPUCeiling      = 0.27
	spawnMemoryCeilingMB = 827.0
	defaultBudgetSize    = 100.0
	defaultRefillPerSec  = 10.0
	defaultExecuteCost   = 1.0
)

// Status is the lifecycle state machine's current state (§4.14).
type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusTerminated Status = "terminated"
	StatusRecovered  Status = "recovered"
)

// Constraints caps what an agent may consume; Spawn clamps these down to
// the hard ceiling regardless of what the caller requests.
type Constraints struct {
	CPUCeiling      float64
	MemoryCeilingMB float64
}

// Agent is a running (or paused/recovered/terminated) identity.
type Agent struct {
	mu sync.Mutex

	AgentID     string
	Name        string
	Constraints Constraints
	PluginIDs   []string
	Status      Status
	PublicKey   ed25519.PublicKey
	RootBlockID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CurrentStatus reads the status under lock.
func (a *Agent) CurrentStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Status
}

// Plugins returns a copy of the attached plugin id list.
func (a *Agent) Plugins() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.PluginIDs...)
}

// Snapshot is a content-addressed handle over an agent's identity and
// plugin attachments (supplemented per deployment_manager.py: it carries
// a reason and the full plugin list, not just a hash).
type Snapshot struct {
	SnapshotID string
	AgentID    string
	Name       string
	PluginIDs  []string
	Reason     string
	CreatedAt  time.Time
	Hash       string
}

// PluginHost is the sandboxed execution boundary execute() consults: a
// denied ethical check surfaces as PolicyViolation without mutating any
// agent state (§4.14, §7).
type PluginHost interface {
	CheckEthical(ctx context.Context, pluginID, intent string, inputs, policy map[string]any) (bool, error)
	Invoke(ctx context.Context, pluginID, intent string, inputs map[string]any) (map[string]any, error)
}

// Service owns every agent's identity, resource monitor, and plugin
// attachments, and wires execute() into the chain protocol (C7) and
// memory trace (C2).
type Service struct {
	mu sync.Mutex

	plugins *plugin.Registry
	chain   *chainproto.Chain
	store   *memtrace.Store
	host    PluginHost

	agents    map[string]*Agent
	monitors  map[string]*resmon.Monitor
	snapshots map[string]*Snapshot
}

// New wires the lifecycle service to its dependent components.
func New(plugins *plugin.Registry, chain *chainproto.Chain, store *memtrace.Store, host PluginHost) *Service {
	return &Service{
		plugins:   plugins,
		chain:     chain,
		store:     store,
		host:      host,
		agents:    make(map[string]*Agent),
		monitors:  make(map[string]*resmon.Monitor),
		snapshots: make(map[string]*Snapshot),
	}
}

func verifyOp(pub ed25519.PublicKey, operation string, payload any, signature string) error {
	ok, err := crypto.Verify(pub, operation, payload, signature)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.Authentication, "signature verification failed for operation "+operation)
	}
	return nil
}

func (s *Service) get(agentID string) (*Agent, error) {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	s.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "agent not found: "+agentID)
	}
	return a, nil
}

// Get returns an agent by id.
func (s *Service) Get(agentID string) (*Agent, error) {
	return s.get(agentID)
}

// ResourcesAvailable reports whether the C17 resource gate currently
// allows a further execute for agentID.
func (s *Service) ResourcesAvailable(agentID string) (bool, error) {
	if _, err := s.get(agentID); err != nil {
		return false, err
	}
	s.mu.Lock()
	monitor := s.monitors[agentID]
	s.mu.Unlock()
	return monitor.CheckAvailableResources(), nil
}

// List returns every known agent.
func (s *Service) List() []*Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

func clampCeiling(requested, ceiling float64) float64 {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

// SpawnRequest is the signed payload for spawn.
type SpawnRequest struct {
	Name        string      `json:"name"`
	Constraints Constraints `json:"constraints"`
}

// Spawn implements §4.14 spawn: allocates an identity under the hard
// per-agent ceiling (cpu<=27%, memory<=827MB) and opens its root chain
// block.
func (s *Service) Spawn(req SpawnRequest, ownerPub ed25519.PublicKey, signature string) (*Agent, error) {
	if err := verifyOp(ownerPub, "spawn", req, signature); err != nil {
		return nil, err
	}

	cpu := clampCeiling(req.Constraints.CPUCeiling, spawnCPUCeiling)
	mem := clampCeiling(req.Constraints.MemoryCeilingMB, spawnMemoryCeilingMB)

	now := time.Now().UTC()
	a := &Agent{
		AgentID:     uuid.New().String(),
		Name:        req.Name,
		Constraints: Constraints{CPUCeiling: cpu, MemoryCeilingMB: mem},
		Status:      StatusActive,
		PublicKey:   ownerPub,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	blockID, err := s.chain.AddTrainingBlock(a.AgentID, "agent root: "+a.Name, map[string]any{"agent_id": a.AgentID})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "open agent root block", err)
	}
	a.RootBlockID = blockID

	monitor := resmon.New(resmon.Limits{
		CPUPercent:   cpu * 100,
		MemoryMB:     mem,
		BudgetSize:   defaultBudgetSize,
		RefillPerSec: defaultRefillPerSec,
	}).WithLabel(a.AgentID)

	s.mu.Lock()
	s.agents[a.AgentID] = a
	s.monitors[a.AgentID] = monitor
	s.mu.Unlock()

	logger.WithField("agent_id", a.AgentID).Info("agent spawned")
	return a, nil
}

// AttachPluginRequest is the signed payload for attach_plugin.
type AttachPluginRequest struct {
	AgentID  string `json:"agent_id"`
	PluginID string `json:"plugin_id"`
}

// AttachPlugin implements §4.14 attach_plugin: the plugin must already be
// registered and fit under the agent's own ceiling; fails if the agent is
// terminated. Idempotent on an already-attached plugin.
func (s *Service) AttachPlugin(req AttachPluginRequest, signature string) error {
	a, err := s.get(req.AgentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := verifyOp(a.PublicKey, "attach_plugin", req, signature); err != nil {
		return err
	}
	if a.Status == StatusTerminated {
		return errs.New(errs.AgreementState, "agent terminated: "+a.AgentID)
	}

	desc, err := s.plugins.Get(req.PluginID)
	if err != nil {
		return err
	}
	if err := s.plugins.CheckAgentCeiling(req.PluginID, a.Constraints.CPUCeiling, a.Constraints.MemoryCeilingMB); err != nil {
		return err
	}

	for _, p := range a.PluginIDs {
		if p == desc.PluginID {
			return nil
		}
	}
	a.PluginIDs = append(a.PluginIDs, desc.PluginID)
	a.UpdatedAt = time.Now().UTC()

	if _, err := s.chain.AddTrainingData(a.AgentID, a.RootBlockID, "plugin attached: "+desc.PluginID, map[string]any{"plugin_id": desc.PluginID}); err != nil {
		logger.WithError(err).Warn("agent: failed to record plugin attachment in chain")
	}
	return nil
}

// ExecuteRequest is the signed payload for execute.
type ExecuteRequest struct {
	AgentID string         `json:"agent_id"`
	Intent  string         `json:"intent"`
	Inputs  map[string]any `json:"inputs"`
	Policy  map[string]any `json:"policy,omitempty"`
}

// ExecuteResult is what execute returns on success.
type ExecuteResult struct {
	Output map[string]any
	CallID string
}

// Execute implements §4.14 execute: fails ResourceLimit when the C17 gate
// denies, PolicyViolation when the plugin host rejects on ethical
// grounds, otherwise records the call into the chain protocol and memory
// trace and returns the result.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest, signature string) (ExecuteResult, error) {
	a, err := s.get(req.AgentID)
	if err != nil {
		return ExecuteResult{}, err
	}

	a.mu.Lock()
	if err := verifyOp(a.PublicKey, "execute", req, signature); err != nil {
		a.mu.Unlock()
		return ExecuteResult{}, err
	}
	if a.Status != StatusActive {
		a.mu.Unlock()
		return ExecuteResult{}, errs.New(errs.AgreementState, "agent not active: "+string(a.Status))
	}
	pluginIDs := append([]string(nil), a.PluginIDs...)
	rootBlockID := a.RootBlockID
	a.mu.Unlock()

	if len(pluginIDs) == 0 {
		return ExecuteResult{}, errs.New(errs.NotFound, "agent has no attached plugin: "+a.AgentID)
	}
	pluginID := pluginIDs[len(pluginIDs)-1]

	s.mu.Lock()
	monitor := s.monitors[a.AgentID]
	s.mu.Unlock()

	acq, ok := monitor.Acquire(defaultExecuteCost)
	if !ok || !monitor.CheckAvailableResources() {
		if ok {
			acq.Release(defaultExecuteCost)
		}
		return ExecuteResult{}, errs.New(errs.ResourceLimit, "resource monitor denied execute for agent "+a.AgentID)
	}
	defer acq.Release(defaultExecuteCost)

	allowed, err := s.host.CheckEthical(ctx, pluginID, req.Intent, req.Inputs, req.Policy)
	if err != nil {
		return ExecuteResult{}, err
	}
	if !allowed {
		if _, recErr := s.store.AddMemory(a.AgentID, "denied: "+req.Intent, memtrace.EthicalEvent,
			map[string]any{"plugin_id": pluginID, "intent": req.Intent}, &rootBlockID); recErr != nil {
			logger.WithError(recErr).Warn("agent: failed to record ethical denial in memory trace")
		}
		return ExecuteResult{}, errs.New(errs.PolicyViolation, "plugin host denied execute on ethical grounds: "+req.Intent)
	}

	output, err := s.host.Invoke(ctx, pluginID, req.Intent, req.Inputs)
	if err != nil {
		return ExecuteResult{}, err
	}

	callID, err := s.chain.AddLLMCall(a.AgentID, rootBlockID,
		crypto.CanonicalMetadata(req.Inputs), crypto.CanonicalMetadata(output),
		map[string]any{"intent": req.Intent})
	if err != nil {
		return ExecuteResult{}, errs.Wrap(errs.Storage, "record execute call", err)
	}
	return ExecuteResult{Output: output, CallID: callID}, nil
}

// Snapshot implements §4.14 snapshot: fails if terminated, otherwise
// produces a content-addressed handle carrying the agent's name, full
// plugin list, and the caller's reason.
func (s *Service) Snapshot(agentID, reason, signature string) (*Snapshot, error) {
	a, err := s.get(agentID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	payload := map[string]any{"agent_id": agentID, "reason": reason}
	if err := verifyOp(a.PublicKey, "snapshot", payload, signature); err != nil {
		return nil, err
	}
	if a.Status == StatusTerminated {
		return nil, errs.New(errs.AgreementState, "cannot snapshot terminated agent: "+agentID)
	}

	plugins := append([]string(nil), a.PluginIDs...)
	snap := &Snapshot{
		SnapshotID: uuid.New().String(),
		AgentID:    a.AgentID,
		Name:       a.Name,
		PluginIDs:  plugins,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	snap.Hash = crypto.HashHex([]byte(snap.AgentID + ":" + snap.Name + ":" +
		crypto.CanonicalMetadata(map[string]any{"plugins": plugins}) + ":" + snap.Reason))

	s.mu.Lock()
	s.snapshots[snap.SnapshotID] = snap
	s.mu.Unlock()

	if _, err := s.chain.AddTrainingData(a.AgentID, a.RootBlockID, "snapshot taken: "+reason, map[string]any{"snapshot_id": snap.SnapshotID}); err != nil {
		logger.WithError(err).Warn("agent: failed to record snapshot in chain")
	}
	return snap, nil
}

// Recover implements §4.14 recover: reconstructs an agent's identity and
// plugin list from a snapshot, with status=recovered.
func (s *Service) Recover(snapshotID string, ownerPub ed25519.PublicKey, signature string) (*Agent, error) {
	s.mu.Lock()
	snap, ok := s.snapshots[snapshotID]
	s.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "snapshot not found: "+snapshotID)
	}

	payload := map[string]any{"snapshot_id": snapshotID}
	if err := verifyOp(ownerPub, "recover", payload, signature); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &Agent{
		AgentID:     uuid.New().String(),
		Name:        snap.Name,
		Constraints: Constraints{CPUCeiling: spawnCPUCeiling, MemoryCeilingMB: spawnMemoryCeilingMB},
		PluginIDs:   append([]string(nil), snap.PluginIDs...),
		Status:      StatusRecovered,
		PublicKey:   ownerPub,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	blockID, err := s.chain.AddTrainingBlock(a.AgentID, "agent recovered from "+snapshotID, map[string]any{"snapshot_id": snapshotID})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "open recovered agent root block", err)
	}
	a.RootBlockID = blockID

	monitor := resmon.New(resmon.Limits{
		CPUPercent:   a.Constraints.CPUCeiling * 100,
		MemoryMB:     a.Constraints.MemoryCeilingMB,
		BudgetSize:   defaultBudgetSize,
		RefillPerSec: defaultRefillPerSec,
	}).WithLabel(a.AgentID)

	s.mu.Lock()
	s.agents[a.AgentID] = a
	s.monitors[a.AgentID] = monitor
	s.mu.Unlock()

	return a, nil
}

// Pause implements §4.14's active -> paused transition.
func (s *Service) Pause(agentID, signature string) error {
	a, err := s.get(agentID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := verifyOp(a.PublicKey, "pause", map[string]any{"agent_id": agentID}, signature); err != nil {
		return err
	}
	if a.Status != StatusActive {
		return errs.New(errs.AgreementState, "agent not active: "+string(a.Status))
	}
	a.Status = StatusPaused
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Resume implements §4.14's paused -> active transition.
func (s *Service) Resume(agentID, signature string) error {
	a, err := s.get(agentID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := verifyOp(a.PublicKey, "resume", map[string]any{"agent_id": agentID}, signature); err != nil {
		return err
	}
	if a.Status != StatusPaused {
		return errs.New(errs.AgreementState, "agent not paused: "+string(a.Status))
	}
	a.Status = StatusActive
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Terminate implements §4.14's irreversible {active,paused,recovered} ->
// terminated transition.
func (s *Service) Terminate(agentID, reason, signature string) error {
	a, err := s.get(agentID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	payload := map[string]any{"agent_id": agentID, "reason": reason}
	if err := verifyOp(a.PublicKey, "terminate", payload, signature); err != nil {
		return err
	}
	if a.Status == StatusTerminated {
		return errs.New(errs.AgreementState, "agent already terminated: "+agentID)
	}
	a.Status = StatusTerminated
	a.UpdatedAt = time.Now().UTC()

	if _, err := s.chain.AddTrainingData(a.AgentID, a.RootBlockID, "agent terminated: "+reason, map[string]any{"reason": reason}); err != nil {
		logger.WithError(err).Warn("agent: failed to record termination in chain")
	}
	return nil
}
