// Package plugin implements the plugin registry (spec §4.14 attach_plugin
// precondition; supplemented by the original's deploy/plugins/
// plugin_manager.py capability and resource-limit declarations, folded in
// per SPEC_FULL.md's C14 scope). Grounded on the teacher's module_plugin.go
// registration contract, generalized from an opcode-handler registrar to a
// descriptor catalog checked at attach time.
package plugin

import (
	"time"

	"github.com/google/uuid"

	"github.com/mcp-zero/mcpzero/internal/errs"
)

// ResourceLimits caps what a plugin may consume once attached to an agent.
type ResourceLimits struct {
	CPU       float64
	MemoryMB  float64
}

// Descriptor is a registered plugin's metadata.
type Descriptor struct {
	PluginID     string
	Name         string
	Version      string
	Hash         string
	Capabilities []string
	Limits       ResourceLimits
	RegisteredAt time.Time
}

// Registry owns registered plugin descriptors.
type Registry struct {
	plugins map[string]*Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{plugins: make(map[string]*Descriptor)}
}

// Register adds a new plugin descriptor.
func (r *Registry) Register(name, version, hash string, capabilities []string, limits ResourceLimits) *Descriptor {
	d := &Descriptor{
		PluginID: uuid.New().String(), Name: name, Version: version, Hash: hash,
		Capabilities: capabilities, Limits: limits, RegisteredAt: time.Now().UTC(),
	}
	r.plugins[d.PluginID] = d
	return d
}

// Get looks a descriptor up by id.
func (r *Registry) Get(pluginID string) (*Descriptor, error) {
	d, ok := r.plugins[pluginID]
	if !ok {
		return nil, errs.New(errs.NotFound, "plugin not registered: "+pluginID)
	}
	return d, nil
}

// List returns every registered descriptor.
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.plugins))
	for _, d := range r.plugins {
		out = append(out, d)
	}
	return out
}

// CheckAgentCeiling verifies a plugin's declared resource limits fit under
// an agent's own ceiling (spec §4.14 spawn caps of cpu<=27%, memory<=827MB),
// checked at attach time per the original's capability/limit model.
func (r *Registry) CheckAgentCeiling(pluginID string, agentCPUCeiling, agentMemoryCeilingMB float64) error {
	d, err := r.Get(pluginID)
	if err != nil {
		return err
	}
	if d.Limits.CPU > agentCPUCeiling || d.Limits.MemoryMB > agentMemoryCeilingMB {
		return errs.New(errs.ResourceLimit, "plugin resource limits exceed agent ceiling: "+pluginID)
	}
	return nil
}

// HasCapability reports whether a registered plugin declares a capability.
func (r *Registry) HasCapability(pluginID, capability string) bool {
	d, err := r.Get(pluginID)
	if err != nil {
		return false
	}
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
