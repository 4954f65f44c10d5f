// Package rpc implements the agent lifecycle RPC boundary (spec §4.14,
// §6 "Agent lifecycle RPC contract"): in-process method routing over the
// same method->shape table an HTTP transport would expose, without an
// actual transport (go-chi/HTTP routing is an explicit Non-goal). Every
// call honors a caller-supplied timeout, default 10s per §5.
package rpc

import (
	"context"
	"time"

	"github.com/mcp-zero/mcpzero/core/agent"
	"github.com/mcp-zero/mcpzero/core/crypto"
	"github.com/mcp-zero/mcpzero/internal/errs"
)

const defaultTimeout = 10 * time.Second

// Request is one in-process RPC call: a method name, its JSON-shaped
// payload, the caller's signature over that payload, and an optional
// timeout.
type Request struct {
	Method    string
	Payload   map[string]any
	Signature string
	Timeout   time.Duration
}

// Response mirrors the status-coded shape §6 describes without an actual
// transport: Status follows the method->shape table (201/200/403/...),
// Body is the method's JSON-shaped result, Err is non-nil on failure.
type Response struct {
	Status int
	Body   map[string]any
	Err    error
}

// Router dispatches agent lifecycle RPC calls against a Service.
type Router struct {
	agents *agent.Service
}

// New wires a router to an agent lifecycle service.
func New(agents *agent.Service) *Router {
	return &Router{agents: agents}
}

// Dispatch routes req to its handler under a caller-supplied (or default
// 10s) timeout, per §5 "RPC-layer requests honor a caller-supplied
// timeout (default 10s)".
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch req.Method {
	case "spawn":
		return r.spawn(req)
	case "attach_plugin":
		return r.attachPlugin(req)
	case "execute":
		return r.execute(ctx, req)
	case "snapshot":
		return r.snapshot(req)
	case "recover":
		return r.recover(req)
	case "pause":
		return r.pause(req)
	case "resume":
		return r.resume(req)
	case "terminate":
		return r.terminate(req)
	default:
		return errorResponse(errs.New(errs.NotFound, "unknown rpc method: "+req.Method))
	}
}

func errorResponse(err error) Response {
	return Response{Status: statusFor(err), Err: err}
}

// statusFor maps the error taxonomy (§7) onto the RPC contract's
// status-equivalent codes (§6).
func statusFor(err error) int {
	kind, ok := errs.KindOf(err)
	if !ok {
		return 500
	}
	switch kind {
	case errs.PolicyViolation:
		return 403
	case errs.ResourceLimit:
		return 429
	case errs.Authentication:
		return 401
	case errs.Validation:
		return 400
	case errs.NotFound:
		return 404
	case errs.AgreementState, errs.Integrity:
		return 409
	default:
		return 500
	}
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func floatField(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func mapField(payload map[string]any, key string) map[string]any {
	m, _ := payload[key].(map[string]any)
	return m
}

func (r *Router) spawn(req Request) Response {
	ownerPub, err := crypto.ParsePublicKeyB64(stringField(req.Payload, "owner_public_key"))
	if err != nil {
		return errorResponse(err)
	}
	constraints := agent.Constraints{}
	if meta := mapField(req.Payload, "metadata"); meta != nil {
		constraints.CPUCeiling = floatField(meta, "cpu_ceiling")
		constraints.MemoryCeilingMB = floatField(meta, "memory_ceiling_mb")
	}
	spawnReq := agent.SpawnRequest{Name: stringField(req.Payload, "name"), Constraints: constraints}

	a, err := r.agents.Spawn(spawnReq, ownerPub, req.Signature)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Status: 201, Body: map[string]any{"agent_id": a.AgentID}}
}

func (r *Router) attachPlugin(req Request) Response {
	attachReq := agent.AttachPluginRequest{
		AgentID:  stringField(req.Payload, "agent_id"),
		PluginID: stringField(req.Payload, "plugin_id"),
	}
	if err := r.agents.AttachPlugin(attachReq, req.Signature); err != nil {
		return errorResponse(err)
	}
	return Response{Status: 200, Body: map[string]any{"ok": true}}
}

func (r *Router) execute(ctx context.Context, req Request) Response {
	inputs := mapField(req.Payload, "inputs")
	if inputs == nil {
		inputs = map[string]any{}
	}
	executeReq := agent.ExecuteRequest{
		AgentID: stringField(req.Payload, "agent_id"),
		Intent:  stringField(req.Payload, "intent"),
		Inputs:  inputs,
		Policy:  mapField(req.Payload, "policy_constraints"),
	}
	result, err := r.agents.Execute(ctx, executeReq, req.Signature)
	if err != nil {
		resp := errorResponse(err)
		if kind, ok := errs.KindOf(err); ok && kind == errs.PolicyViolation {
			resp.Body = map[string]any{"policy_violation": err.Error()}
		}
		return resp
	}
	return Response{Status: 200, Body: map[string]any{"call_id": result.CallID, "output": result.Output}}
}

func (r *Router) snapshot(req Request) Response {
	reason := stringField(req.Payload, "reason")
	if reason == "" {
		if meta := mapField(req.Payload, "metadata"); meta != nil {
			reason = stringField(meta, "reason")
		}
	}
	snap, err := r.agents.Snapshot(stringField(req.Payload, "agent_id"), reason, req.Signature)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Status: 201, Body: map[string]any{"snapshot_id": snap.SnapshotID}}
}

func (r *Router) recover(req Request) Response {
	ownerPub, err := crypto.ParsePublicKeyB64(stringField(req.Payload, "owner_public_key"))
	if err != nil {
		return errorResponse(err)
	}
	a, err := r.agents.Recover(stringField(req.Payload, "snapshot_id"), ownerPub, req.Signature)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Status: 200, Body: map[string]any{
		"agent_id": a.AgentID,
		"name":     a.Name,
		"plugins":  a.Plugins(),
	}}
}

func (r *Router) pause(req Request) Response {
	if err := r.agents.Pause(stringField(req.Payload, "agent_id"), req.Signature); err != nil {
		return errorResponse(err)
	}
	return Response{Status: 200, Body: map[string]any{"ok": true}}
}

func (r *Router) resume(req Request) Response {
	if err := r.agents.Resume(stringField(req.Payload, "agent_id"), req.Signature); err != nil {
		return errorResponse(err)
	}
	return Response{Status: 200, Body: map[string]any{"ok": true}}
}

func (r *Router) terminate(req Request) Response {
	if err := r.agents.Terminate(stringField(req.Payload, "agent_id"), stringField(req.Payload, "reason"), req.Signature); err != nil {
		return errorResponse(err)
	}
	return Response{Status: 200, Body: map[string]any{"ok": true}}
}
