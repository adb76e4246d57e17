// Package state owns the persisted project and instance records and the
// channel mapping that binds chat channels to agent instances.
package state

import "time"

// Agent type tags. Free-form strings are accepted from state files; these
// are the ones dispatch has special handling for.
const (
	AgentClaude   = "claude"
	AgentCodex    = "codex"
	AgentOpencode = "opencode"
	AgentGemini   = "gemini"
)

// Instance is a single agent process attached to one multiplexer window.
type Instance struct {
	ID        string `json:"id"`
	AgentType string `json:"agent_type"`
	Window    string `json:"window"`
	ChannelID string `json:"channel_id,omitempty"` // default channel
	EventHook bool   `json:"event_hook,omitempty"` // true = event-driven, false = capture-driven
	Primary   bool   `json:"primary,omitempty"`    // primary instance for its agent type
}

// Project is a named collection of instances sharing a multiplexer session
// and a filesystem path.
type Project struct {
	Name       string               `json:"name"`
	Path       string               `json:"path"`
	Session    string               `json:"session"`
	Instances  map[string]*Instance `json:"instances"`
	CreatedAt  time.Time            `json:"created_at"`
	LastActive time.Time            `json:"last_active"`
}

// Instance returns the instance with the given id, or nil.
func (p *Project) Instance(id string) *Instance {
	if p == nil {
		return nil
	}
	return p.Instances[id]
}

// Clone returns a deep copy so callers can hold snapshots without racing
// store reloads.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Instances = make(map[string]*Instance, len(p.Instances))
	for id, inst := range p.Instances {
		c := *inst
		cp.Instances[id] = &c
	}
	return &cp
}
