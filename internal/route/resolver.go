package route

import (
	"github.com/nextlevelbuilder/agentbridge/internal/chat"
	"github.com/nextlevelbuilder/agentbridge/internal/state"
)

// Context carries the conversational context of an inbound message.
type Context struct {
	ReplyToMessageID string
	ConversationKey  string
	ThreadID         string
	RouteChannelID   string
}

// Query is the resolver input.
type Query struct {
	AgentType        string
	ProjectName      string
	ChannelID        string
	MessageID        string
	MappedInstanceID string
	Context          Context
}

// Result is the resolved instance plus the provenance hint shown to the
// user as a reaction (reply, thread, memory, or empty).
type Result struct {
	Project  *state.Project
	Instance *state.Instance
	Hint     string
}

// Resolver performs the deterministic instance lookup shared by the
// message router, capture poller, and hook server.
type Resolver struct {
	store  state.Store
	memory *Memory
}

// NewResolver creates a resolver over the given store and route memory.
func NewResolver(store state.Store, memory *Memory) *Resolver {
	return &Resolver{store: store, memory: memory}
}

// Memory returns the resolver's route memory.
func (r *Resolver) Memory() *Memory { return r.memory }

// Resolve applies the five-way precedence:
//
//  1. explicit mapped instance id on the project
//  2. route memory by reply-to message id
//  3. route memory by conversation key
//  4. project channel mapping by route channel id
//  5. primary instance for the agent type
//
// The first non-empty source wins. Returns false when nothing resolves.
func (r *Resolver) Resolve(q Query) (Result, bool) {
	project, hasProject := r.store.Project(q.ProjectName)

	// (1) explicit instance mapping
	if hasProject && q.MappedInstanceID != "" {
		if inst := project.Instance(q.MappedInstanceID); inst != nil {
			return Result{Project: project, Instance: inst}, true
		}
	}

	// (2) reply memory
	if route, ok := r.memory.ByMessage(q.Context.ReplyToMessageID); ok {
		if res, found := r.fromRoute(route); found {
			res.Hint = chat.HintReply
			return res, true
		}
	}

	// (3) conversation memory. The hint distinguishes thread follow-ups
	// from plain conversation memory so provenance stays visible.
	if route, ok := r.memory.ByConversation(q.Context.ConversationKey); ok {
		if res, found := r.fromRoute(route); found {
			if q.Context.ThreadID != "" {
				res.Hint = chat.HintThread
			} else {
				res.Hint = chat.HintMemory
			}
			return res, true
		}
	}

	// (4) channel mapping on the project
	if hasProject && q.Context.RouteChannelID != "" {
		for _, inst := range project.Instances {
			if inst.ChannelID == q.Context.RouteChannelID {
				return Result{Project: project, Instance: inst}, true
			}
		}
	}

	// (5) primary instance for the agent type
	if hasProject {
		if inst, ok := r.store.PrimaryInstance(q.ProjectName, q.AgentType); ok {
			return Result{Project: project, Instance: inst}, true
		}
	}

	return Result{}, false
}

// fromRoute revalidates a remembered route against current state; stale
// routes (instance removed) are skipped so the next precedence level runs.
func (r *Resolver) fromRoute(route Route) (Result, bool) {
	project, ok := r.store.Project(route.ProjectName)
	if !ok {
		return Result{}, false
	}
	inst := project.Instance(route.InstanceID)
	if inst == nil {
		return Result{}, false
	}
	return Result{Project: project, Instance: inst}, true
}
