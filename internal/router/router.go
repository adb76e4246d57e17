// Package router receives inbound chat messages, resolves the owning
// agent instance, parses the command vocabulary, and dispatches prompts
// into the instance's pane.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/pending"
	"github.com/nextlevelbuilder/agentbridge/internal/route"
	"github.com/nextlevelbuilder/agentbridge/internal/state"
	"github.com/nextlevelbuilder/agentbridge/internal/tmux"
)

// Launcher starts an external maintenance command (doctor, update,
// daemon-restart) without waiting for it.
type Launcher func(name string, args ...string)

// Router is the inbound message pipeline.
type Router struct {
	mux      tmux.Multiplexer
	store    state.Store
	tracker  *pending.Tracker
	resolver *route.Resolver
	client   chat.Client
	opts     config.Options
	launch   Launcher

	// sleep is swapped in tests to avoid real submit delays.
	sleep func(time.Duration)
}

// NewRouter wires the message router.
func NewRouter(mux tmux.Multiplexer, store state.Store, tracker *pending.Tracker, resolver *route.Resolver, client chat.Client, opts config.Options, launch Launcher) *Router {
	if launch == nil {
		launch = func(string, ...string) {}
	}
	return &Router{
		mux:      mux,
		store:    store,
		tracker:  tracker,
		resolver: resolver,
		client:   client,
		opts:     opts,
		launch:   launch,
		sleep:    time.Sleep,
	}
}

// HandleMessage processes one inbound chat message end to end.
func (r *Router) HandleMessage(ctx context.Context, msg chat.InboundMessage) {
	res, ok := r.resolve(msg)
	if !ok {
		r.advise(ctx, msg.ChannelID,
			"No agent instance is bound to this channel. Attach one first, or reply to an earlier agent message.")
		return
	}

	project, inst := res.Project, res.Instance
	key := pending.NewKey(project.Name, inst.AgentType, inst.ID)

	if handled := r.handleCommand(ctx, msg, key, project, inst); handled {
		return
	}

	r.dispatchPrompt(ctx, msg, key, project, inst, res.Hint, msg.Text)
}

// resolve builds the resolver query from the inbound message. A direct
// channel binding supplies the mapped instance id; otherwise route memory
// carries the lookup.
func (r *Router) resolve(msg chat.InboundMessage) (route.Result, bool) {
	q := route.Query{
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
		Context: route.Context{
			ReplyToMessageID: msg.ReplyToMessageID,
			ConversationKey:  msg.ConversationKey(),
			ThreadID:         msg.ThreadID,
			RouteChannelID:   msg.ChannelID,
		},
	}
	if project, inst, ok := r.store.InstanceForChannel(msg.ChannelID); ok {
		q.ProjectName = project.Name
		q.AgentType = inst.AgentType
		q.MappedInstanceID = inst.ID
	}
	return r.resolver.Resolve(q)
}

// dispatchPrompt runs the full prompt path: pending bookkeeping, codex
// transforms, pane dispatch, and route memory updates.
func (r *Router) dispatchPrompt(ctx context.Context, msg chat.InboundMessage, key pending.Key, project *state.Project, inst *state.Instance, hint, prompt string) {
	// Route memory keeps the prompt as handed in, before attachment and
	// codex rewrites, so /retry always replays what the user asked for.
	original := prompt
	r.tracker.MarkPending(key, msg.ChannelID, msg.MessageID, prompt)
	r.tracker.MarkRouteResolved(key, hint)
	if len(msg.Attachments) > 0 {
		r.tracker.MarkHasAttachments(key)
		for _, url := range msg.Attachments {
			prompt += "\n[attachment] " + url
		}
	}

	if inst.AgentType == state.AgentCodex {
		prompt = TransformCodexPrompt(prompt, project.Path)
	}

	r.tracker.MarkDispatching(key)

	err := r.dispatch(ctx, project, inst, key, msg, prompt)
	if err != nil {
		r.dispatchFailed(ctx, msg, key, project, inst, err)
		return
	}

	mem := r.resolver.Memory()
	rt := route.Route{ProjectName: project.Name, InstanceID: inst.ID, AgentType: inst.AgentType}
	mem.RememberMessage(msg.MessageID, rt)
	mem.RememberConversation(msg.ConversationKey(), rt)
	mem.RememberPrompt(project.Name, inst.ID, original)
	r.store.TouchProject(project.Name)
}

func (r *Router) dispatchFailed(ctx context.Context, msg chat.InboundMessage, key pending.Key, project *state.Project, inst *state.Instance, err error) {
	r.tracker.MarkErrorByMessageID(key, msg.MessageID)
	if tmux.IsPaneMissing(err) {
		slog.Warn("agent pane missing",
			"project", project.Name, "instance", inst.ID, "window", inst.Window, "error", err)
		r.advise(ctx, msg.ChannelID, fmt.Sprintf(
			"The agent pane for `%s/%s` is gone. Restart it with `agentbridge attach %s %s`, then resend your message.",
			project.Name, inst.ID, project.Name, inst.ID))
		return
	}
	slog.Error("dispatch failed",
		"project", project.Name, "instance", inst.ID, "error", err)
	r.advise(ctx, msg.ChannelID, "Failed to deliver your message to the agent pane. Check the daemon logs and try again.")
}

// dispatch types the prompt into the pane using the agent's submit
// convention.
func (r *Router) dispatch(ctx context.Context, project *state.Project, inst *state.Instance, key pending.Key, msg chat.InboundMessage, prompt string) error {
	session, window := project.Session, inst.Window

	switch inst.AgentType {
	case state.AgentOpencode:
		if err := r.mux.TypeKeys(ctx, session, window, prompt); err != nil {
			return err
		}
		r.sleep(r.opts.OpencodeSubmitDelay)
		return r.mux.SendKey(ctx, session, window, tmux.KeyEnter, 1)

	case state.AgentCodex:
		return r.dispatchCodex(ctx, session, window, key, msg, prompt)

	default:
		return r.mux.SendText(ctx, session, window, prompt)
	}
}

// dispatchCodex handles codex's quirks: a pane sitting at a shell means
// codex exited and must be relaunched; very long prompts sometimes need a
// second Enter before codex submits.
func (r *Router) dispatchCodex(ctx context.Context, session, window string, key pending.Key, msg chat.InboundMessage, prompt string) error {
	cmd, err := r.mux.PaneCommand(ctx, session, window)
	if err != nil {
		return err
	}
	if tmux.IsShell(cmd) {
		if err := r.mux.TypeKeys(ctx, session, window, "codex"); err != nil {
			return err
		}
		if err := r.mux.SendKey(ctx, session, window, tmux.KeyEnter, 1); err != nil {
			return err
		}
		r.tracker.MarkRetry(key, pending.Tail)
		r.advise(ctx, msg.ChannelID,
			"The codex pane was sitting at a shell, so I relaunched `codex`. Please resend your message once it is up.")
		return nil
	}

	if err := r.mux.TypeKeys(ctx, session, window, prompt); err != nil {
		return err
	}
	r.sleep(r.opts.CodexSubmitDelay)
	if err := r.mux.SendKey(ctx, session, window, tmux.KeyEnter, 1); err != nil {
		return err
	}

	if r.needsFollowupEnter(ctx, session, window, prompt) {
		r.sleep(r.opts.CodexLongPromptReenterDelay)
		if err := r.mux.SendKey(ctx, session, window, tmux.KeyEnter, 1); err != nil {
			return err
		}
	}
	return nil
}

// needsFollowupEnter decides whether codex needs a second Enter: long
// prompts, prompts split across several send-keys chunks, or a
// verification capture that still shows the prompt echo at the pane tail.
// False positives (an extra Enter) are harmless; a swallowed prompt is not.
func (r *Router) needsFollowupEnter(ctx context.Context, session, window, prompt string) bool {
	if len(prompt) >= r.opts.CodexLongPromptReenterChars {
		return true
	}
	if len(tmux.SplitChunks(prompt, r.opts.SendKeysChunkSize)) >= 2 {
		return true
	}

	capture, err := r.mux.CapturePane(ctx, session, window, 5)
	if err != nil {
		return false
	}
	tail := pending.PromptTail(prompt)
	if len(tail) > 60 {
		tail = tail[len(tail)-60:]
	}
	norm := strings.Join(strings.Fields(capture), " ")
	return tail != "" && strings.Contains(norm, tail)
}

func (r *Router) advise(ctx context.Context, channelID, text string) {
	if channelID == "" {
		return
	}
	if err := r.client.Send(ctx, channelID, text); err != nil {
		slog.Warn("advisory send failed", "channel_id", channelID, "error", err)
	}
}
