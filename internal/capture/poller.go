package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/pending"
	"github.com/nextlevelbuilder/agentbridge/internal/route"
	"github.com/nextlevelbuilder/agentbridge/internal/state"
	"github.com/nextlevelbuilder/agentbridge/internal/tmux"
)

// Poller periodically snapshots capture-driven panes, extracts deltas, and
// streams them to the owning channel. One pass runs at a time; a tick that
// lands while a pass is still running is skipped.
type Poller struct {
	mux     tmux.Multiplexer
	store   state.Store
	tracker *pending.Tracker
	client  chat.Client
	opts    config.Options

	running atomic.Bool

	mu        sync.Mutex
	prev      map[pending.Key]string
	quiet     map[pending.Key]int
	candidate map[pending.Key]bool
	echoPolls map[pending.Key]int
}

// NewPoller creates a capture poller.
func NewPoller(mux tmux.Multiplexer, store state.Store, tracker *pending.Tracker, client chat.Client, opts config.Options) *Poller {
	return &Poller{
		mux:       mux,
		store:     store,
		tracker:   tracker,
		client:    client,
		opts:      opts,
		prev:      make(map[pending.Key]string),
		quiet:     make(map[pending.Key]int),
		candidate: make(map[pending.Key]bool),
		echoPolls: make(map[pending.Key]int),
	}
}

// Run ticks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.opts.CapturePollInterval
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("capture poller started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("capture poller stopped")
			return
		case <-ticker.C:
			p.RunPass(ctx)
		}
	}
}

// RunPass executes one full poll over all capture-driven instances.
// Overlapping passes are suppressed.
func (p *Poller) RunPass(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer p.running.Store(false)

	for _, project := range p.store.Projects() {
		for _, inst := range project.Instances {
			if inst.EventHook {
				continue
			}
			p.pollInstance(ctx, project, inst)
		}
	}
}

func (p *Poller) pollInstance(ctx context.Context, project *state.Project, inst *state.Instance) {
	key := pending.NewKey(project.Name, inst.AgentType, inst.ID)

	raw, err := p.mux.CapturePane(ctx, project.Session, inst.Window, 0)
	if err != nil {
		slog.Debug("capture failed, skipping instance",
			"project", project.Name, "instance", inst.ID, "error", err)
		return
	}

	snapshot := Clean(raw)
	if snapshot == "" {
		p.handleQuiet(key, inst.AgentType)
		return
	}

	p.mu.Lock()
	previous, seen := p.prev[key]
	p.prev[key] = snapshot
	p.mu.Unlock()

	if !seen {
		// First observation is the baseline; replaying the whole pane
		// would flood the channel with history.
		return
	}

	delta := Extract(previous, snapshot)
	if delta.Text == "" {
		p.handleQuiet(key, inst.AgentType)
		return
	}

	text := delta.Text
	if inst.AgentType == state.AgentCodex {
		text = NormalizeCodex(Delta{Text: text, PrefixExtended: delta.PrefixExtended})
	}

	echoDropped := false
	depth := p.tracker.PendingDepth(key)
	if inst.AgentType == state.AgentCodex && depth > 0 && p.opts.FilterPromptEcho && p.echoFilterActive(key) {
		tails := p.tracker.PendingPromptTails(key)
		text, echoDropped = SuppressPromptEcho(text, tails, depth)
		if echoDropped {
			p.mu.Lock()
			p.echoPolls[key]++
			p.mu.Unlock()
		}
	}

	if isBlank(text) {
		if echoDropped {
			// Everything was prompt echo: the agent is active but has
			// produced no reply yet. Reset the quiet counter, send
			// nothing.
			p.mu.Lock()
			p.quiet[key] = 0
			p.mu.Unlock()
			return
		}
		p.handleQuiet(key, inst.AgentType)
		return
	}

	channelID := p.outputChannel(key, inst.ChannelID)
	if channelID == "" {
		slog.Warn("capture delta has no destination channel",
			"project", project.Name, "instance", inst.ID)
		return
	}

	if err := chat.Deliver(ctx, p.client, channelID, text, p.opts.LongOutputThreadThreshold); err != nil {
		slog.Warn("capture delta send failed",
			"project", project.Name, "instance", inst.ID, "channel_id", channelID, "error", err)
		return
	}

	p.mu.Lock()
	p.quiet[key] = 0
	p.candidate[key] = true
	p.mu.Unlock()
}

// outputChannel picks the destination channel via the shared output
// route.
func (p *Poller) outputChannel(key pending.Key, defaultChannel string) string {
	pendingChannel, _ := p.tracker.PendingChannel(key)
	return route.OutputChannel(defaultChannel, pendingChannel, p.tracker.PendingDepth(key))
}

// handleQuiet advances quiet-pending accounting for a cycle that produced
// no output. Every quiet cycle counts toward the threshold; a buffered
// completion candidate only lifts the codex initial grace, it never
// completes below the threshold.
func (p *Poller) handleQuiet(key pending.Key, agentType string) {
	if p.tracker.PendingDepth(key) == 0 {
		return
	}

	p.mu.Lock()
	p.quiet[key]++
	threshold := p.opts.QuietPendingPolls
	if agentType == state.AgentCodex && !p.candidate[key] {
		// Codex takes a while to start talking; until output has been
		// emitted the turn gets a longer grace period so slow turns
		// aren't completed prematurely.
		threshold = p.opts.CodexInitialQuietPolls
	}
	reached := threshold > 0 && p.quiet[key] >= threshold
	p.mu.Unlock()

	if reached {
		p.completeHead(key)
	}
}

func (p *Poller) completeHead(key pending.Key) {
	p.tracker.MarkCompleted(key)
	p.mu.Lock()
	p.quiet[key] = 0
	p.candidate[key] = false
	p.echoPolls[key] = 0
	p.mu.Unlock()
	slog.Debug("quiet-pending completion", "project", key.Project, "instance", key.InstanceID)
}

// echoFilterActive applies the optional per-turn cap on how many polls the
// echo filter runs for. Zero means unlimited.
func (p *Poller) echoFilterActive(key pending.Key) bool {
	if p.opts.PromptEchoMaxPolls <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.echoPolls[key] < p.opts.PromptEchoMaxPolls
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' {
			return false
		}
	}
	return true
}
