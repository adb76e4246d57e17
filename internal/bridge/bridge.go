// Package bridge composes the daemon: the chat client, the state store,
// the message router, the capture poller, and the hook server.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentbridge/internal/capture"
	"github.com/nextlevelbuilder/agentbridge/internal/chat"
	"github.com/nextlevelbuilder/agentbridge/internal/chat/discord"
	"github.com/nextlevelbuilder/agentbridge/internal/chat/slack"
	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/hooks"
	"github.com/nextlevelbuilder/agentbridge/internal/pending"
	"github.com/nextlevelbuilder/agentbridge/internal/route"
	"github.com/nextlevelbuilder/agentbridge/internal/router"
	"github.com/nextlevelbuilder/agentbridge/internal/state"
	"github.com/nextlevelbuilder/agentbridge/internal/tmux"
)

const shutdownTimeout = 5 * time.Second

// Bridge owns the daemon's components and their lifecycle.
type Bridge struct {
	runID   string
	opts    config.Options
	store   *state.FileStore
	client  chat.Client
	tracker *pending.Tracker
	router  *router.Router
	poller  *capture.Poller
	hooks   *hooks.Server
}

// New assembles a bridge from configuration. Nothing is started yet.
func New(opts config.Options) (*Bridge, error) {
	client, err := newClient(opts)
	if err != nil {
		return nil, err
	}

	store, err := state.NewFileStore(opts.StateFile)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	mux := tmux.New(tmux.WithChunkSize(opts.SendKeysChunkSize))
	tracker := pending.NewTracker(client, opts.PendingStuckAlert)
	resolver := route.NewResolver(store, route.NewMemory())

	return &Bridge{
		runID:   uuid.NewString(),
		opts:    opts,
		store:   store,
		client:  client,
		tracker: tracker,
		router:  router.NewRouter(mux, store, tracker, resolver, client, opts, launchDetached),
		poller:  capture.NewPoller(mux, store, tracker, client, opts),
		hooks:   hooks.NewServer(opts, store, tracker, resolver, client),
	}, nil
}

// Run starts all components and blocks until the context is cancelled,
// then shuts them down in reverse order.
func (b *Bridge) Run(ctx context.Context) error {
	slog.Info("bridge starting",
		"run_id", b.runID,
		"platform", b.opts.Platform,
		"state_file", b.opts.StateFile,
		"hook_addr", b.hooks.Addr(),
	)

	if err := b.client.Start(ctx); err != nil {
		return fmt.Errorf("start chat client: %w", err)
	}
	b.client.OnMessage(func(msg chat.InboundMessage) {
		// Each inbound message routes on its own goroutine; ordering per
		// instance is preserved by the tracker's serial queues.
		go b.router.HandleMessage(ctx, msg)
	})

	if err := b.hooks.Start(); err != nil {
		b.client.Stop(ctx)
		return err
	}

	go b.poller.Run(ctx)

	go func() {
		if err := b.store.Watch(ctx.Done()); err != nil {
			slog.Warn("state file watch unavailable", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("bridge stopping", "run_id", b.runID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.hooks.Stop(shutdownCtx); err != nil {
		slog.Warn("hook server shutdown failed", "error", err)
	}
	b.tracker.StopAll()
	if err := b.client.Stop(shutdownCtx); err != nil {
		slog.Warn("chat client shutdown failed", "error", err)
	}
	return nil
}

func newClient(opts config.Options) (chat.Client, error) {
	switch opts.Platform {
	case "discord", "":
		if opts.DiscordToken == "" {
			return nil, fmt.Errorf("DISCORD_BOT_TOKEN is not set")
		}
		return discord.New(opts.DiscordToken)
	case "slack":
		return slack.New(opts.SlackBotToken, opts.SlackAppToken)
	default:
		return nil, fmt.Errorf("unknown platform %q", opts.Platform)
	}
}

// launchDetached starts an external command without waiting for it; used
// for doctor, update, and daemon-restart.
func launchDetached(name string, args ...string) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		slog.Error("external command failed to start", "command", name, "error", err)
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("external command exited with error", "command", name, "error", err)
		}
	}()
}
