package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/state"
	"github.com/nextlevelbuilder/agentbridge/internal/tmux"
)

func attachCmd() *cobra.Command {
	var (
		path      string
		session   string
		agentType string
		channelID string
		eventHook bool
		primary   bool
		noLaunch  bool
	)
	cmd := &cobra.Command{
		Use:   "attach <project> <instance>",
		Short: "Register an agent instance and start its tmux window",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			opts := config.FromEnv()
			if err := runAttach(opts, attachRequest{
				project:   args[0],
				instance:  args[1],
				path:      path,
				session:   session,
				agentType: agentType,
				channelID: channelID,
				eventHook: eventHook,
				primary:   primary,
				launch:    !noLaunch,
			}); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&session, "session", "", "tmux session name (default: project name)")
	cmd.Flags().StringVar(&agentType, "agent", "", "agent type: claude, codex, opencode, gemini (default: instance id)")
	cmd.Flags().StringVar(&channelID, "channel", "", "chat channel id to bind the instance to")
	cmd.Flags().BoolVar(&eventHook, "event-hook", false, "instance reports via hook events instead of pane capture")
	cmd.Flags().BoolVar(&primary, "primary", false, "mark as the primary instance of its agent type")
	cmd.Flags().BoolVar(&noLaunch, "no-launch", false, "create the window without starting the agent")
	return cmd
}

type attachRequest struct {
	project   string
	instance  string
	path      string
	session   string
	agentType string
	channelID string
	eventHook bool
	primary   bool
	launch    bool
}

var knownAgents = map[string]bool{
	state.AgentClaude:   true,
	state.AgentCodex:    true,
	state.AgentOpencode: true,
	state.AgentGemini:   true,
}

func runAttach(opts config.Options, req attachRequest) error {
	if req.agentType == "" {
		if knownAgents[req.instance] {
			req.agentType = req.instance
		} else {
			return fmt.Errorf("--agent is required when the instance id is not an agent type")
		}
	}
	if !knownAgents[req.agentType] {
		return fmt.Errorf("unknown agent type %q", req.agentType)
	}
	if req.path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		req.path = wd
	}
	abs, err := filepath.Abs(req.path)
	if err != nil {
		return err
	}
	req.path = abs
	if req.session == "" {
		req.session = req.project
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mux := tmux.New(tmux.WithChunkSize(opts.SendKeysChunkSize))
	if err := mux.EnsureSession(ctx, req.session, req.path); err != nil {
		return err
	}
	window := req.instance
	has, err := mux.HasWindow(ctx, req.session, window)
	if err != nil {
		return err
	}
	if !has {
		if err := mux.NewWindow(ctx, req.session, window, req.path); err != nil {
			return err
		}
	}
	if req.launch {
		if req.eventHook {
			hookURL := fmt.Sprintf("http://%s:%d/agent-event", opts.HookHost, opts.HookPort)
			if err := mux.SendText(ctx, req.session, window, "export AGENT_DISCORD_EVENT_URL="+hookURL); err != nil {
				return err
			}
		}
		if err := mux.SendText(ctx, req.session, window, req.agentType); err != nil {
			return err
		}
	}

	store, err := state.NewFileStore(opts.StateFile)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	project, ok := store.Project(req.project)
	if !ok {
		project = &state.Project{
			Name:      req.project,
			Path:      req.path,
			Session:   req.session,
			Instances: make(map[string]*state.Instance),
		}
	}
	project.Instances[req.instance] = &state.Instance{
		ID:        req.instance,
		AgentType: req.agentType,
		Window:    window,
		ChannelID: req.channelID,
		EventHook: req.eventHook,
		Primary:   req.primary,
	}
	if err := store.AddProject(project); err != nil {
		return err
	}

	fmt.Printf("attached %s/%s (%s) in tmux %s:%s\n", req.project, req.instance, req.agentType, req.session, window)
	fmt.Println("a running daemon picks the change up automatically; otherwise POST /reload")
	return nil
}
