package cmd

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentbridge/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment for common problems",
		Run: func(cmd *cobra.Command, args []string) {
			if !runDoctor(config.FromEnv()) {
				os.Exit(1)
			}
		},
	}
}

func runDoctor(opts config.Options) bool {
	ok := true
	report := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Printf("✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("✓ %s\n", name)
	}

	_, err := exec.LookPath("tmux")
	report("tmux on PATH", err)

	report("chat credentials", checkCredentials(opts))

	if _, err := os.Stat(opts.StateFile); err != nil {
		fmt.Printf("- state file %s not found (created on first attach)\n", opts.StateFile)
	} else {
		report("state file "+opts.StateFile, nil)
	}

	addr := net.JoinHostPort(opts.HookHost, strconv.Itoa(opts.HookPort))
	client := &http.Client{Timeout: 2500 * time.Millisecond}
	if resp, err := client.Get("http://" + addr + "/runtime-status"); err != nil {
		fmt.Printf("- daemon not reachable at %s (not running?)\n", addr)
	} else {
		resp.Body.Close()
		report("daemon at "+addr, nil)
	}

	return ok
}

func checkCredentials(opts config.Options) error {
	switch opts.Platform {
	case "discord", "":
		if opts.DiscordToken == "" {
			return fmt.Errorf("DISCORD_BOT_TOKEN is not set")
		}
	case "slack":
		if opts.SlackBotToken == "" || opts.SlackAppToken == "" {
			return fmt.Errorf("SLACK_BOT_TOKEN and SLACK_APP_TOKEN are required")
		}
	default:
		return fmt.Errorf("unknown platform %q", opts.Platform)
	}
	return nil
}
