package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/hooks"
)

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's runtime status",
		Run: func(cmd *cobra.Command, args []string) {
			opts := config.FromEnv()
			if err := printStatus(opts, asJSON); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printStatus(opts config.Options, asJSON bool) error {
	url := fmt.Sprintf("http://%s/runtime-status",
		net.JoinHostPort(opts.HookHost, strconv.Itoa(opts.HookPort)))
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var status hooks.RuntimeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode runtime status: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("generated at %s\n", status.GeneratedAt.Format(time.RFC3339))
	if len(status.Instances) == 0 {
		fmt.Println("no instances registered")
		return nil
	}
	for _, inst := range status.Instances {
		mode := "capture"
		if inst.EventHook {
			mode = "events"
		}
		fmt.Printf("%s/%s (%s, %s): pending=%d", inst.ProjectName, inst.InstanceID, inst.AgentType, mode, inst.PendingDepth)
		if inst.OldestStage != "" {
			fmt.Printf(" oldest=%s latest=%s", inst.OldestStage, inst.LatestStage)
		}
		if inst.EventLifecycleStage != "" {
			fmt.Printf(" lifecycle=%s turn=%s seq=%d", inst.EventLifecycleStage, inst.EventLifecycleTurnID, inst.EventLifecycleSeq)
		}
		if inst.LifecycleRejectedEventCount > 0 {
			fmt.Printf(" rejected=%d", inst.LifecycleRejectedEventCount)
		}
		for t, n := range inst.IgnoredEventCounts {
			fmt.Printf(" ignored[%s]=%d", t, n)
		}
		fmt.Println()
	}
	return nil
}
