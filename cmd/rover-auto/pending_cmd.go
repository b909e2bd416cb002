package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/endorhq/rover-sub004/internal/controlplane"
)

func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect the pending action queue",
	}
	cmd.AddCommand(pendingListCmd())
	cmd.AddCommand(pendingRemoveCmd())
	return cmd
}

func pendingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pending []controlplane.PendingView
			if err := apiGet("/pending", &pending); err != nil {
				return err
			}
			if wantJSON() {
				return printJSON(pending)
			}
			if len(pending) == 0 {
				fmt.Println("No pending actions.")
				return nil
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Action ID", "Action", "Trace", "Summary", "State", "Queued"})
			for _, p := range pending {
				state := "queued"
				if p.InFlight {
					state = "running"
				}
				tw.AppendRow(table.Row{
					p.ActionID,
					p.Action,
					shortID(p.TraceID),
					truncate(p.Summary, 50),
					state,
					p.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func pendingRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <action-id>",
		Short: "Drop a queued action and close its trace step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiDelete("/pending/" + url.PathEscape(args[0])); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
