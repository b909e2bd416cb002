package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/endorhq/rover-sub004/internal/agents"
)

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the reasoning CLIs installed on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			detected := agents.NewDetector().Scan()
			if wantJSON() {
				return printJSON(detected)
			}

			preferred, ok := agents.NewDetector().Preferred()
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"", "Agent", "Binary", "Status", "Version", "Path"})
			for _, a := range detected {
				mark := ""
				if ok && a.ID == preferred.ID {
					mark = "*"
				}
				tw.AppendRow(table.Row{mark, a.Name, a.Binary, a.Status, a.Version, a.Path})
			}
			tw.Render()
			if !ok {
				fmt.Println("No reasoning agent installed; set reasoning.binary in the configuration.")
			}
			return nil
		},
	}
}
