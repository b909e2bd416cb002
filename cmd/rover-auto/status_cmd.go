package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/endorhq/rover-sub004/internal/orchestrator"
)

func stepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "Show the state of every registered step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var states []orchestrator.StepState
			if err := apiGet("/steps", &states); err != nil {
				return err
			}
			if wantJSON() {
				return printJSON(states)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Step", "Status", "Running", "Max", "Processed", "Failed", "Last Error"})
			for _, st := range states {
				tw.AppendRow(table.Row{
					st.Action,
					st.Status,
					st.InFlight,
					st.MaxParallel,
					st.Processed,
					st.Failed,
					truncate(oneLine(st.LastError), 50),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Ask the daemon to schedule pending actions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiPost("/drain", nil, nil); err != nil {
				return err
			}
			fmt.Println("Drain requested.")
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := CheckHealth()
			if health != nil {
				if wantJSON() {
					if perr := printJSON(health); perr != nil {
						return perr
					}
				} else {
					fmt.Printf("daemon %s, db %s (version %s)\n", okWord(health.OK), health.DB, health.Version)
				}
			}
			return err
		},
	}
}

func okWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}
