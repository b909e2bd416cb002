package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/endorhq/rover-sub004/internal/controlplane"
	"github.com/endorhq/rover-sub004/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

func tracesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Inspect action traces",
	}
	cmd.AddCommand(tracesListCmd())
	cmd.AddCommand(tracesShowCmd())
	return cmd
}

func tracesListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List traces, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/traces"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var traces []controlplane.TraceSummary
			if err := apiGet(path, &traces); err != nil {
				return err
			}
			if wantJSON() {
				return printJSON(traces)
			}
			if len(traces) == 0 {
				fmt.Println("No traces found.")
				return nil
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Trace", "Status", "Steps", "Last Step", "Summary", "Created"})
			for _, t := range traces {
				tw.AppendRow(table.Row{
					t.ID,
					t.Status,
					t.Steps,
					t.LastStep,
					truncate(t.Summary, 50),
					t.CreatedAt.Local().Format(timeLayout),
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed)")
	return cmd
}

func tracesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <trace-id>",
		Short: "Show the steps and recorded actions of a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := url.PathEscape(args[0])
			var trace models.ActionTrace
			if err := apiGet("/traces/"+id, &trace); err != nil {
				return err
			}
			var actions []models.Action
			if err := apiGet("/traces/"+id+"/actions", &actions); err != nil {
				return err
			}
			if wantJSON() {
				return printJSON(struct {
					Trace   models.ActionTrace `json:"trace"`
					Actions []models.Action    `json:"actions"`
				}{trace, actions})
			}

			fmt.Printf("Trace:   %s\n", trace.ID)
			fmt.Printf("Summary: %s\n", trace.Summary)
			fmt.Printf("Status:  %s\n", trace.Status())
			fmt.Printf("Created: %s\n\n", trace.CreatedAt.Local().Format(timeLayout))

			steps := table.NewWriter()
			steps.SetOutputMirror(os.Stdout)
			steps.SetTitle("Steps")
			steps.AppendHeader(table.Row{"#", "Action", "Status", "Action ID", "At", "Reasoning"})
			for i, st := range trace.Steps {
				steps.AppendRow(table.Row{
					i + 1,
					st.Action,
					st.Status,
					st.ActionID,
					st.Timestamp.Local().Format(timeLayout),
					truncate(oneLine(st.Reasoning), 60),
				})
			}
			steps.Render()

			if len(actions) == 0 {
				return nil
			}
			fmt.Println()
			recorded := table.NewWriter()
			recorded.SetOutputMirror(os.Stdout)
			recorded.SetTitle("Recorded actions")
			recorded.AppendHeader(table.Row{"Action", "Span", "At", "Reasoning"})
			for _, a := range actions {
				recorded.AppendRow(table.Row{
					a.Action,
					a.SpanID,
					a.Timestamp.Local().Format(timeLayout),
					truncate(oneLine(a.Reasoning), 60),
				})
			}
			recorded.Render()
			return nil
		},
	}
}

func spansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spans",
		Short: "Inspect step invocation spans",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "path <span-id>",
		Short: "Show the spans from the chain root down to a span",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path []models.Span
			if err := apiGet("/spans/"+url.PathEscape(args[0])+"/path", &path); err != nil {
				return err
			}
			if wantJSON() {
				return printJSON(path)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Depth", "Span", "Step", "Status", "Started", "Summary"})
			for i, sp := range path {
				tw.AppendRow(table.Row{
					i,
					sp.ID,
					sp.Step,
					sp.Status,
					sp.StartedAt.Local().Format(timeLayout),
					truncate(oneLine(sp.Summary), 60),
				})
			}
			tw.Render()
			return nil
		},
	})
	return cmd
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
