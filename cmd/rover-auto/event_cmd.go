package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/endorhq/rover-sub004/internal/controlplane"
	"github.com/endorhq/rover-sub004/internal/events"
)

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Submit events to the pipeline",
	}
	cmd.AddCommand(eventSubmitCmd())
	return cmd
}

func eventSubmitCmd() *cobra.Command {
	var (
		e    events.Event
		file string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start a new chain from an event",
		Long: `Submits an event to the daemon. Fields can be given as flags or read from a
JSON file with --file; flags override values from the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := events.Event{Source: "cli"}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &ev); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			mergeEvent(&ev, &e, cmd)

			var resp controlplane.SubmitResponse
			if err := apiPost("/events", ev, &resp); err != nil {
				return err
			}
			if wantJSON() {
				return printJSON(resp)
			}
			fmt.Printf("Chain %s started\n", resp.ChainID)
			fmt.Printf("  trace:  %s\n", resp.TraceID)
			fmt.Printf("  action: %s\n", resp.ActionID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the event from a JSON file")
	cmd.Flags().StringVar(&e.Kind, "kind", "", "event kind (issue, issue_comment, pull_request, push)")
	cmd.Flags().StringVar(&e.Title, "title", "", "event title")
	cmd.Flags().StringVar(&e.Body, "body", "", "event body")
	cmd.Flags().IntVar(&e.Number, "number", 0, "issue or pull request number")
	cmd.Flags().StringVar(&e.Owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&e.Repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&e.Ref, "ref", "", "git ref")
	cmd.Flags().StringVar(&e.URL, "url", "", "link to the event")
	return cmd
}

// mergeEvent copies the flags the user set from src onto dst.
func mergeEvent(dst, src *events.Event, cmd *cobra.Command) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("kind") {
		dst.Kind = src.Kind
	}
	if set("title") {
		dst.Title = src.Title
	}
	if set("body") {
		dst.Body = src.Body
	}
	if set("number") {
		dst.Number = src.Number
	}
	if set("owner") {
		dst.Owner = src.Owner
	}
	if set("repo") {
		dst.Repo = src.Repo
	}
	if set("ref") {
		dst.Ref = src.Ref
	}
	if set("url") {
		dst.URL = src.URL
	}
}
