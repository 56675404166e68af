package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngrant/bob/internal/eventstore"
	"github.com/ngrant/bob/internal/store"
)

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Inspect and enqueue heartbeat events",
	}
	cmd.AddCommand(eventListCmd())
	cmd.AddCommand(eventAddCmd())
	return cmd
}

func openEventStore() *eventstore.Store {
	root := store.Root{Dir: userRoot()}
	s, err := eventstore.Open(root.EventsDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening event store: %s\n", err)
		os.Exit(1)
	}
	return s
}

func eventListCmd() *cobra.Command {
	var includeProcessed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued events",
		Run: func(cmd *cobra.Command, args []string) {
			s := openEventStore()
			events, err := s.List(includeProcessed)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing events: %s\n", err)
				os.Exit(1)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHAT\tKIND\tCREATED\tCLAIMED\tPROCESSED")
			for _, e := range events {
				created := time.UnixMilli(e.CreatedAt).Local().Format(time.RFC3339)
				claimed := "-"
				if e.ClaimedAt != nil {
					claimed = time.UnixMilli(*e.ClaimedAt).Local().Format(time.RFC3339)
				}
				processed := "-"
				if e.ProcessedAt != nil {
					processed = time.UnixMilli(*e.ProcessedAt).Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", e.ID, e.ChatID, e.Kind, created, claimed, processed)
			}
			w.Flush()
		},
	}
	cmd.Flags().BoolVar(&includeProcessed, "all", false, "include already-processed events")
	return cmd
}

func eventAddCmd() *cobra.Command {
	var chatID int64
	var kind string
	cmd := &cobra.Command{
		Use:   "add [payload]",
		Short: "Enqueue an event for the next heartbeat tick to pick up",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s := openEventStore()
			event, err := s.Add(eventstore.NewEventInput{
				ChatID:  chatID,
				Kind:    kind,
				Payload: args[0],
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error adding event: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Queued event %s\n", event.ID)
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat ID the event concerns")
	cmd.Flags().StringVar(&kind, "kind", "note", "event kind tag")
	return cmd
}
