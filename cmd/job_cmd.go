package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngrant/bob/internal/jobstore"
	"github.com/ngrant/bob/internal/schedule"
	"github.com/ngrant/bob/internal/store"
)

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobAddCmd())
	cmd.AddCommand(jobRemoveCmd())
	return cmd
}

func openJobStore() *jobstore.Store {
	root := store.Root{Dir: userRoot()}
	s, err := jobstore.Open(root.JobsDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening job store: %s\n", err)
		os.Exit(1)
	}
	return s
}

func jobListCmd() *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			s := openJobStore()
			var jobs []jobstore.Job
			var err error
			if chatID != 0 {
				jobs, err = s.ListForChat(chatID)
			} else {
				jobs, err = s.List()
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing jobs: %s\n", err)
				os.Exit(1)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHAT\tTYPE\tSCHEDULE\tNEXT RUN\tENABLED")
			for _, j := range jobs {
				next := "-"
				if j.NextRunAt != nil {
					next = time.UnixMilli(*j.NextRunAt).Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s %s\t%s\t%t\n",
					j.ID, j.ChatID, j.JobType, j.ScheduleKind, j.ScheduleSpec, next, j.Enabled)
			}
			w.Flush()
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "filter to one chat ID")
	return cmd
}

func jobAddCmd() *cobra.Command {
	var chatID int64
	var jobType string
	var payload string
	var contextMode string
	cmd := &cobra.Command{
		Use:   "add [schedule]",
		Short: "Add a scheduled job, e.g. bob job add \"every day at 09:00\" --type send_message --payload \"good morning\"",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			kind, spec, err := schedule.Parse(args[0], time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Unparseable schedule %q: %s\n", args[0], err)
				os.Exit(1)
			}
			s := openJobStore()
			job, err := s.Add(jobstore.NewJobInput{
				ID:           store.GenNewID().String(),
				ChatID:       chatID,
				ScheduleKind: kind,
				ScheduleSpec: spec,
				JobType:      jobstore.JobType(jobType),
				Payload:      payload,
				ContextMode:  jobstore.ContextMode(contextMode),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error adding job: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Added job %s\n", job.ID)
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", jobstore.SystemChatID, "chat ID the job belongs to")
	cmd.Flags().StringVar(&jobType, "type", string(jobstore.TypeSendMessage), "send_message | agent_turn | script")
	cmd.Flags().StringVar(&payload, "payload", "", "job payload (message text, prompt, or script path)")
	cmd.Flags().StringVar(&contextMode, "context", string(jobstore.ContextSession), "session | isolated")
	return cmd
}

func jobRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s := openJobStore()
			ok, err := s.Remove(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error removing job: %s\n", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Fprintf(os.Stderr, "No job with ID %s\n", args[0])
				os.Exit(1)
			}
			fmt.Println("Removed.")
		},
	}
}
