package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ngrant/bob/internal/agent"
	"github.com/ngrant/bob/internal/chatqueue"
	"github.com/ngrant/bob/internal/channels/telegram"
	"github.com/ngrant/bob/internal/config"
	"github.com/ngrant/bob/internal/coordinator"
	"github.com/ngrant/bob/internal/dnd"
	"github.com/ngrant/bob/internal/eventstore"
	"github.com/ngrant/bob/internal/heartbeat"
	"github.com/ngrant/bob/internal/jobexec"
	"github.com/ngrant/bob/internal/jobstore"
	"github.com/ngrant/bob/internal/messagestore"
	"github.com/ngrant/bob/internal/scheduler"
	"github.com/ngrant/bob/internal/session"
	"github.com/ngrant/bob/internal/store"
	"github.com/ngrant/bob/internal/streamreply"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: poll Telegram, dispatch scheduled jobs and heartbeat turns",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}

func runServe() error {
	root := store.Root{Dir: userRoot()}

	cfg, err := config.Load(root.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is not configured; run `bob config init` then edit %s", root.ConfigPath())
	}

	jobs, err := jobstore.Open(root.JobsDBPath())
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	events, err := eventstore.Open(root.EventsDBPath())
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	messages, err := messagestore.Open(root.MessagesDBPath())
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}

	dndWindow := dnd.Window{
		Enabled:  cfg.DND.Enabled,
		Start:    cfg.DND.Start,
		End:      cfg.DND.End,
		Timezone: cfg.Timezone,
	}
	dndState := dnd.NewState(root.DNDStatePath(), dndWindow)

	sessions, err := session.Open(root.SessionsPath(), root.Dir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	router := agent.NewRouter()
	router.Register(agent.NewClaudeEngine(cfg.EngineOverride("claude"), ""))
	router.Register(agent.NewCodexEngine(cfg.EngineOverride("codex"), ""))
	router.Register(agent.NewOpencodeEngine(cfg.EngineOverride("opencode"), ""))
	router.Register(agent.NewPiEngine(cfg.EngineOverride("pi"), ""))

	// The coordinator's transport factory needs the channel and the
	// channel needs the coordinator, so the factory closes over channel
	// and isn't invoked until the first turn, by which point it's set.
	var channel *telegram.Channel
	coord := coordinator.New(router, sessions, chatqueue.DefaultConfig(),
		func(chatID int64, threadID int) streamreply.Transport { return channel.Transport(chatID, threadID) },
		root.Dir, cfg.DefaultEngine)

	channel, err = telegram.New(cfg.Telegram.Token, cfg, coord, dndState, root.TelegramOffsetPath())
	if err != nil {
		return fmt.Errorf("start telegram channel: %w", err)
	}
	channel.SetJobsLister(jobs)

	dispatcher := jobexec.New(messages, channel, coord, root.ScriptsDir(), root.MemoryDir())
	hb := heartbeat.New(events, messages, coord, cfg.Heartbeat.File)

	loop := scheduler.New(jobs, root.JobsDBPath(), dndState, dispatcher, hb, root.SchedulerPIDPath())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := loop.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer loop.Stop()

	slog.Info("bob: serving", "root", root.Dir, "default_engine", cfg.DefaultEngine)
	return channel.Run(ctx)
}
