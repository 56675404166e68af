// Package cmd implements bob's command-line surface: the daemon entrypoint
// (serve), config inspection, and the job/event/recall CLIs that let the
// operator poke at the daemon's stores from outside the running process.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// resolveConfigPath returns the path of config.toml inside bob's user root.
// BOB_HOME overrides everything; otherwise the root is $HOME/.bob, matching spec.md §6's fixed single-user
// filesystem layout (no per-project config search, unlike a multi-tenant
// tool).
func resolveConfigPath() string {
	if home := os.Getenv("BOB_HOME"); home != "" {
		return filepath.Join(home, "config.toml")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(homeDir, ".bob", "config.toml")
}

// userRoot returns the directory resolveConfigPath's config.toml lives in.
func userRoot() string {
	return filepath.Dir(resolveConfigPath())
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bob",
		Short: "A single-user, always-on assistant daemon bridging Telegram and local AI engines",
	}
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(doctorCmd())
	cmd.AddCommand(jobCmd())
	cmd.AddCommand(eventCmd())
	cmd.AddCommand(recallCmd())
	return cmd
}

// Execute runs bob's root command; main calls this and exits on error.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
