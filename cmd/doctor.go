package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ngrant/bob/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("bob doctor")
	fmt.Printf("  OS:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:   %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run `bob config init`)")
		return
	}
	fmt.Println(" (OK)")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	if cfg.Telegram.Token == "" {
		fmt.Println("    token:       (not configured)")
	} else {
		fmt.Println("    token:       configured")
	}
	fmt.Printf("    allowlist:   %d user(s)\n", len(cfg.Telegram.Allowlist))

	fmt.Println()
	fmt.Println("  Engines:")
	for _, id := range []string{"claude", "codex", "opencode", "pi"} {
		checkBinary(id)
	}

	fmt.Println()
	fmt.Println("  Embedding:")
	if cfg.Embedding.BaseURL == "" {
		fmt.Println("    (not configured — recall falls back to lexical search only)")
	} else {
		fmt.Printf("    endpoint:    %s (model %s)\n", cfg.Embedding.BaseURL, cfg.Embedding.Model)
	}

	fmt.Println()
	root := userRoot()
	fmt.Printf("  User root: %s", root)
	if _, err := os.Stat(root); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-10s NOT FOUND on PATH\n", name+":")
	} else {
		fmt.Printf("    %-10s %s\n", name+":", path)
	}
}
