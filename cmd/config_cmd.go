package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ngrant/bob/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration (secrets redacted)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
				os.Exit(1)
			}
			data, _ := json.MarshalIndent(redactConfig(cfg), "", "  ")
			fmt.Println(string(data))
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			if _, err := config.Load(cfgPath); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid config: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Config at %s is valid.\n", cfgPath)
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if one doesn't already exist",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("Config already exists at %s\n", cfgPath)
				return
			}
			if err := config.Save(cfgPath, config.Default()); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing config: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Wrote default config to %s\n", cfgPath)
		},
	}
}

// redactConfig returns a JSON-safe copy of cfg with secrets masked.
func redactConfig(cfg *config.Config) interface{} {
	data, _ := json.Marshal(cfg)
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	redactMap(raw)
	return raw
}

func redactMap(m map[string]interface{}) {
	secretKeys := map[string]bool{
		"token": true, "Token": true, "apiKey": true, "api_key": true, "APIKey": true,
	}
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			redactMap(val)
		case string:
			if secretKeys[k] && val != "" {
				if len(val) > 8 {
					m[k] = val[:2] + "****" + val[len(val)-2:]
				} else {
					m[k] = "****"
				}
			}
		}
	}
}
