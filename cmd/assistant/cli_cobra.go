package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/config"
)

var configPath string

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".ue-toolkits", "assistant", "config.json")
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Embedded conversational assistant for UE Toolkits",
		Long:          "Local-first conversational assistant with tool calling, layered memory and streaming replies.",
		Version:       formatVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the config file")

	root.AddCommand(newChatCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Provider.APIKey == "" {
				return fmt.Errorf("no provider API key configured; set provider.api_key in %s or ASSISTANT_PROVIDER_API_KEY", configPath)
			}

			rt, err := buildRuntime(cfg, newTerminalConfirmer())
			if err != nil {
				return err
			}
			defer rt.Close()

			return runChat(rt)
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			keyState := "missing"
			if cfg.Provider.APIKey != "" {
				keyState = "configured"
			}

			fmt.Printf("Config file:     %s\n", configPath)
			fmt.Printf("Workspace:       %s\n", cfg.WorkspacePath())
			fmt.Printf("Model:           %s\n", cfg.Assistant.Model)
			fmt.Printf("API base:        %s\n", cfg.Provider.APIBase)
			fmt.Printf("API key:         %s\n", keyState)
			fmt.Printf("Context window:  %d tokens\n", cfg.Assistant.ContextWindow)
			fmt.Printf("Max tool rounds: %d\n", cfg.Assistant.MaxToolRounds)
			fmt.Printf("Embedding model: %s\n", cfg.Memory.EmbeddingModel)
			fmt.Printf("Maintenance:     %s\n", cfg.Memory.MaintenanceCron)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, formatVersion())
		},
	}
}
