package main

import (
	"fmt"

	transcendence "github.com/adamgdm/ft-transcendence-sub000"
	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend URL (default "+transcendence.DefaultBaseURL+")")
}

var initCmd = &cobra.Command{
	Use:   "init <username> <token>",
	Short: "Store credentials in ~/.transcendence/config.toml",
	Long:  "Initialize the CLI by storing the username and the bearer token issued at login.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Username = args[0]
		cfg.Auth.Token = args[1]
		if initBaseURL != "" {
			cfg.Server.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials for %s saved to %s\n", cfg.Auth.Username, path)
		return nil
	},
}
