package main

import (
	"fmt"

	conversync "github.com/relaydesk/conversync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store session token in ~/.conversync/config.toml",
	Long:  "Initialize the Conversync CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		session, err := conversync.SessionFromToken(token)
		if err != nil {
			return fmt.Errorf("token is not a usable session token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = token

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session token for %s saved to %s\n", session.Actor.DisplayName, path)
		return nil
	},
}
