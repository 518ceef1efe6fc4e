package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pifleet/panel/internal/auth"
	"github.com/pifleet/panel/internal/config"
)

var tokenFlags struct {
	subject string
	role    string
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with the configured secret",
	Long: `Issue a bearer token for scripts and the WebSocket endpoints.

Examples:
  panel token --subject backup-job --role readonly
`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		role := auth.Role(tokenFlags.role)
		if role != auth.RoleAdmin && role != auth.RoleReadonly {
			return fmt.Errorf("unknown role %q, want %s or %s", tokenFlags.role, auth.RoleReadonly, auth.RoleAdmin)
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		tok, err := auth.NewManager(cfg.Auth).Issue(tokenFlags.subject, role)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
		return err
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVarP(&tokenFlags.subject, "subject", "s", "cli", "token subject")
	tokenCmd.Flags().StringVarP(&tokenFlags.role, "role", "r", string(auth.RoleReadonly), "readonly or admin")
}
