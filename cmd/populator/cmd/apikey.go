package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/populator/internal/core/auth"
	"github.com/solatis/populator/internal/core/config"
)

var (
	apikeyTenant   string
	apikeyName     string
	apikeySecretID string
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Issue and revoke tenant API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key for a tenant",
	Long:  `create prints the new key once. Only its HMAC is stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secrets, err := config.HMACSecrets()
		if err != nil {
			return fmt.Errorf("failed to load HMAC secrets: %w", err)
		}
		if len(secrets) == 0 {
			return fmt.Errorf("no HMAC secrets configured (set %s_HMAC_SECRET environment variable)", config.EnvPrefix)
		}

		ctx, stop := signalContext()
		defer stop()
		conn, store, err := openStore(ctx, true)
		if err != nil {
			return err
		}
		defer conn.Close()

		authenticator := auth.NewAuthenticator(secrets, store.Queries())
		key, id, err := authenticator.IssueKey(ctx, store, apikeySecretID, apikeyTenant, apikeyName)
		if err != nil {
			return fmt.Errorf("failed to issue key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", id, key)
		return nil
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an API key by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		conn, store, err := openStore(ctx, true)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := store.RevokeAPIKey(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to revoke key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd)

	flags := apikeyCreateCmd.Flags()
	flags.StringVar(&apikeyTenant, "tenant", "", "tenant id")
	flags.StringVar(&apikeyName, "name", "", "key label")
	flags.StringVar(&apikeySecretID, "secret-id", "", "HMAC secret id (required when several are configured)")
	_ = apikeyCreateCmd.MarkFlagRequired("tenant")
}
