package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/ferret/pkg/config"
	"github.com/cuemby/ferret/pkg/credentials"
)

// Credential commands
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage data-source credentials",
	Long: `Store, list, and remove the sealed credentials preflight checks and
scan operations use to authenticate against data sources.`,
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store or rotate a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer vault.Close()

		kind, _ := cmd.Flags().GetString("kind")
		username, _ := cmd.Flags().GetString("username")
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("FERRET_CREDENTIAL_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("provide --secret or set FERRET_CREDENTIAL_SECRET")
		}

		err = vault.Put(&credentials.Credential{
			Name:     args[0],
			Kind:     credentials.Kind(kind),
			Username: username,
			Secret:   secret,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Credential %s stored\n", args[0])
		return nil
	},
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential names",
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer vault.Close()

		names, err := vault.Names()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No credentials stored")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var credentialRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer vault.Close()

		if err := vault.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Credential %s removed\n", args[0])
		return nil
	},
}

// openVault resolves the vault location from --vault or the config file
// and the passphrase from config or FERRET_VAULT_PASSPHRASE.
func openVault(cmd *cobra.Command) (*credentials.Vault, error) {
	path, _ := cmd.Flags().GetString("vault")
	configPath, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if path == "" {
		path = cfg.Credentials.Path
	}
	if path == "" {
		return nil, fmt.Errorf("no vault configured: pass --vault or set credentials.path")
	}
	return credentials.Open(path, cfg.VaultPassphrase())
}

func init() {
	credentialCmd.PersistentFlags().String("config", "", "Path to YAML configuration")
	credentialCmd.PersistentFlags().String("vault", "", "Vault file (overrides credentials.path)")
	credentialSetCmd.Flags().String("kind", string(credentials.KindBearer), "Credential kind: basic, bearer, or api_key")
	credentialSetCmd.Flags().String("username", "", "Username for basic credentials")
	credentialSetCmd.Flags().String("secret", "", "Secret value (prefer FERRET_CREDENTIAL_SECRET)")

	credentialCmd.AddCommand(credentialSetCmd)
	credentialCmd.AddCommand(credentialListCmd)
	credentialCmd.AddCommand(credentialRemoveCmd)
}
