package main

import (
	"errors"
	"fmt"

	mw "github.com/resonantgeodata/rgd-jobs/internal/api/middleware"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/spf13/cobra"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key and print it once",
	Long: `Create an API key. The raw key is printed once and only its bcrypt hash
is stored. Use this to bootstrap the first admin key.`,
	Args:    cobra.NoArgs,
	PreRunE: validateAPIKeyFlags,
	RunE:    runAPIKeyCreate,
}

func init() {
	apikeyCreateCmd.Flags().String("name", "", "Key name, recorded as the creator of jobs (required)")
	apikeyCreateCmd.Flags().StringSlice("scope", []string{mw.ScopeRead}, "Scopes: read, write, admin (repeatable)")
	apikeyCmd.AddCommand(apikeyCreateCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func validateAPIKeyFlags(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		return errors.New("--name is required")
	}
	scopes, _ := cmd.Flags().GetStringSlice("scope")
	for _, s := range scopes {
		if !mw.ValidScope(s) {
			return fmt.Errorf("invalid scope %q: must be read, write or admin", s)
		}
	}
	return nil
}

func runAPIKeyCreate(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	scopes, _ := cmd.Flags().GetStringSlice("scope")

	raw, key, err := mw.NewAPIKey(name, scopes)
	if err != nil {
		return err
	}

	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.store.CreateAPIKey(cmd.Context(), key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("an api key named %q already exists", key.Name)
		}
		return fmt.Errorf("create api key: %w", err)
	}

	return writeJSON(stdout(cmd), map[string]any{
		"id":         key.ID,
		"name":       key.Name,
		"key_prefix": key.KeyPrefix,
		"scopes":     key.Scopes,
		"key":        raw,
	})
}
