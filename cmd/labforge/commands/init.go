package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/labforge/pkg/config"
	"github.com/openfroyo/labforge/pkg/configmgmt"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the labforge data directory",
		Long: `Initialize the labforge data directory with a database, a default
configuration file and an SSH keypair.

The data directory defaults to ~/.labforge and can be moved with
LABFORGE_DATA_DIR. An existing configuration file is kept unless --force
is given.`,
		Example: `  # Initialize ~/.labforge
  labforge init

  # Initialize a throwaway directory
  LABFORGE_DATA_DIR=/tmp/lab labforge init`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := resolveConfigPath()

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			log.Info().Str("data_dir", cfg.DataDir).Str("config", path).Msg("Initializing data directory")

			dirs := []string{
				cfg.DataDir,
				cfg.Workspace.Root,
				cfg.Archive.Dir,
				filepath.Join(cfg.DataDir, "keys"),
			}
			dirs = append(dirs, cfg.Policy.Paths...)
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Database.Path)

			_, statErr := os.Stat(path)
			switch {
			case force || errors.Is(statErr, os.ErrNotExist):
				if err := cfg.Save(path); err != nil {
					return err
				}
				fmt.Printf("✓ Created config file: %s\n", path)
			default:
				fmt.Printf("✓ Config file already exists: %s\n", path)
			}

			keyPath := filepath.Join(cfg.DataDir, "keys", "id_ed25519")
			if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
				kp, err := configmgmt.GenerateKeyPair("labforge")
				if err != nil {
					return err
				}
				if err := os.WriteFile(keyPath, kp.PrivatePEM, 0o600); err != nil {
					return fmt.Errorf("failed to write private key: %w", err)
				}
				if err := os.WriteFile(keyPath+".pub", kp.AuthorizedKey, 0o644); err != nil {
					return fmt.Errorf("failed to write public key: %w", err)
				}
				fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
			}

			fmt.Println("\nNext steps:")
			fmt.Println("  labforge lab create -f lab.cue")
			fmt.Println("  labforge deploy <lab> --follow")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
