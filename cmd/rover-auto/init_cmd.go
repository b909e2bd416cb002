package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorhq/rover-sub004/internal/config"
	"github.com/endorhq/rover-sub004/internal/scm"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration for the project",
		Long: `Creates .rover/automation.yaml in the project root. The GitHub owner and
repository are taken from the origin remote when it points at GitHub.
Secrets are never written; set GITHUB_TOKEN and GITHUB_WEBHOOK_SECRET instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(root)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.DefaultConfig()
			cfg.Project.Root = root
			if repo, err := scm.Open(root); err == nil {
				if owner, name, err := scm.ResolveOwnerRepo(repo); err == nil {
					cfg.Project.Owner, cfg.Project.Repo = owner, name
				}
			}

			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			if cfg.Project.Owner != "" {
				fmt.Printf("  repository: %s/%s\n", cfg.Project.Owner, cfg.Project.Repo)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration")
	return cmd
}
