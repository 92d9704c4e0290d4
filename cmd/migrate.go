package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema of the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// opening a persistent backend runs its migrations
			storage, err := openStorage(cmd.Context(), a.l, a.config, false)
			if err != nil {
				return err
			}
			a.l.Info("storage is up to date", zap.String("backend", a.config.StorageBackend))
			return storage.Close()
		},
	}
}
