package cmd

import (
	"strings"

	"github.com/breez/sync-storage/config"
	"github.com/breez/sync-storage/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type app struct {
	v      *viper.Viper
	l      *zap.Logger
	config *config.Config
}

// NewRootCommand represents the base command when called without any subcommands
func NewRootCommand() *cobra.Command {
	a := &app{v: newViper(), l: zap.NewNop()}
	cmd := &cobra.Command{
		Use:          "syncstorage",
		Short:        "Inspects and edits the version and snapshot storage of sync clients",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logger.New(logLevelFlag(a.v), logFormatFlag(a.v))
			if err != nil {
				return err
			}
			a.l = l
			zap.ReplaceGlobals(l)

			a.config, err = config.NewConfig()
			return err
		},
		// a one-shot command has nothing to scrape, so metrics go to a
		// file for the node exporter textfile collector
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			path := metricsFileFlag(a.v)
			if path == "" {
				return nil
			}
			if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
				return errors.Wrapf(err, "failed to write metrics to %s", path)
			}
			return nil
		},
	}

	addLogLevelFlag(cmd.PersistentFlags(), a.v)
	addLogFormatFlag(cmd.PersistentFlags(), a.v)
	addMetricsFileFlag(cmd.PersistentFlags(), a.v)

	cmd.AddCommand(newClientCommand(a))
	cmd.AddCommand(newVersionCommand(a))
	cmd.AddCommand(newSnapshotCommand(a))
	cmd.AddCommand(newMigrateCommand(a))

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		zap.L().Fatal("failed to run command", zap.Error(err))
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
