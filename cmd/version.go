package cmd

import (
	"github.com/breez/sync-storage/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newVersionCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Append and inspect versions",
	}
	cmd.AddCommand(newVersionAddCommand(a))
	cmd.AddCommand(newVersionGetCommand(a))
	cmd.AddCommand(newVersionChildCommand(a))
	return cmd
}

func newVersionAddCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <client-id> <version-id> <parent-version-id>",
		Short: "Append a version to a client's history",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "client id", "version id", "parent version id")
			if err != nil {
				return err
			}
			segment, err := payloadFlag(cmd)
			if err != nil {
				return err
			}
			err = a.runTxn(cmd.Context(), func(txn store.Txn) error {
				return txn.AddVersion(cmd.Context(), ids[0], ids[1], ids[2], segment)
			})
			if err != nil {
				return err
			}
			a.l.Info("version added",
				zap.Stringer("client", ids[0]),
				zap.Stringer("version", ids[1]),
				zap.Stringer("parent", ids[2]),
				zap.Int("size", len(segment)),
			)
			return nil
		},
	}
	addPayloadFlags(cmd.Flags(), "history segment")
	return cmd
}

func newVersionGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <client-id> <version-id>",
		Short: "Print a version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "client id", "version id")
			if err != nil {
				return err
			}
			var version *store.Version
			err = a.runTxn(cmd.Context(), func(txn store.Txn) error {
				version, err = txn.GetVersion(cmd.Context(), ids[0], ids[1])
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, version)
		},
	}
}

func newVersionChildCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "child <client-id> <parent-version-id>",
		Short: "Print the version that follows a parent version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "client id", "parent version id")
			if err != nil {
				return err
			}
			var version *store.Version
			err = a.runTxn(cmd.Context(), func(txn store.Txn) error {
				version, err = txn.GetVersionByParent(cmd.Context(), ids[0], ids[1])
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, version)
		},
	}
}
