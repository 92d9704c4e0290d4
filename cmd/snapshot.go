package cmd

import (
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSnapshotCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Set and read client snapshots",
	}
	cmd.AddCommand(newSnapshotSetCommand(a))
	cmd.AddCommand(newSnapshotGetCommand(a))
	return cmd
}

func newSnapshotSetCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <client-id> <version-id>",
		Short: "Replace a client's snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "client id", "version id")
			if err != nil {
				return err
			}
			data, err := payloadFlag(cmd)
			if err != nil {
				return err
			}
			versionsSince, _ := cmd.Flags().GetUint32("versions-since")
			snapshot := store.Snapshot{
				VersionID:     ids[1],
				Timestamp:     time.Now().UTC(),
				VersionsSince: versionsSince,
			}
			err = a.runTxn(cmd.Context(), func(txn store.Txn) error {
				return txn.SetSnapshot(cmd.Context(), ids[0], snapshot, data)
			})
			if err != nil {
				return err
			}
			a.l.Info("snapshot set",
				zap.Stringer("client", ids[0]),
				zap.Stringer("version", ids[1]),
				zap.Int("size", len(data)),
			)
			return nil
		},
	}
	addPayloadFlags(cmd.Flags(), "snapshot data")
	cmd.Flags().Uint32("versions-since", 0, "number of versions added after the snapshot version")
	return cmd
}

func newSnapshotGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <client-id> <version-id>",
		Short: "Write the data of a client's snapshot to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "client id", "version id")
			if err != nil {
				return err
			}
			var data []byte
			err = a.runTxn(cmd.Context(), func(txn store.Txn) error {
				data, err = txn.GetSnapshotData(cmd.Context(), ids[0], ids[1])
				return err
			})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
