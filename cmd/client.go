package cmd

import (
	"github.com/breez/sync-storage/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newClientCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Create and inspect clients",
	}
	cmd.AddCommand(newClientCreateCommand(a))
	cmd.AddCommand(newClientGetCommand(a))
	return cmd
}

func newClientCreateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <client-id>",
		Short: "Create a client without history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			latest, _ := cmd.Flags().GetString("latest")
			ids, err := parseIDs([]string{args[0], latest}, "client id", "latest version id")
			if err != nil {
				return err
			}
			err = a.runTxn(cmd.Context(), func(txn store.Txn) error {
				return txn.NewClient(cmd.Context(), ids[0], ids[1])
			})
			if err != nil {
				return err
			}
			a.l.Info("client created", zap.Stringer("client", ids[0]), zap.Stringer("latest", ids[1]))
			return nil
		},
	}
	cmd.Flags().String("latest", "nil", "latest version id of the new client")
	return cmd
}

func newClientGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <client-id>",
		Short: "Print a client's latest version and snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, err := parseID("client id", args[0])
			if err != nil {
				return err
			}
			var client *store.Client
			err = a.runTxn(cmd.Context(), func(txn store.Txn) error {
				client, err = txn.GetClient(cmd.Context(), clientID)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, client)
		},
	}
}
