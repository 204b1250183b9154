package main

import (
	"log"

	"github.com/spf13/cobra"

	aeroncli "github.com/WALL-EEEEEEE/aeron/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "aeronctl",
		Short:         "service container management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(aeroncli.NewStatusCmd())
	root.AddCommand(aeroncli.NewJoinCmd())
	root.AddCommand(aeroncli.NewLeaveCmd())
	root.AddCommand(aeroncli.NewSnapshotCmd())
	root.AddCommand(aeroncli.NewOfferCmd())
	return root
}
