package kv

import (
	"github.com/ValentinKolb/vbKV/cmd/util"
	"github.com/ValentinKolb/vbKV/rpc/client"
	"github.com/spf13/cobra"
)

var (
	kvClient *client.Client

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value operations against a cluster",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	// Add common client flags to the KV command
	util.SetupClientFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(addCmd)
	KeyValueCommands.AddCommand(replaceCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(observeCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient bootstraps the client from the configured endpoints
func setupKVClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config, err := util.GetClientConfig()
	if err != nil {
		return err
	}

	kvClient, err = client.NewClient(cmd.Context(), config)
	return err
}

func closeKVClient(*cobra.Command, []string) error {
	if kvClient == nil {
		return nil
	}
	return kvClient.Close()
}
