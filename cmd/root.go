package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/vbKV/cmd/kv"
	"github.com/ValentinKolb/vbKV/cmd/sim"
	"github.com/ValentinKolb/vbKV/cmd/topology"
	"github.com/ValentinKolb/vbKV/cmd/util"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "vbkv",
		Short: "topology-aware client for partitioned key-value clusters",
		Long: fmt.Sprintf(`vbKV (v%s)

A client driver for key-value clusters whose data is split into a fixed
number of partitions spread over a changing set of nodes. It follows the
cluster's partition map, routes every operation to the node owning its key
and confirms durability by observing the master and its replicas.`, common.Version),
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return common.InitLoggers(viper.GetString("log-level"))
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of vbKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vbKV v%s\n", common.Version)
		},
	}
)

func init() {
	// the subcommand groups set up their clients in their own pre-run hooks
	cobra.EnableTraverseRunHooks = true
	cobra.OnInitialize(util.InitClientConfig)

	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(topology.TopologyCommands)
	RootCmd.AddCommand(sim.SimCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	RootCmd.PersistentFlags().String("log-level", "warn", util.WrapString("Log level (debug, info, warn, error)"))
	_ = viper.BindPFlag("log-level", RootCmd.PersistentFlags().Lookup("log-level"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
