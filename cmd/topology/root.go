package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ValentinKolb/vbKV/cmd/util"
	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	source *config.Source

	// TopologyCommands represents the topology command group
	TopologyCommands = &cobra.Command{
		Use:               "topology",
		Short:             "Inspect the partition map of a bucket",
		PersistentPreRunE: setupSource,
	}

	showCmd = &cobra.Command{
		Use:   "show",
		Short: "Fetches the current partition map and prints its layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := source.FetchInitial(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}
			printMap(m)
			keys, _ := cmd.Flags().GetStringSlice("key")
			for _, key := range keys {
				printKey(m, key)
			}
			return nil
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follows the configuration stream and prints every topology change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var current *vbmap.PartitionMap
			for ev := range source.Subscribe(ctx) {
				if ev.Kind == config.EventDisconnected {
					fmt.Printf("stream disconnected: %v\n", ev.Err)
					continue
				}
				if !ev.Map.NewerThan(current) {
					continue
				}
				d := vbmap.Diff(current, ev.Map)
				fmt.Printf("revision %d: %d nodes, +%d -%d %s\n",
					ev.Map.Revision(), len(ev.Map.Nodes()), len(d.Fresh), len(d.Odd), formatDelta(d))
				current = ev.Map
			}
			return nil
		},
	}
)

func init() {
	util.SetupClientFlags(TopologyCommands)

	showCmd.Flags().Bool("json", false, util.WrapString("Print the map as JSON"))
	showCmd.Flags().StringSlice("key", nil, util.WrapString("Print the partition and owners of these keys"))

	TopologyCommands.AddCommand(showCmd)
	TopologyCommands.AddCommand(watchCmd)
}

// setupSource creates the configuration source from the client flags
func setupSource(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	cfg, err := util.GetClientConfig()
	if err != nil {
		return err
	}
	source, err = config.NewSource(cfg.Bootstrap, uuid.NewString())
	return err
}

// printMap prints the map header followed by one line per node
func printMap(m *vbmap.PartitionMap) {
	d := m.Distribution()
	fmt.Printf("bucket %s, revision %d, hash %s\n", m.Bucket(), m.Revision(), m.HashAlgorithm())
	fmt.Printf("%d partitions, %d replicas, %d unassigned\n", m.PartitionCount(), m.NumReplicas(), d.Unassigned)
	fmt.Printf("master spread quality %.2f, replica spread quality %.2f\n\n",
		d.MasterSpread.DistributionQuality, d.ReplicaSpread.DistributionQuality)

	fmt.Printf("%-24s %-9s %8s %8s\n", "NODE", "STATUS", "MASTERS", "REPLICAS")
	for _, n := range m.Nodes() {
		status := "healthy"
		if !n.Healthy {
			status = "unhealthy"
		}
		fmt.Printf("%-24s %-9s %8d %8d\n", n.Address, status, d.Masters[n.Address], d.Replicas[n.Address])
	}
}

func printKey(m *vbmap.PartitionMap, key string) {
	p := m.PartitionIndexOf(key)
	master := "unassigned"
	if addr, ok := m.Master(p); ok {
		master = addr.String()
	}
	replicas := make([]string, 0, m.NumReplicas())
	for _, r := range m.Replicas(p) {
		replicas = append(replicas, r.String())
	}
	fmt.Printf("\nkey %q: partition %d, master %s, replicas [%s]\n", key, p, master, strings.Join(replicas, " "))
}

func formatDelta(d vbmap.Delta) string {
	var sb strings.Builder
	for _, a := range d.Fresh {
		sb.WriteString(" +" + a.String())
	}
	for _, a := range d.Odd {
		sb.WriteString(" -" + a.String())
	}
	return strings.TrimSpace(sb.String())
}
