package sim

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/vbKV/cmd/util"
	"github.com/ValentinKolb/vbKV/lib/simcluster"
	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	simLogger = logger.GetLogger("sim")

	// SimCmd represents the sim command
	SimCmd = &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated cluster in this process",
		Long: `Starts data nodes and a configuration service in this process. Clients
bootstrap from the printed endpoint. With --churn the cluster adds and
removes a node in a loop so clients can be watched following the map.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return util.BindCommandFlags(cmd) },
		RunE:    runSim,
	}
)

func init() {
	def := simcluster.DefaultOptions()
	f := SimCmd.Flags()

	f.String("sim-bucket", def.Bucket, util.WrapString("Name of the served bucket"))
	f.String("sim-username", "", util.WrapString("User of the configuration service (defaults to the bucket name when a password is set)"))
	f.String("sim-password", "", util.WrapString("Password of the configuration service, empty disables authentication"))
	f.Int("sim-nodes", def.Nodes, util.WrapString("Number of data nodes"))
	f.Int("sim-partitions", def.Partitions, util.WrapString("Number of partitions"))
	f.Int("sim-replicas", def.Replicas, util.WrapString("Number of replicas per partition"))
	f.String("sim-hash", string(def.HashAlgorithm), util.WrapString("Hash algorithm of the map (CRC, FNV, BLAKE2B, XXH64)"))
	f.String("sim-transport", def.Transport, util.WrapString("Node transport (tcp, unix)"))
	f.String("sim-socket-dir", def.SocketDir, util.WrapString("Directory of the node sockets (only for unix)"))
	f.String("sim-serializer", def.Serializer, util.WrapString("Serializer of the nodes (binary, json, gob)"))
	f.String("sim-http", "127.0.0.1:8091", util.WrapString("Listen address of the configuration service"))
	f.Duration("sim-replication-delay", def.ReplicationDelay, util.WrapString("Time a write needs to reach the replicas"))
	f.Duration("sim-persist-delay", def.PersistDelay, util.WrapString("Time a write needs to reach disk"))
	f.Duration("churn", 0, util.WrapString("Add and remove a node at this interval, 0 keeps the topology fixed"))
}

func runSim(cmd *cobra.Command, _ []string) error {
	opts := simcluster.Options{
		Bucket:           viper.GetString("sim-bucket"),
		Username:         viper.GetString("sim-username"),
		Password:         viper.GetString("sim-password"),
		Nodes:            viper.GetInt("sim-nodes"),
		Partitions:       viper.GetInt("sim-partitions"),
		Replicas:         viper.GetInt("sim-replicas"),
		HashAlgorithm:    vbmap.HashAlgorithm(viper.GetString("sim-hash")),
		Transport:        viper.GetString("sim-transport"),
		SocketDir:        viper.GetString("sim-socket-dir"),
		Serializer:       viper.GetString("sim-serializer"),
		HTTPAddr:         viper.GetString("sim-http"),
		ReplicationDelay: viper.GetDuration("sim-replication-delay"),
		PersistDelay:     viper.GetDuration("sim-persist-delay"),
	}

	cluster, err := simcluster.Start(opts)
	if err != nil {
		return err
	}
	defer cluster.Close()

	cfg := cluster.ClientConfig()
	fmt.Printf("cluster is running, %d nodes serving bucket %s\n\n", len(cluster.Nodes()), cfg.Bootstrap.Bucket)
	fmt.Println("connect with:")
	fmt.Printf("  VBKV_ENDPOINTS=%s VBKV_BUCKET=%s VBKV_TRANSPORT=%s VBKV_SERIALIZER=%s vbkv kv get <key>\n\n",
		cfg.Bootstrap.Endpoints[0], cfg.Bootstrap.Bucket, cfg.Transport.Type, cfg.Transport.Serializer)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	churn := viper.GetDuration("churn")
	if churn <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(churn)
	defer ticker.Stop()
	var added vbmap.NodeAddress
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if added.IsZero() {
			if added, err = cluster.AddNode(); err != nil {
				simLogger.Errorf("Adding a node failed: %v", err)
			}
			continue
		}
		if err := cluster.RemoveNode(added); err != nil {
			simLogger.Errorf("Removing node %s failed: %v", added, err)
		}
		added = vbmap.NodeAddress{}
	}
}
