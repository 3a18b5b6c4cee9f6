package kv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/vbKV/cmd/util"
	"github.com/ValentinKolb/vbKV/rpc/client"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for vbKV clusters",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfOps              = 10000
	perfDurability       common.DurabilityRequirement
	perfSkip             = make([]string, 0)
)

// perfTest is one benchmark. prepare runs before the clock starts, op runs
// perfOps times spread over the threads.
type perfTest struct {
	name    string
	prepare func(ctx context.Context, keys []string) error
	op      func(ctx context.Context, i int, key string) error
}

// perfResult holds the measurements of one test
type perfResult struct {
	test    string
	timer   metrics.Timer
	errors  metrics.Counter
	elapsed time.Duration
	skipped bool
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 10000, util.WrapString("Number of operations per benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "persist-to"
	perfTestCmd.Flags().Int(key, 0, util.WrapString("Durability requirement of the set-durable test: nodes the value must be persisted on"))
	key = "replicate-to"
	perfTestCmd.Flags().Int(key, 1, util.WrapString("Durability requirement of the set-durable test: replicas the value must have reached"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfOps = max(viper.GetInt("ops"), 1)
	perfDurability = common.DurabilityRequirement{
		PersistTo:   viper.GetInt("persist-to"),
		ReplicateTo: viper.GetInt("replicate-to"),
	}
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	fmt.Println("Performance testing tool for vbKV clusters")

	// Print configuration
	config, err := util.GetClientConfig()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	m := kvClient.Map()
	fmt.Printf("Map: revision %d, %d nodes, %d partitions, %d replicas\n", m.Revision(), len(m.Nodes()), m.PartitionCount(), m.NumReplicas())
	fmt.Printf("Threads: %d, Operations: %d\n", perfNumThreads, perfOps)
	fmt.Println()

	fmt.Println("starting tests...")

	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	setAll := func(ctx context.Context, keys []string) error {
		for _, k := range keys {
			if _, err := kvClient.Set(ctx, k, value, client.MutationOptions{}); err != nil {
				return err
			}
		}
		return nil
	}

	tests := []perfTest{
		{
			name: "set",
			op: func(ctx context.Context, _ int, key string) error {
				_, err := kvClient.Set(ctx, key, value, client.MutationOptions{})
				return err
			},
		},
		{
			name: "set-large",
			op: func(ctx context.Context, _ int, key string) error {
				_, err := kvClient.Set(ctx, key, largeValue, client.MutationOptions{})
				return err
			},
		},
		{
			name: "set-durable",
			op: func(ctx context.Context, _ int, key string) error {
				_, err := kvClient.Set(ctx, key, value, client.MutationOptions{Durability: perfDurability})
				return err
			},
		},
		{
			name:    "get",
			prepare: setAll,
			op: func(ctx context.Context, _ int, key string) error {
				_, err := kvClient.Get(ctx, key)
				return err
			},
		},
		{
			name:    "get-replica",
			prepare: setAll,
			op: func(ctx context.Context, _ int, key string) error {
				_, err := kvClient.GetReplica(ctx, key, 0)
				return err
			},
		},
		{
			name:    "delete",
			prepare: setAll,
			op: func(ctx context.Context, _ int, key string) error {
				_, err := kvClient.Delete(ctx, key, client.MutationOptions{})
				if errors.Is(err, common.ErrKeyNotFound) {
					// every key is only set once
					return nil
				}
				return err
			},
		},
		{
			name:    "mixed",
			prepare: setAll,
			op: func(ctx context.Context, i int, key string) error {
				var err error
				switch i % 3 {
				case 0:
					_, err = kvClient.Set(ctx, key, value, client.MutationOptions{})
				case 1:
					_, err = kvClient.Get(ctx, key)
				case 2:
					_, err = kvClient.Replace(ctx, key, value, client.MutationOptions{})
				}
				return err
			},
		},
	}

	registry := metrics.NewRegistry()
	results := make([]perfResult, 0, len(tests))
	for _, test := range tests {
		res := runTest(ctx, registry, test)
		results = append(results, res)
		printResult(res)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// runTest prepares the keys of test, runs its operations on perfNumThreads
// goroutines and removes the keys again
func runTest(ctx context.Context, registry metrics.Registry, test perfTest) perfResult {
	res := perfResult{
		test:   test.name,
		timer:  metrics.GetOrRegisterTimer(test.name+".latency", registry),
		errors: metrics.GetOrRegisterCounter(test.name+".errors", registry),
	}
	if shouldSkip(test.name) {
		res.skipped = true
		return res
	}

	keys := getKeys(test.name)
	defer func() {
		for _, k := range keys {
			if _, err := kvClient.Delete(ctx, k, client.MutationOptions{}); err != nil && !errors.Is(err, common.ErrKeyNotFound) {
				log.Printf("(%s) - error deleting key: %v\n", test.name, err)
			}
		}
	}()
	if test.prepare != nil {
		if err := test.prepare(ctx, keys); err != nil {
			log.Printf("(%s) - error preparing keys: %v\n", test.name, err)
			res.skipped = true
			return res
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for t := range perfNumThreads {
		g.Go(func() error {
			for i := t; i < perfOps; i += perfNumThreads {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				opStart := time.Now()
				err := test.op(gctx, i, keys[i%len(keys)])
				res.timer.UpdateSince(opStart)
				if err != nil {
					res.errors.Inc(1)
					if res.errors.Count() <= 10 {
						log.Printf("(%s) - error: %v\n", test.name, err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("(%s) - aborted: %v\n", test.name, err)
	}
	res.elapsed = time.Since(start)
	return res
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(perfSkip, test)
}

// getKeys creates the test keys of one benchmark
func getKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}
	return keys
}

var percentiles = []float64{0.5, 0.95, 0.99}

// opsPerSec is the throughput of a finished test
func (r perfResult) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(r perfResult) {
	if r.skipped {
		fmt.Printf("%-14sskipped\n", r.test)
		return
	}
	snap := r.timer.Snapshot()
	ps := snap.Percentiles(percentiles)
	fmt.Printf("%-14s%8d ops %6d errors  mean %-10s p50 %-10s p95 %-10s p99 %-10s max %-10s %.0f ops/sec\n",
		r.test, snap.Count(), r.errors.Count(),
		time.Duration(snap.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]),
		time.Duration(snap.Max()), r.opsPerSec())
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "Ops", "Errors", "MeanNs", "P50Ns", "P95Ns", "P99Ns", "MaxNs", "OpsPerSec", "Skipped",
		"Endpoints", "Bucket", "FailureMode", "Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		snap := r.timer.Snapshot()
		ps := snap.Percentiles(percentiles)
		row := []string{
			r.test,
			strconv.FormatInt(snap.Count(), 10),
			strconv.FormatInt(r.errors.Count(), 10),
			fmt.Sprintf("%.0f", snap.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatInt(snap.Max(), 10),
			fmt.Sprintf("%.0f", r.opsPerSec()),
			strconv.FormatBool(r.skipped),
			strings.Join(config.Bootstrap.Endpoints, ";"),
			config.Bootstrap.Bucket,
			config.Routing.FailureMode.String(),
			config.Transport.Serializer,
			config.Transport.Type,
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.test, err)
		}
	}

	return nil
}
