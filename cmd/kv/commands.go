package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ValentinKolb/vbKV/cmd/util"
	"github.com/ValentinKolb/vbKV/rpc/client"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key from its master or one of its replicas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			replica, _ := cmd.Flags().GetInt("replica")

			var res *client.GetResult
			var err error
			if replica < 0 {
				res, err = kvClient.Get(cmd.Context(), key)
			} else {
				res, err = kvClient.GetReplica(cmd.Context(), key, replica)
			}
			if errors.Is(err, common.ErrKeyNotFound) {
				fmt.Printf("key=%s, found=false\n", key)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=true, cas=%d, value=%s\n", key, res.Cas, res.Value)
			return nil
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE:  mutationCmd("set", (*client.Client).Set),
	}
	addCmd = &cobra.Command{
		Use:   "add [key] [value]",
		Short: "Sets the value for a key if the key does not exist yet",
		Args:  cobra.ExactArgs(2),
		RunE:  mutationCmd("add", (*client.Client).Add),
	}
	replaceCmd = &cobra.Command{
		Use:   "replace [key] [value]",
		Short: "Sets the value for a key if the key exists (and has the given cas)",
		Args:  cobra.ExactArgs(2),
		RunE:  mutationCmd("replace", (*client.Client).Replace),
	}
	delCmd = &cobra.Command{
		Use:     "del [key]",
		Aliases: []string{"delete"},
		Short:   "Deletes a key value pair",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := mutationOptions(cmd)
			if err != nil {
				return err
			}
			res, err := kvClient.Delete(cmd.Context(), args[0], opts)
			return printMutation("delete", args[0], res, err)
		},
	}
	observeCmd = &cobra.Command{
		Use:   "observe [key] [cas]",
		Short: "Waits until the mutation with the given cas is persisted and replicated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cas, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("cas must be a number: %w", err)
			}
			opts, err := mutationOptions(cmd)
			if err != nil {
				return err
			}
			isDelete, _ := cmd.Flags().GetBool("deleted")
			outcome, err := kvClient.Observe(cmd.Context(), args[0], cas, opts.Durability, isDelete)
			if err != nil {
				return err
			}
			printOutcome(outcome)
			return nil
		},
	}
)

func init() {
	getCmd.Flags().Int("replica", -1, util.WrapString("Read from this replica instead of the master (0 is the first replica)"))

	for _, cmd := range []*cobra.Command{setCmd, addCmd, replaceCmd, delCmd, observeCmd} {
		cmd.Flags().Int("persist-to", 0, util.WrapString("Number of nodes (master included) the mutation must be persisted on"))
		cmd.Flags().Int("replicate-to", 0, util.WrapString("Number of replicas the mutation must have reached"))
	}
	for _, cmd := range []*cobra.Command{setCmd, addCmd, replaceCmd} {
		cmd.Flags().Duration("expiry", 0, util.WrapString("Lifetime of the value, 0 keeps it forever"))
	}
	for _, cmd := range []*cobra.Command{setCmd, replaceCmd, delCmd} {
		cmd.Flags().Uint64("cas", 0, util.WrapString("Only mutate if the current cas matches"))
	}
	observeCmd.Flags().Bool("deleted", false, util.WrapString("The observed mutation was a delete"))
}

type storeFunc func(c *client.Client, ctx context.Context, key string, value []byte, opts client.MutationOptions) (*client.MutationResult, error)

// mutationCmd builds the run function of a command storing a value. store is
// a method expression since the client only exists once the pre-run hook ran.
func mutationCmd(name string, store storeFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		opts, err := mutationOptions(cmd)
		if err != nil {
			return err
		}
		res, err := store(kvClient, cmd.Context(), args[0], []byte(args[1]), opts)
		return printMutation(name, args[0], res, err)
	}
}

// mutationOptions reads the flags a mutation command may carry
func mutationOptions(cmd *cobra.Command) (client.MutationOptions, error) {
	var opts client.MutationOptions
	var err error
	if opts.Durability.PersistTo, err = cmd.Flags().GetInt("persist-to"); err != nil {
		return opts, err
	}
	if opts.Durability.ReplicateTo, err = cmd.Flags().GetInt("replicate-to"); err != nil {
		return opts, err
	}
	if cmd.Flags().Lookup("expiry") != nil {
		if opts.Expiry, err = cmd.Flags().GetDuration("expiry"); err != nil {
			return opts, err
		}
	}
	if cmd.Flags().Lookup("cas") != nil {
		if opts.Cas, err = cmd.Flags().GetUint64("cas"); err != nil {
			return opts, err
		}
	}
	if opts.Durability.PersistTo < 0 || opts.Durability.ReplicateTo < 0 {
		return opts, fmt.Errorf("invalid durability requirement %s", opts.Durability)
	}
	return opts, nil
}

// printMutation reports the outcome of a mutation. A failed durability
// requirement is printed next to the successful write.
func printMutation(name, key string, res *client.MutationResult, err error) error {
	if res == nil {
		return err
	}
	fmt.Printf("%s successfully: key=%s, cas=%d\n", name, key, res.Cas)
	if res.Durability != nil {
		printOutcome(res.Durability)
	}
	return err
}

func printOutcome(o *client.ObserveOutcome) {
	fmt.Printf("durable after %d polls (%s): persisted=%d, replicated=%d\n", o.Polls, o.Elapsed, o.Persisted, o.Replicated)
}
