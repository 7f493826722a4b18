package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/corraldb/corral/pkg/confstore"
)

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Read one configuration value from the local replica",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")

		store, err := confstore.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		v, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if v == nil {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Println(string(v))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys on the local replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")

		store, err := confstore.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		pairs, err := store.List()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(pairs))
		for k := range pairs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s\t%s\n", k, pairs[k])
		}
		return nil
	},
}

func init() {
	getCmd.Flags().String("data", "./corral-data", "Data directory")
	listCmd.Flags().String("data", "./corral-data", "Data directory")
}
