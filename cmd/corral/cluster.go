package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corraldb/corral/pkg/consensus"
	"github.com/corraldb/corral/pkg/types"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Create or join a cluster",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new single-server cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		listen, _ := cmd.Flags().GetString("listen")
		name, _ := cmd.Flags().GetString("name")

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		path := logPath(dataDir)

		// The initial application state is an empty configuration set.
		if err := consensus.CreateCluster(path, listen, []byte("{}"), consensus.Options{Name: name}); err != nil {
			return err
		}

		meta, err := consensus.ReadMetadata(path)
		if err != nil {
			return err
		}
		fmt.Printf("Cluster created\n")
		fmt.Printf("  Cluster ID: %s\n", meta.CID)
		fmt.Printf("  Server ID:  %s\n", meta.SID)
		fmt.Printf("  Listening:  %s\n", meta.Local)
		return nil
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Prepare this server to join an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		listen, _ := cmd.Flags().GetString("listen")
		name, _ := cmd.Flags().GetString("name")
		remotes, _ := cmd.Flags().GetString("remotes")
		cluster, _ := cmd.Flags().GetString("cluster")

		if remotes == "" {
			return fmt.Errorf("--remotes is required")
		}
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		var cid *types.ClusterID
		if cluster != "" {
			id, err := types.ParseClusterID(cluster)
			if err != nil {
				return fmt.Errorf("invalid cluster id: %w", err)
			}
			cid = &id
		}

		path := logPath(dataDir)
		err := consensus.JoinCluster(path, listen, strings.Split(remotes, ","), cid, consensus.Options{Name: name})
		if err != nil {
			return err
		}
		fmt.Printf("Join prepared; run 'corral serve --data %s' to complete admission\n", dataDir)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the identity stored in a server's log",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")

		meta, err := consensus.ReadMetadata(logPath(dataDir))
		if err != nil {
			return err
		}
		fmt.Printf("Server ID:  %s\n", meta.SID)
		if meta.CID.IsZero() {
			fmt.Printf("Cluster ID: (not yet joined)\n")
		} else {
			fmt.Printf("Cluster ID: %s\n", meta.CID)
		}
		if meta.Name != "" {
			fmt.Printf("Name:       %s\n", meta.Name)
		}
		fmt.Printf("Address:    %s\n", meta.Local)
		return nil
	},
}

func logPath(dataDir string) string {
	return filepath.Join(dataDir, "corral.raft")
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)

	clusterInitCmd.Flags().String("data", "./corral-data", "Data directory")
	clusterInitCmd.Flags().String("listen", "tcp:127.0.0.1", "Address peers use to reach this server")
	clusterInitCmd.Flags().String("name", "", "Human-readable server name")

	clusterJoinCmd.Flags().String("data", "./corral-data", "Data directory")
	clusterJoinCmd.Flags().String("listen", "tcp:127.0.0.1", "Address peers use to reach this server")
	clusterJoinCmd.Flags().String("name", "", "Human-readable server name")
	clusterJoinCmd.Flags().String("remotes", "", "Comma-separated addresses of existing members")
	clusterJoinCmd.Flags().String("cluster", "", "Expected cluster id (learned from the cluster if omitted)")

	statusCmd.Flags().String("data", "./corral-data", "Data directory")
}
