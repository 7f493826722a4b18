package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corraldb/corral/pkg/address"
	"github.com/corraldb/corral/pkg/rpc"
	"github.com/corraldb/corral/pkg/types"
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage cluster membership",
}

var memberRemoveCmd = &cobra.Command{
	Use:   "remove SERVER-ID",
	Short: "Remove a server from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		cluster, _ := cmd.Flags().GetString("cluster")

		sid, err := types.ParseServerID(args[0])
		if err != nil {
			return fmt.Errorf("invalid server id: %w", err)
		}
		cid, err := types.ParseClusterID(cluster)
		if err != nil {
			return fmt.Errorf("invalid cluster id: %w", err)
		}

		req := &rpc.RemoveServerRequest{SID: sid}
		req.From = types.NewServerID() // ephemeral client identity
		req.Cluster = cid

		status, hint, err := membershipRequest(remote, req)
		if err != nil {
			return err
		}
		fmt.Printf("Status: %s\n", status)
		if hint != "" {
			fmt.Printf("Leader: %s\n", hint)
		}
		return nil
	},
}

// membershipRequest opens a short-lived session, follows at most a few
// leader hints, and returns the final status.
func membershipRequest(remote string, req rpc.Message) (types.MembershipStatus, string, error) {
	for hops := 0; hops < 4; hops++ {
		addr, err := address.Parse(remote)
		if err != nil {
			return 0, "", err
		}
		conn, err := addr.Dial(nil)
		if err != nil {
			return 0, "", fmt.Errorf("failed to connect to %s: %w", remote, err)
		}
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		codec := rpc.NewCodec(conn)

		if err := codec.Encode(req); err != nil {
			conn.Close()
			return 0, "", err
		}

		status, hint, err := awaitMembershipReply(codec)
		conn.Close()
		if err != nil {
			return 0, "", err
		}
		if status == types.MembershipNotLeader && hint != "" && hint != remote {
			remote = hint
			continue
		}
		return status, hint, nil
	}
	return types.MembershipNotLeader, "", fmt.Errorf("too many leader redirects")
}

func awaitMembershipReply(codec *rpc.Codec) (types.MembershipStatus, string, error) {
	for {
		m, err := codec.Decode()
		if err != nil {
			if _, ok := err.(*rpc.ParseError); ok {
				continue
			}
			return 0, "", fmt.Errorf("connection lost awaiting reply: %w", err)
		}
		switch reply := m.(type) {
		case *rpc.AddServerReply:
			return reply.Status, reply.LeaderAddress, nil
		case *rpc.RemoveServerReply:
			return reply.Status, reply.LeaderAddress, nil
		}
	}
}

func init() {
	memberCmd.AddCommand(memberRemoveCmd)

	memberRemoveCmd.Flags().String("remote", "tcp:127.0.0.1", "Address of any cluster member")
	memberRemoveCmd.Flags().String("cluster", "", "Cluster id")
	memberRemoveCmd.MarkFlagRequired("cluster")
}
