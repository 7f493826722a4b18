package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corraldb/corral/pkg/security"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage TLS certificates for ssl addresses",
}

var certInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the cluster certificate authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		name, _ := cmd.Flags().GetString("name")

		ca, err := security.NewCertAuthority(name)
		if err != nil {
			return err
		}
		if err := security.SaveCA(ca, dir); err != nil {
			return err
		}
		fmt.Printf("Cluster CA written to %s\n", dir)
		return nil
	},
}

var certIssueCmd = &cobra.Command{
	Use:   "issue HOST [HOST...]",
	Short: "Issue a server certificate signed by the cluster CA",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		name, _ := cmd.Flags().GetString("name")

		ca, err := security.LoadCA(dir)
		if err != nil {
			return err
		}
		certDER, key, err := ca.IssueServerCert(name, args)
		if err != nil {
			return err
		}
		if err := security.SaveServerCert(certDER, key, dir); err != nil {
			return err
		}
		fmt.Printf("Server certificate written to %s\n", dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certInitCmd)
	certCmd.AddCommand(certIssueCmd)

	certInitCmd.Flags().String("dir", "./corral-certs", "Certificate directory")
	certInitCmd.Flags().String("name", "corral", "Cluster name embedded in the CA subject")

	certIssueCmd.Flags().String("dir", "./corral-certs", "Certificate directory holding the CA")
	certIssueCmd.Flags().String("name", "corral-server", "Server common name")
}
