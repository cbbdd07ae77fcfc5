package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-changelog/pkg/tls"
)

func newGencertCmd() *cobra.Command {
	cfg := tls.DefaultConfig()
	var certFile, keyFile string

	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Write a self-signed certificate for the replication port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := tls.GenerateAndSaveCertificate(&cfg, certFile, keyFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certFile, keyFile)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&certFile, "cert", "changelogd.crt", "Certificate file")
	f.StringVar(&keyFile, "key", "changelogd.key", "Private key file")
	f.StringSliceVar(&cfg.Hosts, "host", cfg.Hosts, "Host names and addresses of the certificate")
	f.StringVar(&cfg.Organization, "org", cfg.Organization, "Organization of the certificate")
	f.DurationVar(&cfg.ValidFor, "valid-for", 365*24*time.Hour, "Validity period")
	return cmd
}
