package main

import (
	gotls "crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-changelog/pkg/tls"
)

const adminTokenEnv = "CHANGELOG_ADMIN_TOKEN"

type globalOptions struct {
	server  string
	admin   string
	token   string
	timeout time.Duration
	output  string

	tls        bool
	caFile     string
	insecure   bool
	serverName string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "changelogctl",
		Short:         "Operate a changelogd replication server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVarP(&g.server, "server", "s", "127.0.0.1:8989", "Replication port of the server")
	f.StringVar(&g.admin, "admin", "http://127.0.0.1:9090", "Admin API URL of the server")
	f.StringVar(&g.token, "admin-token", os.Getenv(adminTokenEnv),
		"Bearer token for the admin API (default $"+adminTokenEnv+")")
	f.DurationVar(&g.timeout, "timeout", 10*time.Second, "Connect and request timeout")
	f.StringVarP(&g.output, "output", "o", "text", "Output format: text, json")
	f.BoolVar(&g.tls, "tls", false, "Connect to the replication port with TLS")
	f.StringVar(&g.caFile, "tls-ca-file", "", "CA certificate verifying the server")
	f.BoolVar(&g.insecure, "tls-insecure", false, "Skip server certificate verification")
	f.StringVar(&g.serverName, "tls-server-name", "", "Expected server name, defaults to the server host")

	root.AddCommand(newTailCmd(g))
	root.AddCommand(newInjectCmd(g))
	root.AddCommand(newCookieCmd(g))
	root.AddCommand(newTopCmd(g))
	root.AddCommand(newTokenCmd())
	root.AddCommand(newGencertCmd())
	return root
}

// clientTLS returns nil when TLS is off.
func (g *globalOptions) clientTLS() (*gotls.Config, error) {
	if !g.tls {
		return nil, nil
	}
	cfg := tls.DefaultConfig()
	cfg.Enabled = true
	cfg.AutoGenerate = false
	cfg.CAFile = g.caFile
	cfg.InsecureSkipVerify = g.insecure

	name := g.serverName
	if name == "" {
		host, _, err := net.SplitHostPort(g.server)
		if err != nil {
			return nil, fmt.Errorf("server address %q: %w", g.server, err)
		}
		name = host
	}
	return cfg.ClientConfig(name)
}

func (g *globalOptions) validateOutput() error {
	switch g.output {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q", g.output)
	}
}

func printJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
