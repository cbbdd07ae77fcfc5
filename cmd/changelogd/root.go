package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-changelog/pkg/protocol"
	"github.com/dd0wney/cluso-changelog/pkg/replication"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "changelogd",
		Short: "Replication server and changelog",
		Long: `changelogd accepts data servers and replication servers on one port,
keeps an ordered changelog per replicated base DN and replays it to
every consumer, including external changelog readers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "changelogd.yaml",
		"Server configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", os.Getenv("LOG_LEVEL"),
		"Log level: debug, info, warn, error (env: LOG_LEVEL)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newCheckConfigCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := replication.LoadServerConfig(opts.configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s is valid\n%s", opts.configPath, out)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "changelogd %s (protocol version %d)\n", version, protocol.Version)
		},
	}
}
