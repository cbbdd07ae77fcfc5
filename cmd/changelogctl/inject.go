package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
	"github.com/dd0wney/cluso-changelog/pkg/replication"
)

type injectOptions struct {
	serverID     uint16
	baseDN       string
	generationID int64
	count        int
	interval     time.Duration
	payload      string
	receive      time.Duration
}

func newInjectCmd(g *globalOptions) *cobra.Command {
	opts := &injectOptions{}
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Publish test changes as a data server",
		Long: `Connect to the replication port as a data server and publish changes
with CSNs of --server-id. With --receive the command also prints the
changes other servers send during that time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInject(cmd.Context(), g, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.Uint16Var(&opts.serverID, "server-id", 100, "Server id of the simulated data server")
	f.StringVarP(&opts.baseDN, "base-dn", "b", "dc=example,dc=com", "Replicated base DN")
	f.Int64Var(&opts.generationID, "generation-id", changelog.NoGenerationID, "Generation id to present")
	f.IntVarP(&opts.count, "count", "n", 10, "Number of changes to publish")
	f.DurationVar(&opts.interval, "interval", 0, "Pause between changes")
	f.StringVar(&opts.payload, "payload", "changetype: modify", "Change payload")
	f.DurationVar(&opts.receive, "receive", 0, "Print received changes for this long after publishing")
	return cmd
}

func runInject(ctx context.Context, g *globalOptions, opts *injectOptions, out io.Writer) error {
	tlsCfg, err := g.clientTLS()
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	c, err := replication.DialDataServer(dctx, g.server, replication.DataServerOptions{
		ServerID:     opts.serverID,
		ServerURL:    fmt.Sprintf("changelogctl-%d", opts.serverID),
		BaseDN:       opts.baseDN,
		GenerationID: opts.generationID,
		TLS:          tlsCfg,
		Timeout:      g.timeout,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("connect as data server %d: %w", opts.serverID, err)
	}
	defer c.Close()

	gen := csn.NewGenerator(opts.serverID)
	if seen, ok := c.Server().ServerState[opts.serverID]; ok {
		gen.Adjust(seen)
	}

	g2, gctx := errgroup.WithContext(ctx)
	g2.Go(func() error {
		for i := 0; i < opts.count; i++ {
			u := protocol.NewUpdateMsg(gen.Next(), []byte(opts.payload), false, protocol.Version)
			if err := c.Publish(gctx, u); err != nil {
				return fmt.Errorf("publish %s: %w", u.CSN(), err)
			}
			fmt.Fprintf(out, "sent\t%s\n", u.CSN())
			if opts.interval > 0 {
				select {
				case <-time.After(opts.interval):
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})
	if opts.receive > 0 {
		g2.Go(func() error {
			deadline := time.After(opts.receive)
			for {
				select {
				case u, ok := <-c.Updates():
					if !ok {
						return c.Err()
					}
					fmt.Fprintf(out, "received\t%s\n", u.CSN())
				case <-deadline:
					return nil
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	return g2.Wait()
}
