package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
	"github.com/dd0wney/cluso-changelog/pkg/replication"
)

type tailOptions struct {
	cookie       string
	changeNumber int64
	persistent   bool
	changesOnly  bool
	exclude      []string
	limit        int
}

func newTailCmd(g *globalOptions) *cobra.Command {
	opts := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Read the external changelog",
		Long: `Read the external changelog of a replication server.

Without --persistent the command prints the changes stored now and exits.
With --persistent it keeps printing new changes until interrupted. The
last cookie printed resumes the read with --cookie.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.validateOutput(); err != nil {
				return err
			}
			msg, err := opts.startMsg()
			if err != nil {
				return err
			}
			return runTail(cmd.Context(), g, msg, opts.limit, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.cookie, "cookie", "", "Resume after this cookie")
	f.Int64Var(&opts.changeNumber, "change-number", 0, "Start at this change number instead of a cookie")
	f.BoolVarP(&opts.persistent, "persistent", "f", false, "Keep reading new changes")
	f.BoolVar(&opts.changesOnly, "changes-only", false, "Only print changes made after the read starts")
	f.StringSliceVar(&opts.exclude, "exclude", nil, "Base DNs to leave out")
	f.IntVarP(&opts.limit, "limit", "n", 0, "Stop after this many changes, 0 for no limit")
	return cmd
}

func (o *tailOptions) startMsg() (*protocol.StartECLSessionMsg, error) {
	if o.cookie != "" && o.changeNumber > 0 {
		return nil, errors.New("--cookie and --change-number are exclusive")
	}
	if o.cookie != "" {
		if _, err := csn.ParseCookie(o.cookie); err != nil {
			return nil, err
		}
	}
	msg := &protocol.StartECLSessionMsg{
		Cookie:            o.cookie,
		StartChangeNumber: o.changeNumber,
		ExcludedBaseDNs:   o.exclude,
		Mode:              protocol.NonPersistent,
	}
	switch {
	case o.changesOnly:
		msg.Mode = protocol.PersistentChangesOnly
	case o.persistent:
		msg.Mode = protocol.Persistent
	}
	return msg, nil
}

func runTail(ctx context.Context, g *globalOptions, msg *protocol.StartECLSessionMsg, limit int, out io.Writer) error {
	tlsCfg, err := g.clientTLS()
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	c, err := replication.DialECL(dctx, g.server, msg, tlsCfg)
	cancel()
	if err != nil {
		return fmt.Errorf("open external changelog session: %w", err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	printed := 0
	for limit <= 0 || printed < limit {
		p, err := c.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		switch m := p.(type) {
		case *protocol.DoneMsg:
			if !msg.Mode.IsPersistent() {
				return nil
			}
		case *protocol.ECLUpdateMsg:
			if err := printChange(out, g.output, m); err != nil {
				return err
			}
			printed++
		}
	}
	return nil
}

func printChange(w io.Writer, output string, m *protocol.ECLUpdateMsg) error {
	if output == "json" {
		return printJSON(w, m)
	}
	_, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", m.ChangeNumber, m.BaseDN, m.Update.CSN(), m.Cookie)
	return err
}
