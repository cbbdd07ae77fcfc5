package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-changelog/pkg/auth"
)

func newTokenCmd() *cobra.Command {
	var secretFile, subject, scope string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		Long: `Sign an admin API token with the server's HMAC secret, read from
--secret-file or $` + auth.SecretEnv + `. Read tokens may query the
server; admin tokens may also reload, reset or remove.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := auth.LoadSecret(secretFile)
			if err != nil {
				return err
			}
			if secret == "" {
				return errors.New("no secret: pass --secret-file or set $" + auth.SecretEnv)
			}
			tokens, err := auth.NewTokenManager(secret)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(subject, scope, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&secretFile, "secret-file", "", "File holding the admin HMAC secret")
	f.StringVar(&subject, "subject", "changelogctl", "Subject recorded in the token")
	f.StringVar(&scope, "scope", auth.ScopeRead, "Scope: read or admin")
	f.DurationVar(&ttl, "ttl", 24*time.Hour, "Lifetime; 0 never expires")
	return cmd
}
