package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

type cookieOptions struct {
	exclude  []string
	validate string
}

func newCookieCmd(g *globalOptions) *cobra.Command {
	opts := &cookieOptions{}
	cmd := &cobra.Command{
		Use:   "cookie",
		Short: "Print the newest external changelog cookie",
		Long: `Print the cookie positioned after the newest change of every domain,
read from the admin API. With --validate, check instead that the server
can still resume after the given cookie.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.validateOutput(); err != nil {
				return err
			}
			return runCookie(cmd.Context(), g, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", nil, "Base DNs to leave out")
	cmd.Flags().StringVar(&opts.validate, "validate", "", "Cookie to validate")
	return cmd
}

func runCookie(ctx context.Context, g *globalOptions, opts *cookieOptions, out io.Writer) error {
	q := url.Values{}
	for _, dn := range opts.exclude {
		q.Add("exclude", dn)
	}
	path := "/ecl/cookie"
	if opts.validate != "" {
		path = "/ecl/cookie/validate"
		q.Set("cookie", opts.validate)
	}

	var body map[string]string
	if err := adminGet(ctx, g, path, q, &body); err != nil {
		return err
	}
	if g.output == "json" {
		return printJSON(out, body)
	}
	if opts.validate != "" {
		_, err := fmt.Fprintln(out, "valid")
		return err
	}
	_, err := fmt.Fprintln(out, body["cookie"])
	return err
}

// adminGet decodes the JSON answer of the admin API into v, sending the
// admin token when one is set. Error answers carry {"error": "..."}.
func adminGet(ctx context.Context, g *globalOptions, path string, q url.Values, v any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	u := strings.TrimRight(g.admin, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s %s: %s", req.Method, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
