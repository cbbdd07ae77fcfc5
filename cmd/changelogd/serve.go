package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-changelog/pkg/auth"
	"github.com/dd0wney/cluso-changelog/pkg/health"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/replication"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	*rootOptions
	adminAddr   string
	adminSecret string
	ecl         bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication server",
		Long: `Run the replication server until SIGINT or SIGTERM.

SIGHUP reloads the configuration file and applies it to the running
server. Changes that need a restart are reported in the log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.adminAddr, "admin-addr", "127.0.0.1:9090",
		"Admin HTTP address serving /metrics, /health and /monitor; empty disables it")
	cmd.Flags().StringVar(&opts.adminSecret, "admin-secret-file", "",
		"File holding the HMAC secret for admin bearer tokens (default $"+auth.SecretEnv+")")
	cmd.Flags().BoolVar(&opts.ecl, "ecl", true, "Enable the external changelog")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(opts.logLevel))
	logging.SetDefaultLogger(logger)

	cfg, err := replication.LoadServerConfig(opts.configPath)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	rs, err := replication.New(cfg, replication.Options{Logger: logger, Metrics: reg})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rs.Start(ctx); err != nil {
		return fmt.Errorf("start replication server: %w", err)
	}
	if opts.ecl {
		if err := rs.EnableExternalChangelog(ctx); err != nil {
			rs.Shutdown()
			return fmt.Errorf("enable external changelog: %w", err)
		}
	}

	hc := health.NewHealthChecker()
	rs.RegisterHealthChecks(hc)
	reload := func() replication.ConfigChangeResult {
		return reloadConfig(rs, opts.configPath, logger)
	}

	g, ctx := errgroup.WithContext(ctx)

	if opts.adminAddr != "" {
		tokens, err := adminTokens(opts.adminSecret, logger)
		if err != nil {
			rs.Shutdown()
			return err
		}
		ln, err := net.Listen("tcp", opts.adminAddr)
		if err != nil {
			rs.Shutdown()
			return fmt.Errorf("admin listener: %w", err)
		}
		srv := &http.Server{
			Handler:      newAdminServer(rs, hc, reg, logger, reload, tokens).Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		logger.Info("admin server listening", logging.String("addr", ln.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-rs.Done():
				return errors.New("replication server stopped")
			case <-hup:
				reload()
			}
		}
	})

	err = g.Wait()
	logger.Info("shutting down")
	if serr := rs.Shutdown(); serr != nil {
		logger.Warn("replication server shutdown", logging.Error(serr))
	}
	return err
}

// reloadConfig reads path again and applies it to rs.
func reloadConfig(rs *replication.ReplicationServer, path string, logger logging.Logger) replication.ConfigChangeResult {
	next, err := replication.LoadServerConfig(path)
	if err != nil {
		logger.Error("configuration reload failed", logging.Path(path), logging.Error(err))
		return replication.ConfigChangeResult{
			ResultCode: replication.ResultConstraintViolation,
			Messages:   []string{err.Error()},
		}
	}

	res := rs.ApplyConfigurationChange(next)
	fields := []logging.Field{
		logging.Path(path),
		logging.String("result", string(res.ResultCode)),
		logging.Bool("admin_action_required", res.AdminActionRequired),
	}
	for _, m := range res.Messages {
		logger.Warn("configuration change", logging.Path(path), logging.String("detail", m))
	}
	logger.Info("configuration reloaded", fields...)
	return res
}

// adminTokens builds the admin token manager. Without a secret the guarded
// routes answer 401 and only /metrics and /health* stay usable.
func adminTokens(secretFile string, logger logging.Logger) (*auth.TokenManager, error) {
	secret, err := auth.LoadSecret(secretFile)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		logger.Warn("no admin secret configured; admin API limited to /metrics and /health",
			logging.String("env", auth.SecretEnv))
		return nil, nil
	}
	tokens, err := auth.NewTokenManager(secret)
	if err != nil {
		return nil, fmt.Errorf("admin secret: %w", err)
	}
	return tokens, nil
}
