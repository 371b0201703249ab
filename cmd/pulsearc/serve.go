package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/app"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/engine"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/flags"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/rbac"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string
	var drainEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, the queue maintenance loop and the sync worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			opts := openOptions()
			opts.Registerer = reg
			rt, err := app.Open(ctx, viper.GetString("workspace"), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			secret := os.Getenv(cfg.Server.JWTSecretEnv)
			if secret == "" {
				return errs.Config(fmt.Sprintf("%s must hold the JWT signing secret", cfg.Server.JWTSecretEnv), "server.jwt_secret_env")
			}

			e := rt.Engine
			lc, err := e.Start(ctx, version)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Flags:    flags.New(e.Audit),
				Version:  version,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: rt.Logger},
				Gatherer: reg,
				Logger:   rt.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return e.Queue.Run(gctx) })
			if cfg.MDM.File != "" {
				policy := cfg.MDM.File
				if !filepath.IsAbs(policy) {
					policy = filepath.Join(rt.Workspace, policy)
				}
				if _, err := os.Stat(policy); err == nil {
					g.Go(func() error { return e.Policy.WatchFile(gctx, policy) })
				}
			}
			if e.Backend != nil && drainEvery > 0 {
				g.Go(func() error { return syncLoop(gctx, rt, drainEvery) })
			}
			g.Go(func() error {
				rt.Logger.Info("admin api listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			runErr := g.Wait()
			if err := e.Stop(context.Background(), lc, "shutdown"); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().DurationVar(&drainEvery, "drain-interval", time.Minute, "how often the sync worker drains the queue; 0 disables it")
	return cmd
}

// syncLoop drains the queue on every tick as the agent's operator user.
// Failed batches stay queued with backoff, so errors are only logged.
func syncLoop(ctx context.Context, rt *app.Runtime, every time.Duration) error {
	agent := rbac.UserContext{UserID: "agent:" + rt.Config.Device.ID, Roles: []string{engine.OperatorRole}}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			rep, err := rt.Engine.Drain(ctx, agent)
			switch {
			case err != nil && ctx.Err() != nil:
				return nil
			case err != nil:
				rt.Logger.Warn("sync drain failed", "error", err, "sent", rep.Sent)
			case rep.Batches > 0:
				rt.Logger.Info("sync drain", "batches", rep.Batches, "sent", rep.Sent, "rejected", rep.Rejected, "retrying", rep.Retrying)
			}
		}
	}
}
