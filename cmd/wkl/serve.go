package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"weekline/internal/engine"
	"weekline/internal/scheduler"
	"weekline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, schedule bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and, optionally, the rollover scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("WEEKLINE_JWT_SECRET is required for bearer auth")
			}
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				log := e.Logger.WithField("component", "serve")
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, Logger: log},
					Logger:   log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					log.WithField("addr", addr).Infof("serving weekline API under %s", basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if schedule {
					s := scheduler.New(e, scheduler.Options{
						Interval:   interval,
						RunOnStart: true,
						Logger:     e.Logger.WithField("component", "scheduler"),
					})
					g.Go(func() error {
						if err := s.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
							return err
						}
						return nil
					})
				}
				fmt.Printf("Serving weekline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login to mint tokens")
	cmd.Flags().BoolVar(&schedule, "scheduler", true, "run the rollover scheduler in-process")
	cmd.Flags().DurationVar(&interval, "interval", scheduler.DefaultInterval, "scheduler pass interval")
	return cmd
}

func tokenCmd() *cobra.Command {
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token signed with WEEKLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := viper.GetString("org")
			if orgID == "" {
				orgID = server.AllOrgs
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), orgID, perms, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", []string{server.PermAll}, "permissions to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
