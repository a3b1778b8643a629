package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/api"
	"github.com/MJE43/vision-trainer-go/internal/app"
	"github.com/MJE43/vision-trainer-go/internal/config"
	"github.com/MJE43/vision-trainer-go/internal/metrics"
	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(e *env) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the loopback HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port > 0 {
				if err := e.loader.Set("server.port", port); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return e.serve(ctx, func(addr string) {
				fmt.Fprintf(cmd.OutOrStdout(), "listening on http://%s\n", addr)
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

// serve runs until ctx ends, then drains sessions and closes the store.
func (e *env) serve(ctx context.Context, ready func(addr string)) error {
	cfg := e.config()
	reg, err := e.registry()
	if err != nil {
		return err
	}
	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	rec := store.NewRecorder(st, e.log.Named("recorder"), 64)
	svc, err := app.New(app.Options{
		Registry:  reg,
		Store:     st,
		Recorder:  rec,
		Metrics:   m,
		Logger:    e.log.Named("session"),
		Profile:   e.profile(),
		Surface:   stimulus.Surface{Width: cfg.Session.SurfaceWidth, Height: cfg.Session.SurfaceHeight},
		ReapAfter: cfg.Session.ReapAfter,
		MaxActive: cfg.Session.MaxActive,
	})
	if err != nil {
		return err
	}

	e.loader.Watch(func(next *config.Config) {
		fresh, err := protocol.Defaults()
		if err == nil {
			err = applyConfig(fresh, next)
		}
		if err != nil {
			e.log.Warn("protocol overrides not reloaded", zap.Error(err))
			return
		}
		for _, d := range fresh.List() {
			if err := reg.Register(d); err != nil {
				e.log.Warn("protocol not reloaded", zap.String("protocol", d.ID), zap.Error(err))
			}
		}
		e.log.Info("protocol overrides reloaded")
	})

	srv := api.NewServer(svc, m, cfg.Server, e.log.Named("api"))
	if err := srv.Start(); err != nil {
		svc.Close()
		_ = rec.Close()
		return err
	}
	if ready != nil {
		ready(srv.Addr().String())
	}

	go func() { _ = svc.Run(ctx) }()
	<-ctx.Done()
	e.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.log.Warn("api shutdown", zap.Error(err))
	}
	svc.Close()
	if err := rec.Close(); err != nil {
		e.log.Warn("recorder close", zap.Error(err))
	}
	return nil
}
