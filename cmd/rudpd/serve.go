package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-rudp/codec"
	"github.com/cyberinferno/go-rudp/logger"
	"github.com/cyberinferno/go-rudp/metrics"
	"github.com/cyberinferno/go-rudp/reactor"
	"github.com/cyberinferno/go-rudp/udpserver"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		Long: `Run a reliable UDP server that echoes every frame back to its sender
with the rpc id incremented. Prometheus metrics are served on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultServeConfig()
			if configPath != "" {
				loaded, err := loadServeConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			log, err := newLogger("rudpd", flags, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "UDP listen address (overrides the config file)")

	return cmd
}

// echoHandler sends every frame back with the rpc id incremented.
type echoHandler struct {
	srv *udpserver.Server
	log logger.Logger
}

func (e *echoHandler) OnConnect(h udpserver.Handle) {
	remote, _ := e.srv.RemoteAddr(h)
	e.log.Info("peer connected", logger.Field{Key: "handle", Value: h.String()}, logger.Field{Key: "remote", Value: remote.String()})
}

func (e *echoHandler) OnDisconnect(h udpserver.Handle) {
	e.log.Info("peer disconnected", logger.Field{Key: "handle", Value: h.String()})
}

func (e *echoHandler) OnMessage(h udpserver.Handle, f codec.Frame) {
	if f.IsHeartbeat() {
		return
	}
	e.srv.Send(h, codec.Frame{ID: f.ID, RPCID: f.RPCID + 1, Body: f.Body})
}

func runServer(ctx context.Context, cfg serveConfig, log logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.Config{Subsystem: "server", Registry: reg})

	loop := reactor.NewLoop(log)
	handler := &echoHandler{log: log}
	srv := udpserver.NewServer(cfg.Server, handler, loop, log, m)
	handler.srv = srv

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	loop.Start()
	if err := srv.Start(); err != nil {
		loop.Stop()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			log.Info("metrics listening", logger.Field{Key: "addr", Value: cfg.MetricsAddr})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		srv.Close(true)
		loop.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
