package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/danielpatrickdp/edgesync/go-node/internal/aggregator"
	"github.com/danielpatrickdp/edgesync/go-node/internal/catalog"
	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
	"github.com/danielpatrickdp/edgesync/go-node/internal/logging"
	"github.com/danielpatrickdp/edgesync/go-node/internal/transport"
)

var Version = "dev"

// #region main
func main() {
	rootCmd := &cobra.Command{
		Use:           "aggregator",
		Short:         "Reference aggregator for edge pattern sync",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// #endregion main

// #region serve
type serveFlags struct {
	configPath  string
	tlsCert     string
	tlsKey      string
	catalogPath string
}

func serveCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sync over gRPC and REST",
		Long: `Start the aggregator.

Examples:
  aggregator serve
  aggregator serve --config aggregator.yaml --catalog catalog.json
  GRPC_ADDR=0.0.0.0:6000 aggregator serve --tls-cert server.pem --tls-key server.key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "gRPC TLS certificate")
	cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "gRPC TLS key")
	cmd.Flags().StringVar(&f.catalogPath, "catalog", "", "JSON catalog announced to devices")
	return cmd
}

func runServe(ctx context.Context, f serveFlags) error {
	cfg, err := config.LoadAggregator(f.configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, os.Stderr)
	if err != nil {
		return err
	}
	acfg, err := aggregator.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	agg := aggregator.New(acfg, aggregator.WithLogger(log), aggregator.WithMetrics(aggregator.NewMetrics(reg)))

	if f.catalogPath != "" {
		items, err := catalog.LoadFile(f.catalogPath)
		if err != nil {
			return err
		}
		for _, id := range items.IDs() {
			if ref, ok := items.Lookup(ctx, id); ok {
				agg.AddItems(ref)
			}
		}
		log.Info("catalog loaded", "items", items.Len())
	}

	gs, err := newGRPCServer(cfg, f)
	if err != nil {
		return err
	}
	transport.RegisterAggregatorServer(gs, agg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	g.Go(func() error {
		log.Info("grpc listening", "addr", cfg.GRPCAddr, "strategy", acfg.Strategy.Name())
		return gs.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		gs.GracefulStop()
		return nil
	})

	if cfg.RESTAddr != "" {
		if cfg.LogLevel != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := &http.Server{Addr: cfg.RESTAddr, Handler: aggregator.NewRouter(agg), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serveHTTP(gctx, srv, "rest", log) })
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serveHTTP(gctx, srv, "metrics", log) })
	}

	err = g.Wait()
	log.Info("aggregator stopped", "server_version", agg.Stats().ServerVersion)
	return err
}

func newGRPCServer(cfg config.AggregatorConfig, f serveFlags) (*grpc.Server, error) {
	switch {
	case f.tlsCert != "" && f.tlsKey != "":
		creds, err := credentials.NewServerTLSFromFile(f.tlsCert, f.tlsKey)
		if err != nil {
			return nil, fmt.Errorf("load tls: %w", err)
		}
		return grpc.NewServer(grpc.Creds(creds)), nil
	case cfg.AllowInsecure:
		return grpc.NewServer(), nil
	default:
		return nil, fmt.Errorf("%w: tls cert and key required unless allow_insecure is set", config.ErrConfigInvalid)
	}
}

// serveHTTP runs srv until ctx is cancelled.
func serveHTTP(ctx context.Context, srv *http.Server, name string, log *slog.Logger) error {
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	log.Info(name+" listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// #endregion serve
