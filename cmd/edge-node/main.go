package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/edgesync/go-node/internal/catalog"
	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
	"github.com/danielpatrickdp/edgesync/go-node/internal/logging"
	"github.com/danielpatrickdp/edgesync/go-node/internal/node"
	"github.com/danielpatrickdp/edgesync/go-node/internal/state"
	"github.com/danielpatrickdp/edgesync/go-node/internal/transport"
)

var Version = "dev"

var configPath string

// #region main
func main() {
	rootCmd := &cobra.Command{
		Use:           "edge-node",
		Short:         "On-device recommender with federated pattern sync",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env EDGESYNC_* overrides)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// #endregion main

// #region setup
func loadConfig() (config.NodeConfig, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.NodeConfig{}, nil, err
	}
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, os.Stderr)
	if err != nil {
		return config.NodeConfig{}, nil, err
	}
	return cfg, log, nil
}

// openNode wires a node over the configured database, catalog and, when
// withSync is set, transport.
func openNode(cfg config.NodeConfig, log *slog.Logger, reg prometheus.Registerer, withSync bool) (*node.Node, error) {
	items := catalog.NewMemory()
	if cfg.CatalogPath != "" {
		m, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		items = m
	}

	db, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	deps := node.Deps{Store: db, Catalog: items, Logger: log, Registerer: reg}
	if err := cfg.ValidateSync(); withSync && err != nil {
		log.Warn("sync settings invalid, serving without sync", "err", err)
	} else if withSync {
		tr, err := transport.New(cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
		deps.Transport = tr
	}

	n, err := node.New(cfg, deps)
	if err != nil {
		db.Close()
		if deps.Transport != nil {
			deps.Transport.Close()
		}
		return nil, err
	}
	return n, nil
}

// #endregion setup
