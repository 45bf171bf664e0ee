// Package main provides the entry point for the vehicle message-bus server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vmsbus/vms-server/internal/audit"
	"github.com/vmsbus/vms-server/internal/availability"
	"github.com/vmsbus/vms-server/internal/broker"
	"github.com/vmsbus/vms-server/internal/config"
	"github.com/vmsbus/vms-server/internal/metrics"
	"github.com/vmsbus/vms-server/internal/node"
	"github.com/vmsbus/vms-server/internal/publishers"
	"github.com/vmsbus/vms-server/internal/pubsub"
)

var log = logging.Logger("vms")

var rootCmd = &cobra.Command{
	Use:   "vmsd",
	Short: "Vehicle message bus - layer resolution and subscription routing",
	Long: `vmsd runs the vehicle message bus. It resolves which layers publishers can
serve from their declared dependencies, routes published messages to the
subscribers of each layer, and shares both with peers over GossipSub.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
	SilenceUsage: true,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the bus daemon",
	Long:  `Start the bus daemon with the publishers and HAL subscriptions from the config.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize bus configuration",
	RunE:  runInit,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the layers the configured publishers can serve",
	Long: `Run the configured publisher offerings through the resolver and print the
resulting availability snapshot as YAML.`,
	RunE: runResolve,
}

var (
	configPath string
	listenAddr string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}

	opts := broker.Options{}

	if cfg.Audit.Enabled {
		journal, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		opts.Journal = journal
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		opts.Metrics = m

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("Metrics available at http://%s/metrics", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnf("Metrics server error: %v", err)
			}
		}()
	}

	b := broker.New(opts)

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	bridge, err := pubsub.NewBridge(n.PubSub(), n.PeerID(), cfg.Network.TopicPrefix, b)
	if err != nil {
		n.Stop()
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	b.AddNotifier(bridge)
	b.SetForwarder(bridge)

	log.Info("Starting vehicle message bus daemon...")
	if err := bridge.Start(); err != nil {
		bridge.Close()
		n.Stop()
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		bridge.Close()
		n.Stop()
		return fmt.Errorf("failed to start node: %w", err)
	}

	log.Infof("Peer ID: %s", n.PeerID())
	for _, addr := range n.ListenAddrs() {
		log.Infof("Listening on: %s", addr)
	}

	if err := seedBroker(b, cfg); err != nil {
		log.Warnf("Failed to seed configured publishers: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if err := bridge.Close(); err != nil {
		log.Warnf("Bridge shutdown error: %v", err)
	}
	return n.Stop()
}

// seedBroker registers the configured publishers, their offerings and the
// HAL subscriptions.
func seedBroker(b *broker.Broker, cfg *config.Config) error {
	for _, o := range cfg.Offerings(b.RegisterPublisher) {
		if err := b.SetPublisherOffering(o); err != nil {
			return err
		}
	}
	for _, layer := range cfg.HalSubscriptions {
		b.AddHalSubscription(layer)
	}

	available := b.GetAvailableLayers()
	log.Infof("Seeded %d publishers: %d layers available", len(cfg.Publishers), len(available.AssociatedLayers))
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	log.Infof("Initialized bus configuration at %s", path)
	return nil
}

type resolvedLayer struct {
	Layer      string   `yaml:"layer"`
	Publishers []string `yaml:"publishers"`
}

type resolveOutput struct {
	Sequence  int             `yaml:"sequence"`
	Available []resolvedLayer `yaml:"available"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry := publishers.NewRegistry()
	resolver := availability.NewResolver()
	resolver.SetPublishersOffering(cfg.Offerings(registry.GetIDForInfo))
	available := resolver.GetAvailableLayers()

	out := resolveOutput{
		Sequence:  available.Sequence,
		Available: make([]resolvedLayer, 0, len(available.AssociatedLayers)),
	}
	for _, al := range available.AssociatedLayers {
		rl := resolvedLayer{Layer: al.Layer.String()}
		for _, id := range al.PublisherIDs {
			info, err := registry.GetPublisherInfo(id)
			if err != nil {
				return err
			}
			rl.Publishers = append(rl.Publishers, string(info))
		}
		out.Available = append(out.Available, rl)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}
