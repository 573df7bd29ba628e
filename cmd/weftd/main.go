// Command weftd runs a weft node: it joins the cluster, keeps its peer
// table up to date and routes events until it is signalled to stop.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raskyld/weft"
	"github.com/raskyld/weft/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "weftd",
	Short: "Dataplane node of the weft invocation fabric",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a node from its configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		handler, err := cfg.LogHandler(os.Stderr)
		if err != nil {
			return err
		}
		logger := slog.New(handler)
		slog.SetDefault(logger)

		opts, err := cfg.Options(handler)
		if err != nil {
			return err
		}
		return run(cfg, opts, logger)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of weftd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func run(cfg *config.Config, opts []weft.Option, logger *slog.Logger) error {
	node, err := weft.Create(opts...)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer node.Shutdown()
	logger.Info("node started", "node_id", node.ID().String(), "addr", node.Addr(), "config", cfg.String())

	if cfg.PeersFile != "" {
		watcher, err := config.NewPeersWatcher(cfg.PeersFile, node, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if err := node.JoinCluster(); err != nil {
		// Static peers still work without gossip.
		logger.Error("failed to join cluster", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("terminating...", "signal", sig.String())
	return nil
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/weft/weft.yaml", "path of the configuration file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
