// Command tce-node runs one certification engine process: it loads
// configuration, builds a node.Node, and runs it until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/topos-tce/tce-node/config"
	"github.com/topos-tce/tce-node/node"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tce-node",
	Short: "Run a Topos Certification Engine node",
	Long: `tce-node runs the peer-to-peer double-echo broadcast, quorum
sampling, checkpoint synchronization and certificate APIs of one
subnet's certification engine.`,
	RunE: run,
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to ./tce-node.yaml or /etc/tce-node)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}

	return n.Run(ctx)
}
