// Command cmdlogd runs the bounded command-log device behind a TCP
// front-end.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/cmdlog/internal/logging"
	"github.com/yanet-platform/cmdlog/internal/server"
	"github.com/yanet-platform/cmdlog/internal/store"
	"github.com/yanet-platform/cmdlog/internal/xcmd"
)

var cmdArgs struct {
	ConfigPath string
	Daemonize  bool
	Port       int
}

var rootCmd = &cobra.Command{
	Use:   "cmdlogd",
	Short: "Bounded command-log device with a TCP front-end",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmdArgs.ConfigPath, cmdArgs.Daemonize, cmdArgs.Port); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().BoolVarP(&cmdArgs.Daemonize, "daemon", "d", false, "Daemonize (accepted for CLI compatibility; daemonization itself is delegated to the process supervisor, not performed here)")
	rootCmd.Flags().IntVarP(&cmdArgs.Port, "port", "p", 0, "Override the configured listen port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, daemonize bool, port int) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port > 0 {
		cfg.Server.ListenAddr = fmt.Sprintf(":%d", port)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	if daemonize {
		// Forking, detaching from the controlling terminal, and
		// redirecting std streams are left to the process supervisor;
		// the flag is accepted for compatibility and simply logged.
		log.Info("daemonize flag set; running in foreground (daemonization is delegated to the process supervisor)")
	}

	dev := store.New(cfg.Store, log)
	srv := server.New(cfg.Server, dev, log)

	log.Infow("starting cmdlogd",
		"listen_addr", cfg.Server.ListenAddr,
		"capacity", cfg.Store.Capacity,
	)

	wg, ctx := errgroup.WithContext(context.Background())

	wg.Go(func() error {
		return srv.Run(ctx)
	})

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
