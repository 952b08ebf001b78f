package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"conduit/internal/config"
	"conduit/internal/donkey"
	"conduit/internal/engine"
	"conduit/internal/server"
	"conduit/pkg/logging"
)

// serveChannelsDir overrides CONDUIT_CHANNELS_DIR when set.
var serveChannelsDir string

// serveWatch redeploys channels when their YAML files change on disk.
var serveWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the integration engine and its REST API",
	Long: `Starts the engine: opens the message store, deploys every channel
definition found in the channels directory, and serves the administrative
REST API with a websocket event feed.

The process runs until it receives SIGINT or SIGTERM, then stops all
channels gracefully before exiting. Queued destination messages survive the
restart; unfinished source messages are recovered on the next deploy.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadEngineConfig()
	if err != nil {
		return err
	}
	if serveChannelsDir != "" {
		cfg.ChannelsDir = serveChannelsDir
	}
	if serveWatch {
		cfg.WatchChannels = true
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		logging.InitWithFile(level, os.Stderr, cfg.LogFile, cfg.LogMaxSizeMB)
	} else {
		logging.Init(level, os.Stderr)
	}

	store, err := donkey.Open(donkey.Config{
		Driver:                cfg.DBDriver,
		DSN:                   cfg.DBDSN,
		ServerID:              cfg.ServerID,
		AttachmentSegmentSize: cfg.AttachmentSegmentSize,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(&cfg, store, nil)

	channels, err := config.LoadChannelDir(cfg.ChannelsDir)
	if err != nil {
		return err
	}
	if err := eng.DeployAll(ctx, channels); err != nil {
		// Deploy failures are per-channel; the rest of the engine runs.
		logging.Error("Engine", err, "some channels failed to deploy")
	}
	if cfg.WatchChannels {
		if err := eng.WatchChannels(ctx, cfg.ChannelsDir); err != nil {
			return fmt.Errorf("watching channels directory: %w", err)
		}
	}

	srv := server.New(&cfg, eng)
	err = srv.Run(ctx)

	// The signal context is already cancelled; give the shutdown its own
	// deadline so stop() can still drain in-flight messages.
	grace := time.Duration(cfg.StopGraceSeconds+5) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if shutdownErr := eng.Shutdown(shutdownCtx); shutdownErr != nil {
		logging.Error("Engine", shutdownErr, "shutdown finished with errors")
	}
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveChannelsDir, "channels-dir", "", "Directory of channel YAML definitions (overrides CONDUIT_CHANNELS_DIR)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Redeploy channels when their YAML files change")
}
