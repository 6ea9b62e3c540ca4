/*
Copyright © 2026 James Lawson (jpl-au) <hello@caelisco.net>
*/

// serve.go implements the "treedb serve" command.
//
// Separated from root.go because serve has unique lifecycle requirements:
// unlike other commands that run and exit, serve blocks until interrupted
// and owns the session manager, the background sweeper and the HTTP server.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jpl-au/treedb/internal/browse"
	"github.com/jpl-au/treedb/internal/config"
	"github.com/jpl-au/treedb/internal/duration"
	"github.com/jpl-au/treedb/internal/engine"
	"github.com/jpl-au/treedb/internal/server"
	"github.com/jpl-au/treedb/internal/session"
)

var (
	serveHost    string
	servePort    int
	serveRoot    string
	serveTimeout string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the treedb HTTP server.

Configuration is read from .treedb/config.yaml (falling back to
~/.treedb/config.yaml) and TREEDB_* environment variables; flags given
here override both.`,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	host := cfg.Host()
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Port()
	if servePort != 0 {
		port = servePort
	}
	root := cfg.BrowseRoot()
	if serveRoot != "" {
		root = serveRoot
	}
	timeout := cfg.TimeoutSeconds()
	if serveTimeout != "" {
		timeout, err = duration.ParseSeconds(serveTimeout)
		if err != nil {
			return err
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	defaults, err := session.Payload{
		DBPath:        cfg.DBFile(),
		TableName:     cfg.Table(),
		IDColumn:      cfg.IDColumn(),
		ParentColumn:  cfg.ParentColumn(),
		AutoBootstrap: cfg.AutoBootstrap(),
	}.Normalize()
	if err != nil {
		return fmt.Errorf("default binding: %w", err)
	}

	sessions := session.NewManager(time.Duration(timeout)*time.Second, engine.Initializer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sessions.StartSweeper(ctx)

	srv, err := server.NewServer(sessions, browse.New(root, cfg.Extensions()), logger, &server.Config{
		Host:     host,
		Port:     port,
		Defaults: defaults,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().StringVar(&serveRoot, "root", "", "Directory the file browser is rooted at")
	serveCmd.Flags().StringVar(&serveTimeout, "timeout", "", "Session idle timeout (seconds, or 30m/2h/1d)")
	rootCmd.AddCommand(serveCmd)
}
