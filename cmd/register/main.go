package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dshills/possync/internal/app"
	"github.com/dshills/possync/internal/config"
	"github.com/dshills/possync/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		envFile     = flag.String("env", config.DefaultEnvFile, "path to an optional .env file")
		serveMCP    = flag.Bool("mcp", false, "serve operator tools over MCP on stdio")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("possync register\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", storage.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
		os.Exit(0)
	}

	if err := run(*envFile, *serveMCP); err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string, serveMCP bool) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	// gin prints route tables in debug mode; stdout belongs to MCP
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logs go to stderr; stdout is reserved for the MCP protocol
	container, err := app.New(ctx, cfg, app.Options{LogOutput: os.Stderr})
	if err != nil {
		return err
	}
	container.Logger.Info("register_starting", "version", version, "driver", storage.DriverName)

	if err := container.Start(ctx); err != nil {
		_ = container.Stop(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	if serveMCP {
		tools, err := container.MCPServer()
		if err != nil {
			_ = container.Stop(context.Background())
			return err
		}
		go func() { errCh <- tools.Serve(ctx) }()
	}

	select {
	case <-ctx.Done():
		container.Logger.Info("shutdown_signal")
	case err := <-errCh:
		if err != nil {
			container.Logger.Error("mcp_server_error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return container.Stop(shutdownCtx)
}
