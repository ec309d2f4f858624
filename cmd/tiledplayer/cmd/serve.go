package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/king-prawns/tiled-player/internal/config"
	"github.com/king-prawns/tiled-player/internal/control"
	httpserver "github.com/king-prawns/tiled-player/internal/http"
	"github.com/king-prawns/tiled-player/internal/observability"
	"github.com/king-prawns/tiled-player/internal/pipeline"
	"github.com/king-prawns/tiled-player/internal/version"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"run"},
	Short:   "Host the dual-stream PiP control surface",
	Long: `Starts the HTTP control surface (load/destroy/set_active/swap/
geometry/stats plus the SSE host event stream) over one unloaded
Pipeline.

Loading an actual session requires a host binding that supplies codec
engines, re-encoders, and sink append targets (internal/control.
EngineFactory); those are external collaborators out of scope for this
core (§1), so this build serves the control surface only and rejects
load requests with 501 until an EngineFactory is wired in by an
embedding binary.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)
	logger = observability.WithComponent(logger, "serve")
	logger.Info("starting tiled-player",
		slog.String("version", version.Short()),
		slog.String("address", cfg.Server.Address()),
	)

	pipelineCfg := pipeline.FromAppConfig(cfg)

	// No EngineFactory is wired here: the codec engines, re-encoders,
	// and sink bindings are out-of-scope external collaborators (§1).
	// An embedding binary that owns those (e.g. a WASM host bridge)
	// constructs its own EngineFactory and calls
	// control.NewPipelineAndHandler directly instead of this command.
	var factory control.EngineFactory
	_, handler := control.NewPipelineAndHandler(pipelineCfg, factory, logger)

	serverCfg := httpserver.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     httpserver.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	server := httpserver.NewServer(serverCfg, logger, version.Short())

	handler.Register(server.API())
	handler.RegisterSSE(server.Router())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}
