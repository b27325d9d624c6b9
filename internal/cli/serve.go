package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/evidentia/internal/api"
	"github.com/ppiankov/evidentia/internal/engine"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP API",
	Long: `Serve opens the knowledge model, starts the background loop that keeps
grid health and predicaments current, and exposes the engine over HTTP
under /v1. Prometheus metrics are served on /metrics when enabled.

Example:
  evidentia serve
  evidentia serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	return withEngine(ctx, func(ctx context.Context, e *engine.Engine, logger *slog.Logger) error {
		e.Start(ctx)
		cfg := e.Config().Server
		srv := api.NewServer(cfg, api.NewRouter(e, cfg, logger), logger)
		return srv.Run(ctx)
	})
}
