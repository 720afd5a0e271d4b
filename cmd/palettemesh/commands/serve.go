package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/palettemesh/internal/bootstrap"
	"github.com/hupe1980/palettemesh/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Serve the palette stream over HTTP.

Routes:
  POST /api/palettes/stream          Server-Sent Events
  GET  /api/palettes/ws              WebSocket
  GET  /api/sessions/{id}            stored session
  POST /api/sessions/{id}/feedback   label a palette
  GET  /healthz                      health check`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	cfg, err := loadConfig(cmd, p)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)
	mesh, err := bootstrap.NewMesh(ctx, cfg, logger)
	if err != nil {
		return p.Error("failed to start", err.Error(), nil)
	}
	defer mesh.Close()

	srv := server.New(mesh, func(o *server.Options) {
		o.DefaultLimit = cfg.Server.DefaultLimit
		o.AllowedOrigins = cfg.Server.AllowedOrigins
		o.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
		o.ShutdownTimeout = cfg.Server.ShutdownTimeout
		o.Logger = logger
	})

	p.Success("serving %d producers on %s\n", len(mesh.Producers()), cfg.Server.Addr)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return p.Error("server stopped", err.Error(), nil)
	}
	return nil
}
