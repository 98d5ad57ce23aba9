package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lh/yiana/internal/api"
	"github.com/lh/yiana/internal/mcp"
	"github.com/lh/yiana/internal/service"
)

func newServeCmd() *cobra.Command {
	var (
		httpMode bool
		addr     string
		noWatch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the search API over MCP (stdio) or HTTP",
		Long: `Start a query surface over the repository.

By default an MCP server runs on stdin/stdout with the tools
search_documents, document_indexed, index_status and reindex. Nothing else
is written to stdout in this mode; logs go to the log file.

With --http an HTTP API is served instead:
  GET  /search?q=&limit=
  GET  /documents/{id}/indexed
  GET  /index/count
  GET  /index/status
  POST /index/run
  POST /index/reset

Unless --no-watch is given the repository is watched and changed documents
are indexed in the background.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace(service.Options{})
			if err != nil {
				return err
			}
			defer ws.close()

			if httpMode {
				if addr == "" {
					addr = ws.cfg.Server.HTTPAddr
				}
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Serving %s on http://%s\n", ws.svc.Repository().Root(), addr)
				return serveWith(cmd.Context(), ws, !noWatch, func(ctx context.Context) error {
					router := api.NewRouter(ws.svc, api.Options{
						CORSOrigins: ws.cfg.Server.CORSOrigins,
						Logger:      ws.logger,
					})
					return api.NewServer(addr, router, ws.logger).ListenAndServe(ctx)
				})
			}

			server, err := mcp.NewServer(ws.svc, ws.logger)
			if err != nil {
				return err
			}
			return serveWith(cmd.Context(), ws, !noWatch, func(ctx context.Context) error {
				return server.Serve(ctx, "stdio")
			})
		},
	}

	cmd.Flags().BoolVar(&httpMode, "http", false, "Serve the HTTP API instead of MCP over stdio")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config, :8740)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the repository for changes")
	return cmd
}

// serveWith runs serve alongside the repository watcher. When serve
// returns, the watcher is stopped.
func serveWith(ctx context.Context, ws *workspace, watch bool, serve func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if watch {
		g.Go(func() error {
			if err := ws.svc.Watch(gctx, nil); err != nil {
				ws.logger.Warn("watch_failed", slog.String("error", err.Error()))
			}
			return nil
		})
	} else {
		ws.svc.RequestIndex()
	}
	g.Go(func() error {
		defer cancel()
		return serve(gctx)
	})
	return g.Wait()
}
