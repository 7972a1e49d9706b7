package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/manuscript/config"
	"github.com/hazyhaar/manuscript/mcpquic"
	"github.com/hazyhaar/manuscript/observability"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job worker, the ops HTTP API and the MCP endpoints",
	Long: `Run the manuscript server.

One process owns the job worker, the heartbeat writer and the HTTP router:
  - /healthz          liveness (database ping)
  - /status           queue counts, rate-limit gate, worker heartbeat
  - /books/{id}       book, active version, chapters, completion
  - /jobs/{targetID}  jobs queued for a chapter or book
  - /events           recent business events
  - /mcp              MCP tools over streamable HTTP

When quic.listen is set the same tools are also served over QUIC.
The log level follows edits to the config file without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(true, func(a *app) error {
			return serve(cmd.Context(), a)
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides listen)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	if serveListen != "" {
		a.cfg.Listen = serveListen
	}
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "manuscript", Version: "1.0.0"}, nil)
	a.svc.RegisterMCP(mcpSrv)

	handler, mm := a.svc.Router(mcpSrv)

	var ql *mcpquic.Listener
	if a.cfg.QUIC.Listen != "" {
		var err error
		if ql, err = quicListener(a, mcpSrv); err != nil {
			return err
		}
	}

	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		if ql != nil {
			ql.Close()
		}
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.svc.Run(ctx) })
	g.Go(func() error { return mm.Watch(ctx, 5*time.Second) })
	g.Go(func() error {
		a.logger.Info("http listening", "addr", ln.Addr().String(), "max_conns", a.cfg.MaxConns)
		if err := httpSrv.Serve(netutil.LimitListener(ln, a.cfg.MaxConns)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if ql != nil {
		g.Go(func() error {
			if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	if cfgFile != "" {
		g.Go(func() error {
			return config.Watch(ctx, cfgFile, a.logger, func(c *config.Config) {
				lvl := observability.ParseLevel(c.Log.Level)
				if lvl != a.level.Level() {
					a.level.Set(lvl)
					a.logger.Info("log level changed", "level", lvl.String())
				}
			})
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func quicListener(a *app, mcpSrv *mcp.Server) (*mcpquic.Listener, error) {
	var (
		tlsCfg *tls.Config
		err    error
	)
	if a.cfg.QUIC.CertFile != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(a.cfg.QUIC.CertFile, a.cfg.QUIC.KeyFile)
	} else {
		a.logger.Warn("quic: no certificate configured, using a self-signed one")
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		return nil, err
	}
	return mcpquic.NewListener(a.cfg.QUIC.Listen, tlsCfg, mcpSrv, a.logger,
		mcpquic.WithMaxSessions(a.cfg.QUIC.MaxSessions))
}
