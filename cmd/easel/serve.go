package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/easel"
	"pkt.systems/easel/core"
	"pkt.systems/easel/httpapi"
	"pkt.systems/easel/internal/appconfig"
	"pkt.systems/easel/internal/transport"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var agentURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the canvas server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if agentURL != "" {
				cfg.Agent.URL = agentURL
			}
			server, err := easel.New(toServerConfig(cfg), easel.ServerDeps{Logger: logger}, easel.WithHTTP())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("agent endpoint", "url", cfg.Agent.URL)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	cmd.Flags().StringVar(&agentURL, "agent-url", "", "override agent.url")
	return cmd
}

func toServerConfig(cfg appconfig.Config) easel.ServerConfig {
	return easel.ServerConfig{
		HTTP: httpapi.Config{
			Addr:       cfg.HTTP.Addr,
			BasePath:   cfg.HTTP.BasePath,
			HubHistory: cfg.HTTP.HubHistory,
		},
		Agent: toTransportConfig(cfg.Agent),
		Sync: core.SyncOptions{
			MinInterval: cfg.Sync.MinInterval(),
			FrameDelay:  cfg.Sync.FrameDelay(),
			Layout: core.LayoutOptions{
				CardWidth:  cfg.Layout.CardWidth,
				CardHeight: cfg.Layout.CardHeight,
				Gap:        cfg.Layout.Gap,
			},
		},
		Canvas: easel.CanvasConfig{
			StateDir: cfg.Canvas.StateDir,
			Document: cfg.Canvas.Document,
			Viewport: schema.Rect{W: cfg.Canvas.Viewport.W, H: cfg.Canvas.Viewport.H},
		},
	}
}

func toTransportConfig(cfg appconfig.AgentConfig) transport.Config {
	return transport.Config{
		URL:            cfg.URL,
		Headers:        cfg.Headers,
		ConnectTimeout: cfg.Timeout(),
	}
}
