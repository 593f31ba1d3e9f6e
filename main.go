// OpenFlock — Fleet telemetry collection & live monitoring platform.
// Author: vesaa | License: MIT | https://github.com/vesaa/openflock
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/openflock/internal/agent"
	"github.com/vesaa/openflock/internal/config"
	"github.com/vesaa/openflock/internal/pipeline"
	"github.com/vesaa/openflock/internal/server"
)

const asciiLogo = `
  ██████╗ ██████╗ ███████╗███╗   ██╗███████╗██╗      ██████╗  ██████╗██╗  ██╗
 ██╔═══██╗██╔══██╗██╔════╝████╗  ██║██╔════╝██║     ██╔═══██╗██╔════╝██║ ██╔╝
 ██║   ██║██████╔╝█████╗  ██╔██╗ ██║█████╗  ██║     ██║   ██║██║     █████╔╝
 ██║   ██║██╔═══╝ ██╔══╝  ██║╚██╗██║██╔══╝  ██║     ██║   ██║██║     ██╔═██╗
 ╚██████╔╝██║     ███████╗██║ ╚████║██║     ███████╗╚██████╔╝╚██████╗██║  ██╗
  ╚═════╝ ╚═╝     ╚══════╝╚═╝  ╚═══╝╚═╝     ╚══════╝ ╚═════╝  ╚═════╝╚═╝  ╚═╝
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Println(asciiLogo)
	fmt.Printf("  ► OpenFlock %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "openflock",
		Short: "OpenFlock — fleet telemetry collection & live monitoring platform",
		Long: `OpenFlock is a single-binary telemetry platform: agents stream system
metrics over persistent websockets, the server buffers and batches them into
storage, and operators watch any machine live from the control plane.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the OpenFlock collector (dual-port: 6688 control + 1717 data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			log := slog.New(slog.NewTextHandler(os.Stdout, nil))
			slog.SetDefault(log)

			p, err := pipeline.New(cfg, log)
			if err != nil {
				return fmt.Errorf("building pipeline: %w", err)
			}

			auth, err := server.NewAuth(cfg)
			if err != nil {
				return fmt.Errorf("preparing auth: %w", err)
			}
			srv := server.New(auth, p.Store, p.Buffer, p.Queue, p.Retention, p.Hub, p.PromReg)

			gin.SetMode(gin.ReleaseMode)
			corsMiddleware := func(c *gin.Context) {
				c.Header("Access-Control-Allow-Origin", "*")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
				c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				if c.Request.Method == "OPTIONS" {
					c.AbortWithStatus(204)
					return
				}
				c.Next()
			}

			// ── Control-plane engine (6688) ────────────────────────────────────
			ctrlEngine := gin.New()
			ctrlEngine.Use(gin.Recovery(), corsMiddleware)
			srv.RegisterControlRoutes(ctrlEngine)

			// ── Data-plane engine (1717) ───────────────────────────────────────
			dataEngine := gin.New()
			dataEngine.Use(gin.Recovery())
			srv.RegisterDataRoutes(dataEngine)

			if err := p.Start(context.Background()); err != nil {
				return err
			}

			ctrlAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ControlPort)
			dataAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.DataPort)

			fmt.Printf("  ✓ Control plane (JWT API + viewers) → http://%s\n", ctrlAddr)
			fmt.Printf("  ✓ Data    plane (Agent websockets)  → ws://%s/ws/agent\n", dataAddr)
			fmt.Printf("  ✓ Storage: %s  |  Queue: %v\n\n", cfg.StorageDriver, cfg.QueueEnabled)

			// Run both servers concurrently; shut down gracefully on SIGINT.
			ctrlSrv := &http.Server{Addr: ctrlAddr, Handler: ctrlEngine}
			dataSrv := &http.Server{Addr: dataAddr, Handler: dataEngine}

			errCh := make(chan error, 2)
			go func() { errCh <- ctrlSrv.ListenAndServe() }()
			go func() { errCh <- dataSrv.ListenAndServe() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt) // os.Interrupt = SIGINT; works on all platforms

			select {
			case err := <-errCh:
				return err
			case <-quit:
				fmt.Println("\n  → Shutting down gracefully…")
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = dataSrv.Shutdown(ctx) // stop ingest first
				_ = ctrlSrv.Shutdown(ctx)
				p.Stop(ctx) // drains the buffer before storage closes
				return nil
			}
		},
	}

	// ── agent subcommand ──────────────────────────────────────────────────────
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the OpenFlock agent on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("AGENT")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if join, _ := cmd.Flags().GetString("join"); join != "" {
				if !containsPort(join) {
					join = fmt.Sprintf("%s:%d", join, cfg.DataPort)
				}
				cfg.AgentJoinAddr = join
			}
			if token, _ := cmd.Flags().GetString("token"); token != "" {
				cfg.AgentOutboundToken = token
			}
			if id, _ := cmd.Flags().GetString("source-id"); id != "" {
				cfg.AgentSourceID = id
			}

			fmt.Printf("  ✓ Joining server: %s\n", cfg.AgentJoinAddr)
			fmt.Printf("  ✓ Report interval: %s\n\n", cfg.AgentInterval)
			return agent.Run(cfg)
		},
	}
	agentCmd.Flags().String("join", "", "Data-plane address, e.g. 192.168.1.1 or 192.168.1.1:1717")
	agentCmd.Flags().String("token", "", "Pre-shared token for server authentication (overrides config)")
	agentCmd.Flags().String("source-id", "", "Stable source identity (defaults to hostname)")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print OpenFlock version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("OpenFlock %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// containsPort checks whether addr already has a port suffix.
func containsPort(addr string) bool {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return true
		}
		if addr[i] == '/' {
			break
		}
	}
	return false
}
