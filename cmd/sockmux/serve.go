package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/sockmux"
	"github.com/Zereker/sockmux/servmap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a server endpoint that echoes or relays frames",
	Long: `Run a server endpoint. Every frame received is echoed back to its sender,
or with --relay sent to every connected client. With --force a client whose
socket would block during a relay is disconnected instead of queued.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 12345, "port to listen on (0 picks one)")
	serveCmd.Flags().Bool("relay", false, "relay each frame to every connected client")
	serveCmd.Flags().Bool("force", false, "disconnect slow clients during a relay")
	serveCmd.Flags().Duration("send-timeout", time.Second, "how long a send may wait for slow sockets")
}

func runServe(cmd *cobra.Command, _ []string) error {
	port, _ := cmd.Flags().GetInt("port")
	relay, _ := cmd.Flags().GetBool("relay")
	force, _ := cmd.Flags().GetBool("force")
	sendTimeout, _ := cmd.Flags().GetDuration("send-timeout")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	var extra []sockmux.Option
	var epOpts []sockmux.EndpointOption
	if cfg.ServMap.Addr != "" {
		reg, err := servmap.NewUDPRegistrar(cfg.AppName, cfg.ServMap.Addr,
			servmap.RefreshOption(cfg.ServMap.Refresh),
			servmap.LoggerOption(logger))
		if err != nil {
			return err
		}
		defer reg.Close()
		extra = append(extra, sockmux.RegistrarOption(reg))
		epOpts = append(epOpts, sockmux.ServiceOption(cfg.ServMap.Type, cfg.ServMap.Subtype, cfg.ServMap.Instance))
		group.Go(func() error {
			return reg.Run(ctx)
		})
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsRouter(port), ReadHeaderTimeout: 5 * time.Second}
		group.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	engine, err := newEngine(extra...)
	if err != nil {
		return err
	}
	ep, err := engine.OpenServer(port, epOpts...)
	if err != nil {
		return err
	}

	group.Go(func() error {
		defer engine.Shutdown()
		return serveLoop(ctx, engine, ep, relay, force, sendTimeout)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("server stopped")
		return nil
	}
	return err
}

// serveLoop owns the engine until ctx is done.
func serveLoop(ctx context.Context, engine *sockmux.Engine, ep sockmux.EndpointID, relay, force bool, sendTimeout time.Duration) error {
	port, _ := engine.LocalPort(ep)
	logger.Info("server started", "endpoint", ep.String(), "port", port, "relay", relay)

	for ctx.Err() == nil {
		msg, err := engine.GetMessage(200 * time.Millisecond)
		if errors.Is(err, sockmux.ErrNoMessage) {
			continue
		}
		if err != nil {
			return err
		}

		if !relay {
			err = engine.SendMessage(sendTimeout, msg.Endpoint, msg.Client, msg.Header.ID, msg.Body)
			if err != nil {
				logger.Warn("echo failed", "client", msg.Client.String(), "error", err)
			}
			continue
		}

		res, err := engine.SendMessageToAll(sendTimeout, ep, msg.Header.ID, msg.Body, force)
		if err != nil {
			logger.Warn("relay incomplete", "sent", res.Sent, "pending", res.Pending, "killed", res.Killed, "skipped", res.Skipped, "error", err)
			continue
		}
		logger.Debug("relayed frame", "id", msg.Header.ID, "len", len(msg.Body), "sent", res.Sent)
	}
	return ctx.Err()
}

// metricsRouter serves /metrics and a /health liveness check.
func metricsRouter(port int) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	started := time.Now()

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"app":     cfg.AppName,
			"port":    port,
			"version": Version,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
