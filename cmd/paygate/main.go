// Command paygate runs an HTTP service wrapping the payment gateway: callers
// POST a resource URL and an identifier, the service pays for and redeems the
// resource, and the response carries either the content or the failure.
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
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/newsieai/paygate"
	"github.com/newsieai/paygate/config"
	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/probe"
	"github.com/newsieai/paygate/profile"
	"github.com/newsieai/paygate/types"
)

const (
	defaultConfigPath = "config.yaml"
	probeTimeout      = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := os.Getenv("PAYGATE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	log := logger.NewZapLogger("info")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", map[string]any{"path": configPath, "error": err.Error()})
		os.Exit(1)
	}

	gatewayCfg, err := cfg.ToGatewayConfig()
	if err != nil {
		log.Error("invalid config", map[string]any{"path": configPath, "error": err.Error()})
		os.Exit(1)
	}
	log = logger.NewZapLogger(gatewayCfg.LogLevel)

	if err := probeDependencies(cfg, log); err != nil {
		log.Error("dependency not ready", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	store, err := cfg.BuildProfileStore()
	if err != nil {
		log.Error("failed to build profile store", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	gw := paygate.New(gatewayCfg, paygate.WithProfileStore(store))
	for _, n := range cfg.Networks {
		network, backendCfg, err := n.ToBackendConfig()
		if err != nil {
			log.Error("invalid network config", map[string]any{"network": n.Network, "error": err.Error()})
			os.Exit(1)
		}
		if err := gw.AddNetwork(network, backendCfg); err != nil {
			log.Error("failed to add network", map[string]any{"network": n.Network, "error": err.Error()})
			os.Exit(1)
		}
	}

	router := setupRouter(gw, store, cfg.Gateway.EnableMetrics)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}()

	log.Info("paygate service started", map[string]any{
		"addr":     cfg.Server.Addr,
		"networks": len(cfg.Networks),
		"config":   configPath,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown did not finish cleanly", map[string]any{"error": err.Error()})
	}
	gw.Close()

	log.Info("paygate service stopped", nil)
}

// probeDependencies waits for the configured redis and RPC endpoints to answer
// before the service accepts traffic.
func probeDependencies(cfg *config.Config, log logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if cfg.ProfileStore.Type == "redis" {
		log.Info("waiting for redis", map[string]any{"addr": cfg.ProfileStore.Redis.Addr})
		if err := probe.WaitTCP(ctx, cfg.ProfileStore.Redis.Addr, 0); err != nil {
			return err
		}
	}
	for _, n := range cfg.Networks {
		if n.RPCUrl == "" {
			continue
		}
		log.Info("waiting for rpc endpoint", map[string]any{"network": n.Network, "url": n.RPCUrl})
		if err := probe.WaitHTTP(ctx, nil, n.RPCUrl, 0); err != nil {
			return err
		}
	}
	return nil
}

type fetchRequest struct {
	ResourceURL string `json:"resourceUrl" binding:"required"`

	// Identifier selects a stored profile; Profile supplies one inline.
	// When both are set the inline profile wins.
	Identifier string               `json:"identifier"`
	Profile    *types.BudgetProfile `json:"profile"`
}

func setupRouter(gw *paygate.Gateway, store profile.Store, enableMetrics bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "networks": gw.Supported()})
	})

	if enableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.POST("/v1/fetch", func(c *gin.Context) {
		var req fetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
			return
		}

		ctx := c.Request.Context()
		var result *types.RedemptionResult
		if req.Profile != nil {
			if err := req.Profile.Validate(); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_profile", "detail": err.Error()})
				return
			}
			result = gw.Fetch(ctx, req.ResourceURL, req.Profile)
		} else {
			result = gw.FetchAs(ctx, req.ResourceURL, req.Identifier)
		}

		if result.Kind == types.ResultContent {
			c.Header("X-Paygate-Tx-Reference", result.TxReference)
			c.Data(http.StatusOK, "application/octet-stream", result.Payload)
			return
		}
		c.JSON(statusForResult(result), result)
	})

	r.PUT("/v1/profiles", func(c *gin.Context) {
		var prof types.BudgetProfile
		if err := c.ShouldBindJSON(&prof); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
			return
		}
		if err := prof.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_profile", "detail": err.Error()})
			return
		}
		if err := store.Put(c.Request.Context(), &prof); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failure", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, prof)
	})

	r.GET("/v1/profiles/:identifier", func(c *gin.Context) {
		prof, err := store.Get(c.Request.Context(), c.Param("identifier"))
		if err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failure", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, prof)
	})

	r.DELETE("/v1/profiles/:identifier", func(c *gin.Context) {
		if err := store.Delete(c.Request.Context(), c.Param("identifier")); err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failure", "detail": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}

// requestID tags every request, reusing the caller's X-Request-ID when
// present.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set("requestID", id)
		c.Next()
	}
}

func statusForResult(result *types.RedemptionResult) int {
	switch result.Kind {
	case types.ResultContent:
		return http.StatusOK
	case types.ResultRejected:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}
