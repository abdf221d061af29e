package main

import (
	"context"
	"errors"
	"flag"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Logan27/mini-messenger-sub000/config"
	"github.com/Logan27/mini-messenger-sub000/logger"
	"github.com/Logan27/mini-messenger-sub000/middleware"
	"github.com/Logan27/mini-messenger-sub000/service/bus"
	"github.com/Logan27/mini-messenger-sub000/service/gateway"
	"github.com/Logan27/mini-messenger-sub000/service/storage"
	"github.com/Logan27/mini-messenger-sub000/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	ids.SetNodeID(nodeNum(cfg.Node.ID))

	var (
		rdb     *redis.Client
		b       bus.Bus
		counter gateway.CounterStore
	)
	if cfg.Bus.Backend != "memory" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			os.Exit(1)
		}
		counter = storage.NewRedisCounter(rdb)
	} else {
		counter = storage.NewMemoryCounter()
	}

	switch cfg.Bus.Backend {
	case "redis":
		b = bus.NewRedisBus(rdb)
	case "nats":
		nb, err := bus.NewNatsBus(bus.NatsConfig{Servers: cfg.Nats.Servers, Name: cfg.Node.ID})
		if err != nil {
			logger.Error("nats unreachable", zap.Error(err))
			os.Exit(1)
		}
		b = nb
	case "memory":
		b = bus.NewMemoryBus()
	default:
		logger.Errorf("unknown bus backend %q", cfg.Bus.Backend)
		os.Exit(1)
	}

	// stand-in store for single-node runs; production points the fabric at
	// the persistence service
	store := storage.NewMemoryStore()

	srv, err := gateway.NewServer(cfg, b, store, storage.LogPush{}, counter)
	if err != nil {
		logger.Error("gateway init", zap.Error(err))
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.AccessLog())
	router.GET("/ws", middleware.Origin(cfg.Gateway.AllowedOrigins), srv.HandleWS)
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	httpSrv := &http.Server{Addr: cfg.Node.ListenAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("gateway listening",
			zap.String("addr", cfg.Node.ListenAddr),
			zap.String("node_id", cfg.Node.ID),
			zap.String("bus", cfg.Bus.Backend))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
	srv.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
}

// nodeNum folds the node id into the snowflake node space.
func nodeNum(nodeID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return int64(h.Sum32() % 1024)
}
