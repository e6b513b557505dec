package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/karn-cyber/notion/backend/config"
	"github.com/karn-cyber/notion/backend/internal/access"
	"github.com/karn-cyber/notion/backend/internal/authservice"
	"github.com/karn-cyber/notion/backend/internal/cache"
	"github.com/karn-cyber/notion/backend/internal/collab"
	"github.com/karn-cyber/notion/backend/internal/httpapi/handlers"
	"github.com/karn-cyber/notion/backend/internal/httpapi/middleware"
	"github.com/karn-cyber/notion/backend/internal/store"
	"github.com/karn-cyber/notion/backend/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("collab server exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("init config failed: %w", err)
	}
	instanceID := cfg.Running.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With("instance", instanceID)
	if cfg.Auth.DevAllowUnlisted {
		logger.Warn("dev bypass enabled: unlisted identities join as editor", "audit", true)
	}
	clock := clockwork.NewRealClock()
	ctx := context.Background()

	// 单个地址是普通客户端，多个地址自动走集群
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	db, err := store.OpenMySQL(ctx, cfg.Mysql.DSN, store.PoolOptions{
		MaxOpenConns:    cfg.Mysql.MaxOpenConns,
		MaxIdleConns:    cfg.Mysql.MaxIdleConns,
		ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Mysql.Migrate {
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
	}
	gdb, err := store.InitMySQL(db)
	if err != nil {
		return fmt.Errorf("init gorm: %w", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return fmt.Errorf("connect kafka: %w", err)
	}
	defer producer.Close()

	dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.KafkaDispatcherOptions{
		QueueSize:   cfg.Kafka.QueueSize,
		Workers:     cfg.Kafka.Workers,
		MaxRetry:    cfg.Kafka.MaxRetry,
		BaseBackoff: cfg.Kafka.BaseBackoff,
		MaxBackoff:  cfg.Kafka.MaxBackoff,
		Logger:      logger,
	})

	members := cache.NewMembershipCache(rdb, store.NewMembershipRepo(gdb), logger)
	gate := access.NewGate(members, access.Options{
		LookupTimeout:    cfg.Auth.LookupTimeout,
		DevAllowUnlisted: cfg.Auth.DevAllowUnlisted,
		Logger:           logger,
		Clock:            clock,
	})

	documents := store.NewDocumentStore(db)
	debouncer := collab.NewDebouncer(documents, collab.DebouncerOptions{
		Debounce:       cfg.Persist.Debounce,
		MaxRetries:     cfg.Persist.MaxRetries,
		InitialBackoff: cfg.Persist.InitialBackoff,
		MaxBackoff:     cfg.Persist.MaxBackoff,
		WriteTimeout:   cfg.Persist.WriteTimeout,
		Instance:       instanceID,
		Clock:          clock,
		Logger:         logger,
	})
	presenceMirror := cache.NewRedisPresence(rdb, clock, cfg.Collab.PresenceStaleAfter)
	bus := cache.NewRedisBus(rdb, cache.RedisBusOptions{Logger: logger})

	registry := collab.NewRegistry(collab.Options{
		InstanceID:         instanceID,
		Clock:              clock,
		Logger:             logger,
		Loader:             documents,
		Persister:          debouncer,
		Mirror:             presenceMirror,
		Events:             dispatcher,
		Bus:                bus,
		PresenceStaleAfter: cfg.Collab.PresenceStaleAfter,
		PresenceThrottle:   cfg.Collab.PresenceThrottle,
		TypingQuiet:        cfg.Collab.TypingQuiet,
		TeardownGrace:      cfg.Collab.TeardownGrace,
		PresenceQueue:      cfg.Collab.PresenceQueue,
		NoticeQueue:        cfg.Collab.NoticeQueue,
		MaxContentBytes:    cfg.Collab.MaxContentBytes,
	})

	tokens := authservice.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, clock)
	manager := ws.NewManager(gate, registry, ws.ManagerOptions{
		SubmitTimeout:  cfg.Collab.SubmitTimeout,
		AllowedOrigins: cfg.Running.AllowedOrigins,
		Logger:         logger,
	})
	rooms := handlers.NewRoomHandler(gate, presenceMirror, documents, registry, logger)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Running.EnableCORS {
		r.Use(cors.New(cors.Config{
			AllowOriginFunc: func(origin string) bool { return true },
			AllowMethods:    []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:   []string{"Content-Length"},
			// token 放在 Authorization 里，不依赖 Cookie
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// 路由
	group := r.Group("/collab")
	// 从 Authorization 或 ?token= 提取 token，本地校验后写入身份
	group.Use(middleware.Identify(tokens))
	group.GET("/ws", manager.Connect)
	rooms.Register(group)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("collab server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// 关闭顺序：先停接入，再回收房间（刷盘），最后停掉出口
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn("registry close", "err", err)
	}
	if err := debouncer.Close(shutdownCtx); err != nil {
		logger.Error("final persist failed", "err", err)
	}
	bus.Close()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("kafka dispatcher close", "err", err)
	}
	logger.Info("collab server stopped",
		"persist", debouncer.Stats(),
		"kafka", dispatcher.Stats(),
		"gate", gate.Stats(),
		"busPublished", bus.Published(),
		"busDropped", bus.Dropped(),
	)
	return nil
}
