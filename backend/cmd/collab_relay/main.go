package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
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
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/config"
	"collabEngine/backend/internal/handler"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/ws"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configPath := flag.String("config", "", "path to collabConfig.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	all, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("init config failed: %w", err)
	}
	cfg := all.Relay
	secret := []byte(cfg.Auth.Secret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis 可选：没有配置时在线名单只看本进程的连接
	var roster cache.Roster
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis failed: %w", err)
		}
		defer rdb.Close()
		roster = cache.NewRedisRoster(rdb)
	}

	// MySQL 可选：快照走 database/sql，用户资料走 gorm
	var snapshots store.SnapshotStore = store.NewMemorySnapshotStore()
	var profiles handler.ProfileFinder
	if cfg.Mysql.DSN != "" {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("open mysql failed: %w", err)
		}
		defer db.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping mysql failed: %w", err)
		}
		snapshots = store.NewMySQLSnapshotStore(db)

		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("open gorm failed: %w", err)
		}
		ps, err := store.NewProfileStore(gdb)
		if err != nil {
			return fmt.Errorf("migrate profiles failed: %w", err)
		}
		profiles = ps
	} else {
		logger.Warn("mysql not configured, snapshots kept in memory")
	}

	// === 初始化 Kafka Producer（可选）===
	var dispatcher *collab.ChangeDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka failed: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewChangeDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(0), collab.DispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
			Logger:      logger,
		})
		defer dispatcher.Close()
	}

	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	svc := collab.NewRoomService(snapshots, dispatcher, collab.RoomServiceOptions{Logger: logger})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		svc.FlushLoop(ctx, interval)
	}()

	hub := ws.NewHub(roster, logger)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(0), secret, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	// 鉴权在第一帧 auth 里完成
	r.GET("/collab/ws", manager.WebSocketConnect)
	handler.NewRelayHandler(profiles, hub, secret).Register(r, cfg.Auth.DevTokens)
	if cfg.Auth.DevTokens {
		logger.Warn("dev token endpoint enabled")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           handler.AccessLog(logger, r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	stop()
	<-flushDone
	return nil
}
