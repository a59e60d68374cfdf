package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/orgsync/internal/breaker"
	"github.com/SirClappington/orgsync/internal/config"
	"github.com/SirClappington/orgsync/internal/ghapi"
	"github.com/SirClappington/orgsync/internal/limiter"
	"github.com/SirClappington/orgsync/internal/queue"
	"github.com/SirClappington/orgsync/internal/redisstore"
	"github.com/SirClappington/orgsync/internal/retry"
	"github.com/SirClappington/orgsync/internal/storage"
	"github.com/SirClappington/orgsync/internal/syncer"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.AppEnv == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// migrations through the stdlib driver; the pool serves the stores
	sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open postgres", zap.Error(err))
	}
	if err := goose.Up(sqlDB, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}
	_ = sqlDB.Close()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres pool", zap.Error(err))
	}
	defer pool.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	kv := redisstore.New(rdb)

	store := storage.New(pool)
	circuits := breaker.NewRedisStore(kv)
	reservoirs := limiter.NewRedisRegistry(kv,
		limiter.Settings{Size: cfg.ReservoirSize, Refresh: cfg.ReservoirRefresh, Interval: cfg.ReservoirInterval},
		limiter.Settings{Size: cfg.ContentReservoirSize, Refresh: cfg.ContentReservoirRefresh, Interval: cfg.ContentReservoirInterval},
	)
	gh := ghapi.NewClient(ghapi.Options{
		Token:        cfg.GitHubToken,
		Limiter:      reservoirs,
		Logger:       logger,
		CallTimeout:  cfg.CallTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	engine := syncer.New(gh, kv, logger, cfg.MergeSettle)
	q := queue.New(rdb, cfg.PollBlock)
	consumer := queue.NewConsumer(q, gh, engine, circuits, retry.NewPolicy(), store, store, logger,
		queue.ConsumerOptions{QueueName: cfg.QueueName, BatchSize: cfg.BatchSize, Visibility: cfg.Visibility})

	go watchCircuits(ctx, kv, logger)

	// the trigger starts the loop once per process; later calls get 409
	var once sync.Once
	var wg sync.WaitGroup

	rtr := chi.NewRouter()
	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	rtr.Post("/internal/poll", func(w http.ResponseWriter, req *http.Request) {
		if cfg.WorkerSecret == "" {
			logger.Error("worker secret unconfigured")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if req.Header.Get("X-Worker-Secret") != cfg.WorkerSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		started := false
		once.Do(func() {
			started = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = consumer.Run(ctx)
			}()
		})
		if !started {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: rtr}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("queue", cfg.QueueName))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server", zap.Error(err))
	}
	// in-flight batch drains before exit
	wg.Wait()
}

// watchCircuits logs trips from every worker process, not just this one.
func watchCircuits(ctx context.Context, kv redisstore.Store, logger *zap.Logger) {
	msgs, closeFn, err := kv.Subscribe(ctx, breaker.EventChannel)
	if err != nil {
		logger.Warn("circuit event subscribe failed", zap.Error(err))
		return
	}
	defer closeFn()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var n breaker.Notice
			if err := json.Unmarshal([]byte(m), &n); err != nil {
				continue
			}
			logger.Warn("circuit opened",
				zap.String("scope", string(n.Scope)),
				zap.String("key", n.Key),
				zap.String("event", string(n.Event)),
				zap.Int("trip_count", n.TripCount),
				zap.String("reason", n.Reason))
		}
	}
}
