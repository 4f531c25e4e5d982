package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swapbot/notifier/internal/app"
	"swapbot/notifier/internal/bot"
	"swapbot/notifier/internal/checkpoint"
	"swapbot/notifier/internal/completion"
	"swapbot/notifier/internal/config"
	"swapbot/notifier/internal/docstore"
	"swapbot/notifier/internal/lease"
	"swapbot/notifier/internal/ledger"
	"swapbot/notifier/internal/logger"
	"swapbot/notifier/internal/message"
	"swapbot/notifier/internal/reconcile"
	"swapbot/notifier/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notifier: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(db, log); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	swaps := store.NewPostgresStore(db)

	mongoClient, err := docstore.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("mongodb connection failed: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(disconnectCtx)
	}()
	docs := docstore.NewMongoStore(mongoClient.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection))

	var (
		checkpoints checkpoint.Store = checkpoint.NewMemoryStore()
		locker      lease.Locker     = lease.NewMemoryLocker()
		redisStore  *checkpoint.RedisStore
	)
	if cfg.RedisEnabled() {
		redisStore, err = checkpoint.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		checkpoints = redisStore
		locker = lease.NewRedisLocker(redisStore.Client())
		log.Info("using redis for resume tokens and document leases")
	} else {
		log.Info("redis not configured, resume tokens and leases stay in memory")
	}

	api, err := bot.New(cfg.BotToken)
	if err != nil {
		return err
	}
	log.Info("telegram bot authorised", zap.String("username", api.Self.UserName))

	term := store.Term{AcademicYear: cfg.AcademicYear, Semester: cfg.Semester}
	compiler := message.NewCompiler(cfg.RootURL, cfg.ModuleURL)
	sender := bot.NewSender(api, log.Named("bot"))

	coordinator := completion.NewCoordinator(swaps, docs, sender, compiler, term, log.Named("completion"))
	telegram := bot.NewBot(api, coordinator, compiler, log.Named("bot"))

	reconciler := reconcile.NewReconciler(swaps, docs, sender, compiler, ledger.New(), term, log.Named("reconcile"))
	listener := reconcile.NewListener(reconcile.ListenerConfig{
		Stream:               cfg.MongoCollection,
		Concurrency:          cfg.ListenerConcurrency,
		DocumentTimeout:      cfg.DocumentTimeout,
		LeaseTTL:             cfg.LeaseTTL,
		ReconnectMaxInterval: cfg.ReconnectMaxInterval,
		// Without Redis there is one replica and every notified mark goes
		// through this process's ledger.
		TrustSnapshots: !cfg.RedisEnabled(),
	}, docs, reconciler, checkpoints, locker, log.Named("reconcile"))

	service := app.New(swaps, sender, compiler, term, log.Named("http"))
	service.AddCheck("postgres", swaps)
	service.AddCheck("mongodb", docs)
	if redisStore != nil {
		service.AddCheck("redis", redisStore)
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.SendMessageToken, log.Named("http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("notifier listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return listener.Run(gctx)
	})
	g.Go(func() error {
		return telegram.Run(gctx)
	})

	err = g.Wait()
	log.Info("notifier stopped", zap.Error(err))
	return err
}
