package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"csms/internal/cache"
	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/gatewayclient"
	"csms/internal/httpapi"
	"csms/internal/logging"
	"csms/internal/notify"
	"csms/internal/pending"
	"csms/internal/queue"
	"csms/internal/repo"
	"csms/internal/services"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		MaxIdleTime: cfg.DBMaxIdleTime,
	})
	if err != nil {
		log.WithError(err).Fatal("database connect failed")
	}
	defer d.Close()

	redisClient, err := cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.WithError(err).Fatal("redis connect failed")
	}
	defer redisClient.Close()

	events := repo.NewEventsRepo(d.Pool)
	sessions := repo.NewSessionsRepo(d.Pool)
	wallets := repo.NewWalletsRepo(d.Pool, log)
	devices := repo.NewDevicesRepo(d.Pool)
	tariffs := repo.NewTariffsRepo(d.Pool)

	statusCache := cache.New(redisClient, log, cache.Options{
		StatusTTL:    cfg.StatusTTL,
		MeterTTL:     cfg.MeterTTL,
		HeartbeatTTL: cfg.HeartbeatTTL,
		ListCap:      cfg.EventListCap,
	})

	pendingTable := pending.NewTable(pending.DefaultTTL)
	sweepStop := make(chan struct{})
	go pendingTable.Run(sweepStop)

	mq, err := queue.NewPublisher(cfg.AmqpURL, cfg.EventExchange)
	if err != nil {
		log.WithError(err).Fatal("amqp publisher connect failed")
	}
	defer mq.Close()

	hub := notify.NewHub(log)
	notifier := notify.NewPublisher(mq, hub, log)

	gw := gatewayclient.New(cfg.GatewayBaseURL, cfg.GatewayAPIKey)

	eventProc := services.NewEventProcessor(events, sessions, devices, tariffs, statusCache, notifier, pendingTable, log)
	respProc := services.NewResponseProcessor(events, sessions, wallets, statusCache, notifier, pendingTable, log)
	reconciler := services.NewReconciler(events, sessions, pendingTable, log)
	commands := services.NewCommandService(events, sessions, wallets, devices, pendingTable, gw, reconciler, log)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Protocol events keep prefetch 1: frames from one device must apply in
	// arrival order.
	eventConsumer := queue.NewConsumer(queue.ConsumerConfig{
		URL:        cfg.AmqpURL,
		Exchange:   cfg.EventExchange,
		Queue:      "csms.protocol-events",
		Bindings:   services.ProtocolEventKeys,
		Prefetch:   1,
		MaxRetries: cfg.MaxRetries,
		DLXName:    cfg.DeadExchange,
		Name:       "protocol-events",
	}, log)
	runConsumer(runCtx, log, eventConsumer, asHandler(eventProc.Handle))

	respConsumer := queue.NewConsumer(queue.ConsumerConfig{
		URL:        cfg.AmqpURL,
		Exchange:   cfg.EventExchange,
		Queue:      "csms.command-responses",
		Bindings:   services.CommandResponseKeys,
		Prefetch:   8,
		MaxRetries: cfg.MaxRetries,
		DLXName:    cfg.DeadExchange,
		Name:       "command-responses",
	}, log)
	runConsumer(runCtx, log, respConsumer, asHandler(respProc.Handle))

	srv := httpapi.NewServer(cfg, devices, sessions, wallets, events, statusCache, reconciler, commands, hub)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("CSMS listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-runCtx.Done()
	close(sweepStop)

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("CSMS shutdown complete")
}

// asHandler maps permanent processing failures onto queue semantics:
// duplicates and malformed payloads are acknowledged, everything else
// enters the retry/dead-letter path.
func asHandler(h func(ctx context.Context, routingKey string, body []byte) error) queue.Handler {
	return func(ctx context.Context, routingKey string, body []byte) error {
		err := h(ctx, routingKey, body)
		if errors.Is(err, services.ErrDuplicate) || errors.Is(err, services.ErrValidation) {
			return queue.ErrDiscard
		}
		return err
	}
}

// runConsumer connects and drives one consumer in the background. A lost
// connection is fatal; process supervision restarts us.
func runConsumer(ctx context.Context, log *logrus.Logger, c *queue.Consumer, h queue.Handler) {
	if err := c.Connect(); err != nil {
		log.WithError(err).Fatal("amqp consumer connect failed")
	}
	go func() {
		defer c.Close()
		if err := c.Run(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Fatal("amqp consumer stopped")
		}
	}()
}
