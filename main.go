package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/campusmarket/orderservice/pkg/cache"
	"github.com/campusmarket/orderservice/pkg/client"
	"github.com/campusmarket/orderservice/pkg/config"
	"github.com/campusmarket/orderservice/pkg/httpapi"
	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/campusmarket/orderservice/pkg/service"
	"github.com/campusmarket/orderservice/pkg/telemetry"
	"github.com/campusmarket/orderservice/pkg/worker"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	cfg := config.Load(log)

	if cfg.EnableTracing {
		providers, err := telemetry.Init(ctx, cfg.CollectorServiceAddr, log)
		if err != nil {
			log.Warnf("telemetry disabled: %v", err)
		} else {
			defer providers.Shutdown(context.Background())
			log.Info("Tracing enabled.")
		}
	} else {
		log.Info("Tracing disabled.")
	}

	db := initDB(cfg)
	rdb := initRedis(cfg)
	defer rdb.Close()

	orders := repository.NewOrderRepo(db)
	catalog := repository.NewCatalogRepo(db)
	tracking := repository.NewTrackingRepo(db)

	var events service.StatusPublisher
	if p := initProducer(cfg); p != nil {
		defer p.Shutdown()
		events = client.NewStatusPublisher(p, log)
	}

	var receipts service.ReceiptPusher
	if cfg.SMTPHost != "" {
		mailer := client.NewSMTPMailer(client.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		dispatcher := worker.NewReceiptDispatcher(mailer, log)
		dispatcher.Start(ctx, wg)
		receipts = dispatcher
	} else {
		log.Warn("SMTP_HOST is not set, receipts will not be mailed")
	}

	gateway := client.NewStripeGateway(client.StripeConfig{SecretKey: cfg.StripeSecretKey}, log)
	courier := cache.NewCachedCourier(
		client.NewCourierClient(cfg.CourierAPIBaseURL, cfg.CourierAPIKey, cfg.CourierTimeout, log),
		rdb, cfg.BulkTrackingCacheTTL, log)

	checkout := service.NewCheckoutService(
		service.NewCartPartitioner(catalog, nil),
		service.NewOrderFactory(orders, cfg.PlatformFeeRate, cfg.MaxImageURLLength, log),
		service.NewPaymentSessionAdapter(gateway, catalog, orders, service.SessionConfig{
			Currency:   cfg.PaymentCurrency,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		}, log),
	)
	settlement := service.NewSettlementReconciler(orders, receipts, events, cfg.StripeWebhookSecret, log)
	shipments := service.NewShipmentReconciler(orders, tracking, courier, events, cfg.CourierAPIKey, log)
	shipments.SetCourierLocation(cfg.CourierLocation)

	worker.NewOrphanSweeper(orders, gateway, settlement, events, cfg.OrphanOrderTTL, cfg.OrphanSweepInterval, log).Start(ctx, wg)
	worker.NewTrackingRefresher(orders, shipments, cfg.TrackingRefreshInterval, log).Start(ctx, wg)

	limiter := httpapi.NewRedisLimiter(rdb, httpapi.LimiterConfig{
		GlobalRPS:   cfg.RateLimitGlobalRPS,
		GlobalBurst: cfg.RateLimitGlobalBurst,
		IPRPS:       cfg.RateLimitIPRPS,
		IPBurst:     cfg.RateLimitIPBurst,
	}, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewServer(checkout, settlement, shipments, limiter, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("OrderService listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("Gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	// Notify workers to stop
	cancel()
	// Wait for workers to drain
	wg.Wait()
}

func initDB(cfg *config.Config) *gorm.DB {
	db, err := gorm.Open(mysql.Open(cfg.MySQLAddr), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to mysql: %v", err)
	}
	log.Info("connected to mysql")

	// 监控 sql 语句执行时间
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Fatalf("failed to initialize otelgorm plugin: %v", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func initRedis(cfg *config.Config) *redis.Client {
	var rdb *redis.Client
	if len(cfg.RedisSentinelAddrs) > 0 {
		log.Infof("Initializing Redis in Sentinel Mode. Sentinels: %v", cfg.RedisSentinelAddrs)
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    "mymaster",
			SentinelAddrs: cfg.RedisSentinelAddrs,
			DB:            0,
		})
	} else {
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s", cfg.RedisAddr)
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
	}

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		log.Warnf("failed to instrument redis tracing: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warnf("failed to connect to redis: %v", err)
	} else {
		log.Info("connected to redis")
	}
	return rdb
}

func initProducer(cfg *config.Config) rocketmq.Producer {
	if len(cfg.RocketMQNameServer) == 0 {
		log.Info("ROCKETMQ_NAMESERVERS is not set, order status events disabled")
		return nil
	}
	p, err := rocketmq.NewProducer(
		producer.WithNameServer(cfg.RocketMQNameServer),
		producer.WithGroupName("order_status_producer_group"),
		producer.WithRetry(2),
	)
	if err != nil {
		log.Errorf("Failed to create producer: %v", err)
		return nil
	}
	if err := p.Start(); err != nil {
		log.Errorf("Failed to start producer: %v", err)
		return nil
	}
	return p
}
