package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/anietieakpan/waqitiapp-sub002/internal/alert"
	"github.com/anietieakpan/waqitiapp-sub002/internal/config"
	"github.com/anietieakpan/waqitiapp-sub002/internal/consumer"
	"github.com/anietieakpan/waqitiapp-sub002/internal/dispatch"
	"github.com/anietieakpan/waqitiapp-sub002/internal/dlq"
	"github.com/anietieakpan/waqitiapp-sub002/internal/handlers"
	"github.com/anietieakpan/waqitiapp-sub002/internal/metrics"
	"github.com/anietieakpan/waqitiapp-sub002/internal/probe"
	"github.com/anietieakpan/waqitiapp-sub002/internal/repo"
	"github.com/anietieakpan/waqitiapp-sub002/internal/sched"
)

const consumerName = "monitoring-consumer"

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := log.ParseLevel(lvl); err == nil {
			log.SetLevel(parsed)
		}
	}

	runtime.GOMAXPROCS(runtime.NumCPU())

	path := *configPath
	if path == "" {
		path = os.Getenv("MONITORING_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = []string{brokers}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Persistence is optional; alerting always works without it.
	var store repo.Store = repo.Noop{}
	if cfg.Postgres.Enabled {
		pg, err := repo.NewPostgres(ctx, repo.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConnections: cfg.Postgres.MaxConnections,
			MaxIdleConns:   cfg.Postgres.MaxIdleConns,
			ConnMaxLife:    cfg.Postgres.ConnMaxLife.D(),
		})
		if err != nil {
			log.WithError(err).Warn("Postgres unavailable, persistence disabled")
		} else {
			store = pg
		}
	}
	defer store.Close()

	dedupe := alert.Disabled()
	if cfg.Redis.Enabled {
		dedupe = alert.NewDeduper(cfg.Redis.Addr, cfg.Alerting.DedupeWindow.D())
	}

	var sink alert.Sink = alert.LogSink{}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.AlertTopic != "" {
		sink = alert.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic)
	}
	emitter := alert.NewEmitter(sink, dedupe, m, alert.EmitterConfig{
		Source:        consumerName,
		RatePerSecond: cfg.Alerting.RatePerSecond,
		Burst:         cfg.Alerting.Burst,
		SendTimeout:   cfg.Alerting.SendTimeout.D(),
	})
	defer emitter.Close()

	deps := &handlers.Deps{
		Stores:  handlers.NewStores(cfg),
		Alerts:  emitter,
		Metrics: m,
		Repo:    store,
		Cfg:     cfg,
	}

	dlqProducer := dlq.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic, consumerName)
	defer dlqProducer.Close()

	dispatcher := dispatch.New(dlqProducer, m, dispatch.Config{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		RetryBackoff:   cfg.Dispatch.RetryBackoff.D(),
		HandlerTimeout: cfg.Dispatch.HandlerTimeout.D(),
	})
	dispatcher.RegisterAll(handlers.Routes(deps))

	scheduler := sched.New(sched.Deps{
		Stores:  deps.Stores,
		Alerts:  emitter,
		Metrics: m,
		Repo:    store,
		Prober:  probe.NewMux(5 * time.Second),
		Cfg:     cfg,
	})
	scheduler.Start(ctx)

	kc := consumer.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup,
		cfg.Kafka.Topics, dispatcher, cfg.Dispatch.ShutdownGrace.D())
	kc.Start()

	opsServer := &http.Server{
		Addr:    cfg.Ops.ListenAddr,
		Handler: m.Handler(),
	}
	go func() {
		log.WithField("addr", cfg.Ops.ListenAddr).Info("Ops listener started")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Ops listener failed")
		}
	}()

	log.WithFields(log.Fields{
		"topics":  cfg.Kafka.Topics,
		"group":   cfg.Kafka.ConsumerGroup,
		"brokers": cfg.Kafka.Brokers,
	}).Info("Monitoring consumer started")

	<-ctx.Done()
	log.Info("Shutdown signal received")

	grace := cfg.Dispatch.ShutdownGrace.D()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	scheduler.Close()
	kc.Close()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Ops listener shutdown failed")
	}

	log.Info("Monitoring consumer stopped")
}
