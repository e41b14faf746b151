package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notifydispatch/internal/config"
	"notifydispatch/internal/entity"
	"notifydispatch/internal/metrics"
	"notifydispatch/internal/repository/memory"
	pgrepo "notifydispatch/internal/repository/postgres"
	redisrepo "notifydispatch/internal/repository/redis"
	"notifydispatch/internal/service"
	"notifydispatch/internal/transport/amqp"
	"notifydispatch/internal/transport/events"
	httpt "notifydispatch/internal/transport/http"
	"notifydispatch/internal/transport/kafka"
	"notifydispatch/internal/transport/sender"
	"notifydispatch/internal/transport/ws"
	"notifydispatch/internal/worker"
	"notifydispatch/pkg/storage/postgres"
	"notifydispatch/pkg/storage/redis"
)

const _lockPrefix = "notify:lock:"

type components struct {
	notify     *service.NotifyService
	dispatcher *service.Dispatcher
	rules      *service.RuleEngine
	campaigns  *service.CampaignService
}

func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	eg, ctx := errgroup.WithContext(ctx)

	reg, m := initMetrics()

	repos, closeStorage, err := initStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	cache, locker, closeCache, err := initCache(ctx, &cfg.Cache, log)
	if err != nil {
		return err
	}
	defer closeCache()

	hub := ws.NewHub(log.With(zap.String("component", "realtime")), cfg.Realtime.AllowedOrigins)
	defer hub.Close()

	registry, err := initSenders(ctx, cfg, hub, log)
	if err != nil {
		return err
	}

	svc, err := initServices(cfg, repos, registry, cache, locker, m, log)
	if err != nil {
		return err
	}
	defer svc.campaigns.Close()

	if err = initHTTPServer(ctx, eg, cfg, svc, hub, m, log); err != nil {
		return err
	}
	if err = initMetricsServer(ctx, eg, &cfg.Metrics, reg, log); err != nil {
		return err
	}
	if err = initPoller(ctx, eg, &cfg.Service, svc, log); err != nil {
		return err
	}
	if err = initConsumer(ctx, eg, cfg, svc.rules, m, log); err != nil {
		return err
	}

	log.Info("application started",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("consumer", cfg.Consumer.Kind),
		zap.Bool("redis", cfg.Cache.Addr != ""),
		zap.Any("channels", registry.Channels()),
	)

	return waitForShutdown(eg)
}

func initMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

func initStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (service.Repositories, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		log.Warn("in-memory storage in use, data is lost on restart")
		store := memory.New()
		return service.Repositories{
			Notifications: store.Notifications(),
			Queue:         store.Queue(),
			Templates:     store.Templates(),
			Rules:         store.Rules(),
			Settings:      store.Settings(),
			Campaigns:     store.Campaigns(),
			Devices:       store.Devices(),
			Contacts:      store.Directory(),
			Audience:      store.Directory(),
		}, func() {}, nil
	}

	db, err := initDatabase(ctx, &cfg.Database, log)
	if err != nil {
		return service.Repositories{}, nil, err
	}

	if cfg.Database.Migrate {
		if err = pgrepo.Migrate(cfg.Database.DSN, log.With(zap.String("component", "migrate"))); err != nil {
			db.Close()
			return service.Repositories{}, nil, fmt.Errorf("app.initStorage: %w", err)
		}
	}

	store := pgrepo.New(db)
	return service.Repositories{
		Notifications: store.Notifications(),
		Queue:         store.Queue(),
		Templates:     store.Templates(),
		Rules:         store.Rules(),
		Settings:      store.Settings(),
		Campaigns:     store.Campaigns(),
		Devices:       store.Devices(),
		Contacts:      store.Directory(),
		Audience:      store.Directory(),
	}, db.Close, nil
}

func initDatabase(ctx context.Context, cfg *config.Database, log *zap.Logger) (*postgres.Postgres, error) {
	db, err := postgres.New(ctx,
		cfg.DSN,
		log.With(zap.String("component", "database")),
		postgres.MaxPoolSize(cfg.PoolMax),
		postgres.ConnAttempts(cfg.ConnAttempts),
		postgres.RetryDelay(cfg.BaseRetryDelay, cfg.RetryBackoff),
	)
	if err != nil {
		return nil, fmt.Errorf("app.initDatabase: %w", err)
	}
	return db, nil
}

// initCache falls back to an in-process locker and no cache when redis is not configured.
func initCache(ctx context.Context, cfg *config.Cache, log *zap.Logger) (service.Cache, service.Locker, func(), error) {
	if cfg.Addr == "" {
		return nil, memory.NewLocker(nil), func() {}, nil
	}

	rdb, err := redis.New(ctx, cfg.Addr, cfg.Password, cfg.DB,
		redis.PoolSize(cfg.PoolSize),
		redis.MinIdleConns(cfg.MinIdleConns),
		redis.PoolTimeout(cfg.PoolTimeout),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("app.initCache: %w", err)
	}

	closeFn := func() {
		if err := rdb.Close(); err != nil {
			log.Warn("close redis", zap.Error(err))
		}
	}

	return redisrepo.NewCache(rdb.Client), redisrepo.NewLocker(rdb.Client, _lockPrefix), closeFn, nil
}

func initSenders(ctx context.Context, cfg *config.Config, hub *ws.Hub, log *zap.Logger) (*sender.Registry, error) {
	registry := sender.NewRegistry(log.With(zap.String("component", "sender")))

	registry.Register(entity.ChannelInApp, sender.NewInAppSender(hub, log))

	if cfg.SMTP.Host != "" {
		registry.Register(entity.ChannelEmail, sender.NewEmailSender(
			cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, log,
		))
	}

	if cfg.TG.Token != "" {
		tg, err := sender.NewTelegramSender(cfg.TG.Token, cfg.TG.Timeout, log)
		if err != nil {
			return nil, fmt.Errorf("app.initSenders: %w", err)
		}
		registry.Register(entity.ChannelTelegram, tg)
	}

	if cfg.SMS.Endpoint != "" {
		registry.Register(entity.ChannelSMS, sender.NewSMSSender(
			cfg.SMS.Endpoint, cfg.SMS.Login, cfg.SMS.Password, cfg.SMS.From, cfg.SMS.Timeout, log,
		))
	}

	if cfg.Push.FCMProjectID != "" || cfg.Push.VAPIDPublicKey != "" {
		push, err := sender.NewPushSender(ctx, sender.PushConfig{
			FCMProjectID:       cfg.Push.FCMProjectID,
			FCMCredentialsFile: cfg.Push.FCMCredentialsFile,
			VAPIDPublicKey:     cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey:    cfg.Push.VAPIDPrivateKey,
			VAPIDSubject:       cfg.Push.VAPIDSubject,
			Timeout:            cfg.Push.Timeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("app.initSenders: %w", err)
		}
		registry.Register(entity.ChannelPush, push)
	}

	if cfg.Webhook.Enabled {
		registry.Register(entity.ChannelWebhook, sender.NewWebhookSender(
			cfg.Webhook.Secret, cfg.Webhook.Secrets, cfg.Webhook.Timeout, log,
		))
	}

	return registry, nil
}

func initServices(
	cfg *config.Config,
	repos service.Repositories,
	registry *sender.Registry,
	cache service.Cache,
	locker service.Locker,
	m *metrics.Metrics,
	log *zap.Logger,
) (*components, error) {
	sc := &cfg.Service

	notifyOpts := []service.Option{
		service.WithMaxRetries(sc.MaxRetries),
		service.WithDefaultLocale(sc.DefaultLocale),
		service.WithMetrics(m),
	}
	dispatcherOpts := []service.DispatcherOption{
		service.WithBatchSize(sc.BatchSize),
		service.WithConcurrency(sc.Concurrency),
		service.WithSendTimeout(sc.SendTimeout),
		service.WithBackoff(sc.RetryUnit, sc.ExponentialBackoff),
		service.WithDispatcherMetrics(m),
	}
	if cache != nil {
		notifyOpts = append(notifyOpts, service.WithCache(cache, cfg.Cache.TTL))
		dispatcherOpts = append(dispatcherOpts, service.WithDispatcherCache(cache, cfg.Cache.TTL))
	}

	notify, err := service.NewNotifyService(repos, log.With(zap.String("component", "notify")), notifyOpts...)
	if err != nil {
		return nil, fmt.Errorf("app.initServices: %w", err)
	}

	dispatcher, err := service.NewDispatcher(repos, registry, log.With(zap.String("component", "dispatcher")), dispatcherOpts...)
	if err != nil {
		return nil, fmt.Errorf("app.initServices: %w", err)
	}

	rules, err := service.NewRuleEngine(repos.Rules, repos.Notifications, notify,
		log.With(zap.String("component", "rules")),
		service.WithLocker(locker),
		service.WithRuleMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("app.initServices: %w", err)
	}

	campaigns, err := service.NewCampaignService(repos.Campaigns, repos.Audience, notify,
		log.With(zap.String("component", "campaigns")),
		service.WithFanOutBatch(sc.FanOutBatch),
		service.WithCampaignMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("app.initServices: %w", err)
	}

	return &components{notify: notify, dispatcher: dispatcher, rules: rules, campaigns: campaigns}, nil
}

func initHTTPServer(
	ctx context.Context,
	eg *errgroup.Group,
	cfg *config.Config,
	svc *components,
	hub *ws.Hub,
	m *metrics.Metrics,
	log *zap.Logger,
) error {
	if cfg.Env == "prod" || cfg.Env == "staging" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := httpt.NewHandler(httpt.Services{
		Notifications: svc.notify,
		Templates:     svc.notify,
		Preferences:   svc.notify,
		Rules:         svc.rules,
		Campaigns:     svc.campaigns,
		Queue:         svc.dispatcher,
		Realtime:      hub,
	}, log.With(zap.String("component", "http")), m, httpt.WithRequestTimeout(cfg.HTTP.RequestTimeout))

	server, err := httpt.NewServer(handler.Engine(), httpt.ServerConfig{
		Addr:              cfg.HTTP.Addr(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
	}, log.With(zap.String("component", "http server")))
	if err != nil {
		return fmt.Errorf("app.initHTTPServer: %w", err)
	}

	eg.Go(func() error {
		return server.Start(ctx)
	})
	return nil
}

func initMetricsServer(
	ctx context.Context,
	eg *errgroup.Group,
	cfg *config.Metrics,
	reg *prometheus.Registry,
	log *zap.Logger,
) error {
	if !cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server, err := httpt.NewServer(mux, httpt.ServerConfig{
		Addr:              cfg.Addr(),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}, log.With(zap.String("component", "metrics server")))
	if err != nil {
		return fmt.Errorf("app.initMetricsServer: %w", err)
	}

	eg.Go(func() error {
		return server.Start(ctx)
	})
	return nil
}

func initPoller(ctx context.Context, eg *errgroup.Group, cfg *config.Service, svc *components, log *zap.Logger) error {
	poller, err := worker.NewPoller(svc.dispatcher, svc.campaigns, svc.notify, worker.Config{
		QueueInterval:    cfg.PollInterval,
		CampaignInterval: cfg.CampaignInterval,
		StaleInterval:    cfg.StaleInterval,
		StaleAfter:       cfg.StaleAfter,
		CleanupInterval:  cfg.CleanupInterval,
		RetentionDays:    cfg.RetentionDays,
	}, log.With(zap.String("component", "poller")))
	if err != nil {
		return fmt.Errorf("app.initPoller: %w", err)
	}

	eg.Go(func() error {
		return poller.Run(ctx)
	})
	return nil
}

func initConsumer(
	ctx context.Context,
	eg *errgroup.Group,
	cfg *config.Config,
	rules *service.RuleEngine,
	m *metrics.Metrics,
	log *zap.Logger,
) error {
	switch cfg.Consumer.Kind {
	case config.ConsumerAMQP:
		handler := events.NewHandler(rules, config.ConsumerAMQP, log.With(zap.String("component", "events")), m)
		consumer, err := amqp.NewConsumer(amqp.Config{
			URL:            cfg.AMQP.URL,
			Exchange:       cfg.AMQP.Exchange,
			Queue:          cfg.AMQP.Queue,
			RoutingKeys:    cfg.AMQP.RoutingKeys,
			DeadLetter:     cfg.AMQP.DeadLetter,
			Prefetch:       cfg.AMQP.Prefetch,
			ConsumerTag:    cfg.App.Name,

			ReconnectAttempts: cfg.AMQP.ReconnectAttempts,
			ReconnectDelay:    cfg.AMQP.ReconnectDelay,
			ReconnectBackoff:  cfg.AMQP.ReconnectBackoff,
		}, handler, log.With(zap.String("component", "amqp consumer")))
		if err != nil {
			return fmt.Errorf("app.initConsumer: %w", err)
		}
		eg.Go(func() error {
			return consumer.Run(ctx)
		})

	case config.ConsumerKafka:
		handler := events.NewHandler(rules, config.ConsumerKafka, log.With(zap.String("component", "events")), m)
		consumer, err := kafka.NewConsumer(kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			GroupID:     cfg.Kafka.GroupID,
			MaxAttempts: cfg.Kafka.MaxAttempts,
			RetryDelay:  cfg.Kafka.RetryDelay,
			Backoff:     cfg.Kafka.Backoff,
		}, handler, log.With(zap.String("component", "kafka consumer")))
		if err != nil {
			return fmt.Errorf("app.initConsumer: %w", err)
		}
		eg.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	return nil
}

func waitForShutdown(eg *errgroup.Group) error {
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app.waitForShutdown: application failed: %w", err)
	}
	return nil
}
