package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/lock"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/pipelines"
	"github.com/drblury/courier/internal/runtime/queue"
	"github.com/drblury/courier/internal/runtime/senders"
)

// Freeze ends the build phase: it opens the queue backend and the lock,
// registers the declared pipelines, freezes every registry and assembles the
// bus and the consumer loop. Calling Freeze twice is an error.
func (s *Service) Freeze(ctx context.Context) (err error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.frozen.Load() {
		return errspkg.ErrRegistryFrozen
	}
	defer func() {
		if err != nil {
			s.closeLocked()
		}
	}()

	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if s.backend, err = s.openBackend(ctx); err != nil {
		return err
	}
	if s.locker, err = s.openLocker(ctx); err != nil {
		return err
	}

	s.registry, err = pipelines.NewRegistry(s.backend, s.locker, pipelines.RegistryOptions{
		LockTTL:  s.Conf.LockTTL,
		LockWait: s.Conf.LockWait,
		Logger:   s.Logger,
	})
	if err != nil {
		return err
	}
	s.registry.AddAliases(s.Conf.PipelineAliases)
	s.declareDefaultPipeline()
	if err := s.registry.RegisterAll(ctx, s.provider); err != nil {
		return err
	}

	if err := s.addQueueSender(); err != nil {
		return err
	}
	if err := s.senders.RouteMap(s.Conf.SendersMap); err != nil {
		return err
	}

	s.types.Freeze()
	senderLocator, err := s.senders.Freeze(s.types, s.deps.SenderInterceptors...)
	if err != nil {
		return err
	}
	snapshot := s.handlers.Freeze(s.types)
	s.handlerKeys = snapshot.Keys()
	handlerLocator := snapshot.Locator(s.deps.Bus, s.deps.HandlerInterceptors...)
	s.bus = s.assembleBus(handlerLocator, senderLocator)

	s.loop, err = consumer.NewLoop(consumer.Config{
		Consumer:     s.backend,
		Bus:          consumer.DispatcherFunc(s.bus),
		Serializer:   s.serializer,
		Reporter:     s.reporter,
		Logger:       s.Logger,
		ReceiverName: s.Conf.ReceiverName,
		Hooks:        consumer.LoggingHooks(s.Logger).Merge(s.metrics.Hooks()).Merge(s.deps.Hooks),
		Finalizers:   s.deps.Finalizers,
	})
	if err != nil {
		return err
	}

	s.frozen.Store(true)
	s.Logger.Info("Messenger service frozen", loggingpkg.LogFields{
		"bus":       s.deps.Bus,
		"pipelines": len(s.provider.Configs()),
		"routes":    s.senders.Routes(),
	})
	return nil
}

// declareDefaultPipeline consumes the default pipeline unless it was declared
// explicitly.
func (s *Service) declareDefaultPipeline() {
	name := s.Conf.DefaultPipeline
	if name == "" {
		return
	}
	for _, cfg := range s.provider.Configs() {
		if cfg.Pipeline != nil && cfg.Pipeline.Info().Name == name {
			return
		}
	}
	s.provider.Add(pipelines.NewStatic(name, s.Conf.QueueSystem))
}

func (s *Service) addQueueSender() error {
	if s.senders.Has(QueueSenderID) {
		s.Logger.Debug("Keeping user registered queue sender", loggingpkg.LogFields{"sender": QueueSenderID})
		return nil
	}
	sender, err := senders.NewQueueSender(senders.QueueSenderConfig{
		Queue:           s.backend,
		Serializer:      s.serializer,
		Aliases:         s.registry.Aliases(),
		DefaultPipeline: s.Conf.DefaultPipeline,
		Reporter:        s.reporter,
		OnSent:          s.metrics.RecordSend,
	})
	if err != nil {
		return err
	}
	return s.senders.Add(QueueSenderID, sender)
}

func (s *Service) openBackend(ctx context.Context) (QueueBackend, error) {
	if s.deps.Queue != nil {
		return s.deps.Queue, nil
	}
	name := strings.ToLower(s.Conf.QueueSystem)
	if name == configpkg.QueueSystemMemory {
		return queue.NewMemory(), nil
	}

	tr, err := s.deps.Transports.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	caps := s.deps.Transports.GetCapabilities(name)
	if !caps.SupportsReliableDelivery() {
		s.Logger.Info("Transport does not redeliver unacknowledged tasks", loggingpkg.LogFields{"transport": name})
	}

	catalog, err := s.openCatalog()
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	backend, err := queue.NewWatermill(queue.WatermillConfig{
		Publisher:   tr.Publisher,
		Subscriber:  tr.Subscriber,
		Catalog:     catalog,
		PoisonQueue: s.Conf.PoisonQueue,
		Logger:      s.Logger,
	})
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	if tr.Release != nil {
		s.closers = append(s.closers, tr.Release)
	}
	s.closers = append(s.closers, backend.Close)
	return backend, nil
}

func (s *Service) openCatalog() (queue.Catalog, error) {
	if strings.ToLower(s.Conf.CatalogBackend) != configpkg.CatalogBackendRedis {
		return queue.NewMemoryCatalog(), nil
	}
	return queue.NewRedisCatalog(s.redisClient(), s.Conf.RedisKeyPrefix+"pipelines"), nil
}

func (s *Service) openLocker(ctx context.Context) (lock.Locker, error) {
	if s.deps.Locker != nil {
		return s.deps.Locker, nil
	}
	switch strings.ToLower(s.Conf.LockBackend) {
	case configpkg.LockBackendRedis:
		var opts []lock.RedisOption
		if s.Conf.RedisKeyPrefix != "" {
			opts = append(opts, lock.WithKeyPrefix(s.Conf.RedisKeyPrefix+"lock:"))
		}
		return lock.NewRedis(s.redisClient(), opts...), nil
	case configpkg.LockBackendPostgres:
		pool, err := pgxpool.New(ctx, s.Conf.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres lock: %w", err)
		}
		s.closers = append(s.closers, func() error {
			pool.Close()
			return nil
		})
		locker := lock.NewPostgres(pool, "")
		if err := locker.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("prepare postgres lock: %w", err)
		}
		return locker, nil
	default:
		return lock.NewMemory(), nil
	}
}

// redisClient returns the client shared by the Redis lock and catalog.
func (s *Service) redisClient() *redis.Client {
	if s.redis == nil {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.Conf.RedisAddr,
			Username: s.Conf.RedisUsername,
			Password: s.Conf.RedisPassword,
			DB:       s.Conf.RedisDB,
		})
		s.closers = append(s.closers, s.redis.Close)
	}
	return s.redis
}

func (s *Service) closeLocked() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
	s.redis = nil
	s.backend = nil
	s.locker = nil
}
