package pipelines

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/lock"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/queue"
)

// LockResource is the lock key shared by every process registering pipelines.
const LockResource = "courier-pipelines-registry"

// RegistryOptions tunes the cross-process lock.
type RegistryOptions struct {
	LockTTL  time.Duration
	LockWait time.Duration
	Logger   loggingpkg.ServiceLogger
}

// Registry creates pipelines on the backend idempotently and keeps the alias
// table.
type Registry struct {
	service queue.Service
	locker  lock.Locker
	ttl     time.Duration
	wait    time.Duration
	logger  loggingpkg.ServiceLogger

	mu      sync.Mutex
	used    map[string]struct{}
	aliases Aliases
}

// NewRegistry returns a registry creating pipelines on service under locker.
func NewRegistry(service queue.Service, locker lock.Locker, opts RegistryOptions) (*Registry, error) {
	if service == nil {
		return nil, errspkg.ErrQueueServiceRequired
	}
	if locker == nil {
		return nil, errspkg.ErrLockerRequired
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewNopServiceLogger()
	}
	return &Registry{
		service: service,
		locker:  locker,
		ttl:     opts.LockTTL,
		wait:    opts.LockWait,
		logger:  opts.Logger,
		used:    make(map[string]struct{}),
		aliases: make(Aliases),
	}, nil
}

// Register makes pipeline available on the backend. Aliases are recorded
// first. Registering the same name twice in one process is a configuration
// error. Across processes the backend is checked under the shared lock so
// the pipeline is created once; every call then applies its own consume flag
// by resuming or pausing the pipeline.
func (r *Registry) Register(ctx context.Context, pipeline queue.Descriptor, aliases []string, consume bool) error {
	name := pipeline.Name
	if name == "" {
		return errspkg.ErrPipelineRequired
	}

	r.mu.Lock()
	for _, alias := range aliases {
		if alias != "" && alias != name {
			r.aliases[alias] = name
		}
	}
	if _, dup := r.used[name]; dup {
		r.mu.Unlock()
		return errspkg.WrapConfigurationError(errspkg.ErrPipelineAlreadyExists, fmt.Sprintf("pipeline %q", name))
	}
	r.used[name] = struct{}{}
	r.mu.Unlock()

	if err := r.ensure(ctx, pipeline); err != nil {
		return err
	}

	if consume {
		if err := r.service.Resume(ctx, name); err != nil {
			return fmt.Errorf("resume pipeline %q: %w", name, err)
		}
		r.logger.Debug("Pipeline resumed", loggingpkg.LogFields{"pipeline": name})
		return nil
	}
	if err := r.service.Pause(ctx, name); err != nil {
		return fmt.Errorf("pause pipeline %q: %w", name, err)
	}
	r.logger.Debug("Pipeline paused", loggingpkg.LogFields{"pipeline": name})
	return nil
}

func (r *Registry) ensure(ctx context.Context, pipeline queue.Descriptor) (err error) {
	id, err := r.locker.Lock(ctx, LockResource, r.ttl, r.wait)
	if err != nil {
		return fmt.Errorf("lock pipeline registry for %q: %w", pipeline.Name, err)
	}
	defer func() {
		if releaseErr := r.locker.Release(context.WithoutCancel(ctx), LockResource, id); releaseErr != nil {
			if errors.Is(releaseErr, errspkg.ErrLockNotHeld) {
				r.logger.Info("Pipeline registry lock expired before release", loggingpkg.LogFields{"pipeline": pipeline.Name})
				return
			}
			err = errors.Join(err, fmt.Errorf("release pipeline registry lock: %w", releaseErr))
		}
	}()

	exists, err := queue.Exists(ctx, r.service, pipeline.Name)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}
	if exists {
		r.logger.Debug("Pipeline already exists", loggingpkg.LogFields{"pipeline": pipeline.Name})
		return nil
	}
	if err := r.service.Create(ctx, pipeline); err != nil {
		return fmt.Errorf("create pipeline %q: %w", pipeline.Name, err)
	}
	r.logger.Info("Pipeline created", loggingpkg.LogFields{"pipeline": pipeline.Name, "driver": pipeline.Driver})
	return nil
}

// RegisterAll registers every used pipeline of provider.
func (r *Registry) RegisterAll(ctx context.Context, provider *Provider) error {
	for _, cfg := range provider.Configs() {
		if cfg.Pipeline == nil || !cfg.Pipeline.ShouldBeUsed() {
			continue
		}
		if err := r.Register(ctx, cfg.Pipeline.Info(), cfg.Aliases, cfg.Pipeline.ShouldConsume()); err != nil {
			return err
		}
	}
	return nil
}

// AddAliases records aliases without registering a pipeline, for example from
// static configuration.
func (r *Registry) AddAliases(aliases map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for alias, canonical := range aliases {
		r.aliases[alias] = canonical
	}
}

// Aliases returns a snapshot of the alias table.
func (r *Registry) Aliases() Aliases {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.aliases)
}
