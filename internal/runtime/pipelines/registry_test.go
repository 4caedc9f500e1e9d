package pipelines

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/lock"
	"github.com/drblury/courier/internal/runtime/queue"
)

func newRegistry(t *testing.T, svc queue.Service, locker lock.Locker) *Registry {
	t.Helper()
	r, err := NewRegistry(svc, locker, RegistryOptions{LockTTL: time.Second, LockWait: 2 * time.Second})
	require.NoError(t, err)
	return r
}

func TestNewRegistryRequiresCollaborators(t *testing.T) {
	_, err := NewRegistry(nil, lock.NewMemory(), RegistryOptions{})
	assert.ErrorIs(t, err, errspkg.ErrQueueServiceRequired)
	_, err = NewRegistry(queue.NewMemory(), nil, RegistryOptions{})
	assert.ErrorIs(t, err, errspkg.ErrLockerRequired)
}

func TestRegisterCreatesAndResumes(t *testing.T) {
	svc := queue.NewMemory()
	r := newRegistry(t, svc, lock.NewMemory())
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, queue.Descriptor{Name: "orders", Driver: "memory"}, []string{"sales", "orders"}, true))
	require.NoError(t, r.Register(ctx, queue.Descriptor{Name: "reports"}, nil, false))

	assert.Equal(t, []string{"orders", "reports"}, svc.Created())
	assert.False(t, svc.Paused("orders"))
	assert.True(t, svc.Paused("reports"))
	assert.Equal(t, Aliases{"sales": "orders"}, r.Aliases())
	assert.Equal(t, "orders", r.Aliases().Resolve("sales"))
	assert.Equal(t, "other", r.Aliases().Resolve("other"))
}

func TestRegisterTwiceInProcessFailsFast(t *testing.T) {
	svc := queue.NewMemory()
	r := newRegistry(t, svc, lock.NewMemory())
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, queue.Descriptor{Name: "orders"}, nil, true))
	err := r.Register(ctx, queue.Descriptor{Name: "orders"}, []string{"late-alias"}, true)

	var cfgErr *errspkg.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, errspkg.ErrPipelineAlreadyExists)
	assert.Equal(t, "orders", r.Aliases()["late-alias"])
	assert.Len(t, svc.Created(), 1)
}

func TestConcurrentProcessesCreateOnce(t *testing.T) {
	svc := queue.NewMemory()
	shared := lock.NewMemory()
	shared.Poll = time.Millisecond
	ctx := context.Background()

	const processes = 8
	var wg sync.WaitGroup
	errs := make(chan error, processes)
	for i := 0; i < processes; i++ {
		r := newRegistry(t, svc, shared)
		consume := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Register(ctx, queue.Descriptor{Name: "orders"}, nil, consume)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"orders"}, svc.Created())
}

func TestExistingPipelineStillAppliesOwnFlag(t *testing.T) {
	svc := queue.NewMemory()
	shared := lock.NewMemory()
	ctx := context.Background()

	require.NoError(t, newRegistry(t, svc, shared).Register(ctx, queue.Descriptor{Name: "orders"}, nil, true))
	assert.False(t, svc.Paused("orders"))

	require.NoError(t, newRegistry(t, svc, shared).Register(ctx, queue.Descriptor{Name: "orders"}, nil, false))
	assert.True(t, svc.Paused("orders"))
	assert.Len(t, svc.Created(), 1)
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string, time.Duration, time.Duration) (string, error) {
	return "", errspkg.ErrLockTimeout
}

func (failingLocker) Release(context.Context, string, string) error { return nil }

func TestLockFailureAbortsRegistrationButKeepsAliases(t *testing.T) {
	svc := queue.NewMemory()
	r := newRegistry(t, svc, failingLocker{})

	err := r.Register(context.Background(), queue.Descriptor{Name: "orders"}, []string{"o"}, true)
	assert.ErrorIs(t, err, errspkg.ErrLockTimeout)
	assert.Empty(t, svc.Created())
	assert.Equal(t, "orders", r.Aliases()["o"])
}

type failingCreate struct {
	*queue.Memory
}

func (failingCreate) Create(context.Context, queue.Descriptor) error {
	return errors.New("backend unavailable")
}

func TestCreateFailureReleasesLock(t *testing.T) {
	shared := lock.NewMemory()
	r := newRegistry(t, failingCreate{queue.NewMemory()}, shared)

	err := r.Register(context.Background(), queue.Descriptor{Name: "orders"}, nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")

	id, err := shared.Lock(context.Background(), LockResource, time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, shared.Release(context.Background(), LockResource, id))
}

func TestRegisterAllSkipsUnusedPipelines(t *testing.T) {
	svc := queue.NewMemory()
	r := newRegistry(t, svc, lock.NewMemory())

	provider := NewProvider(Config{Pipeline: NewStatic("orders", "memory"), Aliases: []string{"o"}})
	provider.Add(Static{Descriptor: queue.Descriptor{Name: "legacy"}, Disabled: true}, "l")
	provider.Add(Static{Descriptor: queue.Descriptor{Name: "reports"}, Consume: false})

	require.NoError(t, r.RegisterAll(context.Background(), provider))
	assert.Equal(t, []string{"orders", "reports"}, svc.Created())
	assert.True(t, svc.Paused("reports"))
	assert.Equal(t, Aliases{"o": "orders"}, r.Aliases())

	r.AddAliases(map[string]string{"default": "orders"})
	assert.Equal(t, "orders", r.Aliases().Resolve("default"))
}

func TestRegisterRequiresName(t *testing.T) {
	r := newRegistry(t, queue.NewMemory(), lock.NewMemory())
	assert.ErrorIs(t, r.Register(context.Background(), queue.Descriptor{}, nil, true), errspkg.ErrPipelineRequired)
}
