package reaper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"corral/pkg/driver"
	"corral/pkg/driver/drivertest"
	"corral/pkg/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func spawnRunning(t *testing.T, fake *drivertest.Fake, reg *registry.Registry) string {
	t.Helper()
	id, err := fake.Spawn(context.Background(), "/repo")
	require.NoError(t, err)
	_, err = reg.Register(id, "/repo", "run-1")
	require.NoError(t, err)
	_, err = reg.Transition(id, registry.StateRunning)
	require.NoError(t, err)
	return id
}

func TestTerminateGracefulSendsExitThenCloses(t *testing.T) {
	fake := drivertest.New()
	reg := registry.New()
	rec := &sleepRecorder{}
	r := New(fake, reg, WithGrace(3*time.Second), WithExitText("/quit"), WithSleep(rec.sleep))
	id := spawnRunning(t, fake, reg)

	require.NoError(t, r.Terminate(context.Background(), id, true))

	assert.Equal(t, []string{"/quit"}, fake.Sent(id))
	assert.Equal(t, []time.Duration{3 * time.Second}, rec.slept)
	assert.True(t, fake.Closed(id))
	_, err := reg.Get(id)
	var unknown *registry.UnknownWorkerError
	assert.ErrorAs(t, err, &unknown, "entry must be removed")
}

func TestTerminateForcedSkipsExitText(t *testing.T) {
	fake := drivertest.New()
	reg := registry.New()
	rec := &sleepRecorder{}
	r := New(fake, reg, WithSleep(rec.sleep))
	id := spawnRunning(t, fake, reg)

	require.NoError(t, r.Terminate(context.Background(), id, false))

	assert.Empty(t, fake.Sent(id))
	assert.Empty(t, rec.slept)
	assert.True(t, fake.Closed(id))
	assert.Empty(t, reg.List())
}

func TestTerminateClosesWhenExitTextFails(t *testing.T) {
	fake := drivertest.New()
	fake.SendErrs[DefaultExitText] = errors.New("pane dead")
	reg := registry.New()
	rec := &sleepRecorder{}
	r := New(fake, reg, WithSleep(rec.sleep))
	id := spawnRunning(t, fake, reg)

	require.NoError(t, r.Terminate(context.Background(), id, true))
	assert.Empty(t, rec.slept, "no grace wait when the exit text never arrived")
	assert.True(t, fake.Closed(id))
	assert.Empty(t, reg.List())
}

func TestTerminateCloseErrorStillRetires(t *testing.T) {
	fake := drivertest.New()
	fake.CloseErr = errors.New("tmux: server exited")
	reg := registry.New()
	r := New(fake, reg, WithSleep((&sleepRecorder{}).sleep))
	id := spawnRunning(t, fake, reg)

	err := r.Terminate(context.Background(), id, false)
	var closeErr *driver.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, id, closeErr.WorkerID)
	assert.Empty(t, reg.List(), "registry entry retired despite close failure")
}

func TestTerminateUnknownIsAlreadyReaped(t *testing.T) {
	r := New(drivertest.New(), registry.New())
	assert.NoError(t, r.Terminate(context.Background(), "gone", true))
}

func TestTerminateErrorStateWorker(t *testing.T) {
	fake := drivertest.New()
	reg := registry.New()
	r := New(fake, reg, WithSleep((&sleepRecorder{}).sleep))
	id := spawnRunning(t, fake, reg)
	_, err := reg.Transition(id, registry.StateError)
	require.NoError(t, err)

	require.NoError(t, r.Terminate(context.Background(), id, true))
	assert.Empty(t, reg.List())
}

func TestTerminateClosesAfterCancelledContext(t *testing.T) {
	fake := drivertest.New()
	reg := registry.New()
	r := New(fake, reg, WithGrace(time.Hour))
	id := spawnRunning(t, fake, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.NoError(t, r.Terminate(ctx, id, true))
	assert.Less(t, time.Since(start), time.Second, "grace wait honours cancellation")
	assert.True(t, fake.Closed(id))
	assert.Empty(t, reg.List())
}

func TestConcurrentTerminateSameWorker(t *testing.T) {
	fake := drivertest.New()
	reg := registry.New()
	r := New(fake, reg, WithSleep((&sleepRecorder{}).sleep))
	id := spawnRunning(t, fake, reg)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.Terminate(context.Background(), id, i%2 == 0)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Empty(t, reg.List())
}

func TestTerminateAllJoinsErrors(t *testing.T) {
	fake := drivertest.New()
	reg := registry.New()
	r := New(fake, reg, WithSleep((&sleepRecorder{}).sleep))
	ids := []string{spawnRunning(t, fake, reg), spawnRunning(t, fake, reg), spawnRunning(t, fake, reg)}

	require.NoError(t, r.TerminateAll(context.Background(), ids, true))
	assert.Equal(t, 0, fake.Open())
	assert.Empty(t, reg.List())

	fake.CloseErr = errors.New("boom")
	more := []string{spawnRunning(t, fake, reg), spawnRunning(t, fake, reg)}
	err := r.TerminateAll(context.Background(), more, false)
	require.Error(t, err)
	assert.Equal(t, 2, strings.Count(err.Error(), "boom"))
	assert.Empty(t, reg.List())
}

func TestSweepClosesOnlyOwnedOrphans(t *testing.T) {
	fake := drivertest.New()
	reg := registry.New()
	r := New(fake, reg)
	live := spawnRunning(t, fake, reg)
	fake.Inject("corral-orphan1")
	fake.Inject("corral-orphan2")
	fake.Inject("someone-else")

	owns := func(id string) bool { return strings.HasPrefix(id, "corral-") || id == live }
	closed, err := r.Sweep(context.Background(), owns)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"corral-orphan1", "corral-orphan2"}, closed)
	assert.False(t, fake.Closed(live), "registered live worker is not an orphan")
	assert.False(t, fake.Closed("someone-else"))
}

func TestSweepReportsCloseFailures(t *testing.T) {
	fake := drivertest.New()
	fake.CloseErr = errors.New("permission denied")
	r := New(fake, registry.New())
	fake.Inject("corral-a")

	closed, err := r.Sweep(context.Background(), nil)
	assert.Empty(t, closed)
	var closeErr *driver.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, "corral-a", closeErr.WorkerID)
}
