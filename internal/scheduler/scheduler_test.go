package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"yoto-remote/internal/models"
	"yoto-remote/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 2024-05-06 is a Monday.
func at(day, hour, minute, sec int) time.Time {
	return time.Date(2024, 5, day, hour, minute, sec, 0, time.UTC)
}

func weekly(days []int, hour, minute int) *models.Schedule {
	return &models.Schedule{
		ID:         "s1",
		DeviceID:   "abc",
		CardURI:    "https://yoto.io/card1",
		TimeOfDay:  models.TimeOfDay{Hour: hour, Minute: minute},
		DaysOfWeek: days,
		RepeatMode: models.RepeatWeekly,
		Enabled:    true,
		CreatedAt:  at(1, 12, 0, 0),
	}
}

func TestIsDue_Window(t *testing.T) {
	s := weekly([]int{1}, 9, 0)

	assert.False(t, IsDue(s, at(6, 8, 59, 59)))
	assert.True(t, IsDue(s, at(6, 9, 0, 0)))
	assert.True(t, IsDue(s, at(6, 9, 1, 59)))
	assert.False(t, IsDue(s, at(6, 9, 2, 0)))
	assert.False(t, IsDue(s, at(7, 9, 0, 0)), "tuesday is not listed")

	s.Enabled = false
	assert.False(t, IsDue(s, at(6, 9, 0, 0)))
}

func TestIsDue_AcrossMidnight(t *testing.T) {
	s := weekly([]int{1}, 23, 59)
	assert.True(t, IsDue(s, at(7, 0, 0, 30)))
	assert.False(t, IsDue(s, at(7, 0, 1, 0)))
}

func TestIsDue_Idempotent(t *testing.T) {
	s := weekly([]int{1}, 9, 0)
	fired := at(6, 9, 0, 5)
	s.LastTriggeredAt = &fired

	assert.False(t, IsDue(s, at(6, 9, 0, 50)))
	assert.False(t, IsDue(s, at(6, 9, 1, 5)))
	// more than 60s later but the trigger belongs to this occurrence
	assert.False(t, IsDue(s, at(6, 9, 1, 30)))
	assert.True(t, IsDue(s, at(13, 9, 0, 0)), "next monday fires again")
}

func TestNextExecutionTime_Weekly(t *testing.T) {
	s := weekly([]int{0, 6}, 8, 0)

	next, ok := NextExecutionTime(s, at(7, 10, 0, 0))
	require.True(t, ok)
	assert.Equal(t, at(11, 8, 0, 0), next)
	assert.Equal(t, time.Saturday, next.Weekday())

	next, ok = NextExecutionTime(s, at(11, 8, 0, 0))
	require.True(t, ok)
	assert.Equal(t, at(11, 8, 0, 0), next)

	next, ok = NextExecutionTime(s, at(11, 8, 0, 1))
	require.True(t, ok)
	assert.Equal(t, at(12, 8, 0, 0), next)
}

func TestNextExecutionTime_SameDayNextWeek(t *testing.T) {
	s := weekly([]int{1}, 9, 0)
	next, ok := NextExecutionTime(s, at(6, 9, 30, 0))
	require.True(t, ok)
	assert.Equal(t, at(13, 9, 0, 0), next)
}

func TestNextExecutionTime_None(t *testing.T) {
	s := weekly([]int{3}, 7, 30)
	s.RepeatMode = models.RepeatNone
	s.CreatedAt = at(6, 12, 0, 0)

	next, ok := NextExecutionTime(s, at(7, 0, 0, 0))
	require.True(t, ok)
	assert.Equal(t, at(8, 7, 30, 0), next)

	// missed while the daemon was down: still enabled, so next week
	next, ok = NextExecutionTime(s, at(8, 8, 0, 0))
	require.True(t, ok)
	assert.Equal(t, at(15, 7, 30, 0), next)

	s.Enabled = false
	_, ok = NextExecutionTime(s, at(7, 0, 0, 0))
	assert.False(t, ok)
}

func TestNextExecutionTime_SkipsTriggeredOccurrence(t *testing.T) {
	s := weekly([]int{1}, 9, 0)
	fired := at(6, 9, 0, 5)
	s.LastTriggeredAt = &fired

	next, ok := NextExecutionTime(s, at(6, 9, 0, 0))
	require.True(t, ok)
	assert.Equal(t, at(13, 9, 0, 0), next)
}

// firstDueMinute steps minute by minute the way the clock ticks.
func firstDueMinute(s *models.Schedule, from time.Time) (time.Time, bool) {
	for now := from; now.Before(from.AddDate(0, 0, 15)); now = now.Add(time.Minute) {
		if IsDue(s, now) {
			return now, true
		}
	}
	return time.Time{}, false
}

func TestNextExecutionTime_AgreesWithIsDue(t *testing.T) {
	notified := at(6, 9, 0, 5)
	cases := map[string]func(*models.Schedule){
		"weekly":           func(s *models.Schedule) {},
		"weekly triggered": func(s *models.Schedule) { s.LastTriggeredAt = &notified },
		"none":             func(s *models.Schedule) { s.RepeatMode = models.RepeatNone },
		"none notified offline": func(s *models.Schedule) {
			s.RepeatMode = models.RepeatNone
			s.LastTriggeredAt = &notified
		},
		"several days": func(s *models.Schedule) {
			s.DaysOfWeek = []int{0, 3, 5}
			s.LastTriggeredAt = &notified
		},
	}
	starts := []time.Time{at(6, 9, 2, 0), at(6, 8, 0, 0), at(10, 23, 0, 0)}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := weekly([]int{1}, 9, 0)
			mutate(s)
			for _, from := range starts {
				next, ok := NextExecutionTime(s, from)
				due, fires := firstDueMinute(s, from)
				require.Equal(t, fires, ok, "from %s", from)
				assert.Equal(t, due, next, "from %s", from)
			}
		})
	}

	s := weekly([]int{1}, 9, 0)
	s.RepeatMode = models.RepeatNone
	s.LastTriggeredAt = &notified
	next, ok := NextExecutionTime(s, at(6, 9, 2, 0))
	require.True(t, ok)
	assert.Equal(t, at(13, 9, 0, 0), next)
	assert.True(t, IsDue(s, next))
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", repository.ErrMiss
	}
	return v, nil
}

func (m *memKV) Mutate(ctx context.Context, key string, fn func(string, bool) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.data[key]
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	m.data[key] = next
	return nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	state      models.ConnectionState
	publishErr error
	published  []models.Command
	block      chan struct{}
}

func (f *fakeDispatcher) State(deviceID string) models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDispatcher) Publish(ctx context.Context, deviceID string, cmd models.Command) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, cmd)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeNotifier) Notify(ctx context.Context, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, title+": "+body)
	return f.err
}

func setupClock(t *testing.T, s *models.Schedule) (*Clock, repository.ScheduleRepository, *fakeDispatcher, *fakeNotifier) {
	t.Helper()
	repo := repository.NewKVScheduleRepository(&memKV{data: map[string]string{}}, "")
	require.NoError(t, repo.Insert(context.Background(), *s))

	dispatcher := &fakeDispatcher{state: models.StateConnected}
	notifier := &fakeNotifier{}
	clock := NewClock(Config{Location: time.UTC}, repo, dispatcher, notifier, zap.NewNop())
	return clock, repo, dispatcher, notifier
}

func tickAt(t *testing.T, c *Clock, now time.Time) {
	t.Helper()
	c.now = func() time.Time { return now }
	require.NoError(t, c.Tick(context.Background()))
}

func TestClock_FiresOncePerOccurrence(t *testing.T) {
	clock, repo, dispatcher, _ := setupClock(t, weekly([]int{1}, 9, 0))

	tickAt(t, clock, at(6, 9, 0, 10))
	tickAt(t, clock, at(6, 9, 0, 40))
	tickAt(t, clock, at(6, 9, 1, 30))

	require.Equal(t, 1, dispatcher.count())
	assert.Equal(t, models.PlayCard{URI: "https://yoto.io/card1"}, dispatcher.published[0])

	s, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, s.LastTriggeredAt)
	assert.True(t, at(6, 9, 0, 10).Equal(*s.LastTriggeredAt))
	assert.True(t, s.Enabled)

	tickAt(t, clock, at(13, 9, 0, 5))
	assert.Equal(t, 2, dispatcher.count())
}

func TestClock_NonRepeatingDisables(t *testing.T) {
	s := weekly([]int{1}, 9, 0)
	s.RepeatMode = models.RepeatNone
	clock, repo, dispatcher, _ := setupClock(t, s)

	tickAt(t, clock, at(6, 9, 0, 0))
	stored, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	tickAt(t, clock, at(13, 9, 0, 0))
	assert.Equal(t, 1, dispatcher.count())
}

func TestClock_DispatchFailureLeavesScheduleUntouched(t *testing.T) {
	s := weekly([]int{1}, 9, 0)
	s.RepeatMode = models.RepeatNone
	clock, repo, dispatcher, _ := setupClock(t, s)
	dispatcher.publishErr = errors.New("rejected")

	tickAt(t, clock, at(6, 9, 0, 0))

	stored, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Nil(t, stored.LastTriggeredAt)

	// still inside the window, so the next tick retries
	dispatcher.publishErr = nil
	tickAt(t, clock, at(6, 9, 1, 0))
	assert.Equal(t, 1, dispatcher.count())
}

func TestClock_OfflineNotifiesExactlyOnce(t *testing.T) {
	s := weekly([]int{1}, 9, 0)
	s.NotifyIfOffline = true
	clock, repo, dispatcher, notifier := setupClock(t, s)
	dispatcher.state = models.StateOffline

	tickAt(t, clock, at(6, 9, 0, 0))
	tickAt(t, clock, at(6, 9, 1, 10))

	assert.Len(t, notifier.calls, 1)
	assert.Contains(t, notifier.calls[0], "abc")
	assert.Equal(t, 0, dispatcher.count())

	stored, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.True(t, stored.Enabled)
}

func TestClock_OfflineWithoutNotifySkips(t *testing.T) {
	clock, repo, dispatcher, notifier := setupClock(t, weekly([]int{1}, 9, 0))
	dispatcher.state = models.StateDisconnected

	tickAt(t, clock, at(6, 9, 0, 0))

	assert.Empty(t, notifier.calls)
	assert.Equal(t, 0, dispatcher.count())
	stored, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, stored.LastTriggeredAt)
}

// staleList serves the schedules as they were before a concurrent edit.
type staleList struct {
	repository.ScheduleRepository
	snapshot []models.Schedule
}

func (r *staleList) List(ctx context.Context, deviceID string) ([]models.Schedule, error) {
	return r.snapshot, nil
}

func TestClock_SkipsScheduleChangedSinceList(t *testing.T) {
	cases := map[string]func(t *testing.T, repo repository.ScheduleRepository){
		"disabled": func(t *testing.T, repo repository.ScheduleRepository) {
			_, err := repo.Update(context.Background(), "s1", func(s *models.Schedule) error {
				s.Enabled = false
				return nil
			})
			require.NoError(t, err)
		},
		"deleted": func(t *testing.T, repo repository.ScheduleRepository) {
			require.NoError(t, repo.Delete(context.Background(), "s1"))
		},
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			clock, repo, dispatcher, notifier := setupClock(t, weekly([]int{1}, 9, 0))
			snapshot, err := repo.List(context.Background(), "")
			require.NoError(t, err)
			edit(t, repo)
			clock.repo = &staleList{ScheduleRepository: repo, snapshot: snapshot}

			tickAt(t, clock, at(6, 9, 0, 0))
			assert.Equal(t, 0, dispatcher.count())

			dispatcher.state = models.StateOffline
			snapshot[0].NotifyIfOffline = true
			tickAt(t, clock, at(6, 9, 0, 30))
			assert.Empty(t, notifier.calls)
		})
	}
}

func TestClock_OverlappingTickSkipped(t *testing.T) {
	clock, _, dispatcher, _ := setupClock(t, weekly([]int{1}, 9, 0))
	dispatcher.block = make(chan struct{})
	clock.now = func() time.Time { return at(6, 9, 0, 0) }

	done := make(chan struct{})
	go func() {
		clock.Tick(context.Background())
		close(done)
	}()

	// wait until the first tick holds the lock
	require.Eventually(t, func() bool {
		if clock.tickMu.TryLock() {
			clock.tickMu.Unlock()
			return false
		}
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, clock.Tick(context.Background()))
	close(dispatcher.block)
	<-done

	assert.Equal(t, 1, dispatcher.count())
}

func TestClock_StartStops(t *testing.T) {
	clock, _, _, _ := setupClock(t, weekly([]int{1}, 9, 0))
	clock.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- clock.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("clock did not stop")
	}
}
