package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/taskstatus/internal/database"
	"github.com/nadmax/taskstatus/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock advances by a millisecond on every read so records written back to back
// still get distinct timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t.UTC()
}

func testRetryPolicy() database.RetryPolicy {
	return database.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestRepository(t *testing.T, ownerID string) (*SQLTaskRepository, *testClock) {
	t.Helper()

	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, err := Open(context.Background(), database.DriverSQLite, ":memory:", ownerID,
		WithClock(clock.Now),
		WithRetryPolicy(testRetryPolicy()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return r, clock
}

// peer returns a second instance sharing r's database under another identity.
func peer(r *SQLTaskRepository, ownerID string, clock *testClock) *SQLTaskRepository {
	return NewSQLTaskRepository(r.DB(), database.SQLite, ownerID,
		WithClock(clock.Now),
		WithRetryPolicy(testRetryPolicy()),
	)
}

func countRows(t *testing.T, r *SQLTaskRepository, table, taskColumn, taskID string) int {
	t.Helper()

	var n int
	err := r.DB().QueryRow("SELECT COUNT(*) FROM "+table+" WHERE "+taskColumn+" = ?", taskID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestCreate(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.Create(ctx, "INIT", "Creating server group")
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.RequestID)
	assert.Equal(t, "host-1", created.OwnerID)
	assert.False(t, created.StartTime.IsZero())

	status, err := r.CurrentStatus(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, task.StateStarted, status.State)
	assert.Equal(t, "INIT", status.Phase)
	assert.Equal(t, "Creating server group", status.Message)

	history, err := r.GetHistory(ctx, created)
	require.NoError(t, err)
	assert.Len(t, history, 1, "history holds only the creation record")

	results, err := r.GetResultObjects(ctx, created)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGet(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.CreateWithRequestID(ctx, "INIT", "starting", "req-42")
	require.NoError(t, err)

	t.Run("by id", func(t *testing.T) {
		got, ok, err := r.Get(ctx, created.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "req-42", got.RequestID)
		assert.Equal(t, "host-1", got.OwnerID)
		assert.True(t, created.StartTime.Equal(got.StartTime))
	})

	t.Run("by request id", func(t *testing.T) {
		got, ok, err := r.GetByClientRequestID(ctx, "req-42")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, created.ID, got.ID)
	})

	t.Run("missing is not an error", func(t *testing.T) {
		got, ok, err := r.Get(ctx, "nonexistent")
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)

		got, ok, err = r.GetByClientRequestID(ctx, "nonexistent")
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	})
}

func TestCreateWithRequestIDDuplicate(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	first, err := r.CreateWithRequestID(ctx, "DEPLOY", "starting deploy", "req-1")
	require.NoError(t, err)

	second, err := r.CreateWithRequestID(ctx, "RESIZE", "starting resize", "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	records, err := r.GetStatusRecords(ctx, first)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, task.StateStarted, records[0].State)
	assert.Equal(t, "DEPLOY", records[0].Phase)

	assert.Equal(t, task.StateFailed, records[1].State)
	assert.Equal(t, "RESIZE", records[1].Phase)
	assert.Equal(t, "Duplicate of req-1", records[1].Message)

	status, err := r.CurrentStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, status.State)
}

func TestCreateWithRequestIDConcurrent(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := r.CreateWithRequestID(ctx, "DEPLOY", "starting", "req-race")
			errs[i] = err
			if created != nil {
				ids[i] = created.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "every caller resolves to the same task")
	}

	records, err := r.GetStatusRecords(ctx, &task.Task{ID: ids[0]})
	require.NoError(t, err)

	failed := 0
	for _, rec := range records {
		if rec.State == task.StateFailed {
			failed++
		}
	}
	assert.Equal(t, callers-1, failed, "each losing caller leaves one duplicate record")
}

func TestUpdateStatusHistory(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)

	require.NoError(t, r.UpdateStatus(ctx, created, "p1", "s1"))
	require.NoError(t, r.UpdateStatus(ctx, created, "p2", "s2"))

	history, err := r.GetHistory(ctx, created)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, "INIT", history[0].Phase)
	assert.Equal(t, "p1", history[1].Phase)
	assert.Equal(t, "s1", history[1].Message)
	assert.Equal(t, "p2", history[2].Phase)
	assert.Equal(t, "s2", history[2].Message)
	for _, h := range history {
		assert.Equal(t, task.StateStarted, h.State)
	}

	status, err := r.CurrentStatus(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "p2", status.Phase)
}

func TestComplete(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus(ctx, created, "WAIT", "waiting for instances"))

	require.NoError(t, r.Complete(ctx, created))

	status, err := r.CurrentStatus(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, status.State)
	assert.Equal(t, "WAIT", status.Phase, "terminal record carries the last phase forward")
	assert.Equal(t, "waiting for instances", status.Message)

	err = r.AddResultObjects(ctx, created, []any{"late"})
	assert.ErrorIs(t, err, ErrTaskNotUpdateable)

	results, err := r.GetResultObjects(ctx, created)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFail(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus(ctx, created, "DEPLOY", "deploying"))

	require.NoError(t, r.Fail(ctx, created))

	history, err := r.GetHistory(ctx, created)
	require.NoError(t, err)
	require.Len(t, history, 2, "terminal record is not part of history")
	assert.Equal(t, task.StateStarted, history[1].State)

	records, err := r.GetStatusRecords(ctx, created)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	status, err := r.CurrentStatus(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, status.State)
	assert.False(t, status.Retryable)
}

func TestFailRetryable(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)

	require.NoError(t, r.FailRetryable(ctx, created))

	status, err := r.CurrentStatus(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, status.State)
	assert.True(t, status.Retryable)
}

func TestTransitionUnknownTask(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	missing := &task.Task{ID: "missing"}

	assert.ErrorIs(t, r.Complete(ctx, missing), ErrNotFound)
	assert.ErrorIs(t, r.Fail(ctx, missing), ErrNotFound)

	_, err := r.CurrentStatus(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, r.AddResultObjects(ctx, missing, []any{1}), ErrNotFound)
}

func TestAddAndGetResultObjects(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)

	require.NoError(t, r.AddResultObjects(ctx, created, []any{"a", "b"}))

	results, err := r.GetResultObjects(ctx, created)
	require.NoError(t, err)
	require.Len(t, results, 2)

	var got []string
	for _, res := range results {
		assert.Equal(t, created.ID, res.TaskID)
		var s string
		require.NoError(t, res.Decode(&s))
		got = append(got, s)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.NotEqual(t, results[0].ID, results[1].ID)
}

func TestAddResultObjectsStructured(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	type serverGroup struct {
		Name    string   `json:"name"`
		Regions []string `json:"regions"`
	}

	created, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)

	require.NoError(t, r.AddResultObjects(ctx, created, []any{
		serverGroup{Name: "app-v001", Regions: []string{"us-east-1"}},
	}))
	require.NoError(t, r.AddResultObjects(ctx, created, []any{
		map[string]any{"deleted": true},
	}))

	results, err := r.GetResultObjects(ctx, created)
	require.NoError(t, err)
	require.Len(t, results, 2)

	var sg serverGroup
	require.NoError(t, results[0].Decode(&sg))
	assert.Equal(t, "app-v001", sg.Name)
	assert.Equal(t, []string{"us-east-1"}, sg.Regions)

	var m map[string]any
	require.NoError(t, results[1].Decode(&m))
	assert.Equal(t, true, m["deleted"])
}

func TestAddResultObjectsEmptyIsNoop(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)
	require.NoError(t, r.Complete(ctx, created))

	assert.NoError(t, r.AddResultObjects(ctx, created, nil))
	assert.NoError(t, r.AddResultObjects(ctx, created, []any{}))
}

func TestAddResultObjectsChecksNewestState(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")
	ctx := context.Background()

	created, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)

	// Oldest record is STARTED, newest is FAILED: the newest one decides.
	require.NoError(t, r.Fail(ctx, created))

	err = r.AddResultObjects(ctx, created, []any{"x"})
	assert.ErrorIs(t, err, ErrTaskNotUpdateable)

	// And a task that has moved on from its creation record is still updateable.
	running, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus(ctx, running, "STEP", "working"))
	assert.NoError(t, r.AddResultObjects(ctx, running, []any{"y"}))
}

func TestList(t *testing.T) {
	a, clock := newTestRepository(t, "host-a")
	b := peer(a, "host-b", clock)
	ctx := context.Background()

	t1, err := a.Create(ctx, "INIT", "one")
	require.NoError(t, err)
	t2, err := a.Create(ctx, "INIT", "two")
	require.NoError(t, err)
	t3, err := b.Create(ctx, "INIT", "three")
	require.NoError(t, err)
	require.NoError(t, a.UpdateStatus(ctx, t1, "STEP", "still running"))

	require.NoError(t, a.Complete(ctx, t2))

	all, err := a.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{t1.ID, t3.ID}, ids(all))

	local, err := a.ListByThisInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{t1.ID}, ids(local))

	remote, err := b.ListByThisInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{t3.ID}, ids(remote))

	allFromB, err := b.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(all), ids(allFromB))
}

func TestListEmpty(t *testing.T) {
	r, _ := newTestRepository(t, "host-1")

	tasks, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestPurgeTerminalBefore(t *testing.T) {
	r, clock := newTestRepository(t, "host-1")
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	clock.Set(now.Add(-3 * time.Hour))
	oldRunning, err := r.Create(ctx, "INIT", "never finishes")
	require.NoError(t, err)

	clock.Set(now.Add(-2 * time.Hour))
	oldDone, err := r.Create(ctx, "INIT", "old")
	require.NoError(t, err)
	require.NoError(t, r.AddResultObjects(ctx, oldDone, []any{"r1", "r2"}))
	require.NoError(t, r.UpdateStatus(ctx, oldDone, "STEP", "working"))
	require.NoError(t, r.Complete(ctx, oldDone))

	oldFailed, err := r.Create(ctx, "INIT", "old failure")
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, oldFailed))

	clock.Set(now.Add(-10 * time.Minute))
	recentDone, err := r.Create(ctx, "INIT", "recent")
	require.NoError(t, err)
	require.NoError(t, r.Complete(ctx, recentDone))

	res, err := r.PurgeTerminalBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tasks)
	assert.Equal(t, 2, res.Results)
	assert.Equal(t, 5, res.Statuses)

	for _, gone := range []*task.Task{oldDone, oldFailed} {
		_, ok, err := r.Get(ctx, gone.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, countRows(t, r, "task_states", "task_id", gone.ID))
		assert.Zero(t, countRows(t, r, "task_results", "task_id", gone.ID))
	}

	for _, kept := range []*task.Task{oldRunning, recentDone} {
		_, ok, err := r.Get(ctx, kept.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NotZero(t, countRows(t, r, "task_states", "task_id", kept.ID))
	}

	again, err := r.PurgeTerminalBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

func TestPurgeTerminalBeforeIgnoresResumedTasks(t *testing.T) {
	r, clock := newTestRepository(t, "host-1")
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	clock.Set(now.Add(-2 * time.Hour))
	resumed, err := r.Create(ctx, "INIT", "created")
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, resumed))

	clock.Set(now.Add(-time.Minute))
	require.NoError(t, r.UpdateStatus(ctx, resumed, "RETRY", "picked up again"))

	res, err := r.PurgeTerminalBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Empty())

	_, ok, err := r.Get(ctx, resumed.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks(nil, 2))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks([]string{"a", "b", "c"}, 2))
	assert.Equal(t, [][]string{{"a", "b"}}, chunks([]string{"a", "b"}, 2))
}

func ids(tasks []*task.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
