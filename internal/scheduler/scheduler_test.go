package scheduler

import (
	"context"
	"errors"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypoint/backend/internal/teleport"
)

type countingRunnable struct {
	runs    atomic.Int32
	cancels atomic.Int32
}

func (c *countingRunnable) Run(ctx context.Context) teleport.Outcome {
	c.runs.Add(1)
	return teleport.OutcomeCompleted
}

func (c *countingRunnable) Cancel(ctx context.Context) teleport.Outcome {
	c.cancels.Add(1)
	return teleport.OutcomeCancelled
}

func TestTimerScheduler_Fires(t *testing.T) {
	s := NewTimerScheduler()
	r := &countingRunnable{}

	_, err := s.Schedule(context.Background(), 5*time.Millisecond, r)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.runs.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, s.Len())
}

func TestTimerScheduler_StopPreventsRun(t *testing.T) {
	s := NewTimerScheduler()
	r := &countingRunnable{}

	h, err := s.Schedule(context.Background(), 50*time.Millisecond, r)
	require.NoError(t, err)
	assert.True(t, h.Stop())
	assert.False(t, h.Stop())

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, r.runs.Load())
	assert.Zero(t, s.Len())
}

func TestTimerScheduler_CancelledContextStillRuns(t *testing.T) {
	s := NewTimerScheduler()
	r := &countingRunnable{}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Schedule(ctx, 5*time.Millisecond, r)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool { return r.runs.Load() == 1 }, time.Second, time.Millisecond)
}

func TestTimerScheduler_Shutdown(t *testing.T) {
	s := NewTimerScheduler()
	a, b := &countingRunnable{}, &countingRunnable{}
	ctx := context.Background()

	_, err := s.Schedule(ctx, time.Hour, a)
	require.NoError(t, err)
	h, err := s.Schedule(ctx, time.Hour, b)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Shutdown(ctx))
	assert.Equal(t, int32(1), a.cancels.Load())
	assert.Equal(t, int32(1), b.cancels.Load())
	assert.False(t, h.Stop())

	_, err = s.Schedule(ctx, time.Millisecond, a)
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestTimerScheduler_DrivesTeleportWarmup(t *testing.T) {
	m := teleport.NewMockDeps()
	m.Directory.Join("alice", teleport.Location{World: "world", Y: 64})
	m.Directory.Join("bob", teleport.Location{World: "world", X: 5, Y: 70})
	deps := m.Deps()
	s := NewTimerScheduler()
	deps.Scheduler = s

	e := teleport.NewEngine(deps)
	task, ok, err := e.Prepare(context.Background(), teleport.Request{Subject: "alice", Target: "bob", WarmupSeconds: 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.Start(context.Background(), task))
	assert.Equal(t, 1, s.Len())
	assert.Zero(t, m.Directory.MoveCalls)

	select {
	case <-task.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("warmup never fired")
	}
	assert.Equal(t, teleport.StateCompleted, task.State())
	assert.Equal(t, 1, m.Directory.MoveCalls)
}

type fakeQueue struct {
	mu      sync.Mutex
	created []*taskspb.CreateTaskRequest
	deleted []string
	closed  bool
	fail    error
}

func (q *fakeQueue) CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest) (*taskspb.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return nil, q.fail
	}
	q.created = append(q.created, req)
	return req.Task, nil
}

func (q *fakeQueue) DeleteTask(ctx context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, name)
	return nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fakeQueue) lastID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return path.Base(q.created[len(q.created)-1].Task.GetHttpRequest().GetUrl())
}

func (q *fakeQueue) deletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted)
}

var testQueueConfig = CloudTasksConfig{
	ProjectID:   "waypoint-dev",
	LocationID:  "us-central1",
	QueueID:     "warmups",
	CallbackURL: "https://waypoint.example.com/internal/tasks/",
}

func TestCloudTasks_ScheduleEnqueuesAtWarmupEnd(t *testing.T) {
	q := &fakeQueue{}
	c := NewCloudTasksWithQueue(q, testQueueConfig)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }

	_, err := c.Schedule(context.Background(), 5*time.Second, &countingRunnable{})
	require.NoError(t, err)
	require.Len(t, q.created, 1)

	req := q.created[0]
	assert.Equal(t, "projects/waypoint-dev/locations/us-central1/queues/warmups", req.Parent)
	assert.Equal(t, now.Add(5*time.Second), req.Task.GetScheduleTime().AsTime())
	assert.Equal(t, taskspb.HttpMethod_POST, req.Task.GetHttpRequest().GetHttpMethod())
	assert.Equal(t, "https://waypoint.example.com/internal/tasks/"+q.lastID(), req.Task.GetHttpRequest().GetUrl())
	assert.Equal(t, req.Parent+"/tasks/"+q.lastID(), req.Task.GetName())
	assert.Equal(t, 1, c.Len())
}

func TestCloudTasks_FireRunsOnce(t *testing.T) {
	q := &fakeQueue{}
	c := NewCloudTasksWithQueue(q, testQueueConfig)
	r := &countingRunnable{}
	ctx := context.Background()

	_, err := c.Schedule(ctx, time.Second, r)
	require.NoError(t, err)
	id := q.lastID()

	assert.True(t, c.Fire(ctx, id))
	assert.False(t, c.Fire(ctx, id), "redelivered callback must be ignored")
	assert.False(t, c.Fire(ctx, "unknown"))
	assert.Equal(t, int32(1), r.runs.Load())
}

func TestCloudTasks_StopDeletesAndIgnoresCallback(t *testing.T) {
	q := &fakeQueue{}
	c := NewCloudTasksWithQueue(q, testQueueConfig)
	r := &countingRunnable{}
	ctx := context.Background()

	h, err := c.Schedule(ctx, time.Second, r)
	require.NoError(t, err)
	id := q.lastID()

	assert.True(t, h.Stop())
	assert.False(t, h.Stop())
	assert.False(t, c.Fire(ctx, id))
	assert.Zero(t, r.runs.Load())
	require.Eventually(t, func() bool { return q.deletedCount() == 1 }, time.Second, time.Millisecond)
}

func TestCloudTasks_EnqueueFailure(t *testing.T) {
	q := &fakeQueue{fail: errors.New("queue paused")}
	c := NewCloudTasksWithQueue(q, testQueueConfig)

	_, err := c.Schedule(context.Background(), time.Second, &countingRunnable{})
	assert.ErrorContains(t, err, "queue paused")
	assert.Zero(t, c.Len())
}

func TestCloudTasks_Shutdown(t *testing.T) {
	q := &fakeQueue{}
	c := NewCloudTasksWithQueue(q, testQueueConfig)
	r := &countingRunnable{}
	ctx := context.Background()

	_, err := c.Schedule(ctx, time.Minute, r)
	require.NoError(t, err)
	id := q.lastID()

	assert.Equal(t, 1, c.Shutdown(ctx))
	assert.Equal(t, int32(1), r.cancels.Load())
	assert.True(t, q.closed)
	assert.False(t, c.Fire(ctx, id))

	_, err = c.Schedule(ctx, time.Second, r)
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}
