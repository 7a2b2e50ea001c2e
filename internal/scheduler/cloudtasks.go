package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/waypoint/backend/internal/teleport"
)

// TaskQueue is the slice of the Cloud Tasks API the scheduler needs.
type TaskQueue interface {
	CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest) (*taskspb.Task, error)
	DeleteTask(ctx context.Context, name string) error
	Close() error
}

type clientQueue struct {
	client *cloudtasks.Client
}

func (q *clientQueue) CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest) (*taskspb.Task, error) {
	return q.client.CreateTask(ctx, req)
}

func (q *clientQueue) DeleteTask(ctx context.Context, name string) error {
	return q.client.DeleteTask(ctx, &taskspb.DeleteTaskRequest{Name: name})
}

func (q *clientQueue) Close() error {
	return q.client.Close()
}

// CloudTasksConfig identifies the queue and the callback the queue calls.
type CloudTasksConfig struct {
	ProjectID  string
	LocationID string
	QueueID    string
	// CallbackURL is the externally reachable URL of /internal/tasks; the
	// task id is appended.
	CallbackURL string
}

func (c CloudTasksConfig) queuePath() string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", c.ProjectID, c.LocationID, c.QueueID)
}

// CloudTasks schedules warmups as Cloud Tasks HTTP tasks whose ScheduleTime
// is the end of the warmup. The runnables themselves stay in this process;
// the queue only delivers the wake-up call, which the API routes to Fire.
type CloudTasks struct {
	queue     TaskQueue
	queuePath string
	callback  string
	clock     func() time.Time
	logger    *log.Logger

	mu      sync.Mutex
	pending map[string]teleport.Runnable
	closed  bool
}

// NewCloudTasks dials Cloud Tasks with application default credentials.
func NewCloudTasks(cfg CloudTasksConfig) (*CloudTasks, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	ct := NewCloudTasksWithQueue(&clientQueue{client: client}, cfg)
	ct.logger.Printf("Connected to Cloud Tasks queue: %s", ct.queuePath)
	return ct, nil
}

// NewCloudTasksWithQueue builds the scheduler on an existing queue client.
func NewCloudTasksWithQueue(q TaskQueue, cfg CloudTasksConfig) *CloudTasks {
	return &CloudTasks{
		queue:     q,
		queuePath: cfg.queuePath(),
		callback:  strings.TrimRight(cfg.CallbackURL, "/"),
		clock:     time.Now,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
		pending:   make(map[string]teleport.Runnable),
	}
}

// Schedule enqueues a wake-up call for r delay from now.
func (c *CloudTasks) Schedule(ctx context.Context, delay time.Duration, r teleport.Runnable) (teleport.Handle, error) {
	id := uuid.New().String()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	c.pending[id] = r
	c.mu.Unlock()

	name := c.queuePath + "/tasks/" + id
	req := &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			Name:         name,
			ScheduleTime: timestamppb.New(c.clock().Add(delay)),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        c.callback + "/" + id,
					Headers:    map[string]string{"Content-Type": "application/json"},
				},
			},
		},
	}

	if _, err := c.queue.CreateTask(ctx, req); err != nil {
		c.claim(id)
		return nil, fmt.Errorf("enqueue task %s: %w", id, err)
	}
	return &cloudHandle{c: c, id: id, name: name}, nil
}

func (c *CloudTasks) claim(id string) (teleport.Runnable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return r, ok
}

// Fire runs the runnable registered under id. Cloud Tasks delivers at least
// once, so a repeated or late callback finds nothing and reports false.
func (c *CloudTasks) Fire(ctx context.Context, id string) bool {
	r, ok := c.claim(id)
	if !ok {
		return false
	}
	r.Run(ctx)
	return true
}

// Len returns the number of runnables waiting for their callback.
func (c *CloudTasks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Shutdown cancels everything still waiting and closes the client. Queued
// callbacks that arrive later are ignored.
func (c *CloudTasks) Shutdown(ctx context.Context) int {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]teleport.Runnable)
	c.mu.Unlock()

	for _, r := range pending {
		r.Cancel(ctx)
	}
	if err := c.queue.Close(); err != nil {
		c.logger.Printf("Cloud Tasks client close error: %v", err)
	}
	c.logger.Printf("Cloud Tasks scheduler closed (%d cancelled)", len(pending))
	return len(pending)
}

type cloudHandle struct {
	c    *CloudTasks
	id   string
	name string
}

// Stop unregisters the runnable and deletes the queued task in the
// background. A delete failure is harmless because the callback is ignored.
func (h *cloudHandle) Stop() bool {
	if _, ok := h.c.claim(h.id); !ok {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.c.queue.DeleteTask(ctx, h.name); err != nil {
			h.c.logger.Printf("Delete task %s failed: %v", h.id, err)
		}
	}()
	return true
}
