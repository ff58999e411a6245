package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

const (
	DefaultMaxConcurrent = 2
	DefaultRetryDelay    = time.Second
)

// parser accepts both five and six field specs plus descriptors such as
// "@every 5s"
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Task represents a periodic job
type Task struct {
	ID          string
	Name        string
	Schedule    string
	MaxRetries  int
	ExecutionFn func(context.Context) error

	LastRun    time.Time
	NextRun    time.Time
	Status     TaskStatus
	Error      error
	RetryCount int
	Runs       int64

	cronID cron.EntryID
}

// Scheduler runs tasks on cron schedules with a bounded worker pool
type Scheduler struct {
	cron       *cron.Cron
	tasks      map[string]*Task
	logger     *zap.Logger
	retryDelay time.Duration
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex

	statsMu sync.Mutex
	stats   SchedulerStats
}

// SchedulerStats represents scheduler statistics
type SchedulerStats struct {
	TasksScheduled int64         `json:"tasksScheduled"`
	TasksCompleted int64         `json:"tasksCompleted"`
	TasksFailed    int64         `json:"tasksFailed"`
	TasksSkipped   int64         `json:"tasksSkipped"`
	AverageLatency time.Duration `json:"averageLatency"`
	LastUpdate     time.Time     `json:"lastUpdate"`
}

// NewScheduler creates a scheduler. Non-positive arguments use defaults.
func NewScheduler(logger *zap.Logger, maxConcurrent int, retryDelay time.Duration) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:       cron.New(cron.WithParser(parser)),
		tasks:      make(map[string]*Task),
		logger:     logger.Named("scheduler"),
		retryDelay: retryDelay,
		workerPool: make(chan struct{}, maxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins firing scheduled tasks
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", zap.Int("maxConcurrent", cap(s.workerPool)))
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to return
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
}

// ScheduleTask registers a task
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	cronID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	task.cronID = cronID
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.ID] = task

	s.statsMu.Lock()
	s.stats.TasksScheduled++
	s.stats.LastUpdate = time.Now()
	s.statsMu.Unlock()

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("schedule", task.Schedule))
	return nil
}

// UnscheduleTask removes a task
func (s *Scheduler) UnscheduleTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	s.cron.Remove(task.cronID)
	delete(s.tasks, taskID)

	s.logger.Info("Task unscheduled", zap.String("taskID", taskID))
	return nil
}

// RunNow executes a registered task immediately, outside its schedule
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	s.executeTask(s.ctx, task)
	return nil
}

// GetTask returns a copy of the task state
func (s *Scheduler) GetTask(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return Task{}, fmt.Errorf("task %s not found", taskID)
	}
	return *task, nil
}

// ListTasks returns copies of all tasks
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	return tasks
}

// GetSchedulerStats returns current scheduler statistics
func (s *Scheduler) GetSchedulerStats() SchedulerStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	// A periodic job that is still running is skipped, not queued
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	default:
		s.statsMu.Lock()
		s.stats.TasksSkipped++
		s.statsMu.Unlock()
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if task.Status == TaskStatusRunning {
		s.mu.Unlock()
		s.statsMu.Lock()
		s.stats.TasksSkipped++
		s.statsMu.Unlock()
		return
	}
	start := time.Now()
	task.Status = TaskStatusRunning
	task.LastRun = start
	s.mu.Unlock()

	err := s.runTaskWithRetries(ctx, task)

	s.mu.Lock()
	task.Runs++
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err
	} else {
		task.Status = TaskStatusComplete
		task.Error = nil
	}
	task.NextRun = s.cron.Entry(task.cronID).Next
	s.mu.Unlock()

	elapsed := time.Since(start)
	s.statsMu.Lock()
	if err != nil {
		s.stats.TasksFailed++
	} else {
		s.stats.TasksCompleted++
	}
	s.stats.AverageLatency = (s.stats.AverageLatency*9 + elapsed) / 10
	s.stats.LastUpdate = time.Now()
	s.statsMu.Unlock()

	if err != nil {
		s.logger.Warn("Task execution failed",
			zap.String("taskID", task.ID),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}
	s.logger.Debug("Task execution completed",
		zap.String("taskID", task.ID),
		zap.Duration("duration", elapsed))
}

func (s *Scheduler) runTaskWithRetries(ctx context.Context, task *Task) error {
	var lastErr error

	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := task.ExecutionFn(ctx); err != nil {
			lastErr = err
			s.mu.Lock()
			task.RetryCount = attempt
			s.mu.Unlock()
			continue
		}
		return nil
	}

	return fmt.Errorf("task failed after %d retries: %w", task.MaxRetries, lastErr)
}

func validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	return ValidateSchedule(task.Schedule)
}

// ValidateSchedule reports whether spec is a schedule the scheduler accepts
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}
