// Package queue runs the worker pool that claims queued tasks and
// hands them to the pipeline. It also owns startup recovery and the
// background sweep that fails tasks whose heartbeat went stale.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/events"
	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/store"
)

// Executor processes one claimed task to a terminal state.
type Executor interface {
	Process(ctx context.Context, task *models.Task)
}

// Pool claims queued tasks with a fixed set of workers. Each running
// task gets its own deadline context, registered so it can be cancelled
// from the API while the worker is inside the pipeline.
type Pool struct {
	cfg      config.QueueConfig
	store    store.Store
	executor Executor
	bus      *events.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

func NewPool(cfg config.QueueConfig, st store.Store, executor Executor, bus *events.Bus, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		store:    st,
		executor: executor,
		bus:      bus,
		logger:   logger.With("component", "queue"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start recovers leftover state from the previous run and launches the
// workers. Recovery runs before any worker can claim, so requeued tasks
// are not raced by their own resurrection.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	for i := 1; i <= p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.worker(ctx, workerID)
	}
	p.wg.Add(1)
	go p.staleSweep(ctx)

	p.logger.Info("Worker pool started", "workers", p.cfg.WorkerCount)
	return nil
}

// Shutdown waits for running tasks to finish, then force-cancels the
// stragglers. The caller must cancel the Start context first so workers
// stop claiming.
func (p *Pool) Shutdown() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := p.cfg.GracefulShutdownTimeout.D()
	select {
	case <-done:
		p.logger.Info("Worker pool drained")
		return
	case <-time.After(grace):
	}

	p.logger.Warn("Graceful shutdown timed out, cancelling running tasks", "grace", grace)
	p.mu.Lock()
	for id, cancel := range p.cancels {
		p.logger.Warn("Force-cancelling task", "task_id", id)
		cancel()
	}
	p.mu.Unlock()
	<-done
}

// Cancel aborts a running task's context. Returns false when the task
// is not running in this process (queued tasks are cancelled through
// the store instead).
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveTasks returns the number of tasks currently being processed.
func (p *Pool) ActiveTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// recover settles tasks left over from the previous process: stale ones
// fail with ServerRestart, fresher in-flight ones go back to the queue.
func (p *Pool) recover(ctx context.Context) error {
	cutoff := time.Now().Add(-p.cfg.StaleThreshold.D())
	failure := models.NewFailure(models.FailServerRestart,
		"task abandoned: server restarted while it was running")
	failed, err := p.store.FailAbandonedTasks(ctx, cutoff, failure.Error())
	if err != nil {
		return err
	}
	for _, task := range failed {
		p.publish(task)
	}

	requeued, err := p.store.RequeueInFlightTasks(ctx, "requeued after server restart")
	if err != nil {
		return err
	}
	for _, task := range requeued {
		p.publish(task)
	}

	if len(failed) > 0 || len(requeued) > 0 {
		p.logger.Info("Startup recovery settled leftover tasks",
			"failed", len(failed), "requeued", len(requeued))
	}
	return nil
}

// staleSweep periodically fails tasks whose heartbeat stopped, catching
// workers that died without reaching their terminal bookkeeping.
func (p *Pool) staleSweep(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.StaleSweepInterval.D()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.StaleThreshold.D())
			failure := models.NewFailure(models.FailServerRestart, "task heartbeat went stale")
			failed, err := p.store.FailAbandonedTasks(ctx, cutoff, failure.Error())
			if err != nil {
				p.logger.Error("Stale sweep failed", "error", err)
				continue
			}
			for _, task := range failed {
				p.logger.Warn("Failed stale task", "task_id", task.ID)
				p.publish(task)
			}
		}
	}
}

func (p *Pool) worker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", workerID)
	log.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker stopped")
			return
		default:
		}

		task, err := p.store.ClaimNextTask(ctx, workerID)
		if err != nil {
			if !errors.Is(err, store.ErrNoTask) && ctx.Err() == nil {
				log.Error("Claim failed", "error", err)
			}
			p.sleep(ctx)
			continue
		}

		log.Info("Claimed task", "task_id", task.ID, "issue_id", task.IssueID, "priority", task.Priority)
		p.runTask(task)
	}
}

// runTask executes one claimed task under its own deadline. The context
// deliberately does not descend from the server context: shutdown gives
// running tasks their grace period instead of killing them instantly.
func (p *Pool) runTask(task *models.Task) {
	taskCtx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout.D())
	defer cancel()

	p.mu.Lock()
	p.cancels[task.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, task.ID)
		p.mu.Unlock()
	}()

	// The claim transition happened inside the store; surface it.
	p.publish(task)

	stop := make(chan struct{})
	go p.heartbeat(task.ID, stop)
	defer close(stop)

	p.executor.Process(taskCtx, task)
}

// heartbeat bumps the task's updated_at until the task goroutine closes
// stop, keeping the stale sweep off live work.
func (p *Pool) heartbeat(taskID string, stop <-chan struct{}) {
	interval := p.cfg.HeartbeatInterval.D()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.store.Heartbeat(ctx, taskID)
			cancel()
			// ErrNotFound just means the task went terminal already.
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				p.logger.Warn("Heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// sleep waits one poll interval plus jitter, or until shutdown.
func (p *Pool) sleep(ctx context.Context) {
	wait := p.cfg.PollInterval.D()
	if jitter := p.cfg.PollIntervalJitter.D(); jitter > 0 {
		wait += rand.N(jitter)
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func (p *Pool) publish(task *models.Task) {
	p.bus.Publish(models.ProgressEvent{
		TaskID:    task.ID,
		IssueID:   task.IssueID,
		State:     task.State,
		Progress:  task.Progress,
		Message:   task.Message,
		Error:     task.Error,
		UpdatedAt: task.UpdatedAt,
	})
}
