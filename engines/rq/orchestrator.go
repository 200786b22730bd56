// Copyright (c) 2024 The Docserve Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package rq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docserve/docserve/config"
	"github.com/docserve/docserve/engines"
	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// how long a worker blocks on an empty queue before checking for shutdown
const fetchWait = 1 * time.Second

// This type is the distributed engine's orchestrator. Tasks are shipped to
// workers as JSON job payloads through a durable queue; the orchestrator is
// only a client of that queue, and every status read goes through the
// reconciler (reconciler.go). Workers started by ProcessQueue run in-process,
// but nothing distinguishes them from workers in other processes: they speak
// to the queue service exactly the way an external worker would.
type Orchestrator struct {
	queue    JobQueue
	tracker  *engines.Tracker
	bus      *engines.Bus
	pipeline pipelines.Pipeline
	reaper   *engines.Reaper

	processOnce sync.Once
	quit        chan struct{}
	workers     sync.WaitGroup
	runCtx      context.Context
	runCancel   context.CancelFunc
}

// creates a distributed engine connected to the configured Redis server
func NewOrchestrator() (engines.Orchestrator, error) {
	queue, err := NewRedisQueue()
	if err != nil {
		return nil, err
	}
	return NewOrchestratorWith(queue)
}

// creates a distributed engine on top of the given queue client
func NewOrchestratorWith(queue JobQueue) (engines.Orchestrator, error) {
	pipeline, err := pipelines.NewPipeline(config.Engine.Pipeline)
	if err != nil {
		return nil, err
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	orch := &Orchestrator{
		queue:     queue,
		tracker:   engines.NewTracker(),
		bus:       engines.NewBus(),
		pipeline:  pipeline,
		quit:      make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	orch.reaper = engines.StartReaper(orch.tracker,
		time.Duration(config.Engine.SweepInterval)*time.Second,
		time.Duration(config.Engine.MaxAge)*time.Second)
	return orch, nil
}

func (orch *Orchestrator) Enqueue(ctx context.Context, taskType tasks.TaskType,
	sources []tasks.Source, options json.RawMessage,
	target tasks.Target) (tasks.Task, error) {

	if len(sources) == 0 {
		return tasks.Task{}, &tasks.InvalidRequestError{
			Message: "at least one source is required"}
	}
	if bound := config.Engine.QueueMaxSize; bound > 0 {
		length, err := orch.queue.QueueLength(ctx)
		if err != nil {
			return tasks.Task{}, &tasks.UpstreamUnavailableError{
				Op: "enqueue", Message: err.Error()}
		}
		if length >= bound {
			return tasks.Task{}, &tasks.QueueFullError{Size: bound}
		}
	}

	task := tasks.NewTask(taskType, sources, options, target)
	payload, err := task.JobPayload()
	if err != nil {
		return tasks.Task{}, &tasks.InvalidRequestError{Message: err.Error()}
	}
	// track the task before the job is visible to workers: a fast worker's
	// terminal write-through must land on a tracked record, not race a
	// belated pending insert
	scratch := orch.scratchDir(task.Id)
	orch.tracker.Insert(task, func() {
		os.RemoveAll(scratch)
	})
	if err := orch.queue.EnqueueJob(ctx, task.Id, payload); err != nil {
		orch.tracker.Delete(task.Id)
		return tasks.Task{}, &tasks.UpstreamUnavailableError{
			Op: "enqueue", Message: err.Error()}
	}
	if err := orch.queue.StoreProjection(ctx, task); err != nil {
		// the job is in; the projection will catch up on the next write-through
		slog.Error(fmt.Sprintf("Task %s: storing projection: %s", task.Id, err.Error()))
	}
	slog.Info(fmt.Sprintf("Task %s: queued (%s, %d source(s))",
		task.Id, task.Type, len(sources)))
	orch.bus.Publish(task)
	return task, nil
}

func (orch *Orchestrator) TaskStatus(ctx context.Context, taskId string,
	wait time.Duration) (tasks.Task, error) {
	if wait <= 0 {
		return orch.reconcile(ctx, taskId)
	}
	return engines.LongPoll(ctx, orch.bus, taskId, wait,
		func(ctx context.Context) (tasks.Task, error) {
			return orch.reconcile(ctx, taskId)
		})
}

func (orch *Orchestrator) QueuePosition(ctx context.Context, taskId string) (*int, error) {
	position, err := orch.queue.JobPosition(ctx, taskId)
	if err != nil {
		// the local pending order still knows where the task sits
		return orch.tracker.PendingPosition(taskId), nil
	}
	return position, nil
}

func (orch *Orchestrator) TaskResult(ctx context.Context, taskId string) (*pipelines.Result, error) {
	snapshot, err := orch.reconcile(ctx, taskId)
	if err != nil || snapshot.Status != tasks.TaskStatusSuccess {
		return nil, nil
	}
	resultKey := snapshot.ResultKey
	if resultKey == "" {
		if resultKey, err = orch.queue.LoadResultKey(ctx, taskId); err != nil {
			return nil, nil
		}
	}
	result, err := orch.queue.FetchResult(ctx, resultKey)
	if err != nil {
		if errors.Is(err, ErrNotStored) {
			return nil, nil // evicted under its TTL
		}
		return nil, &tasks.UpstreamUnavailableError{Op: "fetch result",
			Message: err.Error()}
	}
	if config.Engine.SingleUseResults {
		engines.ScheduleRemoval(orch, taskId)
	}
	return result, nil
}

func (orch *Orchestrator) DeleteTask(ctx context.Context, taskId string) error {
	if key, err := orch.queue.LoadResultKey(ctx, taskId); err == nil {
		orch.queue.DeleteResult(ctx, key)
	}
	orch.queue.DeleteResultKey(ctx, taskId)
	orch.queue.DeleteJob(ctx, taskId)
	orch.queue.DeleteProjection(ctx, taskId)
	if orch.tracker.Delete(taskId) {
		slog.Debug(fmt.Sprintf("Task %s: deleted", taskId))
	}
	return nil
}

func (orch *Orchestrator) ClearResults(ctx context.Context, olderThan time.Duration) error {
	for _, taskId := range orch.tracker.TerminalOlderThan(olderThan) {
		if err := orch.DeleteTask(ctx, taskId); err != nil {
			return err
		}
	}
	return nil
}

func (orch *Orchestrator) ClearConverters(ctx context.Context) error {
	orch.pipeline.ClearCaches()
	return nil
}

func (orch *Orchestrator) ProcessQueue(ctx context.Context) error {
	orch.processOnce.Do(func() {
		for i := 0; i < config.Engine.NumWorkers; i++ {
			workerId := fmt.Sprintf("%s-worker-%d", config.Service.Name, i)
			slog.Debug(fmt.Sprintf("Starting worker %s", workerId))
			orch.workers.Add(1)
			go orch.workerLoop(workerId)
		}
	})
	return nil
}

func (orch *Orchestrator) SubscribeProgress(ctx context.Context,
	taskId string) (<-chan tasks.Task, func(), error) {

	// subscribe before reconciling: a terminal publish landing between the
	// two would otherwise never reach this subscriber
	updates, cancel := orch.bus.Subscribe(taskId)
	snapshot, err := orch.reconcile(ctx, taskId)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if snapshot.Completed() {
		orch.bus.Publish(snapshot)
	}
	return updates, cancel, nil
}

func (orch *Orchestrator) QueueSize(ctx context.Context) (int, error) {
	length, err := orch.queue.QueueLength(ctx)
	if err != nil {
		return 0, &tasks.UpstreamUnavailableError{Op: "queue size",
			Message: err.Error()}
	}
	return length, nil
}

func (orch *Orchestrator) CheckHealth(ctx context.Context) error {
	_, err := withRetries(ctx, func() (struct{}, error) {
		return struct{}{}, orch.queue.Ping(ctx)
	})
	if err != nil {
		return &tasks.UpstreamUnavailableError{Op: "health check",
			Message: err.Error()}
	}
	return nil
}

func (orch *Orchestrator) Shutdown(ctx context.Context) error {
	close(orch.quit)
	orch.runCancel()
	finished := make(chan struct{})
	go func() {
		orch.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	orch.reaper.Stop()
	return orch.queue.Close()
}

//-----------
// Internals
//-----------

func (orch *Orchestrator) scratchDir(taskId string) string {
	return filepath.Join(config.Service.DataDirectory, "scratch", taskId)
}

func (orch *Orchestrator) workerLoop(workerId string) {
	defer orch.workers.Done()
	for {
		select {
		case <-orch.quit:
			return
		default:
		}
		orch.queue.Heartbeat(orch.runCtx, workerId)
		jobId, payload, err := orch.queue.FetchJob(orch.runCtx, fetchWait)
		if err != nil {
			if errors.Is(err, ErrNotStored) || errors.Is(err, ErrJobGone) {
				continue // empty queue, or a job record that expired in the queue
			}
			if orch.runCtx.Err() != nil {
				return
			}
			slog.Error(fmt.Sprintf("Worker %s: fetching job: %s", workerId, err.Error()))
			time.Sleep(fetchWait)
			continue
		}
		orch.runJob(jobId, payload)
	}
}

// processes a single job the way an external worker would: all state changes
// go through the queue service, with the local cache and bus updated as a
// side effect because this worker happens to share our process
func (orch *Orchestrator) runJob(jobId string, payload []byte) {
	task, err := tasks.TaskFromJobPayload(payload)
	if err != nil {
		slog.Error(fmt.Sprintf("Job %s: %s", jobId, err.Error()))
		orch.queue.SetJobState(orch.runCtx, jobId, JobStateFailed)
		return
	}

	task.Status = tasks.TaskStatusStarted
	task.StartedAt = time.Now().UTC()
	task.ScratchDir = orch.scratchDir(task.Id)
	orch.queue.SetJobState(orch.runCtx, task.Id, JobStateStarted)
	orch.writeThrough(task)
	slog.Info(fmt.Sprintf("Task %s: started", task.Id))

	jobTimeout := time.Duration(config.RQ.JobTimeout) * time.Second
	if docTimeout := tasks.DocumentTimeout(task.Options); docTimeout > 0 && docTimeout < jobTimeout {
		jobTimeout = docTimeout
	}
	ctx, cancel := context.WithTimeout(orch.runCtx, jobTimeout)
	defer cancel()

	if err := os.MkdirAll(task.ScratchDir, 0700); err != nil {
		orch.finishFailure(task, fmt.Sprintf("creating scratch directory: %s", err.Error()))
		return
	}

	progress := func(update any) {
		snapshot, ok := orch.tracker.Update(task.Id, func(tracked *tasks.Task) {
			engines.ApplyProgress(tracked, update)
		})
		if !ok {
			engines.ApplyProgress(&task, update)
			snapshot = task
		}
		orch.queue.StoreProjection(orch.runCtx, snapshot)
		orch.bus.Publish(snapshot)
	}

	var result *pipelines.Result
	switch task.Type {
	case tasks.TaskTypeChunk:
		result, err = orch.pipeline.Chunk(ctx, task.Sources, task.Options,
			task.ScratchDir, progress)
	default:
		result, err = orch.pipeline.Convert(ctx, task.Sources, task.Options,
			task.ScratchDir, progress)
	}

	if err != nil {
		message := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			message = fmt.Sprintf("task exceeded its %s deadline", jobTimeout)
		}
		orch.finishFailure(task, message)
		return
	}

	resultKey := uuid.NewString()
	if err := orch.queue.StoreResult(orch.runCtx, resultKey, result); err != nil {
		orch.finishFailure(task, fmt.Sprintf("storing result: %s", err.Error()))
		return
	}
	orch.queue.StoreResultKey(orch.runCtx, task.Id, resultKey)
	orch.queue.SetJobState(orch.runCtx, task.Id, JobStateFinished)

	if current, found := orch.tracker.Get(task.Id); found {
		task.Meta = current.Meta
	}
	task.Succeed(resultKey)
	orch.writeThrough(task)
	engines.RecordToJournal(task)
	slog.Info(fmt.Sprintf("Task %s: completed successfully", task.Id))
}

func (orch *Orchestrator) finishFailure(task tasks.Task, message string) {
	orch.queue.SetJobState(orch.runCtx, task.Id, JobStateFailed)
	if current, found := orch.tracker.Get(task.Id); found {
		task.Meta = current.Meta
	}
	task.Fail(message)
	orch.writeThrough(task)
	engines.RecordToJournal(task)
	slog.Error(fmt.Sprintf("Task %s: %s", task.Id, message))
}

// propagates a worker-side snapshot to the projection, the cache, and the bus
func (orch *Orchestrator) writeThrough(task tasks.Task) {
	if err := orch.queue.StoreProjection(orch.runCtx, task); err != nil {
		slog.Debug(fmt.Sprintf("Task %s: storing projection: %s", task.Id, err.Error()))
	}
	snapshot := orch.tracker.Adopt(task)
	orch.bus.Publish(snapshot)
}
