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

// This package implements the in-process engine: a pool of worker
// goroutines fed by a FIFO backlog of task ids.
package local

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

	"github.com/docserve/docserve/config"
	"github.com/docserve/docserve/engines"
	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

type Orchestrator struct {
	tracker  *engines.Tracker
	bus      *engines.Bus
	pipeline pipelines.Pipeline
	reaper   *engines.Reaper
	bound    int // 0 means unbounded

	// FIFO backlog of task ids awaiting a worker; with no bound configured,
	// admission always succeeds and the backlog grows as needed
	queueMutex sync.Mutex
	queueCond  *sync.Cond
	backlog    []string
	stopping   bool

	processOnce sync.Once
	workers     sync.WaitGroup

	// per-task cancellation handles for cooperative interruption
	cancelsMutex sync.Mutex
	cancels      map[string]context.CancelFunc
}

// creates a local engine from the service configuration
func NewOrchestrator() (engines.Orchestrator, error) {
	pipeline, err := pipelines.NewPipeline(config.Engine.Pipeline)
	if err != nil {
		return nil, err
	}
	orch := &Orchestrator{
		tracker:  engines.NewTracker(),
		bus:      engines.NewBus(),
		pipeline: pipeline,
		bound:    config.Engine.QueueMaxSize,
		cancels:  make(map[string]context.CancelFunc),
	}
	orch.queueCond = sync.NewCond(&orch.queueMutex)
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
	if orch.bound > 0 && orch.tracker.NumPending() >= orch.bound {
		return tasks.Task{}, &tasks.QueueFullError{Size: orch.bound}
	}

	task := tasks.NewTask(taskType, sources, options, target)
	scratch := orch.scratchDir(task.Id)
	orch.tracker.Insert(task, func() {
		os.RemoveAll(scratch)
	})
	orch.queueMutex.Lock()
	orch.backlog = append(orch.backlog, task.Id)
	orch.queueMutex.Unlock()
	orch.queueCond.Signal()
	slog.Info(fmt.Sprintf("Task %s: created (%s, %d source(s))",
		task.Id, task.Type, len(sources)))
	orch.bus.Publish(task)
	return task, nil
}

func (orch *Orchestrator) TaskStatus(ctx context.Context, taskId string,
	wait time.Duration) (tasks.Task, error) {

	fetch := func(context.Context) (tasks.Task, error) {
		task, found := orch.tracker.Get(taskId)
		if !found {
			return tasks.Task{}, &tasks.NotFoundError{Id: taskId}
		}
		return task, nil
	}
	if wait <= 0 {
		return fetch(ctx)
	}
	return engines.LongPoll(ctx, orch.bus, taskId, wait, fetch)
}

func (orch *Orchestrator) QueuePosition(ctx context.Context, taskId string) (*int, error) {
	return orch.tracker.PendingPosition(taskId), nil
}

func (orch *Orchestrator) TaskResult(ctx context.Context, taskId string) (*pipelines.Result, error) {
	task, found := orch.tracker.Get(taskId)
	if !found || task.Status != tasks.TaskStatusSuccess {
		return nil, nil
	}
	result := orch.tracker.Result(taskId)
	if result != nil && config.Engine.SingleUseResults {
		engines.ScheduleRemoval(orch, taskId)
	}
	return result, nil
}

func (orch *Orchestrator) DeleteTask(ctx context.Context, taskId string) error {
	orch.cancelTask(taskId)
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
			slog.Debug(fmt.Sprintf("Starting worker %d", i))
			orch.workers.Add(1)
			go orch.workerLoop()
		}
	})
	return nil
}

func (orch *Orchestrator) SubscribeProgress(ctx context.Context,
	taskId string) (<-chan tasks.Task, func(), error) {

	// subscribe before reading the snapshot: a terminal publish landing
	// between the two would otherwise never reach this subscriber
	updates, cancel := orch.bus.Subscribe(taskId)
	task, found := orch.tracker.Get(taskId)
	if !found {
		cancel()
		return nil, nil, &tasks.NotFoundError{Id: taskId}
	}
	if task.Completed() {
		// deliver the terminal snapshot ourselves; no further publishes come
		orch.bus.Publish(task)
	}
	return updates, cancel, nil
}

func (orch *Orchestrator) QueueSize(ctx context.Context) (int, error) {
	return orch.tracker.NumPending(), nil
}

func (orch *Orchestrator) CheckHealth(ctx context.Context) error {
	return nil // in-process workers share our fate
}

func (orch *Orchestrator) Shutdown(ctx context.Context) error {
	orch.queueMutex.Lock()
	orch.stopping = true
	orch.queueMutex.Unlock()
	orch.queueCond.Broadcast()
	orch.cancelAll()
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
	return nil
}

//-----------
// Internals
//-----------

func (orch *Orchestrator) scratchDir(taskId string) string {
	return filepath.Join(config.Service.DataDirectory, "scratch", taskId)
}

func (orch *Orchestrator) workerLoop() {
	defer orch.workers.Done()
	for {
		taskId, ok := orch.dequeue()
		if !ok {
			return
		}
		orch.run(taskId)
	}
}

// blocks until a task id is available; reports false once the engine stops
func (orch *Orchestrator) dequeue() (string, bool) {
	orch.queueMutex.Lock()
	defer orch.queueMutex.Unlock()
	for len(orch.backlog) == 0 && !orch.stopping {
		orch.queueCond.Wait()
	}
	if orch.stopping {
		return "", false
	}
	taskId := orch.backlog[0]
	orch.backlog = orch.backlog[1:]
	return taskId, true
}

// processes a single task end to end
func (orch *Orchestrator) run(taskId string) {
	snapshot, found := orch.tracker.Update(taskId, func(task *tasks.Task) {
		task.Status = tasks.TaskStatusStarted
		task.StartedAt = time.Now().UTC()
		task.ScratchDir = orch.scratchDir(taskId)
	})
	if !found {
		return // deleted while queued
	}
	orch.bus.Publish(snapshot)
	slog.Info(fmt.Sprintf("Task %s: started", taskId))

	ctx, cancel := context.WithCancel(context.Background())
	if timeout := tasks.DocumentTimeout(snapshot.Options); timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}
	orch.registerCancel(taskId, cancel)
	defer orch.unregisterCancel(taskId)

	if err := os.MkdirAll(snapshot.ScratchDir, 0700); err != nil {
		orch.finishFailure(taskId, fmt.Sprintf("creating scratch directory: %s", err.Error()))
		return
	}

	progress := func(update any) {
		progressed, ok := orch.tracker.Update(taskId, func(task *tasks.Task) {
			engines.ApplyProgress(task, update)
		})
		if ok {
			orch.bus.Publish(progressed)
		}
	}

	var result *pipelines.Result
	var err error
	switch snapshot.Type {
	case tasks.TaskTypeChunk:
		result, err = orch.pipeline.Chunk(ctx, snapshot.Sources, snapshot.Options,
			snapshot.ScratchDir, progress)
	default:
		result, err = orch.pipeline.Convert(ctx, snapshot.Sources, snapshot.Options,
			snapshot.ScratchDir, progress)
	}

	if err != nil {
		message := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			message = fmt.Sprintf("task exceeded its %s deadline",
				tasks.DocumentTimeout(snapshot.Options))
		}
		orch.finishFailure(taskId, message)
		return
	}
	orch.tracker.SetResult(taskId, result)
	finished, ok := orch.tracker.Update(taskId, func(task *tasks.Task) {
		task.Succeed("")
	})
	if !ok {
		return // deleted mid-flight; nothing left to report
	}
	orch.bus.Publish(finished)
	engines.RecordToJournal(finished)
	slog.Info(fmt.Sprintf("Task %s: completed successfully", taskId))
}

func (orch *Orchestrator) finishFailure(taskId, message string) {
	finished, ok := orch.tracker.Update(taskId, func(task *tasks.Task) {
		task.Fail(message)
	})
	if !ok {
		return
	}
	orch.bus.Publish(finished)
	engines.RecordToJournal(finished)
	slog.Error(fmt.Sprintf("Task %s: %s", taskId, message))
}

func (orch *Orchestrator) registerCancel(taskId string, cancel context.CancelFunc) {
	orch.cancelsMutex.Lock()
	defer orch.cancelsMutex.Unlock()
	orch.cancels[taskId] = cancel
}

func (orch *Orchestrator) unregisterCancel(taskId string) {
	orch.cancelsMutex.Lock()
	defer orch.cancelsMutex.Unlock()
	if cancel, found := orch.cancels[taskId]; found {
		cancel()
		delete(orch.cancels, taskId)
	}
}

func (orch *Orchestrator) cancelTask(taskId string) {
	orch.cancelsMutex.Lock()
	defer orch.cancelsMutex.Unlock()
	if cancel, found := orch.cancels[taskId]; found {
		cancel()
	}
}

func (orch *Orchestrator) cancelAll() {
	orch.cancelsMutex.Lock()
	defer orch.cancelsMutex.Unlock()
	for _, cancel := range orch.cancels {
		cancel()
	}
}

