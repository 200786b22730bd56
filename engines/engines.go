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

// This package defines the orchestrator contract every task engine backend
// implements, plus the pieces the backends share: the in-memory task
// tracker, the subscriber bus, and the zombie reaper.
package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/docserve/docserve/config"
	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// Orchestrator is the uniform contract all engine backends implement. All
// operations are safe for concurrent use; none block the caller beyond
// long-poll waits and queue admission semantics.
type Orchestrator interface {
	// Constructs a fresh task, admits it to the engine's backing queue with
	// status "pending", and returns its snapshot immediately. Fails with
	// tasks.InvalidRequestError if sources is empty and with
	// tasks.QueueFullError if a bounded engine is saturated.
	Enqueue(ctx context.Context, taskType tasks.TaskType, sources []tasks.Source,
		options json.RawMessage, target tasks.Target) (tasks.Task, error)
	// Returns the current task projection. When wait > 0, blocks up to that
	// duration or until the status changes, whichever comes first. Fails
	// with tasks.NotFoundError if no record exists anywhere.
	TaskStatus(ctx context.Context, taskId string, wait time.Duration) (tasks.Task, error)
	// Returns the 1-based position among pending tasks, or nil if the task
	// is not pending (already started, terminal, or unknown).
	QueuePosition(ctx context.Context, taskId string) (*int, error)
	// Returns the delivered result for a task in "success", or nil if the
	// result has been evicted or the task is not known/terminal-successful.
	// Unknown tasks are not an error here; callers distinguish via
	// TaskStatus.
	TaskResult(ctx context.Context, taskId string) (*pipelines.Result, error)
	// Idempotent eviction: removes the in-memory record, any durable
	// projection and worker-side result, and the task's scratch directory.
	DeleteTask(ctx context.Context, taskId string) error
	// Evicts every terminal task whose completion is older than the given
	// duration.
	ClearResults(ctx context.Context, olderThan time.Duration) error
	// Requests that the pipeline layer drop any warmed caches. Orchestrator
	// state is unaffected.
	ClearConverters(ctx context.Context) error
	// Starts the engine's worker loop. Idempotent; call once per process.
	ProcessQueue(ctx context.Context) error
	// Produces a finite sequence of task snapshots terminated by a terminal
	// snapshot. Snapshots may be coalesced for slow consumers; the terminal
	// snapshot is always delivered. The returned function cancels the
	// subscription.
	SubscribeProgress(ctx context.Context, taskId string) (<-chan tasks.Task, func(), error)
	// Returns the number of tasks awaiting a worker.
	QueueSize(ctx context.Context) (int, error)
	// Reports whether the engine's backing services are reachable.
	CheckHealth(ctx context.Context) error
	// Stops workers and background sweepers.
	Shutdown(ctx context.Context) error
}

// creates an orchestrator instance
type Factory func() (Orchestrator, error)

// indicates that an engine name has already been registered
type AlreadyRegisteredError struct {
	Name string
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("The engine %s has already been registered.", e.Name)
}

// indicates that the configured engine has no registered factory
type UnknownEngineError struct {
	Name string
}

func (e UnknownEngineError) Error() string {
	return fmt.Sprintf("No engine named %s has been registered.", e.Name)
}

// we maintain a table of engine factories, identified by their names
var allEngines = make(map[string]Factory)

// Registers an engine backend under the given name ("local", "rq").
func RegisterEngine(name string, factory Factory) error {
	if _, found := allEngines[name]; found {
		return &AlreadyRegisteredError{Name: name}
	}
	allEngines[name] = factory
	return nil
}

// creates the orchestrator selected by the service configuration
func NewOrchestrator() (Orchestrator, error) {
	factory, found := allEngines[config.Engine.Name]
	if !found {
		return nil, &UnknownEngineError{Name: config.Engine.Name}
	}
	return factory()
}

// LongPoll implements the wait branch of TaskStatus: subscribe, fetch a
// baseline (after subscribing, so a transition can't slip between the two),
// and block until the status changes or the wait elapses. fetch is the
// engine's own status query, so distributed engines reconcile on wakeup.
func LongPoll(ctx context.Context, bus *Bus, taskId string, wait time.Duration,
	fetch func(context.Context) (tasks.Task, error)) (tasks.Task, error) {

	updates, cancel := bus.Subscribe(taskId)
	defer cancel()

	task, err := fetch(ctx)
	if err != nil || wait <= 0 || task.Completed() {
		return task, err
	}

	baseline := task.Status
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case snapshot, open := <-updates:
			if !open { // terminal was published before we subscribed
				return fetch(ctx)
			}
			if snapshot.Status != baseline {
				return snapshot, nil
			}
		case <-timer.C:
			return fetch(ctx)
		case <-ctx.Done():
			return task, ctx.Err()
		}
	}
}

// ScheduleRemoval arranges for a task to be deleted after the configured
// single-use delay. Used by engines with single_use_results enabled.
func ScheduleRemoval(orch Orchestrator, taskId string) {
	delay := time.Duration(config.Engine.ResultRemovalDelay) * time.Second
	time.AfterFunc(delay, func() {
		if err := orch.DeleteTask(context.Background(), taskId); err != nil {
			// deletion is idempotent, so anything here is worth a log line
			slog.Error(fmt.Sprintf("Task %s: single-use removal: %s", taskId, err.Error()))
		}
	})
}
