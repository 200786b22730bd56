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

package engines

import (
	"slices"
	"sync"
	"time"

	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// This type is the in-memory hot cache of every in-flight and recent task.
// A single coarse mutex guards the map, the pending order, and the per-task
// result handles; every read-modify-write holds it for the whole compound
// operation. Each tracked task owns a deletion closure registered on
// insertion and fired at most once, on eviction.
type Tracker struct {
	mutex        sync.Mutex
	tasks        map[string]*trackedTask
	pendingOrder []string // task ids still pending, in enqueue order
}

type trackedTask struct {
	task    tasks.Task
	result  *pipelines.Result
	cleanup func()
	once    sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		tasks: make(map[string]*trackedTask),
	}
}

// adds a task with its deletion closure (may be nil)
func (tracker *Tracker) Insert(task tasks.Task, cleanup func()) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.tasks[task.Id] = &trackedTask{task: task, cleanup: cleanup}
	if task.Status == tasks.TaskStatusPending {
		tracker.pendingOrder = append(tracker.pendingOrder, task.Id)
	}
}

// returns a snapshot of the task with the given id
func (tracker *Tracker) Get(taskId string) (tasks.Task, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracked, found := tracker.tasks[taskId]
	if !found {
		return tasks.Task{}, false
	}
	return tracked.task, true
}

// Applies fn to the task under the lock and returns the updated snapshot.
// The pending order is maintained when fn moves the task out of "pending".
func (tracker *Tracker) Update(taskId string, fn func(*tasks.Task)) (tasks.Task, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracked, found := tracker.tasks[taskId]
	if !found {
		return tasks.Task{}, false
	}
	wasPending := tracked.task.Status == tasks.TaskStatusPending
	fn(&tracked.task)
	if wasPending && tracked.task.Status != tasks.TaskStatusPending {
		tracker.removePending(taskId)
	}
	return tracked.task, true
}

// Adopt writes through a projection observed from an authoritative source.
// If the cached task is already terminal the write is skipped and the cached
// snapshot is returned: a terminal status produced by another path (e.g. an
// out-of-band watchdog) must never be stomped by a stale non-terminal one.
func (tracker *Tracker) Adopt(incoming tasks.Task) tasks.Task {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracked, found := tracker.tasks[incoming.Id]
	if !found {
		tracker.tasks[incoming.Id] = &trackedTask{task: incoming}
		if incoming.Status == tasks.TaskStatusPending {
			tracker.pendingOrder = append(tracker.pendingOrder, incoming.Id)
		}
		return incoming
	}
	if tracked.task.Completed() && !incoming.Completed() {
		return tracked.task
	}
	wasPending := tracked.task.Status == tasks.TaskStatusPending
	tracked.task = incoming
	if wasPending && incoming.Status != tasks.TaskStatusPending {
		tracker.removePending(incoming.Id)
	}
	return tracked.task
}

// attaches an in-process result handle to a task
func (tracker *Tracker) SetResult(taskId string, result *pipelines.Result) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if tracked, found := tracker.tasks[taskId]; found {
		tracked.result = result
	}
}

// returns the in-process result handle for a task, if any
func (tracker *Tracker) Result(taskId string) *pipelines.Result {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if tracked, found := tracker.tasks[taskId]; found {
		return tracked.result
	}
	return nil
}

// Removes the task, firing its deletion closure at most once. Returns false
// if the task was not tracked (deletion is idempotent).
func (tracker *Tracker) Delete(taskId string) bool {
	tracker.mutex.Lock()
	tracked, found := tracker.tasks[taskId]
	if found {
		delete(tracker.tasks, taskId)
		tracker.removePending(taskId)
	}
	tracker.mutex.Unlock()
	if found && tracked.cleanup != nil {
		tracked.once.Do(tracked.cleanup)
	}
	return found
}

// returns the 1-based position of the task among pending tasks, or nil if
// the task is not pending
func (tracker *Tracker) PendingPosition(taskId string) *int {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	for i, id := range tracker.pendingOrder {
		if id == taskId {
			position := i + 1
			return &position
		}
	}
	return nil
}

// returns the number of pending tasks
func (tracker *Tracker) NumPending() int {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return len(tracker.pendingOrder)
}

// returns snapshots of all tracked tasks
func (tracker *Tracker) All() []tasks.Task {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	snapshots := make([]tasks.Task, 0, len(tracker.tasks))
	for _, tracked := range tracker.tasks {
		snapshots = append(snapshots, tracked.task)
	}
	return snapshots
}

// returns the ids of terminal tasks whose completion age exceeds the given
// duration (0 matches every terminal task)
func (tracker *Tracker) TerminalOlderThan(age time.Duration) []string {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	var ids []string
	for id, tracked := range tracker.tasks {
		if tracked.task.Completed() && tracked.task.Age() >= age {
			ids = append(ids, id)
		}
	}
	return ids
}

// must be called with the mutex held
func (tracker *Tracker) removePending(taskId string) {
	tracker.pendingOrder = slices.DeleteFunc(tracker.pendingOrder,
		func(id string) bool { return id == taskId })
}
