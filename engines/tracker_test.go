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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

func pendingTask(id string) tasks.Task {
	return tasks.Task{
		Id:        id,
		Type:      tasks.TaskTypeConvert,
		Status:    tasks.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertAndGet(t *testing.T) {
	assert := assert.New(t)

	tracker := NewTracker()
	tracker.Insert(pendingTask("t1"), nil)

	snapshot, found := tracker.Get("t1")
	assert.True(found)
	assert.Equal("t1", snapshot.Id)
	assert.Equal(tasks.TaskStatusPending, snapshot.Status)

	_, found = tracker.Get("nope")
	assert.False(found)
}

func TestUpdateMaintainsPendingOrder(t *testing.T) {
	assert := assert.New(t)

	tracker := NewTracker()
	tracker.Insert(pendingTask("t1"), nil)
	tracker.Insert(pendingTask("t2"), nil)
	tracker.Insert(pendingTask("t3"), nil)
	assert.Equal(3, tracker.NumPending())

	position := tracker.PendingPosition("t2")
	assert.NotNil(position)
	assert.Equal(2, *position)

	// t1 leaves "pending"; everything behind it moves up
	snapshot, found := tracker.Update("t1", func(task *tasks.Task) {
		task.Status = tasks.TaskStatusStarted
		task.StartedAt = time.Now().UTC()
	})
	assert.True(found)
	assert.Equal(tasks.TaskStatusStarted, snapshot.Status)
	assert.Equal(2, tracker.NumPending())
	position = tracker.PendingPosition("t2")
	assert.NotNil(position)
	assert.Equal(1, *position)

	// started tasks have no queue position
	assert.Nil(tracker.PendingPosition("t1"))
}

func TestAdoptRefusesToStompTerminalStatus(t *testing.T) {
	assert := assert.New(t)

	tracker := NewTracker()
	task := pendingTask("t1")
	task.Fail("worker crashed")
	tracker.Insert(task, nil)

	// a stale non-terminal projection must not overwrite the failure
	stale := pendingTask("t1")
	stale.Status = tasks.TaskStatusStarted
	snapshot := tracker.Adopt(stale)
	assert.Equal(tasks.TaskStatusFailure, snapshot.Status)
	assert.Equal("worker crashed", snapshot.ErrorMessage)

	// a terminal write-through over a terminal record is allowed
	replacement := pendingTask("t1")
	replacement.Succeed("key")
	snapshot = tracker.Adopt(replacement)
	assert.Equal(tasks.TaskStatusSuccess, snapshot.Status)
}

func TestAdoptInsertsUnknownTasks(t *testing.T) {
	assert := assert.New(t)

	tracker := NewTracker()
	snapshot := tracker.Adopt(pendingTask("t1"))
	assert.Equal(tasks.TaskStatusPending, snapshot.Status)
	assert.Equal(1, tracker.NumPending())
}

func TestDeleteFiresCleanupOnce(t *testing.T) {
	assert := assert.New(t)

	tracker := NewTracker()
	numCalls := 0
	tracker.Insert(pendingTask("t1"), func() { numCalls++ })

	assert.True(tracker.Delete("t1"))
	assert.False(tracker.Delete("t1")) // idempotent
	assert.Equal(1, numCalls)
	assert.Equal(0, tracker.NumPending())
}

func TestResultHandles(t *testing.T) {
	assert := assert.New(t)

	tracker := NewTracker()
	tracker.Insert(pendingTask("t1"), nil)
	assert.Nil(tracker.Result("t1"))

	result := &pipelines.Result{ProcessingTime: 1.5}
	tracker.SetResult("t1", result)
	assert.Same(result, tracker.Result("t1"))
	assert.Nil(tracker.Result("unknown"))
}

func TestTerminalOlderThan(t *testing.T) {
	assert := assert.New(t)

	tracker := NewTracker()
	fresh := pendingTask("fresh")
	fresh.Succeed("key")
	tracker.Insert(fresh, nil)

	stale := pendingTask("stale")
	stale.Succeed("key")
	stale.FinishedAt = time.Now().UTC().Add(-time.Hour)
	tracker.Insert(stale, nil)

	running := pendingTask("running")
	running.Status = tasks.TaskStatusStarted
	tracker.Insert(running, nil)

	ids := tracker.TerminalOlderThan(30 * time.Minute)
	assert.Equal([]string{"stale"}, ids)

	// age 0 matches every terminal task but never a running one
	ids = tracker.TerminalOlderThan(0)
	assert.Len(ids, 2)
	assert.NotContains(ids, "running")
}
