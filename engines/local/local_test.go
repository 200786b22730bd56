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

package local

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/docserve/docserve/config"
	"github.com/docserve/docserve/engines"
	"github.com/docserve/docserve/servetest"
	"github.com/docserve/docserve/tasks"
)

// a service config exercising the local engine against the pipeline fixture
const localConfig string = `
service:
  port: 8080
  max_connections: 100
  data_dir: TESTING_DIR
engine:
  name: local
  pipeline: fixture
  num_workers: NUM_WORKERS
  queue_max_size: QUEUE_MAX_SIZE
  max_sync_wait: 10
`

// working directory
var CWD string

// temporary testing directory
var TESTING_DIR string

// the pipeline fixture behind every orchestrator in these tests
var fixture *servetest.Pipeline

// performs setup for tests
func setup() {
	log.SetFlags(0)

	var err error
	CWD, err = os.Getwd()
	if err != nil {
		log.Panicf("Couldn't get working directory: %s", err.Error())
	}
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "docserve-local-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err.Error())
	}
	os.Chdir(TESTING_DIR)

	fixture, err = servetest.RegisterPipeline("fixture", 10*time.Millisecond)
	if err != nil {
		log.Panicf("Couldn't register the pipeline fixture: %s", err.Error())
	}
}

// performs breakdown for tests
func breakdown() {
	os.Chdir(CWD)
	os.RemoveAll(TESTING_DIR)
}

// initializes the configuration with the given worker count and queue bound
// and creates a running orchestrator
func startOrchestrator(t *testing.T, numWorkers, queueMaxSize int) engines.Orchestrator {
	yaml := strings.ReplaceAll(localConfig, "TESTING_DIR", TESTING_DIR)
	yaml = strings.ReplaceAll(yaml, "NUM_WORKERS", strconv.Itoa(numWorkers))
	yaml = strings.ReplaceAll(yaml, "QUEUE_MAX_SIZE", strconv.Itoa(queueMaxSize))
	if err := config.Init([]byte(yaml)); err != nil {
		t.Fatalf("Couldn't initialize the configuration: %s", err.Error())
	}
	orch, err := NewOrchestrator()
	if err != nil {
		t.Fatalf("Couldn't create the orchestrator: %s", err.Error())
	}
	if err := orch.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("Couldn't start the workers: %s", err.Error())
	}
	return orch
}

func stopOrchestrator(orch engines.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	orch.Shutdown(ctx)
}

func fileSources(names ...string) []tasks.Source {
	sources := make([]tasks.Source, len(names))
	for i, name := range names {
		sources[i] = tasks.FileSource{Filename: name, Base64: "IyBoaQo="}
	}
	return sources
}

// To run the tests serially, we attach them to a SerialTests type and
// have them run by a single test runner.
type SerialTests struct{ Test *testing.T }

func (t *SerialTests) TestConvertTaskLifecycle() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 2, 0)
	defer stopOrchestrator(orch)

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("a.md", "b.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)
	assert.Equal(tasks.TaskStatusPending, task.Status)

	// long-poll until the task completes
	deadline := time.Now().Add(5 * time.Second)
	for !task.Completed() && time.Now().Before(deadline) {
		task, err = orch.TaskStatus(ctx, task.Id, 500*time.Millisecond)
		assert.Nil(err)
	}
	assert.Equal(tasks.TaskStatusSuccess, task.Status)
	assert.Equal(2, task.Meta.NumDocs)
	assert.Equal(2, task.Meta.NumProcessed)
	assert.Equal(2, task.Meta.NumSucceeded)
	assert.Equal(0, task.Meta.NumFailed)
	assert.False(task.StartedAt.IsZero())
	assert.False(task.FinishedAt.IsZero())

	result, err := orch.TaskResult(ctx, task.Id)
	assert.Nil(err)
	assert.NotNil(result)
	assert.Len(result.Documents, 2)
	assert.Equal("a.md", result.Documents[0].Filename)

	// tasks that aren't pending have no queue position
	position, err := orch.QueuePosition(ctx, task.Id)
	assert.Nil(err)
	assert.Nil(position)
}

func (t *SerialTests) TestChunkTaskProducesChunks() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeChunk,
		fileSources("a.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)

	task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
	assert.Nil(err)
	if !task.Completed() {
		task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
		assert.Nil(err)
	}
	assert.Equal(tasks.TaskStatusSuccess, task.Status)

	result, err := orch.TaskResult(ctx, task.Id)
	assert.Nil(err)
	assert.NotNil(result)
	assert.Len(result.Chunks, 1)
}

func (t *SerialTests) TestEmptySourcesAreRejected() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	_, err := orch.Enqueue(context.Background(), tasks.TaskTypeConvert,
		nil, nil, tasks.InBodyTarget{})
	assert.NotNil(err)
	var invalid *tasks.InvalidRequestError
	assert.ErrorAs(err, &invalid)
}

func (t *SerialTests) TestBoundedQueueRejectsOverflow() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 2)
	defer stopOrchestrator(orch)

	release := fixture.Stall()
	defer release()

	ctx := context.Background()

	// the first task occupies the only worker
	running, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("busy.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)
	// wait for the worker to pick it up and hit the stall
	deadline := time.Now().Add(5 * time.Second)
	for {
		snapshot, err := orch.TaskStatus(ctx, running.Id, 0)
		assert.Nil(err)
		if snapshot.Status == tasks.TaskStatusStarted || time.Now().After(deadline) {
			assert.Equal(tasks.TaskStatusStarted, snapshot.Status)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// two more fill the pending queue
	second, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("second.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)
	third, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("third.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)

	// pending positions reflect enqueue order
	position, err := orch.QueuePosition(ctx, second.Id)
	assert.Nil(err)
	assert.NotNil(position)
	assert.Equal(1, *position)
	position, err = orch.QueuePosition(ctx, third.Id)
	assert.Nil(err)
	assert.NotNil(position)
	assert.Equal(2, *position)

	size, err := orch.QueueSize(ctx)
	assert.Nil(err)
	assert.Equal(2, size)

	// the queue is saturated now
	_, err = orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("overflow.md"), nil, tasks.InBodyTarget{})
	assert.NotNil(err)
	var full *tasks.QueueFullError
	assert.ErrorAs(err, &full)

	// releasing the stall drains everything
	release()
	for _, id := range []string{running.Id, second.Id, third.Id} {
		task, err := orch.TaskStatus(ctx, id, 5*time.Second)
		assert.Nil(err)
		if !task.Completed() {
			task, err = orch.TaskStatus(ctx, id, 5*time.Second)
			assert.Nil(err)
		}
		assert.Equal(tasks.TaskStatusSuccess, task.Status)
	}
}

func (t *SerialTests) TestUnboundedQueueAdmitsLargeBacklogs() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	release := fixture.Stall()
	defer release()

	// with no bound configured, admission never fails, however deep the
	// backlog grows
	ctx := context.Background()
	for i := 0; i < 4200; i++ {
		_, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
			fileSources("deep.md"), nil, tasks.InBodyTarget{})
		assert.Nil(err)
	}
	size, err := orch.QueueSize(ctx)
	assert.Nil(err)
	assert.GreaterOrEqual(size, 4199)
}

func (t *SerialTests) TestSubscribeNearCompletionStillCloses() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 2, 0)
	defer stopOrchestrator(orch)

	// a subscription made while the worker delivers its terminal snapshot
	// must still see a terminal delivery and a closed channel
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
			fileSources("race.md"), nil, tasks.InBodyTarget{})
		assert.Nil(err)

		updates, cancel, err := orch.SubscribeProgress(ctx, task.Id)
		assert.Nil(err)

		var last tasks.Task
		timeout := time.After(5 * time.Second)
	drain:
		for {
			select {
			case snapshot, open := <-updates:
				if !open {
					break drain
				}
				last = snapshot
			case <-timeout:
				t.Test.Fatal("the subscription never delivered a terminal snapshot")
			}
		}
		cancel()
		assert.True(last.Completed())
	}
}

func (t *SerialTests) TestLongPollReturnsEarly() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("a.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)

	// the fixture takes ~10ms per document; a 30s wait must return in a
	// fraction of that bound
	begin := time.Now()
	for !task.Completed() {
		task, err = orch.TaskStatus(ctx, task.Id, 30*time.Second)
		assert.Nil(err)
	}
	assert.Less(time.Since(begin), 5*time.Second)
	assert.Equal(tasks.TaskStatusSuccess, task.Status)
}

func (t *SerialTests) TestFailedConversionReportsMessage() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	fixture.FailNext("the document resisted conversion")

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("cursed.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)

	task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
	assert.Nil(err)
	if !task.Completed() {
		task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
		assert.Nil(err)
	}
	assert.Equal(tasks.TaskStatusFailure, task.Status)
	assert.Equal("the document resisted conversion", task.ErrorMessage)

	// failed tasks have no result
	result, err := orch.TaskResult(ctx, task.Id)
	assert.Nil(err)
	assert.Nil(result)
}

func (t *SerialTests) TestDocumentTimeout() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	// a 50ms deadline against a fixture that stalls until released
	release := fixture.Stall()
	defer release()

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("slow.md"), json.RawMessage(`{"document_timeout": 0.05}`),
		tasks.InBodyTarget{})
	assert.Nil(err)

	task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
	assert.Nil(err)
	if !task.Completed() {
		task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
		assert.Nil(err)
	}
	assert.Equal(tasks.TaskStatusFailure, task.Status)
	assert.Contains(task.ErrorMessage, "deadline")
}

func (t *SerialTests) TestClearResultsRemovesScratchDirectories() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("a.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)

	task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
	assert.Nil(err)
	if !task.Completed() {
		task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
		assert.Nil(err)
	}
	assert.Equal(tasks.TaskStatusSuccess, task.Status)

	scratch := filepath.Join(TESTING_DIR, "scratch", task.Id)
	_, err = os.Stat(scratch)
	assert.Nil(err)

	assert.Nil(orch.ClearResults(ctx, 0))

	// the record and its scratch directory are both gone
	_, err = orch.TaskStatus(ctx, task.Id, 0)
	var notFound *tasks.NotFoundError
	assert.ErrorAs(err, &notFound)
	_, err = os.Stat(scratch)
	assert.True(os.IsNotExist(err))
}

func (t *SerialTests) TestDeleteTaskIsIdempotent() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("a.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)

	assert.Nil(orch.DeleteTask(ctx, task.Id))
	assert.Nil(orch.DeleteTask(ctx, task.Id)) // second delete is a no-op
	assert.Nil(orch.DeleteTask(ctx, "never-existed"))

	_, err = orch.TaskStatus(ctx, task.Id, 0)
	var notFound *tasks.NotFoundError
	assert.ErrorAs(err, &notFound)
}

func (t *SerialTests) TestSubscribeProgressDeliversTerminalSnapshot() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("a.md", "b.md", "c.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)

	updates, cancel, err := orch.SubscribeProgress(ctx, task.Id)
	assert.Nil(err)
	defer cancel()

	var last tasks.Task
	received := false
	for snapshot := range updates {
		last = snapshot
		received = true
	}
	assert.True(received)
	assert.Equal(tasks.TaskStatusSuccess, last.Status)
	assert.Equal(3, last.Meta.NumProcessed)

	// subscribing to an unknown task fails
	_, _, err = orch.SubscribeProgress(ctx, "never-existed")
	var notFound *tasks.NotFoundError
	assert.ErrorAs(err, &notFound)
}

func (t *SerialTests) TestSubscribeProgressOnCompletedTask() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	ctx := context.Background()
	task, err := orch.Enqueue(ctx, tasks.TaskTypeConvert,
		fileSources("a.md"), nil, tasks.InBodyTarget{})
	assert.Nil(err)
	task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
	assert.Nil(err)
	if !task.Completed() {
		task, err = orch.TaskStatus(ctx, task.Id, 5*time.Second)
		assert.Nil(err)
	}
	assert.True(task.Completed())

	// a late subscriber still gets exactly the terminal snapshot
	updates, cancel, err := orch.SubscribeProgress(ctx, task.Id)
	assert.Nil(err)
	defer cancel()
	snapshot, open := <-updates
	assert.True(open)
	assert.Equal(tasks.TaskStatusSuccess, snapshot.Status)
	_, open = <-updates
	assert.False(open)
}

func (t *SerialTests) TestClearConverters() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	before := fixture.NumCleared()
	assert.Nil(orch.ClearConverters(context.Background()))
	assert.Equal(before+1, fixture.NumCleared())
}

func (t *SerialTests) TestHealthAndUnknownTask() {
	assert := assert.New(t.Test)
	orch := startOrchestrator(t.Test, 1, 0)
	defer stopOrchestrator(orch)

	ctx := context.Background()
	assert.Nil(orch.CheckHealth(ctx))

	_, err := orch.TaskStatus(ctx, "never-existed", 0)
	var notFound *tasks.NotFoundError
	assert.ErrorAs(err, &notFound)

	// unknown results are not an error
	result, err := orch.TaskResult(ctx, "never-existed")
	assert.Nil(err)
	assert.Nil(result)
}

// runs the serial tests
func TestRunner(t *testing.T) {
	tester := SerialTests{Test: t}
	tester.TestConvertTaskLifecycle()
	tester.TestChunkTaskProducesChunks()
	tester.TestEmptySourcesAreRejected()
	tester.TestBoundedQueueRejectsOverflow()
	tester.TestUnboundedQueueAdmitsLargeBacklogs()
	tester.TestSubscribeNearCompletionStillCloses()
	tester.TestLongPollReturnsEarly()
	tester.TestFailedConversionReportsMessage()
	tester.TestDocumentTimeout()
	tester.TestClearResultsRemovesScratchDirectories()
	tester.TestDeleteTaskIsIdempotent()
	tester.TestSubscribeProgressDeliversTerminalSnapshot()
	tester.TestSubscribeProgressOnCompletedTask()
	tester.TestClearConverters()
	tester.TestHealthAndUnknownTask()
}

// runs setup, runs all tests, does breakdown
func TestMain(m *testing.M) {
	setup()
	status := m.Run()
	breakdown()
	os.Exit(status)
}
