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

package servetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/docserve/docserve/engines/rq"
	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// This type is an in-memory JobQueue test fixture. It mimics the Redis-backed
// queue's semantics (FIFO jobs, separate job/projection/result records) and
// adds two fault-injection knobs: DropJob simulates a queue record expiring
// under its TTL, and InjectFailures makes named operations fail transiently.
type Queue struct {
	mutex       sync.Mutex
	queue       []string // job ids awaiting a worker, oldest last
	jobs        map[string]*fakeJob
	projections map[string]tasks.Task
	results     map[string]*pipelines.Result
	resultKeys  map[string]string
	heartbeats  map[string]time.Time
	failures    map[string]int // remaining transient failures, by operation
	closed      bool
	wake        chan struct{}
}

type fakeJob struct {
	state   rq.JobState
	payload []byte
}

func NewQueue() *Queue {
	return &Queue{
		jobs:        make(map[string]*fakeJob),
		projections: make(map[string]tasks.Task),
		results:     make(map[string]*pipelines.Result),
		resultKeys:  make(map[string]string),
		heartbeats:  make(map[string]time.Time),
		failures:    make(map[string]int),
		wake:        make(chan struct{}, 1),
	}
}

//-----------------
// Fault injection
//-----------------

// Removes a job record without touching the projection, as TTL eviction or a
// worker host crash would. The next reconciliation of the task sees "gone".
func (q *Queue) DropJob(jobId string) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.jobs, jobId)
	q.queue = slices.DeleteFunc(q.queue, func(id string) bool { return id == jobId })
}

// Makes the next count calls to the named operation ("JobState",
// "LoadProjection", "Ping", ...) fail with a transient error.
func (q *Queue) InjectFailures(op string, count int) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.failures[op] = count
}

// returns the projection stored for a task, for assertions
func (q *Queue) Projection(taskId string) (tasks.Task, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	task, found := q.projections[taskId]
	return task, found
}

// must be called with the mutex held
func (q *Queue) takeFailure(op string) error {
	if q.failures[op] > 0 {
		q.failures[op]--
		return fmt.Errorf("injected transient %s failure", op)
	}
	return nil
}

//--------------------
// JobQueue interface
//--------------------

func (q *Queue) EnqueueJob(ctx context.Context, jobId string, payload []byte) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if err := q.takeFailure("EnqueueJob"); err != nil {
		return err
	}
	q.jobs[jobId] = &fakeJob{state: rq.JobStateQueued, payload: payload}
	q.queue = append([]string{jobId}, q.queue...)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) JobState(ctx context.Context, jobId string) (rq.JobState, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if err := q.takeFailure("JobState"); err != nil {
		return "", err
	}
	job, found := q.jobs[jobId]
	if !found {
		return "", rq.ErrJobGone
	}
	return job.state, nil
}

func (q *Queue) JobPosition(ctx context.Context, jobId string) (*int, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if err := q.takeFailure("JobPosition"); err != nil {
		return nil, err
	}
	for i := len(q.queue) - 1; i >= 0; i-- {
		if q.queue[i] == jobId {
			position := len(q.queue) - i
			return &position, nil
		}
	}
	return nil, nil
}

func (q *Queue) FetchJob(ctx context.Context, wait time.Duration) (string, []byte, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mutex.Lock()
		if len(q.queue) > 0 {
			jobId := q.queue[len(q.queue)-1]
			q.queue = q.queue[:len(q.queue)-1]
			job := q.jobs[jobId]
			if job == nil {
				q.mutex.Unlock()
				return "", nil, rq.ErrJobGone
			}
			job.state = rq.JobStateStarted
			q.mutex.Unlock()
			return jobId, job.payload, nil
		}
		q.mutex.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil, rq.ErrNotStored
		}
		select {
		case <-q.wake:
		case <-time.After(remaining):
			return "", nil, rq.ErrNotStored
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

func (q *Queue) SetJobState(ctx context.Context, jobId string, state rq.JobState) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if job, found := q.jobs[jobId]; found {
		job.state = state
	}
	return nil
}

func (q *Queue) DeleteJob(ctx context.Context, jobId string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.jobs, jobId)
	q.queue = slices.DeleteFunc(q.queue, func(id string) bool { return id == jobId })
	return nil
}

func (q *Queue) StoreResult(ctx context.Context, resultKey string,
	result *pipelines.Result) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if err := q.takeFailure("StoreResult"); err != nil {
		return err
	}
	q.results[resultKey] = result
	return nil
}

func (q *Queue) FetchResult(ctx context.Context, resultKey string) (*pipelines.Result, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if err := q.takeFailure("FetchResult"); err != nil {
		return nil, err
	}
	result, found := q.results[resultKey]
	if !found {
		return nil, rq.ErrNotStored
	}
	return result, nil
}

func (q *Queue) DeleteResult(ctx context.Context, resultKey string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.results, resultKey)
	return nil
}

func (q *Queue) StoreResultKey(ctx context.Context, taskId, resultKey string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.resultKeys[taskId] = resultKey
	return nil
}

func (q *Queue) LoadResultKey(ctx context.Context, taskId string) (string, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	key, found := q.resultKeys[taskId]
	if !found {
		return "", rq.ErrNotStored
	}
	return key, nil
}

func (q *Queue) DeleteResultKey(ctx context.Context, taskId string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.resultKeys, taskId)
	return nil
}

func (q *Queue) StoreProjection(ctx context.Context, task tasks.Task) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if err := q.takeFailure("StoreProjection"); err != nil {
		return err
	}
	q.projections[task.Id] = task
	return nil
}

func (q *Queue) LoadProjection(ctx context.Context, taskId string) (tasks.Task, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if err := q.takeFailure("LoadProjection"); err != nil {
		return tasks.Task{}, err
	}
	task, found := q.projections[taskId]
	if !found {
		return tasks.Task{}, rq.ErrNotStored
	}
	return task, nil
}

func (q *Queue) DeleteProjection(ctx context.Context, taskId string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.projections, taskId)
	return nil
}

func (q *Queue) QueueLength(ctx context.Context) (int, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if err := q.takeFailure("QueueLength"); err != nil {
		return 0, err
	}
	return len(q.queue), nil
}

func (q *Queue) WorkerCount(ctx context.Context) (int, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	count := 0
	for _, beat := range q.heartbeats {
		if time.Since(beat) < 90*time.Second {
			count++
		}
	}
	return count, nil
}

func (q *Queue) Heartbeat(ctx context.Context, workerId string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.heartbeats[workerId] = time.Now()
	return nil
}

func (q *Queue) Ping(ctx context.Context) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.takeFailure("Ping")
}

func (q *Queue) Close() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.closed = true
	return nil
}
