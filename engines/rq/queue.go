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

// This package implements the distributed engine: tasks travel through a
// durable Redis-backed job queue, and the orchestrator acts as a client of
// that queue, reconciling its cached view of each task against the
// authoritative job record.
package rq

import (
	"context"
	"errors"
	"time"

	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// the lifecycle state of a job record in the queue service
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateScheduled JobState = "scheduled"
	JobStateStarted   JobState = "started"
	JobStateFinished  JobState = "finished"
	JobStateFailed    JobState = "failed"
	JobStateStopped   JobState = "stopped"
	JobStateCanceled  JobState = "canceled"
)

// maps a job state onto a task status; unrecognized states collapse to
// failure rather than leaving a client stuck on an unknown status
func (state JobState) TaskStatus() tasks.TaskStatus {
	switch state {
	case JobStateQueued, JobStateScheduled:
		return tasks.TaskStatusPending
	case JobStateStarted:
		return tasks.TaskStatusStarted
	case JobStateFinished:
		return tasks.TaskStatusSuccess
	default:
		return tasks.TaskStatusFailure
	}
}

// the explicit "no such job" signal from the queue service, distinct from a
// transient connection or timeout error
var ErrJobGone = errors.New("no such job in the queue")

// the projection/result analogue of ErrJobGone: the key is genuinely absent,
// not merely unreachable
var ErrNotStored = errors.New("no such record in the store")

// JobQueue is the docserve view of the durable queue service. The production
// implementation is Redis-backed (see redis.go); tests substitute an
// in-memory fake. Every method that can fail distinguishes "gone" (ErrJobGone,
// ErrNotStored) from transient unavailability (any other error), because the
// reconciler treats the two very differently.
type JobQueue interface {
	// pushes a job payload onto the queue under the given job id
	EnqueueJob(ctx context.Context, jobId string, payload []byte) error
	// returns the authoritative state of the job, or ErrJobGone
	JobState(ctx context.Context, jobId string) (JobState, error)
	// returns the 1-based rank of a queued job, or nil if it is not queued
	JobPosition(ctx context.Context, jobId string) (*int, error)
	// Pops the next job, blocking up to the given duration. Returns
	// ErrNotStored when the wait elapses with the queue empty.
	FetchJob(ctx context.Context, wait time.Duration) (jobId string, payload []byte, err error)
	// marks a job's state, refreshing its record TTL for terminal states
	SetJobState(ctx context.Context, jobId string, state JobState) error
	// removes the job record (idempotent)
	DeleteJob(ctx context.Context, jobId string) error

	// result storage, keyed by opaque result keys minted at completion
	StoreResult(ctx context.Context, resultKey string, result *pipelines.Result) error
	FetchResult(ctx context.Context, resultKey string) (*pipelines.Result, error)
	DeleteResult(ctx context.Context, resultKey string) error

	// the per-task pointer from task id to result key
	StoreResultKey(ctx context.Context, taskId, resultKey string) error
	LoadResultKey(ctx context.Context, taskId string) (string, error)
	DeleteResultKey(ctx context.Context, taskId string) error

	// the durable task projection, keyed by task id
	StoreProjection(ctx context.Context, task tasks.Task) error
	LoadProjection(ctx context.Context, taskId string) (tasks.Task, error)
	DeleteProjection(ctx context.Context, taskId string) error

	// the number of jobs awaiting a worker
	QueueLength(ctx context.Context) (int, error)
	// the number of workers with a recent heartbeat
	WorkerCount(ctx context.Context) (int, error)
	// records a worker heartbeat
	Heartbeat(ctx context.Context, workerId string) error
	// reports whether the queue service is reachable
	Ping(ctx context.Context) error
	// releases the connection to the queue service
	Close() error
}
