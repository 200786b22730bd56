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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/docserve/docserve/engines"
	"github.com/docserve/docserve/tasks"
)

// transient queue errors are retried this many times before we give up on
// the authoritative source and fall back to the projection or the cache
const reconcileAttempts = 3

// The reconciler merges three diverging views of a task: the authoritative
// job record in the queue service, the durable projection, and the in-memory
// cache. Reads prefer the queue, fall back to the projection, and use the
// cache as a last resort; a job that has vanished from the queue while its
// projection is still non-terminal is an orphan and is reclassified as a
// failure. This is the only permitted non-terminal -> terminal correction.
func (orch *Orchestrator) reconcile(ctx context.Context, taskId string) (tasks.Task, error) {

	// step 1: ask the queue service for the authoritative job state
	state, err := withRetries(ctx, func() (JobState, error) {
		return orch.queue.JobState(ctx, taskId)
	})
	if err == nil {
		return orch.adoptJobState(ctx, taskId, state), nil
	}
	jobGone := errors.Is(err, ErrJobGone)

	// step 2: fall back to the durable projection
	projection, perr := withRetries(ctx, func() (tasks.Task, error) {
		return orch.queue.LoadProjection(ctx, taskId)
	})
	if perr == nil {
		switch {
		case projection.Completed() && jobGone:
			// The job completed and its queue record expired under its TTL.
			// Nothing left to track or point at.
			orch.queue.DeleteResultKey(ctx, taskId)
			orch.tracker.Delete(taskId)
			return projection, nil

		case !projection.Completed() && jobGone:
			return orch.reclassifyOrphan(ctx, projection), nil

		case !projection.Completed() && !jobGone:
			// The queue was merely unreachable; revalidate once in case the
			// failures were a blip.
			if state, rerr := orch.queue.JobState(ctx, taskId); rerr == nil &&
				state.TaskStatus() != projection.Status {
				return orch.adoptJobState(ctx, taskId, state), nil
			}
			return projection, nil

		default: // terminal projection, queue unreachable
			return projection, nil
		}
	}

	if errors.Is(perr, ErrNotStored) && jobGone {
		// no record anywhere
		orch.tracker.Delete(taskId)
		return tasks.Task{}, &tasks.NotFoundError{Id: taskId}
	}

	// step 3: last-resort fallback to the in-memory cache; the client will
	// retry once the queue service recovers
	if cached, found := orch.tracker.Get(taskId); found {
		return cached, nil
	}
	if errors.Is(perr, ErrNotStored) {
		return tasks.Task{}, &tasks.NotFoundError{Id: taskId}
	}
	return tasks.Task{}, &tasks.UpstreamUnavailableError{
		Op:      "reconcile",
		Message: fmt.Sprintf("task %s: queue: %s; projection: %s",
			taskId, err.Error(), perr.Error()),
	}
}

// Adopts a job state observed from the queue onto the task record, writing
// through to the projection and the cache. The cache applies the terminal
// guard: a cached terminal status is never stomped by a stale non-terminal
// one, and in that case the projection write is skipped too.
func (orch *Orchestrator) adoptJobState(ctx context.Context, taskId string,
	state JobState) tasks.Task {

	base, found := orch.tracker.Get(taskId)
	if !found {
		if projection, err := orch.queue.LoadProjection(ctx, taskId); err == nil {
			base = projection
			found = true
		}
	}
	if !found {
		// a job with no projection and no cache entry, likely enqueued by
		// another instance before its projection write landed
		base = tasks.Task{Id: taskId, CreatedAt: time.Now().UTC()}
	}

	status := state.TaskStatus()
	previous := base.Status
	if !base.Completed() && base.Status != status {
		base.Status = status
		switch status {
		case tasks.TaskStatusStarted:
			if base.StartedAt.IsZero() {
				base.StartedAt = time.Now().UTC()
			}
		case tasks.TaskStatusSuccess:
			if base.ResultKey == "" {
				if key, err := orch.queue.LoadResultKey(ctx, taskId); err == nil {
					base.ResultKey = key
				}
			}
			if base.FinishedAt.IsZero() {
				base.FinishedAt = time.Now().UTC()
			}
		case tasks.TaskStatusFailure:
			if base.ErrorMessage == "" {
				base.ErrorMessage = fmt.Sprintf("Job entered state %q on the worker side.", state)
			}
			if base.FinishedAt.IsZero() {
				base.FinishedAt = time.Now().UTC()
			}
		}
	}

	snapshot := orch.tracker.Adopt(base)
	if snapshot.Status != base.Status {
		// the cache vetoed the write-through; its terminal snapshot wins
		return snapshot
	}
	if err := orch.queue.StoreProjection(ctx, snapshot); err != nil {
		slog.Debug(fmt.Sprintf("Task %s: projection write-through failed: %s",
			taskId, err.Error()))
	}
	if snapshot.Status != previous {
		orch.bus.Publish(snapshot)
		if snapshot.Completed() {
			engines.RecordToJournal(snapshot)
		}
	}
	return snapshot
}

// Reclassifies an orphaned task: its projection says pending or started, but
// the queue has no job record, so no worker will ever finish it. Without this
// correction a polling client would wait forever.
func (orch *Orchestrator) reclassifyOrphan(ctx context.Context,
	projection tasks.Task) tasks.Task {

	oldStatus := projection.Status
	projection.Fail(fmt.Sprintf("Task orphaned: queue job expired while status "+
		"was %s. Likely caused by worker restart or storage eviction.", oldStatus))
	slog.Warn(fmt.Sprintf("Task %s: orphaned (was %s)", projection.Id, oldStatus))

	if err := orch.queue.StoreProjection(ctx, projection); err != nil {
		slog.Error(fmt.Sprintf("Task %s: storing orphan projection: %s",
			projection.Id, err.Error()))
	}
	orch.bus.Publish(projection)
	engines.RecordToJournal(projection)
	orch.tracker.Delete(projection.Id)
	return projection
}

// Retries a queue operation with exponential backoff on transient errors.
// "Gone" signals are definitive answers, not failures, so they short-circuit.
func withRetries[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var value T
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.Multiplier = 4
	policy.RandomizationFactor = 0

	err := backoff.Retry(func() error {
		var err error
		value, err = op()
		if errors.Is(err, ErrJobGone) || errors.Is(err, ErrNotStored) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, reconcileAttempts-1), ctx))
	return value, err
}
