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

package tasks

import (
	"fmt"
)

// indicates that a task is sought but not found in the queue, the durable
// projection, or the in-memory cache
type NotFoundError struct {
	Id string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("The task %s was not found.", e.Id)
}

// indicates that a submission was malformed (empty sources, unknown variant
// kinds, mutually exclusive options)
type InvalidRequestError struct {
	Message string
}

func (e InvalidRequestError) Error() string {
	return fmt.Sprintf("Invalid request: %s", e.Message)
}

// indicates that a bounded engine rejected an admission because it is
// saturated; callers are expected to retry
type QueueFullError struct {
	Size int // the configured bound
}

func (e QueueFullError) Error() string {
	return fmt.Sprintf("The task queue is full (%d tasks admitted).", e.Size)
}

// indicates that a synchronous wait exceeded its bound, or that a per-task
// deadline was exceeded
type TimeoutError struct {
	Id string
}

func (e TimeoutError) Error() string {
	if e.Id != "" {
		return fmt.Sprintf("Task %s timed out.", e.Id)
	}
	return "The request timed out before the task completed."
}

// indicates that the queue service or object store stayed unreachable after
// bounded retries
type UpstreamUnavailableError struct {
	Op      string // the operation that failed
	Message string
}

func (e UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("The queue service is unavailable (%s): %s", e.Op, e.Message)
}

// indicates that the pipeline returned an error; the task carries the
// preserved message and a failure status
type PipelineFailureError struct {
	Id      string
	Message string
}

func (e PipelineFailureError) Error() string {
	return fmt.Sprintf("Task %s: pipeline failure: %s", e.Id, e.Message)
}
