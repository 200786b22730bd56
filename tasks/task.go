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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// the kind of work a task performs
type TaskType string

const (
	TaskTypeConvert TaskType = "convert"
	TaskTypeChunk   TaskType = "chunk"
)

// the lifecycle status of a task (pending -> started -> success | failure;
// a task may skip "started" if its worker transitions directly)
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusStarted TaskStatus = "started"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailure TaskStatus = "failure"
)

// returns true for the terminal statuses
func (status TaskStatus) Terminal() bool {
	return status == TaskStatusSuccess || status == TaskStatusFailure
}

// This type holds the document-processing counters carried by every task.
// NumProcessed is always the sum of NumSucceeded and NumFailed.
type ProcessingMeta struct {
	NumDocs      int `json:"num_docs"`
	NumProcessed int `json:"num_processed"`
	NumSucceeded int `json:"num_succeeded"`
	NumFailed    int `json:"num_failed"`
}

// This type tracks the lifecycle of a single document conversion or chunking
// task end-to-end. The orchestrator owns the record; in the distributed
// engine, a durable projection of it lives in the external store under
// {prefix}{task_id}:metadata.
type Task struct {
	Id           string          `json:"task_id"`               // task identifier (UUID string)
	Type         TaskType        `json:"task_type"`             // convert or chunk
	Status       TaskStatus      `json:"task_status"`           // current lifecycle status
	Sources      SourceList      `json:"sources"`               // input descriptors (opaque to the orchestrator)
	Options      json.RawMessage `json:"options,omitempty"`     // pipeline configuration, preserved bit-for-bit
	Target       TargetSpec      `json:"target"`                // where results are delivered
	Meta         ProcessingMeta  `json:"task_meta"`             // document-processing counters
	CreatedAt    time.Time       `json:"created_at"`            // submission time (UTC)
	StartedAt    time.Time       `json:"started_at,omitempty"`  // time a worker picked the task up
	FinishedAt   time.Time       `json:"finished_at,omitempty"` // set iff Status is terminal
	ErrorMessage string          `json:"error_message,omitempty"`
	ResultKey    string          `json:"result_key,omitempty"`  // external result pointer (distributed engine)
	ScratchDir   string          `json:"scratch_dir,omitempty"` // task-private directory for intermediate artifacts
}

// creates a new pending task with a fresh identifier
func NewTask(taskType TaskType, sources []Source, options json.RawMessage,
	target Target) Task {
	return Task{
		Id:        uuid.NewString(),
		Type:      taskType,
		Status:    TaskStatusPending,
		Sources:   SourceList(sources),
		Options:   options,
		Target:    TargetSpec{Target: target},
		CreatedAt: time.Now().UTC(),
	}
}

// returns true if the task has completed (successfully or not), false otherwise
func (task Task) Completed() bool {
	return task.Status.Terminal()
}

// returns the duration since the task completed (successfully or otherwise),
// or 0 if the task has not completed
func (task Task) Age() time.Duration {
	if task.Completed() {
		return time.Since(task.FinishedAt)
	}
	return time.Duration(0)
}

// marks the task failed with the given message, setting its completion time
func (task *Task) Fail(message string) {
	task.Status = TaskStatusFailure
	task.ErrorMessage = message
	task.FinishedAt = time.Now().UTC()
}

// marks the task succeeded, setting its completion time
func (task *Task) Succeed(resultKey string) {
	task.Status = TaskStatusSuccess
	task.ResultKey = resultKey
	task.FinishedAt = time.Now().UTC()
}

// This helper extracts the per-document timeout from an opaque options blob.
// Pipelines honor the deadline cooperatively; the orchestrator uses it to
// bound each task's context. A zero duration means no deadline.
func DocumentTimeout(options json.RawMessage) time.Duration {
	if len(options) == 0 {
		return 0
	}
	var opts struct {
		DocumentTimeout float64 `json:"document_timeout"`
	}
	if err := json.Unmarshal(options, &opts); err != nil || opts.DocumentTimeout <= 0 {
		return 0
	}
	return time.Duration(opts.DocumentTimeout * float64(time.Second))
}

// The distributed engine ships tasks to workers as JSON job payloads. The
// payload excludes process-local fields (result pointers, scratch paths).
func (task Task) JobPayload() ([]byte, error) {
	payload := task
	payload.ResultKey = ""
	payload.ScratchDir = ""
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling job payload for task %s: %s",
			task.Id, err.Error())
	}
	return data, nil
}

// reconstructs a task from a job payload
func TaskFromJobPayload(data []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return task, fmt.Errorf("unmarshalling job payload: %s", err.Error())
	}
	return task, nil
}
