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
	"errors"
	"fmt"
	"log/slog"

	"github.com/docserve/docserve/journal"
	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// ApplyProgress folds a pipeline progress update into a task's counters.
// Counters are monotonically non-decreasing, so stale updates are ignored.
func ApplyProgress(task *tasks.Task, update any) {
	switch u := update.(type) {
	case pipelines.ProgressSetNumDocs:
		if u.NumDocs > task.Meta.NumDocs {
			task.Meta.NumDocs = u.NumDocs
		}
	case pipelines.ProgressUpdateProcessed:
		if u.NumProcessed > task.Meta.NumProcessed {
			task.Meta.NumProcessed = u.NumProcessed
			task.Meta.NumSucceeded = u.NumSucceeded
			task.Meta.NumFailed = u.NumFailed
		}
	}
}

// RecordToJournal writes a terminal task to the journal. A closed journal is
// not an error worth surfacing to callers; it just gets a debug line.
func RecordToJournal(task tasks.Task) {
	err := journal.RecordTask(journal.Record{
		Id:           task.Id,
		Type:         string(task.Type),
		Status:       string(task.Status),
		NumDocs:      task.Meta.NumDocs,
		NumSucceeded: task.Meta.NumSucceeded,
		NumFailed:    task.Meta.NumFailed,
		CreatedAt:    task.CreatedAt,
		FinishedAt:   task.FinishedAt,
		ErrorMessage: task.ErrorMessage,
	})
	var notOpen *journal.NotOpenError
	if err != nil && !errors.As(err, &notOpen) {
		slog.Debug(fmt.Sprintf("Task %s: journal write failed: %s", task.Id, err.Error()))
	}
}
