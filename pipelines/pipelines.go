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

// This package defines the contract between the task orchestrator and the
// document processing pipeline. The pipeline itself (OCR, PDF parsing, table
// recognition, chunking) is an external collaborator: a provider registers a
// factory here and the orchestrator drives it through the Pipeline interface.
package pipelines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docserve/docserve/tasks"
)

// This type carries one converted document. Which content fields are
// populated depends on the requested output formats.
type Document struct {
	Filename       string          `json:"filename"`
	MdContent      string          `json:"md_content,omitempty"`
	JsonContent    json.RawMessage `json:"json_content,omitempty"`
	HtmlContent    string          `json:"html_content,omitempty"`
	TextContent    string          `json:"text_content,omitempty"`
	DoctagsContent string          `json:"doctags_content,omitempty"`
}

// This type carries one chunk of a chunked document.
type Chunk struct {
	Filename    string   `json:"filename"`
	ChunkIndex  int      `json:"chunk_index"`
	Text        string   `json:"chunk_text"`
	Headings    []string `json:"headings,omitempty"`
	PageNumbers []int    `json:"page_numbers,omitempty"`
}

// This type holds everything a pipeline run produced. Conversion runs
// populate Documents; chunking runs populate Chunks as well.
type Result struct {
	Documents      []Document `json:"documents"`
	Chunks         []Chunk    `json:"chunks,omitempty"`
	ProcessingTime float64    `json:"processing_time"` // seconds
	Errors         []string   `json:"errors,omitempty"`
}

// Pipelines report progress through a callback so the orchestrator can keep
// task counters current and notify subscribers. Updates arrive in two kinds,
// mirroring the worker-side callback protocol.

// announces the total number of documents the run will process
type ProgressSetNumDocs struct {
	NumDocs int
}

// reports cumulative per-document completion counts
type ProgressUpdateProcessed struct {
	NumProcessed int
	NumSucceeded int
	NumFailed    int
}

// the progress callback; invoked with one of the progress types above
type ProgressFunc func(update any)

// Pipeline is the interface the orchestrator consumes. Convert and Chunk are
// pure with respect to orchestrator state: sources and options pass through
// opaquely and the result (or error) comes back whole. Both must observe
// ctx cancellation at their next checkpoint.
type Pipeline interface {
	// converts the given sources, writing intermediate artifacts under
	// scratchDir, reporting progress as it goes
	Convert(ctx context.Context, sources []tasks.Source, options json.RawMessage,
		scratchDir string, progress ProgressFunc) (*Result, error)
	// chunks the given sources (converting them first if needed)
	Chunk(ctx context.Context, sources []tasks.Source, options json.RawMessage,
		scratchDir string, progress ProgressFunc) (*Result, error)
	// warms any model or converter caches ahead of the first task
	WarmUp() error
	// drops any warmed caches
	ClearCaches()
}

// creates a pipeline instance
type Factory func() (Pipeline, error)

// indicates that a pipeline provider name has already been registered
type AlreadyRegisteredError struct {
	Name string
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("The pipeline provider %s has already been registered.", e.Name)
}

// indicates that no pipeline provider with the given name is registered
type NotRegisteredError struct {
	Name string
}

func (e NotRegisteredError) Error() string {
	return fmt.Sprintf("No pipeline provider named %s has been registered.", e.Name)
}

// we maintain a table of pipeline factories, identified by their names
var allFactories = make(map[string]Factory)

// we cache instances so every engine worker shares warmed converter state
var allPipelines = make(map[string]Pipeline)

// Registers a pipeline provider under the given name. The document
// conversion backend calls this at startup; tests register fakes the same
// way.
func RegisterPipeline(name string, factory Factory) error {
	if _, found := allFactories[name]; found {
		return &AlreadyRegisteredError{Name: name}
	}
	allFactories[name] = factory
	return nil
}

// creates a pipeline with the given registered provider name, or returns an
// existing instance
func NewPipeline(name string) (Pipeline, error) {
	if pipeline, found := allPipelines[name]; found {
		return pipeline, nil
	}
	factory, found := allFactories[name]
	if !found {
		return nil, &NotRegisteredError{Name: name}
	}
	pipeline, err := factory()
	if err == nil {
		allPipelines[name] = pipeline // stash it
	}
	return pipeline, err
}
